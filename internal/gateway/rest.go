package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/internal/thread"
)

// errorKind names the taxonomy bucket for wire payloads.
func errorKind(err error) string {
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, store.ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, store.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, store.ErrInvariant):
		return "internal"
	default:
		return "internal"
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, store.ErrBudgetExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error": errorKind(err),
		"message": err.Error(),
	})
}

// requireAuth guards the REST surface with the bearer token.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, store.ErrUnauthorized)
			return
		}
		next(w, r)
	}
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, store.ErrInvalidInput
	}
	return id, nil
}

func (s *Server) registerREST(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/threads", s.requireAuth(s.handleListThreads))
	mux.HandleFunc("GET /api/threads/{id}", s.requireAuth(s.handleGetThread))
	mux.HandleFunc("GET /api/threads/{id}/events", s.requireAuth(s.handleListEvents))
	mux.HandleFunc("GET /api/threads/{id}/lineage", s.requireAuth(s.handleLineage))
	mux.HandleFunc("POST /api/threads/{id}/fork", s.requireAuth(s.handleFork))
	mux.HandleFunc("POST /api/threads/{id}/compact", s.requireAuth(s.handleCompact))
	mux.HandleFunc("POST /api/threads/{id}/refs", s.requireAuth(s.handleAddRef))
	mux.HandleFunc("GET /api/threads/by-ref/{owner}/{repo}/{type}/{number}", s.requireAuth(s.handleByRef))
	mux.HandleFunc("GET /api/threads/search", s.requireAuth(s.handleSearch))
	mux.HandleFunc("DELETE /api/conversations/{id}", s.requireAuth(s.handleDelete))
	mux.HandleFunc("POST /api/threads/{id}/archive", s.requireAuth(s.handleArchive))
	mux.HandleFunc("GET /api/usage/budget", s.requireAuth(s.handleBudget))
	mux.HandleFunc("GET /api/usage/stats", s.requireAuth(s.handleStats))
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ThreadFilter{
		Status: store.ThreadStatus(q.Get("status")),
		Repo:   q.Get("repo"),
		Tag:    q.Get("tag"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	threads, err := s.stores.Threads.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if threads == nil {
		threads = []*store.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	th, err := s.stores.Threads.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	opts := store.EventListOpts{
		IncludeCompacted: q.Get("include_compacted") == "true",
	}
	if v := q.Get("before"); v != "" {
		opts.BeforeSeq, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("after"); v != "" {
		opts.AfterSeq, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}

	// 404 for an unknown thread, not an empty list.
	if _, err := s.stores.Threads.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.stores.Events.List(r.Context(), id, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	lin, err := s.threads.Lineage(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lin)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Topic     string `json:"topic"`
		Compact   bool   `json:"compact"`
		ForkEvent string `json:"fork_event,omitempty"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body) // empty body = defaults
	}
	var forkEvent *uuid.UUID
	if body.ForkEvent != "" {
		fe, err := uuid.Parse(body.ForkEvent)
		if err != nil {
			writeError(w, store.ErrInvalidInput)
			return
		}
		forkEvent = &fe
	}
	child, err := s.threads.Fork(r.Context(), id, forkEvent, body.Topic, body.Compact)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, child)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.threads.Compact(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddRef(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		RefType string `json:"ref_type"`
		Repo    string `json:"repo"`
		Number  string `json:"number"`
		URL     string `json:"url,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefType == "" || body.Repo == "" || body.Number == "" {
		writeError(w, store.ErrInvalidInput)
		return
	}
	ref := &store.Reference{
		ThreadID: id,
		Type:     store.RefType(body.RefType),
		Repo:     body.Repo,
		Number:   body.Number,
		Status:   store.RefUnknown,
		URL:      body.URL,
	}
	if err := s.stores.Refs.Upsert(r.Context(), ref); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *Server) handleByRef(w http.ResponseWriter, r *http.Request) {
	repo := r.PathValue("owner") + "/" + r.PathValue("repo")
	refType := store.RefType(r.PathValue("type"))
	number := r.PathValue("number")

	tid, err := s.stores.Refs.FindThread(r.Context(), repo, refType, number)
	if err != nil {
		writeError(w, err)
		return
	}
	th, err := s.stores.Threads.Get(r.Context(), tid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	results, err := s.threads.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []*thread.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.threads.Archive(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.threads.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	spent, ceiling, period, err := s.budget.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"spent_usd":   spent,
		"ceiling_usd": ceiling,
		"period_days": period,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	stats, err := s.stores.Usage.Stats(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	if stats == nil {
		stats = []store.DayUsage{}
	}
	writeJSON(w, http.StatusOK, stats)
}
