package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/M3kH/gigi/internal/agent"
	"github.com/M3kH/gigi/internal/bus"
	"github.com/M3kH/gigi/internal/config"
	"github.com/M3kH/gigi/internal/providers"
	"github.com/M3kH/gigi/internal/router"
	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/internal/store/sqlite"
	"github.com/M3kH/gigi/internal/thread"
	"github.com/M3kH/gigi/internal/tools"
	"github.com/M3kH/gigi/internal/webhook"
	"github.com/M3kH/gigi/pkg/protocol"
)

type fixedProvider struct{}

func (fixedProvider) Name() string         { return "fixed" }
func (fixedProvider) DefaultModel() string { return "test" }
func (fixedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: "fixed summary"}, nil
}
func (fixedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	if onChunk != nil {
		onChunk(providers.StreamChunk{Content: "hello "})
		onChunk(providers.StreamChunk{Content: "world"})
		onChunk(providers.StreamChunk{Done: true})
	}
	return &providers.ChatResponse{Content: "hello world", Usage: &providers.Usage{InputTokens: 50, OutputTokens: 10, CostUSD: 0.0015}}, nil
}

func newGateway(t *testing.T) (*Server, *store.Stores, string) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "gigi.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	stores := sqlite.NewStores(db)
	b := bus.New()
	p := fixedProvider{}

	reg := tools.NewRegistry()
	reg.Seal()
	budget := agent.NewBudget(stores.Config, stores.Usage)
	runner := agent.NewRunner(agent.Config{
		Stores:   stores,
		Bus:      b,
		Provider: p,
		Registry: reg,
		Broker:   agent.NewQuestionBroker(stores.Questions, time.Second),
		Budget:   budget,
		Enforcer: agent.NewEnforcer(stores.Tasks, stores.Actions, agent.Detectors{}),
	})
	rt := router.New(stores, runner, b)
	threads := thread.NewService(stores, p, b)
	ing := webhook.NewIngester(stores, b, func(context.Context) string { return "secret" })

	srv := NewServer(Deps{
		Config:   config.GatewayConfig{Host: "127.0.0.1", Port: 0},
		Stores:   stores,
		Router:   rt,
		Threads:  threads,
		Budget:   budget,
		Bus:      b,
		Ingester: ing,
	})
	addr := StartTestServer(t, srv)
	return srv, stores, addr
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func post(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestHealthEndpoint(t *testing.T) {
	_, _, addr := newGateway(t)
	resp, body := get(t, "http://"+addr+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte(`"ok"`)) {
		t.Fatalf("body %s", body)
	}
}

func TestThreadNotFoundIs404(t *testing.T) {
	_, _, addr := newGateway(t)
	resp, _ := get(t, "http://"+addr+"/api/threads/00000000-0000-7000-8000-000000000000")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestForkEndToEnd(t *testing.T) {
	_, stores, addr := newGateway(t)
	ctx := context.Background()

	th, _ := stores.Threads.Create(ctx, store.ThreadSpec{Channel: store.ChannelWeb, Topic: "work"})
	for i := 0; i < 10; i++ {
		stores.Events.Append(ctx, &store.Event{
			ThreadID: th.ID, Direction: store.DirInbound, Actor: "user",
			Channel: store.ChannelWeb, Type: store.TypeText,
			Content: store.Content{Text: fmt.Sprintf("m%d", i)},
		})
	}

	resp, body := post(t, fmt.Sprintf("http://%s/api/threads/%s/fork", addr, th.ID), map[string]any{"compact": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fork status %d: %s", resp.StatusCode, body)
	}
	var child store.Thread
	json.Unmarshal(body, &child)

	resp, body = get(t, fmt.Sprintf("http://%s/api/threads/%s/lineage", addr, child.ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lineage status %d", resp.StatusCode)
	}
	var lin struct {
		Parent    *store.Thread `json:"parent"`
		ForkPoint *store.Event  `json:"fork_point"`
	}
	json.Unmarshal(body, &lin)
	if lin.Parent == nil || lin.Parent.ID != th.ID || lin.ForkPoint.Seq != 10 {
		t.Fatalf("lineage: %s", body)
	}

	_, body = get(t, fmt.Sprintf("http://%s/api/threads/%s/events", addr, child.ID))
	var events []*store.Event
	json.Unmarshal(body, &events)
	if len(events) != 1 || events[0].Type != store.TypeSummary {
		t.Fatalf("child events: %s", body)
	}
}

func TestDeleteLifecycle(t *testing.T) {
	_, stores, addr := newGateway(t)
	th, _ := stores.Threads.Create(context.Background(), store.ThreadSpec{Channel: store.ChannelWeb})

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("http://%s/api/conversations/%s", addr, th.ID), nil)
	resp, _ := http.DefaultClient.Do(req)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("delete unarchived: %d (invariant maps to 500)", resp.StatusCode)
	}

	post(t, fmt.Sprintf("http://%s/api/threads/%s/archive", addr, th.ID), nil)
	resp, _ = http.DefaultClient.Do(req)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete archived: %d", resp.StatusCode)
	}
}

func TestBudgetEndpoint(t *testing.T) {
	_, stores, addr := newGateway(t)
	ctx := context.Background()
	stores.Config.Set(ctx, store.ConfigBudgetCeilingUSD, "5.0")
	stores.Usage.Add(ctx, time.Now().UTC().Format("2006-01-02"), store.Usage{CostUSD: 1.25})

	resp, body := get(t, "http://"+addr+"/api/usage/budget")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out map[string]any
	json.Unmarshal(body, &out)
	if out["ceiling_usd"].(float64) != 5.0 || out["spent_usd"].(float64) != 1.25 {
		t.Fatalf("budget: %s", body)
	}
}

func TestChatOverWebSocket(t *testing.T) {
	_, stores, addr := newGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(msgType string, payload any) {
		data, err := protocol.EncodeClient(msgType, payload)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	read := func() *protocol.ServerMessage {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return &msg
	}

	// The server opens with a conversation_list snapshot.
	if first := read(); first.Type != protocol.ServerConversationList {
		t.Fatalf("opening frame %s, want conversation_list", first.Type)
	}

	// chat.new returns the conversation id.
	send(protocol.ClientChatNew, &protocol.ChatNew{Channel: store.ChannelWeb, Topic: "test"})
	created := read()
	if created.Type != protocol.ServerConversationUpdate || created.ConversationID == "" {
		t.Fatalf("chat.new reply: %+v", created)
	}
	cid := created.ConversationID

	// chat.send streams the turn.
	send(protocol.ClientChatSend, &protocol.ChatSend{ConversationID: cid, Message: "hello"})

	var sawStart, sawChunk, sawDone bool
	var doneUsage *protocol.UsageInfo
	deadline := time.Now().Add(5 * time.Second)
	for !sawDone && time.Now().Before(deadline) {
		msg := read()
		switch msg.Type {
		case protocol.ServerAgentStart:
			sawStart = true
		case protocol.ServerTextChunk:
			sawChunk = true
		case protocol.ServerAgentDone:
			sawDone = true
			raw, _ := json.Marshal(msg.Payload)
			var p protocol.AgentDonePayload
			json.Unmarshal(raw, &p)
			doneUsage = p.Usage
		case protocol.ServerError:
			t.Fatalf("server error: %+v", msg.Payload)
		}
	}
	if !sawStart || !sawChunk || !sawDone {
		t.Fatalf("segments: start=%v chunk=%v done=%v", sawStart, sawChunk, sawDone)
	}
	if doneUsage == nil || doneUsage.CostUSD <= 0 {
		t.Fatalf("agent_done usage: %+v", doneUsage)
	}

	// History: user + assistant with seq 1 and 2.
	_, body := get(t, fmt.Sprintf("http://%s/api/threads/%s/events", addr, cid))
	var events []*store.Event
	json.Unmarshal(body, &events)
	if len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("history: %s", body)
	}
	_ = stores
}

func TestBudgetExceededOverWebSocketIsErrorFrame(t *testing.T) {
	_, stores, addr := newGateway(t)
	ctx := context.Background()
	stores.Config.Set(ctx, store.ConfigBudgetCeilingUSD, "0.01")
	stores.Usage.Add(ctx, time.Now().UTC().Format("2006-01-02"), store.Usage{CostUSD: 0.02})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, _ := protocol.EncodeClient(protocol.ClientChatSend, &protocol.ChatSend{Message: "hi"})
	conn.WriteMessage(websocket.TextMessage, data)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg protocol.ServerMessage
		json.Unmarshal(raw, &msg)
		if msg.Type == protocol.ServerConversationList {
			continue
		}
		if msg.Type != protocol.ServerError {
			t.Fatalf("want error frame, got %s", msg.Type)
		}
		payload, _ := json.Marshal(msg.Payload)
		if !bytes.Contains(payload, []byte("budget_exceeded")) {
			t.Fatalf("error payload: %s", payload)
		}
		return
	}
	t.Fatal("no error frame arrived")
}
