package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/M3kH/gigi/internal/store"
)

// Normalized is one forge webhook reduced to what routing needs.
type Normalized struct {
	Kind    string // issues, pull_request, issue_comment, push, release, pipeline
	Action  string // opened, closed, reopened, created, ...
	Repo    string
	RefType store.RefType
	Number  int64
	Title   string
	Actor   string // forge login
	URL     string
	Body    string // comment/PR body for echo digest
	Head    string // PR head branch
	Merged  bool
	Summary string // formatted inbound event text
}

type payloadRepo struct {
	FullName string `json:"full_name"`
}

type payloadUser struct {
	Login string `json:"login"`
}

type payloadIssue struct {
	Number  int64       `json:"number"`
	Title   string      `json:"title"`
	HTMLURL string      `json:"html_url"`
	User    payloadUser `json:"user"`
}

type payloadPR struct {
	Number  int64       `json:"number"`
	Title   string      `json:"title"`
	Body    string      `json:"body"`
	HTMLURL string      `json:"html_url"`
	Merged  bool        `json:"merged"`
	User    payloadUser `json:"user"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

type payloadComment struct {
	Body    string      `json:"body"`
	HTMLURL string      `json:"html_url"`
	User    payloadUser `json:"user"`
}

// Parse normalizes a forge payload of the given event kind.
func Parse(kind string, body []byte) (*Normalized, error) {
	switch kind {
	case "issues":
		var p struct {
			Action     string       `json:"action"`
			Issue      payloadIssue `json:"issue"`
			Repository payloadRepo  `json:"repository"`
			Sender     payloadUser  `json:"sender"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
		return &Normalized{
			Kind:    kind,
			Action:  p.Action,
			Repo:    p.Repository.FullName,
			RefType: store.RefIssue,
			Number:  p.Issue.Number,
			Title:   p.Issue.Title,
			Actor:   senderOr(p.Sender.Login, p.Issue.User.Login),
			URL:     p.Issue.HTMLURL,
			Summary: fmt.Sprintf("Issue #%d %s: %s\n%s", p.Issue.Number, p.Action, p.Issue.Title, p.Issue.HTMLURL),
		}, nil

	case "pull_request":
		var p struct {
			Action      string      `json:"action"`
			PullRequest payloadPR   `json:"pull_request"`
			Repository  payloadRepo `json:"repository"`
			Sender      payloadUser `json:"sender"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
		return &Normalized{
			Kind:    kind,
			Action:  p.Action,
			Repo:    p.Repository.FullName,
			RefType: store.RefPR,
			Number:  p.PullRequest.Number,
			Title:   p.PullRequest.Title,
			Actor:   senderOr(p.Sender.Login, p.PullRequest.User.Login),
			URL:     p.PullRequest.HTMLURL,
			Body:    p.PullRequest.Body,
			Head:    p.PullRequest.Head.Ref,
			Merged:  p.PullRequest.Merged,
			Summary: fmt.Sprintf("PR #%d %s: %s\n%s", p.PullRequest.Number, p.Action, p.PullRequest.Title, p.PullRequest.HTMLURL),
		}, nil

	case "issue_comment":
		var p struct {
			Action     string         `json:"action"`
			Issue      payloadIssue   `json:"issue"`
			Comment    payloadComment `json:"comment"`
			Repository payloadRepo    `json:"repository"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
		return &Normalized{
			Kind:    kind,
			Action:  p.Action,
			Repo:    p.Repository.FullName,
			RefType: store.RefIssue,
			Number:  p.Issue.Number,
			Title:   p.Issue.Title,
			Actor:   p.Comment.User.Login,
			URL:     p.Comment.HTMLURL,
			Body:    p.Comment.Body,
			Summary: fmt.Sprintf("Comment on #%d by %s:\n%s\n%s", p.Issue.Number, p.Comment.User.Login, p.Comment.Body, p.Comment.HTMLURL),
		}, nil

	case "push":
		var p struct {
			Ref        string      `json:"ref"`
			Repository payloadRepo `json:"repository"`
			Pusher     payloadUser `json:"pusher"`
			Commits    []struct {
				Message string `json:"message"`
			} `json:"commits"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
		branch := strings.TrimPrefix(p.Ref, "refs/heads/")
		return &Normalized{
			Kind:    kind,
			Action:  "pushed",
			Repo:    p.Repository.FullName,
			RefType: store.RefBranch,
			Actor:   p.Pusher.Login,
			Title:   branch,
			Summary: fmt.Sprintf("Push to %s (%d commits) by %s", branch, len(p.Commits), p.Pusher.Login),
		}, nil

	case "release":
		var p struct {
			Action  string `json:"action"`
			Release struct {
				TagName string `json:"tag_name"`
				Name    string `json:"name"`
				HTMLURL string `json:"html_url"`
			} `json:"release"`
			Repository payloadRepo `json:"repository"`
			Sender     payloadUser `json:"sender"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
		return &Normalized{
			Kind:    kind,
			Action:  p.Action,
			Repo:    p.Repository.FullName,
			RefType: store.RefCommit,
			Actor:   p.Sender.Login,
			Title:   p.Release.TagName,
			URL:     p.Release.HTMLURL,
			Summary: fmt.Sprintf("Release %s %s: %s\n%s", p.Release.TagName, p.Action, p.Release.Name, p.Release.HTMLURL),
		}, nil

	case "pipeline":
		var p struct {
			Action     string      `json:"action"`
			Repository payloadRepo `json:"repository"`
			Sender     payloadUser `json:"sender"`
			Workflow   struct {
				Name       string `json:"name"`
				Conclusion string `json:"conclusion"`
				HTMLURL    string `json:"html_url"`
			} `json:"workflow_run"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
		return &Normalized{
			Kind:    kind,
			Action:  p.Action,
			Repo:    p.Repository.FullName,
			RefType: store.RefCommit,
			Actor:   p.Sender.Login,
			Title:   p.Workflow.Name,
			URL:     p.Workflow.HTMLURL,
			Summary: fmt.Sprintf("Pipeline %s: %s %s\n%s", p.Workflow.Name, p.Action, p.Workflow.Conclusion, p.Workflow.HTMLURL),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported event kind %q", kind)
	}
}

func senderOr(sender, fallback string) string {
	if sender != "" {
		return sender
	}
	return fallback
}

// NumberKey renders the ref number for store lookups.
func (n *Normalized) NumberKey() string {
	if n.Number > 0 {
		return strconv.FormatInt(n.Number, 10)
	}
	return n.Title
}
