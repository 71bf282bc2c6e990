package webhook

import (
	"testing"

	"github.com/M3kH/gigi/internal/store"
)

func TestParsePullRequest(t *testing.T) {
	body := []byte(`{
		"action": "opened",
		"pull_request": {
			"number": 7, "title": "fix crash", "body": "closes #42",
			"html_url": "https://forge/pr/7", "merged": false,
			"user": {"login": "gigi-bot"},
			"head": {"ref": "gigi/issue-42"}
		},
		"repository": {"full_name": "m3kh/gigi"},
		"sender": {"login": "gigi-bot"}
	}`)
	n, err := Parse("pull_request", body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.RefType != store.RefPR || n.Number != 7 || n.Head != "gigi/issue-42" {
		t.Fatalf("%+v", n)
	}
	if n.Body != "closes #42" {
		t.Fatalf("body lost: %q", n.Body)
	}
	if n.NumberKey() != "7" {
		t.Fatalf("number key %q", n.NumberKey())
	}
}

func TestParsePush(t *testing.T) {
	body := []byte(`{
		"ref": "refs/heads/gigi/issue-42",
		"repository": {"full_name": "m3kh/gigi"},
		"pusher": {"login": "gigi-bot"},
		"commits": [{"message": "fix"}, {"message": "test"}]
	}`)
	n, err := Parse("push", body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.Title != "gigi/issue-42" || n.Action != "pushed" || n.RefType != store.RefBranch {
		t.Fatalf("%+v", n)
	}
}

func TestParseUnknownKind(t *testing.T) {
	if _, err := Parse("wiki", []byte(`{}`)); err == nil {
		t.Fatal("unknown kind should error")
	}
}
