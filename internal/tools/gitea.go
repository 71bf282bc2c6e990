package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/M3kH/gigi/internal/forge"
)

// GiteaTool exposes forge REST operations to the agent. Write actions are
// recorded in the action log by the ActionLog interceptor so inbound
// webhook echoes of our own writes can be dropped.
type GiteaTool struct {
	client *forge.Client
}

func NewGiteaTool(client *forge.Client) *GiteaTool {
	return &GiteaTool{client: client}
}

func (t *GiteaTool) Name() string { return "gitea" }

func (t *GiteaTool) Description() string {
	return "Interact with the Gitea forge: list repos, read and comment on issues, open pull requests, manage branches, read files."
}

func (t *GiteaTool) Permission() string        { return PermWrite }
func (t *GiteaTool) ExecContext() ExecContext  { return ExecServer }

func (t *GiteaTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"description": "Operation to perform.",
				"enum": []any{
					"list_repos", "list_issues", "get_issue", "comment",
					"close_issue", "create_pr", "create_branch", "get_file",
				},
			},
			"repo": map[string]any{
				"type":        "string",
				"description": `Repository in "owner/name" form. Required for everything except list_repos.`,
			},
			"number": map[string]any{
				"type":        "integer",
				"description": "Issue or PR number.",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Comment body, PR description, etc.",
			},
			"title": map[string]any{
				"type":        "string",
				"description": "PR title.",
			},
			"head": map[string]any{
				"type":        "string",
				"description": "Source branch for create_pr.",
			},
			"base": map[string]any{
				"type":        "string",
				"description": `Target branch for create_pr (default "main").`,
			},
			"branch": map[string]any{
				"type":        "string",
				"description": "Branch name for create_branch, or ref for get_file.",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "File path for get_file.",
			},
		},
		"required": []any{"action"},
	}
}

func (t *GiteaTool) Execute(ctx context.Context, args map[string]any) *Result {
	action, _ := args["action"].(string)
	repo, _ := args["repo"].(string)

	switch action {
	case "list_repos":
		repos, err := t.client.ListRepos(ctx)
		if err != nil {
			return ErrorResult("Error: " + err.Error()).WithError(err)
		}
		var sb strings.Builder
		for _, r := range repos {
			fmt.Fprintf(&sb, "- %s", r.FullName)
			if r.Description != "" {
				fmt.Fprintf(&sb, ": %s", r.Description)
			}
			sb.WriteString("\n")
		}
		if sb.Len() == 0 {
			return NewResult("No repositories found.")
		}
		return NewResult(sb.String())

	case "list_issues":
		if repo == "" {
			return ErrorResult("Error: repo is required for list_issues")
		}
		state, _ := args["state"].(string)
		issues, err := t.client.ListIssues(ctx, repo, state)
		if err != nil {
			return ErrorResult("Error: " + err.Error()).WithError(err)
		}
		var sb strings.Builder
		for _, is := range issues {
			fmt.Fprintf(&sb, "#%d [%s] %s\n", is.Number, is.State, is.Title)
		}
		if sb.Len() == 0 {
			return NewResult("No issues found.")
		}
		return NewResult(sb.String())

	case "get_issue":
		number := intArg(args, "number")
		if repo == "" || number == 0 {
			return ErrorResult("Error: repo and number are required for get_issue")
		}
		issue, err := t.client.GetIssue(ctx, repo, number)
		if err != nil {
			return ErrorResult("Error: " + err.Error()).WithError(err)
		}
		return NewResult(fmt.Sprintf("#%d %s [%s] by %s\n%s\n%s",
			issue.Number, issue.Title, issue.State, issue.User.Login, issue.HTMLURL, issue.Body))

	case "comment":
		number := intArg(args, "number")
		body, _ := args["body"].(string)
		if repo == "" || number == 0 || body == "" {
			return ErrorResult("Error: repo, number and body are required for comment")
		}
		comment, err := t.client.CreateComment(ctx, repo, number, body)
		if err != nil {
			return ErrorResult("Error: " + err.Error()).WithError(err)
		}
		return NewResult("Comment posted: " + comment.HTMLURL)

	case "close_issue":
		number := intArg(args, "number")
		if repo == "" || number == 0 {
			return ErrorResult("Error: repo and number are required for close_issue")
		}
		if err := t.client.CloseIssue(ctx, repo, number); err != nil {
			return ErrorResult("Error: " + err.Error()).WithError(err)
		}
		return NewResult(fmt.Sprintf("Issue #%d closed.", number))

	case "create_pr":
		head, _ := args["head"].(string)
		base, _ := args["base"].(string)
		title, _ := args["title"].(string)
		body, _ := args["body"].(string)
		if repo == "" || head == "" || title == "" {
			return ErrorResult("Error: repo, head and title are required for create_pr")
		}
		if base == "" {
			base = "main"
		}
		pr, err := t.client.CreatePR(ctx, repo, head, base, title, body)
		if err != nil {
			return ErrorResult("Error: " + err.Error()).WithError(err)
		}
		return NewResult(fmt.Sprintf("PR #%d opened: %s", pr.Number, pr.HTMLURL))

	case "create_branch":
		branch, _ := args["branch"].(string)
		if repo == "" || branch == "" {
			return ErrorResult("Error: repo and branch are required for create_branch")
		}
		from, _ := args["base"].(string)
		if from == "" {
			from = "main"
		}
		if err := t.client.CreateBranch(ctx, repo, branch, from); err != nil {
			return ErrorResult("Error: " + err.Error()).WithError(err)
		}
		return NewResult(fmt.Sprintf("Branch %s created from %s.", branch, from))

	case "get_file":
		path, _ := args["path"].(string)
		if repo == "" || path == "" {
			return ErrorResult("Error: repo and path are required for get_file")
		}
		ref, _ := args["branch"].(string)
		f, err := t.client.GetFile(ctx, repo, path, ref)
		if err != nil {
			return ErrorResult("Error: " + err.Error()).WithError(err)
		}
		content := f.Content
		if f.Encoding == "base64" {
			if decoded, err := base64.StdEncoding.DecodeString(f.Content); err == nil {
				content = string(decoded)
			}
		}
		return NewResult(content)

	default:
		return ErrorResult("Error: unknown action " + action)
	}
}

func intArg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}
