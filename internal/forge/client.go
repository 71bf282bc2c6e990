// Package forge is a thin REST client for the upstream Gitea instance.
// The forge is an opaque peer: this client covers only the operations the
// gitea tool and the webhook status sync need.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const requestTimeout = 30 * time.Second

// Client talks to the Gitea REST API with a personal access token.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// Repo is a repository summary.
type Repo struct {
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	Private     bool   `json:"private"`
	HTMLURL     string `json:"html_url"`
}

// Issue is an issue or pull request summary.
type Issue struct {
	Number  int64  `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
}

// PullRequest is the result of opening a PR.
type PullRequest struct {
	Number  int64  `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	Merged  bool   `json:"merged"`
}

// Comment is a created issue comment.
type Comment struct {
	ID      int64  `json:"id"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
}

// Branch is a repository branch.
type Branch struct {
	Name string `json:"name"`
}

// ContentsFile is a file fetched from the repo contents API.
type ContentsFile struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Content  string `json:"content"` // base64
	Encoding string `json:"encoding"`
}

func (c *Client) ListRepos(ctx context.Context) ([]Repo, error) {
	var repos []Repo
	err := c.do(ctx, "GET", "/repos/search?limit=50", nil, &struct {
		Data *[]Repo `json:"data"`
	}{Data: &repos})
	return repos, err
}

func (c *Client) GetIssue(ctx context.Context, repo string, number int64) (*Issue, error) {
	var issue Issue
	err := c.do(ctx, "GET", fmt.Sprintf("/repos/%s/issues/%d", repo, number), nil, &issue)
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *Client) ListIssues(ctx context.Context, repo, state string) ([]Issue, error) {
	if state == "" {
		state = "open"
	}
	var issues []Issue
	err := c.do(ctx, "GET",
		fmt.Sprintf("/repos/%s/issues?state=%s&type=issues", repo, url.QueryEscape(state)), nil, &issues)
	return issues, err
}

func (c *Client) CreateComment(ctx context.Context, repo string, number int64, body string) (*Comment, error) {
	var comment Comment
	err := c.do(ctx, "POST",
		fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number),
		map[string]any{"body": body}, &comment)
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

func (c *Client) CloseIssue(ctx context.Context, repo string, number int64) error {
	return c.do(ctx, "PATCH",
		fmt.Sprintf("/repos/%s/issues/%d", repo, number),
		map[string]any{"state": "closed"}, nil)
}

func (c *Client) CreatePR(ctx context.Context, repo, head, base, title, body string) (*PullRequest, error) {
	var pr PullRequest
	err := c.do(ctx, "POST",
		fmt.Sprintf("/repos/%s/pulls", repo),
		map[string]any{"head": head, "base": base, "title": title, "body": body}, &pr)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (c *Client) GetPR(ctx context.Context, repo string, number int64) (*PullRequest, error) {
	var pr PullRequest
	err := c.do(ctx, "GET", fmt.Sprintf("/repos/%s/pulls/%d", repo, number), nil, &pr)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (c *Client) CreateBranch(ctx context.Context, repo, name, from string) error {
	return c.do(ctx, "POST",
		fmt.Sprintf("/repos/%s/branches", repo),
		map[string]any{"new_branch_name": name, "old_branch_name": from}, nil)
}

func (c *Client) ListBranches(ctx context.Context, repo string) ([]Branch, error) {
	var branches []Branch
	err := c.do(ctx, "GET", fmt.Sprintf("/repos/%s/branches", repo), nil, &branches)
	return branches, err
}

// BranchExists reports whether the branch is present on the remote; the
// enforcement "pushed" detector uses it.
func (c *Client) BranchExists(ctx context.Context, repo, name string) (bool, error) {
	var branch Branch
	err := c.do(ctx, "GET", fmt.Sprintf("/repos/%s/branches/%s", repo, url.PathEscape(name)), nil, &branch)
	if err != nil {
		if he, ok := err.(*APIError); ok && he.Status == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) GetFile(ctx context.Context, repo, path, ref string) (*ContentsFile, error) {
	p := fmt.Sprintf("/repos/%s/contents/%s", repo, url.PathEscape(path))
	if ref != "" {
		p += "?ref=" + url.QueryEscape(ref)
	}
	var f ContentsFile
	if err := c.do(ctx, "GET", p, nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// APIError carries a non-2xx forge response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("forge: HTTP %d: %s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("forge: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, reader)
	if err != nil {
		return fmt.Errorf("forge: create request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("forge: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("forge: decode response: %w", err)
	}
	return nil
}
