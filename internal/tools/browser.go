package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const browserMaxChars = 40_000

// BrowserTool drives a headless browser via go-rod. The browser subsystem
// is external to the core: this tool is the only seam.
type BrowserTool struct {
	mu      sync.Mutex
	browser *rod.Browser
}

func NewBrowserTool() *BrowserTool {
	return &BrowserTool{}
}

func (t *BrowserTool) Name() string { return "browser" }

func (t *BrowserTool) Description() string {
	return "Load a page in a headless browser and return its rendered text, or capture a screenshot. Use for JavaScript-heavy pages web_fetch cannot read."
}

func (t *BrowserTool) ExecContext() ExecContext { return ExecWorker }

func (t *BrowserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Page URL to load.",
			},
			"action": map[string]any{
				"type":        "string",
				"description": `"text" (default) returns rendered text; "screenshot" saves a PNG into the workspace.`,
				"enum":        []any{"text", "screenshot"},
			},
		},
		"required": []any{"url"},
	}
}

// connect lazily attaches to the local browser on first use.
func (t *BrowserTool) connect() (*rod.Browser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		return t.browser, nil
	}
	b := rod.New()
	if err := b.Connect(); err != nil {
		return nil, err
	}
	t.browser = b
	return b, nil
}

// Close tears the browser down on shutdown.
func (t *BrowserTool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		t.browser.Close()
		t.browser = nil
	}
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]any) *Result {
	u, _ := args["url"].(string)
	action, _ := args["action"].(string)
	if action == "" {
		action = "text"
	}

	browser, err := t.connect()
	if err != nil {
		return ErrorResult("Error: browser unavailable: " + err.Error()).WithError(err)
	}

	ReportProgress(ctx, "loading "+u)

	page, err := browser.Page(proto.TargetCreateTarget{URL: u})
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	defer page.Close()

	page = page.Context(ctx).Timeout(60 * time.Second)
	if err := page.WaitLoad(); err != nil {
		return ErrorResult("Error: page load: " + err.Error()).WithError(err)
	}

	switch action {
	case "screenshot":
		data, err := page.Screenshot(false, nil)
		if err != nil {
			return ErrorResult("Error: screenshot: " + err.Error()).WithError(err)
		}
		ws := WorkspaceFromContext(ctx)
		if ws == "" {
			ws = os.TempDir()
		}
		path := filepath.Join(ws, fmt.Sprintf("screenshot-%d.png", time.Now().Unix()))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return ErrorResult("Error: " + err.Error()).WithError(err)
		}
		return NewResult("Screenshot saved to " + path)

	default:
		obj, err := page.Eval(`() => document.body.innerText`)
		if err != nil {
			return ErrorResult("Error: extract text: " + err.Error()).WithError(err)
		}
		text := obj.Value.Str()
		if len(text) > browserMaxChars {
			text = text[:browserMaxChars] + "\n[truncated]"
		}
		return NewResult(text)
	}
}
