package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const (
	bashDefaultTimeout = 2 * time.Minute
	bashMaxOutput      = 50_000
)

// Deny-by-default patterns for obviously destructive or escalating
// commands. The workspace checkout is disposable; the host is not.
var bashDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\s+/`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`/var/run/docker\.sock`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\b(killall|pkill)\b`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`^\s*env\s*$`),
}

// BashTool runs shell commands inside the thread's workspace checkout.
type BashTool struct {
	timeout time.Duration
}

func NewBashTool() *BashTool {
	return &BashTool{timeout: bashDefaultTimeout}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a shell command in the workspace. Use for builds, tests, git operations, and file inspection. Output is truncated beyond 50000 characters."
}

func (t *BashTool) Permission() string       { return PermExec }
func (t *BashTool) ExecContext() ExecContext { return ExecForked }

func (t *BashTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Optional timeout override (max 300).",
			},
		},
		"required": []any{"command"},
	}
}

func (t *BashTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("Error: empty command")
	}

	for _, pat := range bashDenyPatterns {
		if pat.MatchString(command) {
			return ErrorResult("Error: command blocked by safety policy: " + pat.String())
		}
	}

	timeout := t.timeout
	if secs := intArg(args, "timeout_seconds"); secs > 0 && secs <= 300 {
		timeout = time.Duration(secs) * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	if ws := WorkspaceFromContext(ctx); ws != "" {
		cmd.Dir = ws
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\n[stderr]\n" + stderr.String()
	}
	if len(out) > bashMaxOutput {
		out = out[:bashMaxOutput] + "\n[output truncated]"
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("Error: command timed out after %s\n%s", timeout, out))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: %v\n%s", err, out)).WithError(err)
	}
	if strings.TrimSpace(out) == "" {
		out = "(no output)"
	}
	return NewResult(out)
}
