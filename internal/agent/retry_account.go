package agent

import (
	"fmt"

	"github.com/M3kH/gigi/internal/tools"
)

// maxToolAttempts is the per-(tool, input) failure ceiling within one
// turn. Attempt 3 escalates to the operator instead of re-invoking.
const maxToolAttempts = 3

// retryAccount tracks tool failures per (tool name, canonical input)
// within a single turn. A new turn starts with a fresh account.
type retryAccount struct {
	failures map[string]int
}

func newRetryAccount() *retryAccount {
	return &retryAccount{failures: make(map[string]int)}
}

func (a *retryAccount) key(name string, args map[string]any) string {
	return name + "\x00" + tools.CanonicalArgs(args)
}

// recordFailure bumps the counter and returns the attempt number.
func (a *retryAccount) recordFailure(name string, args map[string]any) int {
	k := a.key(name, args)
	a.failures[k]++
	return a.failures[k]
}

// attempts reports failures so far for this exact invocation.
func (a *retryAccount) attempts(name string, args map[string]any) int {
	return a.failures[a.key(name, args)]
}

// recoveryHint is fed back to the LLM after a failed tool call, below the
// escalation threshold.
func recoveryHint(name, errText string, attempt int) string {
	return fmt.Sprintf(
		"Tool %s failed (attempt %d/%d): %s\nTry a different approach: change the inputs, use another tool, or break the step down.",
		name, attempt, maxToolAttempts, errText)
}

// escalationHint is the terminal tool_result content on attempt 3: the
// model must surface the problem to the operator instead of looping.
func escalationHint(name, errText string) string {
	return fmt.Sprintf(
		"Tool %s failed %d times with the same input: %s\nDo not retry this call. Explain the problem to the operator and ask for guidance on how to proceed.",
		name, maxToolAttempts, errText)
}
