package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/M3kH/gigi/internal/providers"
	"github.com/M3kH/gigi/internal/store"
)

// DefaultTimeout bounds one tool handler execution.
const DefaultTimeout = 5 * time.Minute

// ErrUnknownTool is returned when dispatch cannot locate the tool.
var ErrUnknownTool = fmt.Errorf("%w: unknown tool", store.ErrNotFound)

// Invocation is one validated tool call flowing through the middleware
// chain. Args have already passed schema validation.
type Invocation struct {
	Name string
	Args map[string]any
}

// Invoker executes an invocation. The registry's innermost invoker runs
// the tool handler; interceptors wrap it.
type Invoker func(ctx context.Context, inv *Invocation) *Result

// Interceptor wraps dispatch, producing either a new invocation flow or a
// short-circuit result. The action log recorder (ActionLog) is an
// interceptor.
type Interceptor func(next Invoker) Invoker

type entry struct {
	tool       Tool
	schema     *jsonschema.Schema
	params     map[string]any
	execCtx    ExecContext
	permission string
}

// Registry is the immutable tool catalog. Registration is startup-only;
// after Seal, Register panics.
type Registry struct {
	entries      map[string]*entry
	order        []string
	policy       *PolicyEngine
	interceptors []Interceptor
	timeout      time.Duration
	sealed       bool
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		timeout: DefaultTimeout,
	}
}

// SetTimeout overrides the per-call handler timeout.
func (r *Registry) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// SetPolicy installs the permission policy consulted on every dispatch.
func (r *Registry) SetPolicy(p *PolicyEngine) { r.policy = p }

// Use appends an interceptor. Interceptors run in registration order,
// outermost first.
func (r *Registry) Use(i Interceptor) {
	if r.sealed {
		panic("tools: Use after Seal")
	}
	r.interceptors = append(r.interceptors, i)
}

// Register adds a tool. The tool's Parameters must compile as a JSON
// Schema; a broken schema is a programming error and panics at startup.
func (r *Registry) Register(t Tool) {
	if r.sealed {
		panic("tools: Register after Seal")
	}
	name := t.Name()
	if _, dup := r.entries[name]; dup {
		panic("tools: duplicate tool " + name)
	}

	params := t.Parameters()
	schema, err := compileSchema(name, params)
	if err != nil {
		panic(fmt.Sprintf("tools: schema for %s: %v", name, err))
	}

	r.entries[name] = &entry{
		tool:       t,
		schema:     schema,
		params:     params,
		execCtx:    execContextOf(t),
		permission: permissionOf(t),
	}
	r.order = append(r.order, name)
}

// Seal freezes the registry; call once wiring is complete.
func (r *Registry) Seal() { r.sealed = true }

// Names lists registered tools in registration order.
func (r *Registry) Names() []string { return append([]string(nil), r.order...) }

// Defs renders the catalog as provider tool definitions.
func (r *Registry) Defs() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		defs = append(defs, providers.ToolDefinition{
			Name:        name,
			Description: e.tool.Description(),
			InputSchema: e.params,
		})
	}
	return defs
}

// Invoke dispatches one tool call: locate, validate, consult policy, then
// run the handler under the interceptor chain with a timeout. Dispatch
// failures return an error; handler failures return a Result with IsError.
func (r *Registry) Invoke(ctx context.Context, name string, rawArgs map[string]any) (*Result, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	if err := validateArgs(e.schema, rawArgs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", store.ErrInvalidInput, name, err)
	}

	if r.policy != nil {
		if err := r.policy.Allow(name, e.permission); err != nil {
			return nil, err
		}
	}

	inner := func(ctx context.Context, inv *Invocation) *Result {
		return r.runHandler(ctx, e, inv)
	}
	invoke := inner
	for i := len(r.interceptors) - 1; i >= 0; i-- {
		invoke = r.interceptors[i](invoke)
	}

	return invoke(ctx, &Invocation{Name: name, Args: rawArgs}), nil
}

// runHandler executes the tool under the registry timeout; a handler that
// ignores cancellation is abandoned and reported as a timeout failure.
func (r *Registry) runHandler(ctx context.Context, e *entry, inv *Invocation) *Result {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan *Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("tool panicked", "tool", inv.Name, "panic", rec)
				done <- ErrorResult(fmt.Sprintf("Error: tool %s panicked", inv.Name))
			}
		}()
		done <- e.tool.Execute(callCtx, inv.Args)
	}()

	select {
	case res := <-done:
		if res == nil {
			return ErrorResult("Error: tool returned no result")
		}
		// Handlers may also signal failure through the error sigil.
		if !res.IsError && hasErrorSigil(res.ForLLM) {
			res.IsError = true
		}
		return res
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ErrorResult("Error: cancelled").WithError(ctx.Err())
		}
		return ErrorResult("Error: timeout").WithError(callCtx.Err())
	}
}

func hasErrorSigil(s string) bool {
	return len(s) >= 6 && s[:6] == "Error:"
}

// CanonicalArgs serializes validated input deterministically; the retry
// accounting keys its counters on this form.
func CanonicalArgs(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	var buf bytes.Buffer
	if json.Compact(&buf, b) != nil {
		return string(b)
	}
	return buf.String()
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	// Round-trip so the compiler sees a plain decoded document.
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	// Round-trip through JSON so numeric types normalize the way the
	// validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var val any
	if err := json.Unmarshal(raw, &val); err != nil {
		return err
	}
	return schema.Validate(val)
}
