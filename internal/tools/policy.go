package tools

import (
	"fmt"
	"sync"

	"github.com/M3kH/gigi/internal/store"
)

// PolicyEngine gates dispatch on permission labels. The default policy
// allows everything; callers narrow it with AllowOnly and DenyTool. Updates take an
// exclusive lock but are infrequent.
type PolicyEngine struct {
	mu sync.RWMutex
	// allowed permission labels; nil = allow all
	allowed map[string]bool
	// denied tool names, checked before labels
	deniedTools map[string]bool
}

func NewPolicyEngine() *PolicyEngine {
	return &PolicyEngine{}
}

// AllowOnly restricts dispatch to the given permission labels.
func (p *PolicyEngine) AllowOnly(labels ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowed = make(map[string]bool, len(labels))
	for _, l := range labels {
		p.allowed[l] = true
	}
}

// DenyTool blocks a tool by name regardless of its label.
func (p *PolicyEngine) DenyTool(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deniedTools == nil {
		p.deniedTools = make(map[string]bool)
	}
	p.deniedTools[name] = true
}

// Allow reports whether the named tool with the given label may run.
func (p *PolicyEngine) Allow(name, permission string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.deniedTools[name] {
		return fmt.Errorf("%w: tool %s is disabled", store.ErrPermissionDenied, name)
	}
	if p.allowed != nil && !p.allowed[permission] {
		return fmt.Errorf("%w: tool %s requires %s", store.ErrPermissionDenied, name, permission)
	}
	return nil
}
