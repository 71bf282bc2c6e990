// Package channels manages the chat transports that feed the router.
package channels

import (
	"context"
	"log/slog"
	"sync"
)

// Channel is one chat transport (Telegram today; the WS surface lives in
// the gateway).
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// Manager starts and stops the configured channels together.
type Manager struct {
	mu       sync.Mutex
	channels []Channel
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) Add(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, c)
}

// StartAll launches every channel; a channel that fails to start is
// logged and skipped so one bad token does not take the gateway down.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.channels {
		go func(c Channel) {
			if err := c.Start(ctx); err != nil {
				slog.Error("channel failed", "channel", c.Name(), "error", err)
			}
		}(c)
	}
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.channels {
		c.Stop()
	}
}
