// Package notify pushes server events to connected clients. The connection
// registry is an explicit service with its own lifecycle: created at server
// start, injected into whatever needs to push, replaceable in tests.
package notify

import (
	"sync"
	"time"
)

// Notification is a single push message addressed to one subject.
type Notification struct {
	Event     string         `json:"event"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Conn is the minimal surface the registry needs from a client connection.
// *websocket.Conn satisfies it; tests use fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Publisher is what push producers depend on.
type Publisher interface {
	Publish(subjectID string, n Notification)
}

// Registry maps subject ids to their live connections. A subject may hold
// several connections (multiple tabs or devices).
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[Conn]struct{}
}

// NewRegistry initialises an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[Conn]struct{})}
}

// Add registers a connection for the subject.
func (r *Registry) Add(subjectID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[subjectID]
	if !ok {
		set = make(map[Conn]struct{})
		r.conns[subjectID] = set
	}
	set[c] = struct{}{}
}

// Remove forgets a connection. Idempotent.
func (r *Registry) Remove(subjectID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[subjectID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.conns, subjectID)
	}
}

// Publish sends the notification to every connection of the subject.
// Connections that fail to write are dropped and closed.
func (r *Registry) Publish(subjectID string, n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	set := r.conns[subjectID]
	targets := make([]Conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.WriteJSON(n); err != nil {
			r.Remove(subjectID, c)
			_ = c.Close()
		}
	}
}

// Count reports live connections for the subject.
func (r *Registry) Count(subjectID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[subjectID])
}

// Shutdown closes every connection and empties the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.conns {
		for c := range set {
			_ = c.Close()
		}
	}
	r.conns = make(map[string]map[Conn]struct{})
}
