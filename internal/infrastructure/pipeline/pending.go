package pipeline

import (
	"sync"
	"time"

	"github.com/routecodex/routecodex/internal/domain/entity"
	"github.com/routecodex/routecodex/internal/infrastructure/transport"
	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// Continuation is the state that lets submit_tool_outputs re-enter the
// pipeline attached to its original request. No worker parks on it; whichever
// handler receives the follow-up call claims the entry.
type Continuation struct {
	ResponseID string
	Target     entity.Target
	// Canonical chat conversation so far, including the assistant turn that
	// carries the pending tool calls.
	Canonical entity.Object
	// ToolCallNames maps tool_call_id → function name for output pairing.
	ToolCallNames map[string]string
	Identity      transport.SessionIdentity
	CreatedAt     time.Time
}

// PendingTable is the bounded, TTL-evicted correlation table
// responseId → Continuation.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*Continuation
	max     int
	ttl     time.Duration
	stopCh  chan struct{}
}

// NewPendingTable creates a table with the given bounds.
func NewPendingTable(max int, ttl time.Duration) *PendingTable {
	if max <= 0 {
		max = 64
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PendingTable{
		entries: make(map[string]*Continuation),
		max:     max,
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
}

// Put stores a continuation, failing GatewayBusy at capacity.
func (t *PendingTable) Put(c *Continuation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictExpiredLocked()
	if len(t.entries) >= t.max {
		return gwerrors.NewGatewayBusy("pending tool-loop table saturated")
	}
	c.CreatedAt = time.Now()
	t.entries[c.ResponseID] = c
	return nil
}

// Claim removes and returns the continuation for responseID.
func (t *PendingTable) Claim(responseID string) (*Continuation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[responseID]
	if !ok {
		return nil, false
	}
	delete(t.entries, responseID)
	if time.Since(c.CreatedAt) > t.ttl {
		return nil, false
	}
	return c, true
}

// Drop removes a continuation without claiming it (client disconnect).
func (t *PendingTable) Drop(responseID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, responseID)
}

// Len reports the live entry count.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// StartEvictor runs periodic TTL eviction until Stop.
func (t *PendingTable) StartEvictor() {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			t.evictExpiredLocked()
			t.mu.Unlock()
		}
	}
}

// Stop terminates the evictor.
func (t *PendingTable) Stop() {
	close(t.stopCh)
}

func (t *PendingTable) evictExpiredLocked() {
	now := time.Now()
	for id, c := range t.entries {
		if now.Sub(c.CreatedAt) > t.ttl {
			delete(t.entries, id)
		}
	}
}
