package pipeline

import (
	"context"
	"sync"
	"time"

	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// slotIdleTTL is how long an unused slot entry survives before GC.
const slotIdleTTL = 5 * time.Minute

// slot serializes calls for one (provider, model, credential) triple.
// Capacity is one; waiters queue FIFO on the channel.
type slot struct {
	ch       chan struct{}
	waiters  int
	lastUsed time.Time
}

// SlotTable is the keyed semaphore map enforcing at-most-one-in-flight per
// target. Entries are garbage-collected once idle with no waiters.
type SlotTable struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewSlotTable creates an empty table.
func NewSlotTable() *SlotTable {
	return &SlotTable{slots: make(map[string]*slot)}
}

// Acquire blocks until the key's slot is free, the wait budget expires, or
// ctx is cancelled. The returned release function must be called exactly once.
func (t *SlotTable) Acquire(ctx context.Context, key string, wait time.Duration) (release func(), err error) {
	t.mu.Lock()
	s, ok := t.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		s.ch <- struct{}{}
		t.slots[key] = s
	}
	s.waiters++
	s.lastUsed = time.Now()
	t.mu.Unlock()

	waitCtx := ctx
	var cancel context.CancelFunc
	if wait > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	select {
	case <-s.ch:
		t.mu.Lock()
		s.waiters--
		t.mu.Unlock()
		return func() {
			t.mu.Lock()
			s.lastUsed = time.Now()
			t.mu.Unlock()
			s.ch <- struct{}{}
		}, nil

	case <-waitCtx.Done():
		t.mu.Lock()
		s.waiters--
		t.mu.Unlock()
		if ctx.Err() != nil {
			return nil, gwerrors.NewTimeout("request cancelled waiting for target slot")
		}
		return nil, gwerrors.NewGatewayBusy("target slot wait budget exceeded")
	}
}

// GC removes slots that are free, unwaited, and idle beyond the TTL.
func (t *SlotTable) GC() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, s := range t.slots {
		if s.waiters > 0 || time.Since(s.lastUsed) < slotIdleTTL {
			continue
		}
		select {
		case <-s.ch:
			// Slot was free; drop it.
			delete(t.slots, key)
		default:
			// Held; keep.
		}
	}
}

// Len reports the live entry count (for tests and metrics).
func (t *SlotTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
