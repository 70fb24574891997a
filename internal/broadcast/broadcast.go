package broadcast

import (
	"fmt"
	"sync"
)

// Event names pushed to observers.
const (
	EventSyncProgress     = "sync_progress"
	EventSyncCompleted    = "sync_completed"
	EventSyncFailed       = "sync_failed"
	EventApprovalCreated  = "approval_created"
	EventApprovalDecided  = "approval_decided"
	EventApprovalExpired  = "approval_expired"
	EventApprovalExecuted = "approval_executed"
)

// SyncProgressPayload is the snapshot pushed on every page boundary.
type SyncProgressPayload struct {
	JobID    string  `json:"job_id"`
	UserID   int64   `json:"user_id"`
	JobType  string  `json:"job_type"`
	Progress float64 `json:"progress"`
	Pages    int     `json:"pages"`
}

// Sink receives (eventName, payload) tuples. Reconnect and backoff policy
// live in the observer, not here.
type Sink func(event string, payload any)

// Broadcaster fans events out to sinks registered under an opaque channel
// key, typically "userID:resource". It holds no durable state: every
// registration is lost on restart, and delivery is best-effort.
type Broadcaster struct {
	mu    sync.RWMutex
	sinks map[string][]registration
	next  int64
}

type registration struct {
	id   int64
	sink Sink
}

func New() *Broadcaster {
	return &Broadcaster{sinks: make(map[string][]registration)}
}

// Register adds a sink under key and returns an unregister handle.
func (b *Broadcaster) Register(key string, sink Sink) (unregister func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.sinks[key] = append(b.sinks[key], registration{id: id, sink: sink})
	b.mu.Unlock()

	return func() {
		b.unregister(key, id)
	}
}

func (b *Broadcaster) unregister(key string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.sinks[key]
	for i, r := range regs {
		if r.id == id {
			b.sinks[key] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	if len(b.sinks[key]) == 0 {
		delete(b.sinks, key)
	}
}

// Broadcast delivers to every sink registered for key. A key with zero
// observers is a no-op. A panicking sink is swallowed so one broken
// observer cannot affect the others or the emitting component.
func (b *Broadcaster) Broadcast(key, event string, payload any) {
	b.mu.RLock()
	regs := append([]registration(nil), b.sinks[key]...)
	b.mu.RUnlock()

	for _, r := range regs {
		deliver(r.sink, event, payload)
	}
}

// ObserverCount reports how many sinks are registered for key.
func (b *Broadcaster) ObserverCount(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks[key])
}

func deliver(sink Sink, event string, payload any) {
	defer func() {
		_ = recover()
	}()
	sink(event, payload)
}

// UserKey builds the conventional channel key for per-user streams.
func UserKey(userID int64, resource string) string {
	return fmt.Sprintf("%d:%s", userID, resource)
}
