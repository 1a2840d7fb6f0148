package events

import "sync"

const (
	TokenIssued  = "token.issued"
	TokenRevoked = "token.revoked"
)

// Event is a fire-and-forget token lifecycle notification. Reason is only
// set on revocations that carry a cause (e.g. reuse detection).
type Event struct {
	Type      string `json:"type"`
	SubjectID string `json:"subject_id"`
	DeviceID  string `json:"device_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Bus dispatches lifecycle events to in-process subscribers, synchronously
// and in subscription order. There is no persistence and no retry; a slow
// subscriber delays the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		fn(event)
	}
}
