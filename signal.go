package brains

import (
	"encoding/json"
	"sync"
	"time"
)

// SignalType identifies an out-of-band message to a run.
type SignalType string

const (
	SignalPause           SignalType = "PAUSE"
	SignalResume          SignalType = "RESUME"
	SignalKill            SignalType = "KILL"
	SignalUserMessage     SignalType = "USER_MESSAGE"
	SignalWebhookResponse SignalType = "WEBHOOK_RESPONSE"
)

// Signal is one queued out-of-band message. Signals are not events: their
// effects become observable only through the events they trigger.
type Signal struct {
	Type     SignalType      `json:"type"`
	QueuedAt time.Time       `json:"queuedAt"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// signalQueue is the per-run FIFO consulted at safe points: between blocks,
// between agent iterations, and before each batch chunk.
type signalQueue struct {
	mu    sync.Mutex
	items []Signal
}

func newSignalQueue() *signalQueue {
	return &signalQueue{}
}

// push enqueues a signal.
func (q *signalQueue) push(s Signal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s.QueuedAt.IsZero() {
		s.QueuedAt = time.Now()
	}
	q.items = append(q.items, s)
}

// poll removes and returns the oldest signal, if any. Never blocks: safe
// points check and move on.
func (q *signalQueue) poll() (Signal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Signal{}, false
	}
	s := q.items[0]
	q.items = q.items[1:]
	return s, true
}
