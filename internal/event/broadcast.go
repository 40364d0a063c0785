package event

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrSlowObserver is recorded on an observer dropped for a full buffer.
	ErrSlowObserver = errors.New("observer too slow, dropped")
	// ErrClosed is recorded on observers removed by Unsubscribe or Close.
	ErrClosed = errors.New("observer closed")
)

const (
	defaultBuffer  = 64
	defaultHistory = 100
)

// Observer is one subscriber's view of the event stream.
type Observer struct {
	id  uint64
	ch  chan Event
	err error
}

// ID returns the broadcaster-assigned observer id.
func (o *Observer) ID() uint64 { return o.id }

// Events yields events in publish order. The channel is closed once the
// observer is removed.
func (o *Observer) Events() <-chan Event { return o.ch }

// Err returns why the observer was removed. It is only meaningful after
// Events has been closed.
func (o *Observer) Err() error { return o.err }

// Broadcaster fans events out to every connected observer without ever
// waiting on one of them.
type Broadcaster struct {
	mu        sync.Mutex
	observers map[uint64]*Observer
	nextID    uint64
	buffer    int
	closed    bool

	history []Event
	head    int
	size    int

	logger *zap.Logger
}

// NewBroadcaster creates a broadcaster whose observers each buffer up to
// buffer events. History keeps the last history events for diagnostics.
func NewBroadcaster(buffer, history int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if history <= 0 {
		history = defaultHistory
	}
	return &Broadcaster{
		observers: make(map[uint64]*Observer),
		buffer:    buffer,
		history:   make([]Event, history),
		logger:    logger,
	}
}

// Subscribe registers a new observer. It receives events published after
// this call returns; earlier events are not replayed. After Close the
// observer comes back already closed.
func (b *Broadcaster) Subscribe() *Observer {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	o := &Observer{id: b.nextID, ch: make(chan Event, b.buffer)}
	if b.closed {
		o.err = ErrClosed
		close(o.ch)
		return o
	}
	b.observers[o.id] = o
	b.logger.Debug("observer subscribed", zap.Uint64("observer", o.id), zap.Int("observers", len(b.observers)))
	return o
}

// Unsubscribe removes an observer. Calling it more than once, or after the
// observer was dropped, is a no-op.
func (b *Broadcaster) Unsubscribe(o *Observer) {
	if o == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(o, ErrClosed)
}

// Publish delivers e to every observer. An observer with a full buffer is
// dropped instead of being waited on.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history[b.head] = e
	b.head = (b.head + 1) % len(b.history)
	if b.size < len(b.history) {
		b.size++
	}

	for _, o := range b.observers {
		select {
		case o.ch <- e:
		default:
			b.logger.Warn("dropping slow observer",
				zap.Uint64("observer", o.id),
				zap.String("event", string(e.Type)),
				zap.String("run_id", e.RunID))
			b.remove(o, ErrSlowObserver)
		}
	}
}

// remove must be called with b.mu held.
func (b *Broadcaster) remove(o *Observer, reason error) {
	if _, ok := b.observers[o.id]; !ok {
		return
	}
	delete(b.observers, o.id)
	o.err = reason
	close(o.ch)
}

// Count returns the number of live observers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Recent returns up to limit of the most recently published events, oldest first.
func (b *Broadcaster) Recent(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 || limit > b.size {
		limit = b.size
	}
	out := make([]Event, 0, limit)
	start := (b.head - limit + len(b.history)) % len(b.history)
	for i := 0; i < limit; i++ {
		out = append(out, b.history[(start+i)%len(b.history)])
	}
	return out
}

// Close drops every observer and refuses new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, o := range b.observers {
		b.remove(o, ErrClosed)
	}
}
