package bus

import (
	"sync"
	"time"
)

// subscriberBuffer bounds each subscriber channel. A subscriber whose
// buffer fills is closed and dropped so publishers never block.
const subscriberBuffer = 256

// defaultStateDebounce caps state snapshot emission at one per window,
// trailing-edge: the snapshot is built when the window fires, so it
// reflects everything that happened inside it.
const defaultStateDebounce = 50 * time.Millisecond

// Bus fans events out to subscribers. Thread-safe.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool

	stateDebounce time.Duration
	stateTimer    *time.Timer
	stateBuild    func() Event
}

// Option configures a Bus.
type Option func(*Bus)

// WithStateDebounce overrides the state snapshot debounce window.
func WithStateDebounce(d time.Duration) Option {
	return func(b *Bus) {
		b.stateDebounce = d
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:          make(map[uint64]chan Event),
		stateDebounce: defaultStateDebounce,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers ev to every live subscriber. A subscriber with a full
// buffer is closed and removed; the event is never silently dropped from
// subscribers that keep up.
func (b *Bus) Publish(ev Event) {
	if ev.Ts.IsZero() {
		ev.Ts = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: disconnect instead of blocking the stream.
			close(ch)
			delete(b.subs, id)
		}
	}
}

// PublishState schedules a debounced state snapshot. build runs when the
// window fires so the delivered snapshot is the freshest one; publishes
// inside an open window coalesce into the pending delivery.
func (b *Bus) PublishState(build func() Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.stateBuild = build
	if b.stateTimer == nil {
		b.stateTimer = time.AfterFunc(b.stateDebounce, b.flushState)
	}
}

func (b *Bus) flushState() {
	b.mu.Lock()
	build := b.stateBuild
	b.stateBuild = nil
	b.stateTimer = nil
	b.mu.Unlock()

	if build != nil {
		b.Publish(build())
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel closes on unsubscribe, on slow-drop,
// or when the bus closes.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, unsub
}

// Close drops all subscribers and stops the state debounce timer.
// Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.stateTimer != nil {
		b.stateTimer.Stop()
		b.stateTimer = nil
	}
	b.stateBuild = nil
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
