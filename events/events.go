// Package events fans committed workflow actions out to in-process
// subscribers. Subscribers select events by workflow kind and action.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/lab-workflow/types"
)

var (
	ErrBusClosed   = errors.New("event bus is closed")
	ErrChannelFull = errors.New("event channel is full")
)

// DefaultBufferSize is the queue length of a bus built without WithBufferSize.
const DefaultBufferSize = 100

// Event is one committed action on an entity. For generated sample codes
// Kind is types.KindSample and EntityID is the project code.
type Event struct {
	ID       string
	Kind     types.Kind
	Action   types.Action
	EntityID string
	ActorID  string
	At       time.Time
	Data     map[string]interface{}
}

// Filter selects events. A zero field matches any value.
type Filter struct {
	Kind   types.Kind
	Action types.Action
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	return (f.Kind == "" || f.Kind == e.Kind) && (f.Action == "" || f.Action == e.Action)
}

func (f Filter) String() string {
	kind, action := string(f.Kind), string(f.Action)
	if kind == "" {
		kind = "*"
	}
	if action == "" {
		action = "*"
	}
	return kind + "." + action
}

// Handler consumes one event.
type Handler func(ctx context.Context, e Event) error

type subscription struct {
	id      uint64
	filter  Filter
	handler Handler
}

// EventBus delivers events on a single goroutine in publish order. Handlers
// of one event run in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	closed bool

	queue      chan Event
	done       chan struct{}
	errHandler func(e Event, filter Filter, err error)
	logger     *zap.Logger
}

type Option func(*EventBus)

func WithBufferSize(size int) Option {
	return func(eb *EventBus) {
		if size > 0 {
			eb.queue = make(chan Event, size)
		}
	}
}

// WithErrorHandler replaces the default, which logs handler failures.
func WithErrorHandler(fn func(e Event, filter Filter, err error)) Option {
	return func(eb *EventBus) {
		if fn != nil {
			eb.errHandler = fn
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(eb *EventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// NewEventBus starts the delivery goroutine. Call Stop to release it.
func NewEventBus(opts ...Option) *EventBus {
	eb := &EventBus{
		queue:  make(chan Event, DefaultBufferSize),
		done:   make(chan struct{}),
		logger: zap.NewNop(),
	}
	eb.errHandler = eb.logFailure
	for _, opt := range opts {
		opt(eb)
	}
	eb.logger = eb.logger.Named("events")

	go eb.run()
	return eb
}

// Subscribe registers handler for events passing filter. The returned
// function removes the subscription; calling it twice is harmless.
func (eb *EventBus) Subscribe(filter Filter, handler Handler) (unsubscribe func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, filter: filter, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { eb.remove(id) })
	}
}

func (eb *EventBus) remove(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return
		}
	}
}

// Subscribers returns how many subscriptions would receive e.
func (eb *EventBus) Subscribers(e Event) int {
	return len(eb.matching(e))
}

func (eb *EventBus) matching(e Event) []subscription {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	var out []subscription
	for _, s := range eb.subs {
		if s.filter.Match(e) {
			out = append(out, s)
		}
	}
	return out
}

// Publish queues e without blocking. An event nobody subscribes to is
// dropped and is not an error.
func (eb *EventBus) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	found := false
	for _, s := range eb.subs {
		if s.filter.Match(e) {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	select {
	case eb.queue <- e:
		return nil
	default:
		return fmt.Errorf("%w: %s %s %s", ErrChannelFull, e.Kind, e.Action, e.EntityID)
	}
}

// Stop refuses further events, delivers what is already queued and waits
// for delivery to finish.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.queue)
	}
	eb.mu.Unlock()
	<-eb.done
}

func (eb *EventBus) run() {
	defer close(eb.done)
	for e := range eb.queue {
		for _, s := range eb.matching(e) {
			if err := deliver(s.handler, e); err != nil {
				eb.errHandler(e, s.filter, err)
			}
		}
	}
}

func deliver(h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(context.Background(), e)
}

func (eb *EventBus) logFailure(e Event, filter Filter, err error) {
	eb.logger.Error("event handler failed",
		zap.String("subscription", filter.String()),
		zap.String("kind", string(e.Kind)),
		zap.String("action", string(e.Action)),
		zap.String("entity_id", e.EntityID),
		zap.Error(err),
	)
}
