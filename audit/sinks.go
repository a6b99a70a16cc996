package audit

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/songzhibin97/lab-workflow/events"
	"github.com/songzhibin97/lab-workflow/types"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Record(_ context.Context, e Event) error {
	s.logger.Info("audit",
		zap.String("id", e.ID),
		zap.String("actor_id", e.ActorID),
		zap.String("entity_type", e.EntityType),
		zap.String("entity_id", e.EntityID),
		zap.String("action", e.Action),
		zap.String("reason", e.Reason),
		zap.Any("details", e.Details),
		zap.Time("at", e.At),
	)
	return nil
}

// BusSink republishes audit events on an EventBus.
type BusSink struct {
	bus *events.EventBus
}

func NewBusSink(bus *events.EventBus) *BusSink {
	return &BusSink{bus: bus}
}

// Record publishes asynchronously; details and reason travel in Data.
func (s *BusSink) Record(ctx context.Context, e Event) error {
	data := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		data[k] = v
	}
	if e.Reason != "" {
		data["reason"] = e.Reason
	}
	return s.bus.Publish(ctx, events.Event{
		ID:       e.ID,
		Kind:     types.Kind(e.EntityType),
		Action:   types.Action(e.Action),
		EntityID: e.EntityID,
		ActorID:  e.ActorID,
		At:       e.At,
		Data:     data,
	})
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of what has been recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Multi fans an event out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, e Event) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Record(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
