// Package audit records who did what to which workflow entity.
package audit

import (
	"context"
	mathrand "math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/songzhibin97/lab-workflow/types"
)

// Event is one audit entry. EntityType is a types.Kind.
type Event struct {
	ID         string                 `json:"id"`
	ActorID    string                 `json:"actor_id"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Action     string                 `json:"action"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	At         time.Time              `json:"at"`
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Record(ctx context.Context, event Event) error {
	return f(ctx, event)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewEventID returns a lexicographically sortable identifier.
func NewEventID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// FormatID renders a numeric entity id.
func FormatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// Nop discards events.
var Nop Sink = SinkFunc(func(context.Context, Event) error { return nil })

// RecordCodes reports a batch of persisted sample codes as one audit event.
func RecordCodes(ctx context.Context, sink Sink, actorID, projectID string, codes []string) error {
	at := time.Now().UTC()
	return sink.Record(ctx, Event{
		ID:         NewEventID(at),
		ActorID:    actorID,
		EntityType: string(types.KindSample),
		EntityID:   projectID,
		Action:     string(types.ActionGenerateCodes),
		Details: map[string]interface{}{
			"count": len(codes),
			"codes": append([]string(nil), codes...),
		},
		At: at,
	})
}
