// Package dcb implements a dynamic consistency boundary (DCB) event store on
// PostgreSQL: a single globally ordered event log, tag/type queries, fold-style
// state projection, and conditional appends for optimistic concurrency.
package dcb

import (
	"fmt"
	"time"
)

// Tag is a key-value pair used for event categorization. Keys must be
// non-empty; values may be empty. An event may carry several tags with the
// same key.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// InputEvent is an event to be appended to the store.
type InputEvent struct {
	Type string `json:"type"`
	Tags []Tag  `json:"tags"`
	Data []byte `json:"data"`
}

// Event is a stored event. Position is globally monotonic; TransactionID is
// the database transaction that committed the event, shared by all events of
// one append batch.
type Event struct {
	Type          string    `json:"type"`
	Tags          []Tag     `json:"tags"`
	Data          []byte    `json:"data"`
	Position      int64     `json:"position"`
	TransactionID uint64    `json:"transaction_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Cursor is a position in the event log. Reads taking a cursor are exclusive
// of it: they return events after the cursor, never the cursor event itself.
// The zero Cursor means "before any event".
type Cursor struct {
	Position      int64     `json:"position"`
	TransactionID uint64    `json:"transaction_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// IsZero reports whether the cursor points before the first event.
func (c Cursor) IsZero() bool {
	return c.Position == 0
}

// CursorFromEvent returns the cursor pointing at a stored event.
func CursorFromEvent(e Event) Cursor {
	return Cursor{
		Position:      e.Position,
		TransactionID: e.TransactionID,
		OccurredAt:    e.OccurredAt,
	}
}

// QueryItem is a single atomic query condition: the event type must be in
// EventTypes (empty set means any type) AND the event's tag list must contain
// every tag in Tags.
type QueryItem struct {
	EventTypes []string `json:"event_types"`
	Tags       []Tag    `json:"tags"`
}

// Query is a disjunction of QueryItems: an event matches when it matches any
// item. The empty query matches every event.
type Query struct {
	Items []QueryItem `json:"items"`
}

// IsEmpty reports whether the query matches all events.
func (q Query) IsEmpty() bool {
	return len(q.Items) == 0
}

// AppendCondition expresses the optimistic concurrency requirements of an
// append:
//
//   - FailIfEventsMatch: the append fails with a stale-state conflict when an
//     event matching this query exists after AfterCursor.
//   - FailIfExists: the append fails with a duplicate conflict when an event
//     matching this query exists at any position.
//
// A nil query disables the corresponding check; a nil AfterCursor means the
// zero cursor, i.e. any matching event at all is a conflict.
type AppendCondition struct {
	AfterCursor       *Cursor `json:"after_cursor,omitempty"`
	FailIfEventsMatch *Query  `json:"fail_if_events_match,omitempty"`
	FailIfExists      *Query  `json:"fail_if_exists,omitempty"`
}

// IsolationLevel is a type-safe PostgreSQL transaction isolation level.
type IsolationLevel int

const (
	IsolationLevelReadCommitted IsolationLevel = iota
	IsolationLevelRepeatableRead
	IsolationLevelSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationLevelReadCommitted:
		return "READ_COMMITTED"
	case IsolationLevelRepeatableRead:
		return "REPEATABLE_READ"
	case IsolationLevelSerializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

// ParseIsolationLevel parses the string form produced by String.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "READ_COMMITTED":
		return IsolationLevelReadCommitted, nil
	case "REPEATABLE_READ":
		return IsolationLevelRepeatableRead, nil
	case "SERIALIZABLE":
		return IsolationLevelSerializable, nil
	default:
		return IsolationLevelReadCommitted, fmt.Errorf("invalid isolation level: %s", s)
	}
}

// EventStoreConfig contains tuning knobs for the EventStore.
type EventStoreConfig struct {
	MaxBatchSize           int            `json:"max_batch_size"`
	StreamBuffer           int            `json:"stream_buffer"`            // channel buffer size for QueryStream
	DefaultAppendIsolation IsolationLevel `json:"default_append_isolation"` // isolation level for append transactions
	QueryTimeout           int            `json:"query_timeout"`            // milliseconds
	AppendTimeout          int            `json:"append_timeout"`           // milliseconds
}

// DefaultEventStoreConfig returns the defaults used by NewEventStore.
func DefaultEventStoreConfig() EventStoreConfig {
	return EventStoreConfig{
		MaxBatchSize:           1000,
		StreamBuffer:           100,
		DefaultAppendIsolation: IsolationLevelReadCommitted,
		QueryTimeout:           15000,
		AppendTimeout:          10000,
	}
}

// StateProjector folds events matching Query into a state value, starting
// from InitialState and applying TransitionFn per event.
type StateProjector struct {
	Query        Query                            `json:"query"`
	InitialState any                              `json:"initial_state"`
	TransitionFn func(state any, event Event) any `json:"-"`
}

// BatchProjector pairs a StateProjector with an identifier so several
// projections can run over one log scan.
type BatchProjector struct {
	ID             string         `json:"id"`
	StateProjector StateProjector `json:"state_projector"`
}
