package dcb

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Event Constructors
// =============================================================================

// NewInputEvent creates a new InputEvent with the given type, tags, and data.
// Validation is performed when the event is used in EventStore operations.
func NewInputEvent(eventType string, tags []Tag, data []byte) InputEvent {
	return InputEvent{
		Type: eventType,
		Tags: tags,
		Data: data,
	}
}

// NewEventBatch is a convenience function for creating event batches,
// particularly useful when appending multiple related events in one call.
func NewEventBatch(events ...InputEvent) []InputEvent {
	return events
}

// ToJSON marshals a value to JSON bytes, panicking on error. Intended for
// payload construction in tests and examples where the value is known valid.
func ToJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal to JSON: %v", err))
	}
	return data
}

// =============================================================================
// Tag Constructors
// =============================================================================

// NewTag creates a single tag from a key-value pair.
func NewTag(key, value string) Tag {
	return Tag{Key: key, Value: value}
}

// NewTags creates a slice of tags from alternating key-value pairs.
// An odd number of arguments yields an empty slice; validation happens in
// EventStore operations.
func NewTags(kv ...string) []Tag {
	if len(kv)%2 != 0 {
		return []Tag{}
	}
	tags := make([]Tag, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		tags[i/2] = NewTag(kv[i], kv[i+1])
	}
	return tags
}

// =============================================================================
// Query Constructors
// =============================================================================

// NewQuery creates a Query with a single item matching the given tags and
// event types.
func NewQuery(tags []Tag, eventTypes ...string) Query {
	return Query{
		Items: []QueryItem{
			NewQueryItem(eventTypes, tags),
		},
	}
}

// NewQueryEmpty creates the empty query, which matches every event.
func NewQueryEmpty() Query {
	return Query{}
}

// NewQueryAll is an alias for NewQueryEmpty kept for readability at call
// sites that scan the whole log.
func NewQueryAll() Query {
	return Query{}
}

// NewQueryFromItems creates a query from a list of query items.
func NewQueryFromItems(items ...QueryItem) Query {
	return Query{Items: items}
}

// NewQueryItem creates a new QueryItem with the given types and tags.
func NewQueryItem(types []string, tags []Tag) QueryItem {
	return QueryItem{
		EventTypes: types,
		Tags:       tags,
	}
}

// NewQItemKV creates a QueryItem with a single event type and key-value tags.
// This is the most concise way to build an item for one event type.
func NewQItemKV(eventType string, kv ...string) QueryItem {
	return NewQueryItem([]string{eventType}, NewTags(kv...))
}

// =============================================================================
// AppendCondition Constructors
// =============================================================================

// NewAppendCondition creates a condition that fails when events matching the
// query exist after the given cursor (nil cursor means after the beginning).
func NewAppendCondition(afterCursor *Cursor, stateChanged Query) AppendCondition {
	return AppendCondition{
		AfterCursor:       afterCursor,
		FailIfEventsMatch: &stateChanged,
	}
}

// NewAppendConditionIfNotExists creates a condition that fails when any event
// matching the query exists, regardless of position. The resulting conflict
// carries ConflictDuplicate.
func NewAppendConditionIfNotExists(alreadyExists Query) AppendCondition {
	return AppendCondition{
		FailIfExists: &alreadyExists,
	}
}

// WithFailIfExists returns a copy of the condition with the duplicate check
// set, so both staleness and idempotency checks run in one append.
func (c AppendCondition) WithFailIfExists(alreadyExists Query) AppendCondition {
	c.FailIfExists = &alreadyExists
	return c
}
