package dcb

import (
	"encoding/json"
	"fmt"
	"strings"
)

// validateQueryTags validates the query and returns a ValidationError if any
// item carries an empty tag key or empty event type. An empty query is valid
// and matches all events.
func validateQueryTags(query Query) error {
	for itemIndex, item := range query.Items {
		for i, t := range item.Tags {
			if t.Key == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQueryTags",
						Err: fmt.Errorf("empty key in tag %d of item %d", i, itemIndex),
					},
					Field: fmt.Sprintf("item[%d].tag[%d].key", itemIndex, i),
					Value: fmt.Sprintf("tag[%d]", i),
				}
			}
			if strings.Contains(t.Key, "=") {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQueryTags",
						Err: fmt.Errorf("tag key %q in item %d contains '='", t.Key, itemIndex),
					},
					Field: fmt.Sprintf("item[%d].tag[%d].key", itemIndex, i),
					Value: t.Key,
				}
			}
		}

		for i, eventType := range item.EventTypes {
			if eventType == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "validateQueryTags",
						Err: fmt.Errorf("empty event type at index %d of item %d", i, itemIndex),
					},
					Field: fmt.Sprintf("item[%d].eventTypes[%d]", itemIndex, i),
					Value: fmt.Sprintf("index[%d]", i),
				}
			}
		}
	}

	return nil
}

// validateEvent validates a single event. Tag values may be empty; tag keys
// and the event type may not. Nil tag slices are rejected to distinguish
// "no tags" (empty slice) from a forgotten field.
func validateEvent(e InputEvent, index int) error {
	if e.Type == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("empty type in event %d", index),
			},
			Field: "type",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}

	if e.Tags == nil {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("nil tags in event %d", index),
			},
			Field: "tags",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}

	for j, t := range e.Tags {
		if t.Key == "" {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("empty tag key in tag %d of event %d", j, index),
				},
				Field: fmt.Sprintf("event[%d].tag[%d].key", index, j),
			}
		}
		// Keys serialize as "key=value"; a separator in the key would parse
		// back at the wrong split point.
		if strings.Contains(t.Key, "=") {
			return &ValidationError{
				EventStoreError: EventStoreError{
					Op:  "validateEvent",
					Err: fmt.Errorf("tag key %q in event %d contains '='", t.Key, index),
				},
				Field: fmt.Sprintf("event[%d].tag[%d].key", index, j),
				Value: t.Key,
			}
		}
	}

	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "validateEvent",
				Err: fmt.Errorf("invalid JSON data in event %d", index),
			},
			Field: "data",
			Value: fmt.Sprintf("event[%d]", index),
		}
	}

	return nil
}

// validateEvents validates a batch against the store's size limit and each
// event's shape. A nil slice is invalid; an empty slice is a no-op upstream.
func validateEvents(events []InputEvent, maxBatchSize int, op string) error {
	if events == nil {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("events slice cannot be nil"),
			},
			Field: "events",
			Value: "nil",
		}
	}

	if len(events) > maxBatchSize {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("batch size %d exceeds maximum %d", len(events), maxBatchSize),
			},
			Field: "batchSize",
			Value: fmt.Sprintf("%d", len(events)),
		}
	}

	for i, event := range events {
		if err := validateEvent(event, i); err != nil {
			return err
		}
	}
	return nil
}
