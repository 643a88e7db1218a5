package dcb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// rowEvent is a helper struct for scanning database rows.
type rowEvent struct {
	Type          string
	Tags          []string
	Data          []byte
	Position      int64
	TransactionID uint64
	OccurredAt    time.Time
}

const eventColumns = "type, tags, data, position, transaction_id, occurred_at"

// convertRowToEvent converts a database row to an Event.
func convertRowToEvent(row rowEvent) Event {
	return Event{
		Type:          row.Type,
		Tags:          ParseTagsArray(row.Tags),
		Data:          row.Data,
		Position:      row.Position,
		TransactionID: row.TransactionID,
		OccurredAt:    row.OccurredAt,
	}
}

// appendQueryConditions renders the query's items as SQL predicates appended
// to conditions/args, returning the updated slices and next arg index.
// Items are OR'd; type and tag predicates within one item are AND'd.
func appendQueryConditions(query Query, conditions []string, args []any, argIndex int) ([]string, []any, int) {
	if len(query.Items) == 0 {
		return conditions, args, argIndex
	}

	orConditions := make([]string, 0, len(query.Items))
	for _, item := range query.Items {
		andConditions := make([]string, 0, 2)

		if len(item.EventTypes) > 0 {
			andConditions = append(andConditions, fmt.Sprintf("type = ANY($%d::text[])", argIndex))
			args = append(args, item.EventTypes)
			argIndex++
		}

		if len(item.Tags) > 0 {
			andConditions = append(andConditions, fmt.Sprintf("tags @> $%d::text[]", argIndex))
			args = append(args, TagsToArray(item.Tags))
			argIndex++
		}

		if len(andConditions) > 0 {
			orConditions = append(orConditions, "("+strings.Join(andConditions, " AND ")+")")
		} else {
			// An item with no types and no tags matches everything, which
			// makes the whole disjunction unconditional.
			return conditions, args, argIndex
		}
	}

	conditions = append(conditions, "("+strings.Join(orConditions, " OR ")+")")
	return conditions, args, argIndex
}

// appendCursorCondition renders the exclusive after-cursor predicate:
// events of the cursor's transaction past its position, or any later
// transaction. transaction_id is xid8, so the parameter goes over the wire as
// text and is converted by the cast.
func appendCursorCondition(after *Cursor, conditions []string, args []any, argIndex int) ([]string, []any, int) {
	if after == nil || after.IsZero() {
		return conditions, args, argIndex
	}

	conditions = append(conditions, fmt.Sprintf(
		"((transaction_id = $%d::xid8 AND position > $%d) OR transaction_id > $%d::xid8)",
		argIndex, argIndex+1, argIndex+2))
	args = append(args,
		strconv.FormatUint(after.TransactionID, 10),
		after.Position,
		strconv.FormatUint(after.TransactionID, 10))
	argIndex += 3
	return conditions, args, argIndex
}

// buildReadQuerySQL builds the SQL for reading events matching the query
// after the cursor, ordered by (transaction_id, position).
func buildReadQuerySQL(query Query, after *Cursor, limit *int) (string, []any) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 8)
	argIndex := 1

	conditions, args, argIndex = appendQueryConditions(query, conditions, args, argIndex)
	conditions, args, _ = appendCursorCondition(after, conditions, args, argIndex)

	var sqlQuery strings.Builder
	sqlQuery.WriteString("SELECT " + eventColumns + " FROM events")

	if len(conditions) > 0 {
		sqlQuery.WriteString(" WHERE ")
		sqlQuery.WriteString(strings.Join(conditions, " AND "))
	}

	sqlQuery.WriteString(" ORDER BY transaction_id ASC, position ASC")

	if limit != nil {
		sqlQuery.WriteString(fmt.Sprintf(" LIMIT %d", *limit))
	}

	return sqlQuery.String(), args
}

// Query returns events matching the query after the cursor.
func (es *eventStore) Query(ctx context.Context, query Query, after *Cursor) ([]Event, error) {
	queryCtx, cancel := es.withTimeout(ctx, es.config.QueryTimeout)
	defer cancel()

	return queryEvents(queryCtx, es.pool, query, after)
}

// queryEvents runs the scan on any connection-like handle so the same path
// serves the pool-backed store and the transactional handle.
func queryEvents(ctx context.Context, db dbConn, query Query, after *Cursor) ([]Event, error) {
	if err := validateQueryTags(query); err != nil {
		return nil, err
	}

	sqlQuery, args := buildReadQuerySQL(query, after, nil)

	rows, err := db.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "query",
				Err: fmt.Errorf("failed to execute read query: %w", err),
			},
			Resource: "database",
		}
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var row rowEvent
		if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.Position, &row.TransactionID, &row.OccurredAt); err != nil {
			return nil, &ResourceError{
				EventStoreError: EventStoreError{
					Op:  "query",
					Err: fmt.Errorf("failed to scan event row: %w", err),
				},
				Resource: "database",
			}
		}
		events = append(events, convertRowToEvent(row))
	}

	if err := rows.Err(); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "query",
				Err: fmt.Errorf("error iterating over events: %w", err),
			},
			Resource: "database",
		}
	}

	return events, nil
}

// QueryStream creates a channel-based stream of events matching the query
// after the cursor. The channel closes when the scan completes, fails, or the
// context is cancelled; a scan failure mid-stream truncates the stream.
func (es *eventStore) QueryStream(ctx context.Context, query Query, after *Cursor) (<-chan Event, error) {
	if err := validateQueryTags(query); err != nil {
		return nil, err
	}

	sqlQuery, args := buildReadQuerySQL(query, after, nil)

	rows, err := es.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "queryStream",
				Err: fmt.Errorf("failed to execute read query: %w", err),
			},
			Resource: "database",
		}
	}

	eventChan := make(chan Event, es.config.StreamBuffer)

	go func() {
		defer rows.Close()
		defer close(eventChan)

		for rows.Next() {
			var row rowEvent
			if err := rows.Scan(&row.Type, &row.Tags, &row.Data, &row.Position, &row.TransactionID, &row.OccurredAt); err != nil {
				return
			}

			select {
			case eventChan <- convertRowToEvent(row):
			case <-ctx.Done():
				return
			}
		}
	}()

	return eventChan, nil
}
