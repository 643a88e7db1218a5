package dcb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// appendLockKey is the advisory lock key serializing appends. Holding it for
// the duration of the inserting transaction makes condition checks race-free
// under READ COMMITTED and keeps position order identical to commit order.
const appendLockKey = "crablet:events:append"

// Append appends events unconditionally.
func (es *eventStore) Append(ctx context.Context, events []InputEvent) ([]Event, error) {
	return es.appendWithCondition(ctx, events, nil, "append")
}

// AppendIf appends events only when the condition holds.
func (es *eventStore) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) ([]Event, error) {
	return es.appendWithCondition(ctx, events, &condition, "appendIf")
}

func (es *eventStore) appendWithCondition(ctx context.Context, events []InputEvent, condition *AppendCondition, op string) ([]Event, error) {
	if err := validateEvents(events, es.config.MaxBatchSize, op); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	appendCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	tx, err := es.pool.BeginTx(appendCtx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.DefaultAppendIsolation),
	})
	if err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("failed to begin transaction: %w", err),
			},
			Resource: "database",
		}
	}
	defer tx.Rollback(appendCtx)

	stored, err := appendInTx(appendCtx, tx, events, condition, op)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(appendCtx); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("failed to commit transaction: %w", err),
			},
			Resource: "database",
		}
	}

	return stored, nil
}

// appendInTx checks the condition and inserts the events inside an existing
// transaction. The events are assumed validated and non-empty.
func appendInTx(ctx context.Context, tx pgx.Tx, events []InputEvent, condition *AppendCondition, op string) ([]Event, error) {
	// Serialize appenders. The transaction-scoped lock releases on
	// commit/rollback, so a competing appender observes our events (or their
	// absence) before running its own condition check.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", appendLockKey); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("failed to acquire append lock: %w", err),
			},
			Resource: "database",
		}
	}

	if condition != nil {
		if err := checkAppendCondition(ctx, tx, *condition, op); err != nil {
			return nil, err
		}
	}

	return insertEvents(ctx, tx, events, op)
}

// checkAppendCondition runs the staleness and duplicate checks under the
// append lock.
func checkAppendCondition(ctx context.Context, tx pgx.Tx, condition AppendCondition, op string) error {
	if condition.FailIfEventsMatch != nil {
		if err := validateQueryTags(*condition.FailIfEventsMatch); err != nil {
			return err
		}

		exists, err := eventsExist(ctx, tx, *condition.FailIfEventsMatch, condition.AfterCursor)
		if err != nil {
			return &ResourceError{
				EventStoreError: EventStoreError{
					Op:  op,
					Err: fmt.Errorf("failed to check append condition: %w", err),
				},
				Resource: "database",
			}
		}
		if exists {
			return &ConcurrencyError{
				EventStoreError: EventStoreError{
					Op:  op,
					Err: fmt.Errorf("append condition violated: new events match the decision query"),
				},
				Kind: ConflictStale,
			}
		}
	}

	if condition.FailIfExists != nil {
		if err := validateQueryTags(*condition.FailIfExists); err != nil {
			return err
		}

		exists, err := eventsExist(ctx, tx, *condition.FailIfExists, nil)
		if err != nil {
			return &ResourceError{
				EventStoreError: EventStoreError{
					Op:  op,
					Err: fmt.Errorf("failed to check duplicate condition: %w", err),
				},
				Resource: "database",
			}
		}
		if exists {
			return &ConcurrencyError{
				EventStoreError: EventStoreError{
					Op:  op,
					Err: fmt.Errorf("duplicate operation detected: matching events already exist"),
				},
				Kind: ConflictDuplicate,
			}
		}
	}

	return nil
}

// eventsExist reports whether any event matches the query after the cursor.
func eventsExist(ctx context.Context, tx pgx.Tx, query Query, after *Cursor) (bool, error) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 8)
	argIndex := 1

	conditions, args, argIndex = appendQueryConditions(query, conditions, args, argIndex)
	conditions, args, _ = appendCursorCondition(after, conditions, args, argIndex)

	sqlQuery := "SELECT EXISTS (SELECT 1 FROM events"
	if len(conditions) > 0 {
		sqlQuery += " WHERE " + strings.Join(conditions, " AND ")
	}
	sqlQuery += ")"

	var exists bool
	if err := tx.QueryRow(ctx, sqlQuery, args...).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// insertEvents inserts the batch, preserving caller order, and returns the
// stored events with their assigned positions and shared transaction id.
func insertEvents(ctx context.Context, tx pgx.Tx, events []InputEvent, op string) ([]Event, error) {
	batch := &pgx.Batch{}
	for _, event := range events {
		batch.Queue(`
			INSERT INTO events (type, tags, data)
			VALUES ($1, $2, $3)
			RETURNING position, transaction_id, occurred_at
		`, event.Type, TagsToArray(event.Tags), payloadOrNull(event.Data))
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	stored := make([]Event, len(events))
	for i, event := range events {
		row := Event{
			Type: event.Type,
			Tags: event.Tags,
			Data: event.Data,
		}
		if err := br.QueryRow().Scan(&row.Position, &row.TransactionID, &row.OccurredAt); err != nil {
			return nil, &ResourceError{
				EventStoreError: EventStoreError{
					Op:  op,
					Err: fmt.Errorf("failed to insert event %d: %w", i, err),
				},
				Resource: "database",
			}
		}
		stored[i] = row
	}

	if err := br.Close(); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  op,
				Err: fmt.Errorf("failed to finish insert batch: %w", err),
			},
			Resource: "database",
		}
	}

	return stored, nil
}

// payloadOrNull maps an absent payload to JSON null so the JSONB column
// accepts it.
func payloadOrNull(data []byte) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	return data
}
