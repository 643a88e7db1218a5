package dcb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InTransaction runs fn with a store handle bound to a single database
// transaction. Every append made through the handle shares one transaction id
// and becomes visible atomically on commit.
func (es *eventStore) InTransaction(ctx context.Context, fn func(ctx context.Context, store TransactionalEventStore) error) error {
	txCtx, cancel := es.withTimeout(ctx, es.config.AppendTimeout)
	defer cancel()

	tx, err := es.pool.BeginTx(txCtx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.DefaultAppendIsolation),
	})
	if err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "inTransaction",
				Err: fmt.Errorf("failed to begin transaction: %w", err),
			},
			Resource: "database",
		}
	}
	defer tx.Rollback(txCtx)

	if err := fn(txCtx, &txStore{tx: tx, config: es.config}); err != nil {
		return err
	}

	if err := tx.Commit(txCtx); err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "inTransaction",
				Err: fmt.Errorf("failed to commit transaction: %w", err),
			},
			Resource: "database",
		}
	}
	return nil
}

// txStore implements TransactionalEventStore on an open pgx.Tx.
type txStore struct {
	tx     pgx.Tx
	config EventStoreConfig
}

func (s *txStore) Append(ctx context.Context, events []InputEvent) ([]Event, error) {
	return s.appendWithCondition(ctx, events, nil, "append")
}

func (s *txStore) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) ([]Event, error) {
	return s.appendWithCondition(ctx, events, &condition, "appendIf")
}

func (s *txStore) appendWithCondition(ctx context.Context, events []InputEvent, condition *AppendCondition, op string) ([]Event, error) {
	if err := validateEvents(events, s.config.MaxBatchSize, op); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return appendInTx(ctx, s.tx, events, condition, op)
}

func (s *txStore) Query(ctx context.Context, query Query, after *Cursor) ([]Event, error) {
	return queryEvents(ctx, s.tx, query, after)
}

// QueryStream materializes the result before streaming: a pgx.Tx is a single
// connection, and holding its row stream open while fn keeps using the handle
// would interleave protocol messages.
func (s *txStore) QueryStream(ctx context.Context, query Query, after *Cursor) (<-chan Event, error) {
	events, err := s.Query(ctx, query, after)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, s.config.StreamBuffer)
	go func() {
		defer close(ch)
		for _, event := range events {
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *txStore) Project(ctx context.Context, projectors []BatchProjector, after *Cursor) (map[string]any, AppendCondition, error) {
	return projectStates(ctx, s.tx, projectors, after)
}

// InTransaction on a transactional handle runs fn against the same
// transaction; there is no nesting.
func (s *txStore) InTransaction(ctx context.Context, fn func(ctx context.Context, store TransactionalEventStore) error) error {
	return fn(ctx, s)
}

func (s *txStore) GetConfig() EventStoreConfig {
	return s.config
}

// CurrentTransactionID returns the xid8 of the surrounding transaction. The
// first call assigns the id; it stays constant until commit. The append lock
// is taken first so the id cannot be assigned before a concurrent appender
// that will commit earlier, keeping transaction ids ordered with positions.
func (s *txStore) CurrentTransactionID(ctx context.Context) (uint64, error) {
	if _, err := s.tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", appendLockKey); err != nil {
		return 0, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "currentTransactionID",
				Err: fmt.Errorf("failed to acquire append lock: %w", err),
			},
			Resource: "database",
		}
	}

	var txID uint64
	if err := s.tx.QueryRow(ctx, "SELECT pg_current_xact_id()").Scan(&txID); err != nil {
		return 0, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "currentTransactionID",
				Err: fmt.Errorf("failed to read transaction id: %w", err),
			},
			Resource: "database",
		}
	}
	return txID, nil
}
