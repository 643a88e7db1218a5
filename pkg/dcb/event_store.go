package dcb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore is the core interface for appending and reading events.
type EventStore interface {
	// Append appends events unconditionally and returns their stored form.
	// All events of one call share a transaction id and occupy contiguous
	// positions. An empty batch is a no-op returning nil.
	Append(ctx context.Context, events []InputEvent) ([]Event, error)

	// AppendIf appends events only when the condition holds, evaluated inside
	// the same transaction as the insert. A violated condition returns a
	// *ConcurrencyError whose Kind tells staleness from duplication apart.
	AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) ([]Event, error)

	// Query returns every event matching the query after the cursor (nil
	// cursor means from the beginning), in ascending (transaction_id,
	// position) order.
	Query(ctx context.Context, query Query, after *Cursor) ([]Event, error)

	// QueryStream is the channel-based variant of Query for larger result
	// sets; the channel closes when the scan ends or ctx is done.
	QueryStream(ctx context.Context, query Query, after *Cursor) (<-chan Event, error)

	// Project folds events matching the combined projector queries into one
	// state per projector and returns the AppendCondition to use for an
	// optimistic append based on that decision state.
	Project(ctx context.Context, projectors []BatchProjector, after *Cursor) (map[string]any, AppendCondition, error)

	// InTransaction runs fn with a store handle whose appends all share one
	// database transaction (and therefore one transaction id). The
	// transaction commits when fn returns nil and rolls back otherwise.
	InTransaction(ctx context.Context, fn func(ctx context.Context, store TransactionalEventStore) error) error

	// GetConfig returns the store configuration.
	GetConfig() EventStoreConfig
}

// TransactionalEventStore is the store handle visible inside InTransaction.
type TransactionalEventStore interface {
	EventStore

	// CurrentTransactionID returns the transaction id that appends made
	// through this handle will carry.
	CurrentTransactionID(ctx context.Context) (uint64, error)
}

// dbConn is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so read and
// append helpers run identically inside and outside InTransaction.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// eventStore implements EventStore on a pgx connection pool.
type eventStore struct {
	pool   *pgxpool.Pool
	config EventStoreConfig
}

// NewEventStore creates an EventStore using the provided PostgreSQL
// connection pool and default configuration. The connection is verified.
func NewEventStore(ctx context.Context, pool *pgxpool.Pool) (EventStore, error) {
	return NewEventStoreWithConfig(ctx, pool, DefaultEventStoreConfig())
}

// NewEventStoreWithConfig creates an EventStore with an explicit
// configuration.
func NewEventStoreWithConfig(ctx context.Context, pool *pgxpool.Pool, config EventStoreConfig) (EventStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "NewEventStore",
				Err: fmt.Errorf("unable to connect to database: %w", err),
			},
			Resource: "database",
		}
	}

	return &eventStore{pool: pool, config: normalizeConfig(config)}, nil
}

// NewEventStoreFromPool creates an EventStore from an existing pool without
// connection testing. Used by tests that share a PostgreSQL container.
func NewEventStoreFromPool(pool *pgxpool.Pool) EventStore {
	return &eventStore{pool: pool, config: DefaultEventStoreConfig()}
}

func normalizeConfig(config EventStoreConfig) EventStoreConfig {
	defaults := DefaultEventStoreConfig()
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = defaults.MaxBatchSize
	}
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = defaults.StreamBuffer
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = defaults.QueryTimeout
	}
	if config.AppendTimeout <= 0 {
		config.AppendTimeout = defaults.AppendTimeout
	}
	return config
}

// GetConfig returns the store configuration.
func (es *eventStore) GetConfig() EventStoreConfig {
	return es.config
}

// withTimeout creates a context with a timeout, respecting the caller's
// deadline when one is set.
func (es *eventStore) withTimeout(ctx context.Context, defaultTimeoutMs int) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(defaultTimeoutMs)*time.Millisecond)
}

// toPgxIsoLevel converts our IsolationLevel to the pgx equivalent.
func toPgxIsoLevel(level IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case IsolationLevelReadCommitted:
		return pgx.ReadCommitted
	case IsolationLevelRepeatableRead:
		return pgx.RepeatableRead
	case IsolationLevelSerializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

// TruncateEvents truncates the events table and resets the position sequence.
// Intended for testing and benchmarking only.
func TruncateEvents(ctx context.Context, store EventStore) error {
	es, ok := store.(*eventStore)
	if !ok {
		return fmt.Errorf("store is not the expected implementation type")
	}

	_, err := es.pool.Exec(ctx, "TRUNCATE TABLE events RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("failed to truncate events table: %w", err)
	}

	_, err = es.pool.Exec(ctx, "ALTER SEQUENCE events_position_seq RESTART WITH 1")
	if err != nil {
		return fmt.Errorf("failed to reset position sequence: %w", err)
	}

	return nil
}
