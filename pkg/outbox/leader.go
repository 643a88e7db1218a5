package outbox

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LockStrategy selects the leader-election granularity.
type LockStrategy string

const (
	// LockStrategyGlobal uses one coordination key: a single instance
	// processes every (topic, publisher) pair.
	LockStrategyGlobal LockStrategy = "GLOBAL"

	// LockStrategyPerTopicPublisher uses one key per pair, letting different
	// instances own different pairs.
	LockStrategyPerTopicPublisher LockStrategy = "PER_TOPIC_PUBLISHER"
)

const globalLockScope = "outbox:global"

// lockKey hashes a scope string onto the 64-bit advisory lock space.
func lockKey(scope string) int64 {
	h := fnv.New64a()
	h.Write([]byte(scope))
	return int64(h.Sum64())
}

// pairScope is the lock scope of one (topic, publisher) pair.
func pairScope(topic, publisher string) string {
	return "outbox:" + topic + ":" + publisher
}

// LeaderElector acquires session-scoped advisory locks, one dedicated pooled
// connection per held lock. The connection stays out of the pool while the
// lock is held; releasing the connection (or process death) releases the
// lock, so leadership can never outlive its holder beyond the database's
// dead-connection detection window.
type LeaderElector struct {
	pool     *pgxpool.Pool
	strategy LockStrategy
	instance string

	mu   sync.Mutex
	held map[string]*pgxpool.Conn // scope -> connection pinning the lock
}

// NewLeaderElector creates a LeaderElector for this instance.
func NewLeaderElector(pool *pgxpool.Pool, strategy LockStrategy, instanceID string) *LeaderElector {
	return &LeaderElector{
		pool:     pool,
		strategy: strategy,
		instance: instanceID,
		held:     make(map[string]*pgxpool.Conn),
	}
}

// InstanceID returns the identifier this elector heartbeats with.
func (e *LeaderElector) InstanceID() string {
	return e.instance
}

// AcquirePair tries to become leader for the pair (or globally, depending on
// strategy). Acquisition is non-blocking: it returns false immediately when
// another instance holds the lock. Holding is idempotent across cycles.
func (e *LeaderElector) AcquirePair(ctx context.Context, topic, publisher string) (bool, error) {
	scope := globalLockScope
	if e.strategy == LockStrategyPerTopicPublisher {
		scope = pairScope(topic, publisher)
	}
	return e.acquire(ctx, scope)
}

func (e *LeaderElector) acquire(ctx context.Context, scope string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.held[scope]; ok {
		return true, nil
	}

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection for lock %q: %w", scope, err)
	}

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockKey(scope)).Scan(&locked); err != nil {
		conn.Release()
		return false, fmt.Errorf("failed to try lock %q: %w", scope, err)
	}
	if !locked {
		conn.Release()
		return false, nil
	}

	e.held[scope] = conn
	return true, nil
}

// ReleasePair gives up leadership for the pair's scope.
func (e *LeaderElector) ReleasePair(ctx context.Context, topic, publisher string) error {
	scope := globalLockScope
	if e.strategy == LockStrategyPerTopicPublisher {
		scope = pairScope(topic, publisher)
	}
	return e.release(ctx, scope)
}

func (e *LeaderElector) release(ctx context.Context, scope string) error {
	e.mu.Lock()
	conn, ok := e.held[scope]
	delete(e.held, scope)
	e.mu.Unlock()

	if !ok {
		return nil
	}

	_, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", lockKey(scope))
	conn.Release()
	if err != nil {
		return fmt.Errorf("failed to unlock %q: %w", scope, err)
	}
	return nil
}

// Close releases every held lock and its connection.
func (e *LeaderElector) Close(ctx context.Context) error {
	e.mu.Lock()
	held := e.held
	e.held = make(map[string]*pgxpool.Conn)
	e.mu.Unlock()

	var firstErr error
	for scope, conn := range held {
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", lockKey(scope)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to unlock %q: %w", scope, err)
		}
		conn.Release()
	}
	return firstErr
}
