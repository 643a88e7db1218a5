package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the processing state of a (topic, publisher) pair.
type Status string

const (
	// StatusActive means the pair is eligible for processing.
	StatusActive Status = "ACTIVE"

	// StatusPaused means an operator paused the pair; resume is manual.
	StatusPaused Status = "PAUSED"

	// StatusFailed means the pair exceeded its retry budget and stopped to
	// preserve ordering; reset is manual.
	StatusFailed Status = "FAILED"
)

// Progress is one row of outbox_topic_progress: delivery state for a single
// (topic, publisher) pair.
type Progress struct {
	Topic           string
	Publisher       string
	LastPosition    int64
	Status          Status
	ErrorCount      int
	LastError       *string
	LeaderInstance  *string
	LeaderHeartbeat *time.Time
	LastPublishedAt *time.Time
	UpdatedAt       time.Time
	CreatedAt       time.Time
}

// ProgressStore persists per-(topic, publisher) delivery progress. Rows are
// only mutated by the instance holding the pair's advisory lock.
type ProgressStore struct {
	pool *pgxpool.Pool
}

// NewProgressStore creates a ProgressStore on the given pool.
func NewProgressStore(pool *pgxpool.Pool) *ProgressStore {
	return &ProgressStore{pool: pool}
}

const progressColumns = `topic, publisher, last_position, status, error_count,
	last_error, leader_instance, leader_heartbeat, last_published_at, updated_at, created_at`

// Ensure inserts the pair's row with last_position 0 and status ACTIVE when
// it does not exist yet.
func (s *ProgressStore) Ensure(ctx context.Context, topic, publisher string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_topic_progress (topic, publisher)
		VALUES ($1, $2)
		ON CONFLICT (topic, publisher) DO NOTHING
	`, topic, publisher)
	if err != nil {
		return fmt.Errorf("failed to ensure progress row for (%s, %s): %w", topic, publisher, err)
	}
	return nil
}

// Get returns the pair's progress row.
func (s *ProgressStore) Get(ctx context.Context, topic, publisher string) (Progress, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+progressColumns+`
		FROM outbox_topic_progress
		WHERE topic = $1 AND publisher = $2
	`, topic, publisher)

	p, err := scanProgress(row)
	if err != nil {
		return Progress{}, fmt.Errorf("failed to read progress for (%s, %s): %w", topic, publisher, err)
	}
	return p, nil
}

// List returns every progress row, ordered by topic then publisher.
func (s *ProgressStore) List(ctx context.Context) ([]Progress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+progressColumns+`
		FROM outbox_topic_progress
		ORDER BY topic, publisher
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress rows: %w", err)
	}
	defer rows.Close()

	var result []Progress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// RecordSuccess advances the pair past the published batch and clears its
// error state.
func (s *ProgressStore) RecordSuccess(ctx context.Context, topic, publisher string, lastPosition int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET last_position = $3,
		    error_count = 0,
		    last_error = NULL,
		    last_published_at = now(),
		    updated_at = now()
		WHERE topic = $1 AND publisher = $2
	`, topic, publisher, lastPosition)
	if err != nil {
		return fmt.Errorf("failed to record success for (%s, %s): %w", topic, publisher, err)
	}
	return nil
}

// RecordFailure increments the pair's error count and transitions it to
// FAILED when the count reaches maxRetries. It returns the resulting status.
// lastPosition is never advanced on failure, so ordering is preserved.
func (s *ProgressStore) RecordFailure(ctx context.Context, topic, publisher, lastError string, maxRetries int) (Status, error) {
	var status Status
	err := s.pool.QueryRow(ctx, `
		UPDATE outbox_topic_progress
		SET error_count = error_count + 1,
		    last_error = $3,
		    status = CASE WHEN error_count + 1 >= $4 THEN 'FAILED' ELSE status END,
		    updated_at = now()
		WHERE topic = $1 AND publisher = $2
		RETURNING status
	`, topic, publisher, lastError, maxRetries).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("failed to record failure for (%s, %s): %w", topic, publisher, err)
	}
	return status, nil
}

// Pause suspends processing of the pair.
func (s *ProgressStore) Pause(ctx context.Context, topic, publisher string) error {
	return s.setStatus(ctx, topic, publisher, StatusPaused)
}

// Resume reactivates a paused pair.
func (s *ProgressStore) Resume(ctx context.Context, topic, publisher string) error {
	return s.setStatus(ctx, topic, publisher, StatusActive)
}

// Reset reactivates a failed pair and zeroes its error state. The position is
// kept: the pair resumes from where it stopped.
func (s *ProgressStore) Reset(ctx context.Context, topic, publisher string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET status = 'ACTIVE',
		    error_count = 0,
		    last_error = NULL,
		    updated_at = now()
		WHERE topic = $1 AND publisher = $2
	`, topic, publisher)
	if err != nil {
		return fmt.Errorf("failed to reset (%s, %s): %w", topic, publisher, err)
	}
	return nil
}

// Heartbeat records which instance currently leads the pair.
func (s *ProgressStore) Heartbeat(ctx context.Context, topic, publisher, instance string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET leader_instance = $3,
		    leader_heartbeat = now()
		WHERE topic = $1 AND publisher = $2
	`, topic, publisher, instance)
	if err != nil {
		return fmt.Errorf("failed to heartbeat (%s, %s): %w", topic, publisher, err)
	}
	return nil
}

func (s *ProgressStore) setStatus(ctx context.Context, topic, publisher string, status Status) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_topic_progress
		SET status = $3, updated_at = now()
		WHERE topic = $1 AND publisher = $2
	`, topic, publisher, string(status))
	if err != nil {
		return fmt.Errorf("failed to set (%s, %s) to %s: %w", topic, publisher, status, err)
	}
	return nil
}

func scanProgress(row pgx.Row) (Progress, error) {
	var p Progress
	err := row.Scan(
		&p.Topic, &p.Publisher, &p.LastPosition, &p.Status, &p.ErrorCount,
		&p.LastError, &p.LeaderInstance, &p.LeaderHeartbeat, &p.LastPublishedAt,
		&p.UpdatedAt, &p.CreatedAt,
	)
	return p, err
}
