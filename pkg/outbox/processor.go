package outbox

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/crablet/crablet-go/pkg/dcb"
)

// Processor drains the event log into the configured publishers. One
// processor instance runs per process; leadership decides which instance
// actually publishes a given (topic, publisher) pair.
type Processor struct {
	pool       *pgxpool.Pool
	config     Config
	progress   *ProgressStore
	elector    *LeaderElector
	publishers map[string]Publisher
	breakers   map[string]*gobreaker.CircuitBreaker
	clock      clockwork.Clock
	metrics    Metrics
	logger     *zap.Logger

	done chan struct{}
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the processor logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// WithClock sets the clock driving the poll loop. Tests inject a fake clock
// to advance cycles deterministically.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Processor) { p.clock = clock }
}

// WithMetrics sets the metrics sink. Defaults to NopMetrics.
func WithMetrics(metrics Metrics) Option {
	return func(p *Processor) { p.metrics = metrics }
}

// NewProcessor creates a Processor. Every publisher referenced by a topic
// must be present in publishers; names must be unique.
func NewProcessor(pool *pgxpool.Pool, config Config, publishers []Publisher, opts ...Option) (*Processor, error) {
	config = config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	byName := make(map[string]Publisher, len(publishers))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(publishers))
	for _, pub := range publishers {
		name := pub.Name()
		if name == "" {
			return nil, fmt.Errorf("publisher with empty name")
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("duplicate publisher %q", name)
		}
		byName[name] = pub
		breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "outbox-" + name,
		})
	}

	for topicName, tc := range config.Topics {
		for _, pubName := range tc.Publishers {
			if _, ok := byName[pubName]; !ok {
				return nil, fmt.Errorf("topic %q references unknown publisher %q", topicName, pubName)
			}
		}
	}

	p := &Processor{
		pool:       pool,
		config:     config,
		progress:   NewProgressStore(pool),
		elector:    NewLeaderElector(pool, config.LockStrategy, config.InstanceID),
		publishers: byName,
		breakers:   breakers,
		clock:      clockwork.NewRealClock(),
		metrics:    NopMetrics{},
		logger:     zap.NewNop(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Progress exposes the progress store for operational pause/resume/reset.
func (p *Processor) Progress() *ProgressStore {
	return p.progress
}

// Start runs the poll loop until ctx is cancelled, then releases leadership.
// It should be called in a goroutine; Wait blocks until teardown finishes.
func (p *Processor) Start(ctx context.Context) {
	defer close(p.done)
	defer func() {
		// Release advisory locks promptly rather than waiting for the
		// database to notice a dead connection.
		if err := p.Close(context.Background()); err != nil {
			p.logger.Warn("failed to release leadership", zap.Error(err))
		}
	}()

	if !p.config.Enabled {
		p.logger.Info("outbox disabled")
		return
	}

	p.logger.Info("outbox started",
		zap.String("instance", p.config.InstanceID),
		zap.String("lock_strategy", string(p.config.LockStrategy)),
		zap.Int("topics", len(p.config.Topics)),
	)

	ticker := p.clock.NewTicker(p.config.PollInterval())
	defer ticker.Stop()

	for {
		p.RunCycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// Wait blocks until Start has torn down.
func (p *Processor) Wait() {
	<-p.done
}

// Close releases every held leadership lock and its dedicated connection.
// Start calls it on teardown; callers driving RunCycle directly must call it
// themselves.
func (p *Processor) Close(ctx context.Context) error {
	return p.elector.Close(ctx)
}

// RunCycle processes every owned (topic, publisher) pair once. One pair's
// failure never aborts the cycle; errors are recorded on the pair and logged.
func (p *Processor) RunCycle(ctx context.Context) {
	topicNames := make([]string, 0, len(p.config.Topics))
	for name := range p.config.Topics {
		topicNames = append(topicNames, name)
	}
	sort.Strings(topicNames)

	for _, topicName := range topicNames {
		tc := p.config.Topics[topicName]
		for _, pubName := range tc.Publishers {
			if ctx.Err() != nil {
				return
			}
			if err := p.processPair(ctx, tc, p.publishers[pubName]); err != nil {
				p.logger.Error("pair processing failed",
					zap.String("topic", topicName),
					zap.String("publisher", pubName),
					zap.Error(err),
				)
			}
		}
	}
}

func (p *Processor) processPair(ctx context.Context, tc TopicConfig, pub Publisher) error {
	owned, err := p.elector.AcquirePair(ctx, tc.Name, pub.Name())
	if err != nil {
		return err
	}
	if !owned {
		return nil
	}

	if err := p.progress.Ensure(ctx, tc.Name, pub.Name()); err != nil {
		return err
	}
	if err := p.progress.Heartbeat(ctx, tc.Name, pub.Name(), p.config.InstanceID); err != nil {
		return err
	}

	prog, err := p.progress.Get(ctx, tc.Name, pub.Name())
	if err != nil {
		return err
	}
	if prog.Status != StatusActive {
		return nil
	}

	events, err := p.fetchEvents(ctx, tc, prog.LastPosition)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	switch pub.Mode() {
	case ModeIndividual:
		return p.publishIndividually(ctx, tc, pub, events)
	default:
		return p.publishBatch(ctx, tc, pub, events)
	}
}

// fetchEvents reads up to BatchSize events past afterPosition that match the
// topic filter, in ascending position order.
func (p *Processor) fetchEvents(ctx context.Context, tc TopicConfig, afterPosition int64) ([]dcb.Event, error) {
	conditions := []string{"position > $1"}
	args := []any{afterPosition}
	conditions, args, _ = tc.appendFilterSQL(conditions, args, 2)

	sqlQuery := fmt.Sprintf(`
		SELECT type, tags, data, position, transaction_id, occurred_at
		FROM events
		WHERE %s
		ORDER BY position ASC
		LIMIT %d
	`, strings.Join(conditions, " AND "), p.config.BatchSize)

	rows, err := p.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events for topic %q: %w", tc.Name, err)
	}
	defer rows.Close()

	var events []dcb.Event
	for rows.Next() {
		var (
			event   dcb.Event
			rawTags []string
		)
		if err := rows.Scan(&event.Type, &rawTags, &event.Data, &event.Position, &event.TransactionID, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event for topic %q: %w", tc.Name, err)
		}
		event.Tags = dcb.ParseTagsArray(rawTags)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (p *Processor) publishBatch(ctx context.Context, tc TopicConfig, pub Publisher, events []dcb.Event) error {
	start := p.clock.Now()
	_, err := p.breakers[pub.Name()].Execute(func() (interface{}, error) {
		return nil, pub.PublishBatch(ctx, events)
	})
	p.metrics.ObserveBatch(tc.Name, pub.Name(), p.clock.Since(start))

	if err != nil {
		return p.recordPublishFailure(ctx, tc, pub, err)
	}

	p.metrics.EventsPublished(tc.Name, pub.Name(), len(events))
	return p.progress.RecordSuccess(ctx, tc.Name, pub.Name(), events[len(events)-1].Position)
}

// publishIndividually delivers one event per call and stops at the first
// failure, advancing lastPosition over the delivered prefix so the next
// cycle retries from the failed event.
func (p *Processor) publishIndividually(ctx context.Context, tc TopicConfig, pub Publisher, events []dcb.Event) error {
	start := p.clock.Now()
	published := 0
	var publishErr error

	for _, event := range events {
		single := []dcb.Event{event}
		if _, err := p.breakers[pub.Name()].Execute(func() (interface{}, error) {
			return nil, pub.PublishBatch(ctx, single)
		}); err != nil {
			publishErr = err
			break
		}
		published++
	}
	p.metrics.ObserveBatch(tc.Name, pub.Name(), p.clock.Since(start))

	if published > 0 {
		p.metrics.EventsPublished(tc.Name, pub.Name(), published)
		if err := p.progress.RecordSuccess(ctx, tc.Name, pub.Name(), events[published-1].Position); err != nil {
			return err
		}
	}
	if publishErr != nil {
		return p.recordPublishFailure(ctx, tc, pub, publishErr)
	}
	return nil
}

func (p *Processor) recordPublishFailure(ctx context.Context, tc TopicConfig, pub Publisher, publishErr error) error {
	p.metrics.PublishFailed(tc.Name, pub.Name())

	pe := &PublishError{Topic: tc.Name, Publisher: pub.Name(), Err: publishErr}
	status, err := p.progress.RecordFailure(ctx, tc.Name, pub.Name(), pe.Error(), p.config.MaxRetries)
	if err != nil {
		return err
	}

	if status == StatusFailed {
		p.logger.Warn("pair failed after exhausting retries",
			zap.String("topic", tc.Name),
			zap.String("publisher", pub.Name()),
			zap.Error(publishErr),
		)
	}
	return pe
}
