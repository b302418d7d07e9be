// Package outbox relays captured row changes from change_outbox to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Nick67672/Gymsta/internal/events"
)

// DefaultMaxAttempts is the number of failed deliveries before a row is quarantined.
const DefaultMaxAttempts = 10

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// Option configures optional behaviour for the Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClock overrides the clock used to stamp Kafka messages.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithRetryPolicy bounds delivery attempts per row. A failed row waits
// baseDelay doubled per attempt (capped at one hour) and is quarantined once
// it has failed maxAttempts times.
func WithRetryPolicy(maxAttempts int, baseDelay time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			d.baseDelay = baseDelay
		}
	}
}

// Dispatcher drains change_outbox and publishes each row to the topic of its table.
type Dispatcher struct {
	pool             *pgxpool.Pool
	producer         messageWriter
	prefix           string
	pollInterval     time.Duration
	batchSize        int
	maxAttempts      int
	baseDelay        time.Duration
	logger           *zap.Logger
	now              func() time.Time
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, prefix string, pollInterval time.Duration, batchSize int, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:             pool,
		producer:         producer,
		prefix:           prefix,
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		maxAttempts:      DefaultMaxAttempts,
		baseDelay:        pollInterval,
		logger:           zap.NewNop(),
		now:              time.Now,
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("outbox dispatcher error", zap.Error(err))
		}
		if _, _, err := d.Backlog(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Debug("outbox backlog", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

// Row is a captured change waiting in change_outbox.
type Row struct {
	ID         int64
	Table      string
	EventType  string
	Record     json.RawMessage
	OldRecord  json.RawMessage
	CommitTime time.Time
	Attempts   int
}

// processBatch publishes one batch while holding row locks so concurrent relays skip it.
// Failed rows stay unpublished with attempts, last_error and the next attempt time recorded.
func (d *Dispatcher) processBatch(ctx context.Context) (err error) {
	start := time.Now()

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := d.fetch(ctx, tx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return tx.Rollback(ctx)
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	if deliverErr := d.deliver(ctx, rows); deliverErr != nil {
		d.logger.Warn("outbox delivery failure", zap.Int("rows", len(rows)), zap.Error(deliverErr))
		failedCounter.Add(float64(len(rows)))
		if err = d.recordFailure(ctx, tx, rows, deliverErr); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	if _, err = tx.Exec(ctx, `UPDATE change_outbox SET published_at = NOW(), last_error = NULL WHERE id = ANY($1)`, ids); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}
	deliveredCounter.Add(float64(len(rows)))
	return nil
}

func (d *Dispatcher) fetch(ctx context.Context, tx pgx.Tx) ([]Row, error) {
	query := `SELECT id, table_name, event_type, record, old_record, committed_at, attempts
        FROM change_outbox
        WHERE published_at IS NULL
          AND quarantined_at IS NULL
          AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
        ORDER BY id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, d.batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		var record, oldRecord []byte
		if err := rows.Scan(&row.ID, &row.Table, &row.EventType, &record, &oldRecord, &row.CommitTime, &row.Attempts); err != nil {
			return nil, err
		}
		row.Record = record
		row.OldRecord = oldRecord
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *Dispatcher) recordFailure(ctx context.Context, tx pgx.Tx, rows []Row, cause error) error {
	for _, row := range rows {
		attempts := row.Attempts + 1
		if attempts >= d.maxAttempts {
			if _, err := tx.Exec(ctx,
				`UPDATE change_outbox SET attempts = $2, last_error = $3, quarantined_at = NOW() WHERE id = $1`,
				row.ID, attempts, cause.Error()); err != nil {
				return err
			}
			quarantinedCounter.WithLabelValues(row.Table).Inc()
			d.logger.Error("change quarantined",
				zap.Int64("id", row.ID),
				zap.String("table", row.Table),
				zap.Int("attempts", attempts))
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE change_outbox SET attempts = $2, last_error = $3, next_attempt_at = NOW() + $4::interval WHERE id = $1`,
			row.ID, attempts, cause.Error(), d.backoffDelay(attempts)); err != nil {
			return err
		}
	}
	return nil
}

// backoffDelay doubles the base delay per attempt, capped at one hour.
func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		return time.Hour
	}
	delay := time.Duration(1<<uint(attempt-1)) * d.baseDelay
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

// Requeue releases quarantined rows so the next batch retries them, and
// returns how many were released.
func (d *Dispatcher) Requeue(ctx context.Context) (int64, error) {
	tag, err := d.pool.Exec(ctx,
		`UPDATE change_outbox SET quarantined_at = NULL, next_attempt_at = NULL, attempts = 0
          WHERE published_at IS NULL AND quarantined_at IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Backlog reports the unpublished rows waiting for delivery and those quarantined.
func (d *Dispatcher) Backlog(ctx context.Context) (pending, quarantined int, err error) {
	err = d.pool.QueryRow(ctx, `SELECT
            COUNT(*) FILTER (WHERE quarantined_at IS NULL),
            COUNT(*) FILTER (WHERE quarantined_at IS NOT NULL)
          FROM change_outbox WHERE published_at IS NULL`).Scan(&pending, &quarantined)
	if err != nil {
		return 0, 0, err
	}
	backlogGauge.WithLabelValues("pending").Set(float64(pending))
	backlogGauge.WithLabelValues("quarantined").Set(float64(quarantined))
	return pending, quarantined, nil
}

func (d *Dispatcher) deliver(ctx context.Context, rows []Row) error {
	batches, order, err := BuildMessages(d.prefix, rows, d.now().UTC())
	if err != nil {
		return err
	}
	for _, topic := range order {
		if err := d.producer.WriteMessages(ctx, topic, batches[topic]...); err != nil {
			return fmt.Errorf("write %s: %w", topic, err)
		}
	}
	return nil
}

// BuildMessages groups rows into Kafka messages keyed by topic. The returned
// order lists topics in the order their first row appeared.
func BuildMessages(prefix string, rows []Row, now time.Time) (map[string][]kafka.Message, []string, error) {
	batches := make(map[string][]kafka.Message)
	var order []string
	for _, row := range rows {
		msg, err := encode(row, now)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", row.ID, err)
		}
		topic := events.Topic(prefix, row.Table)
		if _, ok := batches[topic]; !ok {
			order = append(order, topic)
		}
		batches[topic] = append(batches[topic], msg)
	}
	return batches, order, nil
}

// messageKey picks the partition key of a change. Follow rows have no id of
// their own, so the pair of profiles identifies them.
func messageKey(change events.Change) string {
	if change.Table == events.TableFollowers {
		follower, _ := change.Field("follower_id")
		following, _ := change.Field("following_id")
		return change.Table + ":" + follower + ":" + following
	}
	id, _ := change.Field("id")
	return change.Table + ":" + id
}

func encode(row Row, now time.Time) (kafka.Message, error) {
	change := events.Change{
		Schema:     events.SchemaPublic,
		Table:      row.Table,
		Kind:       events.Kind(row.EventType),
		CommitTime: row.CommitTime.UTC(),
	}
	if err := decodeRecord(row.Record, &change.Record); err != nil {
		return kafka.Message{}, fmt.Errorf("decode record: %w", err)
	}
	if err := decodeRecord(row.OldRecord, &change.OldRecord); err != nil {
		return kafka.Message{}, fmt.Errorf("decode old_record: %w", err)
	}

	payload, err := json.Marshal(change)
	if err != nil {
		return kafka.Message{}, err
	}

	return kafka.Message{
		Key:   []byte(messageKey(change)),
		Value: payload,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "table", Value: []byte(row.Table)},
			{Key: "event_type", Value: []byte(row.EventType)},
		},
	}, nil
}

func decodeRecord(raw json.RawMessage, dst *map[string]any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
