//go:build integration

package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaContainer "github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.uber.org/zap/zaptest"

	"github.com/Nick67672/Gymsta/internal/events"
	"github.com/Nick67672/Gymsta/internal/outbox"
	"github.com/Nick67672/Gymsta/internal/subscription"
)

const integrationPrefix = "gymsta.public"

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	kafkaC, err := kafkaContainer.Run(ctx, "confluentinc/confluent-local:7.5.0", testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafka.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// recorder collects changes delivered to a channel handler.
type recorder struct {
	mu  sync.Mutex
	ids map[string]events.Change
}

func newRecorder() *recorder {
	return &recorder{ids: make(map[string]events.Change)}
}

func (r *recorder) handle(_ context.Context, c events.Change) {
	id, _ := c.Field("id")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[id] = c
}

func (r *recorder) get(id string) (events.Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.ids[id]
	return c, ok
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = make(map[string]events.Change)
}

func TestKafkaFeedReceivesRelayedChanges(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	topic := events.Topic(integrationPrefix, events.TableLikes)
	createTopic(t, broker, topic)

	logger := zaptest.NewLogger(t)
	producer := outbox.NewKafkaProducer([]string{broker})
	t.Cleanup(func() { _ = producer.Close() })

	feed := NewKafkaFeed([]string{broker}, integrationPrefix, WithFeedLogger(logger))
	manager := subscription.NewManager(feed, subscription.WithLogger(logger))
	t.Cleanup(func() { _ = manager.Close() })

	got := newRecorder()
	specs := []subscription.Spec{{
		Name:    "likes",
		Filter:  events.Filter{Table: events.TableLikes, Kind: events.Insert},
		Handler: got.handle,
	}}
	require.NoError(t, manager.Open(ctx, "home", specs))
	first := manager.Channels("home")
	require.Len(t, first, 1)
	require.True(t, feed.Live(first[0]))

	seq := 0
	relayed := func() (string, error) {
		seq++
		id := fmt.Sprintf("like-%d", seq)
		rows := []outbox.Row{{
			ID:         int64(seq),
			Table:      events.TableLikes,
			EventType:  string(events.Insert),
			Record:     json.RawMessage(fmt.Sprintf(`{"id":%q,"post_id":"p1","user_id":"u1"}`, id)),
			CommitTime: time.Now().UTC(),
		}}
		batches, _, err := outbox.BuildMessages(integrationPrefix, rows, time.Now().UTC())
		if err != nil {
			return "", err
		}
		return id, producer.WriteMessages(ctx, topic, batches[topic]...)
	}
	headerOnly := func() (string, error) {
		seq++
		id := fmt.Sprintf("raw-%d", seq)
		return id, producer.WriteMessages(ctx, topic, kafka.Message{
			Key:   []byte("likes:" + id),
			Value: []byte(fmt.Sprintf(`{"record":{"id":%q,"post_id":"p1"}}`, id)),
			Headers: []kafka.Header{
				{Key: "table", Value: []byte(events.TableLikes)},
				{Key: "event_type", Value: []byte(events.Insert)},
			},
		})
	}
	// New consumer groups start at the latest offset, so keep publishing until
	// the channel has joined and one change arrives.
	awaitDelivery := func(publish func() (string, error)) events.Change {
		var delivered events.Change
		require.Eventually(t, func() bool {
			id, err := publish()
			if err != nil {
				return false
			}
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if c, ok := got.get(id); ok {
					delivered = c
					return true
				}
				time.Sleep(100 * time.Millisecond)
			}
			return false
		}, time.Minute, 500*time.Millisecond)
		return delivered
	}

	relayedChange := awaitDelivery(relayed)
	require.Equal(t, events.TableLikes, relayedChange.Table)
	require.Equal(t, events.Insert, relayedChange.Kind)
	postID, ok := relayedChange.Field("post_id")
	require.True(t, ok)
	require.Equal(t, "p1", postID)

	rawChange := awaitDelivery(headerOnly)
	require.Equal(t, events.TableLikes, rawChange.Table)
	require.Equal(t, events.Insert, rawChange.Kind)
	require.Equal(t, events.SchemaPublic, rawChange.Schema)

	require.NoError(t, manager.Open(ctx, "home", specs))
	second := manager.Channels("home")
	require.Len(t, second, 1)
	require.NotEqual(t, first[0], second[0])
	require.False(t, feed.Live(first[0]))
	require.True(t, feed.Live(second[0]))

	got.reset()
	resubscribed := awaitDelivery(relayed)
	require.Equal(t, events.Insert, resubscribed.Kind)

	require.NoError(t, manager.CloseAll("home"))
	require.False(t, feed.Live(second[0]))
}
