package changefeed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Nick67672/Gymsta/internal/events"
	"github.com/Nick67672/Gymsta/internal/gateway"
)

// ErrChannelInUse is returned when a channel name is subscribed while already live.
var ErrChannelInUse = errors.New("channel already subscribed")

// ReaderFactory builds a reader for one topic and consumer group.
type ReaderFactory func(topic, groupID string) Reader

// FeedOption configures a KafkaFeed.
type FeedOption func(*KafkaFeed)

// WithFeedLogger overrides the logger handed to channel processors.
func WithFeedLogger(logger *zap.Logger) FeedOption {
	return func(f *KafkaFeed) {
		f.logger = logger
	}
}

// WithReaderFactory overrides how channel readers are built.
func WithReaderFactory(factory ReaderFactory) FeedOption {
	return func(f *KafkaFeed) {
		f.newReader = factory
	}
}

// KafkaFeed implements gateway.ChangeFeed over per-table Kafka topics. Each
// channel consumes with its own consumer group named after the channel.
type KafkaFeed struct {
	brokers     []string
	topicPrefix string
	newReader   ReaderFactory
	logger      *zap.Logger

	mu   sync.Mutex
	live map[string]*kafkaSubscription
}

// NewKafkaFeed constructs a KafkaFeed.
func NewKafkaFeed(brokers []string, topicPrefix string, opts ...FeedOption) *KafkaFeed {
	f := &KafkaFeed{
		brokers:     brokers,
		topicPrefix: topicPrefix,
		logger:      zap.NewNop(),
		live:        make(map[string]*kafkaSubscription),
	}
	f.newReader = f.kafkaReader
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *KafkaFeed) kafkaReader(topic, groupID string) Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        f.brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
	})
}

// Subscribe starts consuming the filter's table topic and invokes handler for matching changes.
func (f *KafkaFeed) Subscribe(ctx context.Context, channel string, filter events.Filter, handler gateway.ChangeHandler) (gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.live[channel]; ok {
		return nil, ErrChannelInUse
	}
	if filter.Table == "" {
		return nil, errors.New("filter table is required")
	}

	topic := events.Topic(f.topicPrefix, filter.Table)
	reader := f.newReader(topic, channel)
	logger := f.logger.With(zap.String("channel", channel), zap.String("topic", topic))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &kafkaSubscription{
		channel: channel,
		cancel:  cancel,
		done:    make(chan struct{}),
		feed:    f,
	}
	proc := NewProcessor(reader, filteredHandler{filter: filter, handler: handler}, WithLogger(logger))

	go func() {
		defer close(sub.done)
		defer reader.Close()
		if err := proc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("channel stopped", zap.Error(err))
		}
	}()

	f.live[channel] = sub
	liveChannelsGauge.Set(float64(len(f.live)))
	return sub, nil
}

func (f *KafkaFeed) release(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, channel)
	liveChannelsGauge.Set(float64(len(f.live)))
}

// Live reports whether a channel is currently subscribed.
func (f *KafkaFeed) Live(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[channel]
	return ok
}

type filteredHandler struct {
	filter  events.Filter
	handler gateway.ChangeHandler
}

func (h filteredHandler) Handle(ctx context.Context, msg Message) error {
	if h.filter.Matches(msg.Change) {
		h.handler(ctx, msg.Change)
	}
	return nil
}

type kafkaSubscription struct {
	channel string
	cancel  context.CancelFunc
	done    chan struct{}
	feed    *KafkaFeed
	once    sync.Once
}

func (s *kafkaSubscription) Channel() string { return s.channel }

// Unsubscribe stops the channel's consumer and waits for it to exit. Repeated calls are no-ops.
func (s *kafkaSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.feed.release(s.channel)
	})
	return nil
}
