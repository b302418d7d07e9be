package changefeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Nick67672/Gymsta/internal/events"
)

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := kafka.Message{
		Topic:     "gymsta.public.posts",
		Partition: 0,
		Offset:    10,
		Time:      time.Now().UTC(),
		Value:     []byte(`{"record":{"id":"post-4"}}`),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("INSERT")},
			{Key: "table", Value: []byte("posts")},
		},
	}

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, events.Insert, handler.last.Change.Kind)
	require.Equal(t, events.TablePosts, handler.last.Change.Table)
	require.Equal(t, events.SchemaPublic, handler.last.Change.Schema)
	id, ok := handler.last.Change.Field("id")
	require.True(t, ok)
	require.Equal(t, "post-4", id)
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := kafka.Message{
		Topic:  "gymsta.public.likes",
		Offset: 20,
		Time:   time.Now().UTC(),
		Value:  []byte(`{"schema":"public","table":"likes","type":"DELETE","old_record":{"id":"like-1"}}`),
	}

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	handler := &stubHandler{err: errors.New("boom")}

	processor := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 0, reader.commitCalls)
}

func TestProcessorCommitsMalformedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &stubReader{
		messages: []kafka.Message{
			{Topic: "gymsta.public.likes", Value: []byte(`not json`)},
			{Topic: "gymsta.public.likes", Value: []byte(`{"record":{"id":"x"}}`)},
		},
		after: contextCanceled,
	}
	handler := &stubHandler{}

	processor := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t)))
	require.ErrorIs(t, processor.Run(ctx), context.Canceled)

	require.Equal(t, 0, handler.calls)
	require.Equal(t, 2, reader.commitCalls)
}

func TestProcessorBacksOffOnFetchError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetches := 0
	reader := &stubReader{after: func() error {
		fetches++
		if fetches <= 3 {
			return errors.New("broker unavailable")
		}
		return context.Canceled
	}}

	processor := NewProcessor(reader, &stubHandler{}, WithLogger(zaptest.NewLogger(t)), WithRetryDelay(20*time.Millisecond))
	start := time.Now()
	require.ErrorIs(t, processor.Run(ctx), context.Canceled)

	require.Equal(t, 4, fetches)
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestProcessorStopsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetches := 0
	reader := &stubReader{after: func() error {
		fetches++
		cancel()
		return errors.New("broker unavailable")
	}}

	processor := NewProcessor(reader, &stubHandler{}, WithLogger(zaptest.NewLogger(t)), WithRetryDelay(time.Hour))
	done := make(chan error, 1)
	go func() { done <- processor.Run(ctx) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("processor kept waiting after cancel")
	}
	require.Equal(t, 1, fetches)
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

type stubHandler struct {
	calls int
	err   error
	last  Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	return h.err
}
