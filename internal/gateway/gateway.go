// Package gateway declares the remote capabilities the synchronizer depends on:
// object storage, the change feed and the current session. Row access is
// declared by each consumer package as a narrow interface.
package gateway

import (
	"context"
	"io"

	"github.com/Nick67672/Gymsta/internal/events"
)

// Upload is a single object handed to Storage.
type Upload struct {
	Bucket      string
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
}

// Storage stores objects and returns their public URL. A key is written once.
type Storage interface {
	Upload(ctx context.Context, upload Upload) (string, error)
}

// ChangeHandler receives changes matching a subscription's filter.
type ChangeHandler func(context.Context, events.Change)

// Subscription is a live change-feed channel.
type Subscription interface {
	Channel() string
	Unsubscribe() error
}

// ChangeFeed opens change-feed channels. A channel name may only be live once.
type ChangeFeed interface {
	Subscribe(ctx context.Context, channel string, filter events.Filter, handler ChangeHandler) (Subscription, error)
}

// Sessions resolves the authenticated viewer.
type Sessions interface {
	CurrentUser(ctx context.Context) (string, bool)
}
