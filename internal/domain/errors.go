package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned before any gateway call when no viewer session exists.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrNotReady indicates subscriptions were requested before the block list loaded.
	ErrNotReady = errors.New("block list not loaded")
	// ErrPostNotFound is returned when a post is not present in local state.
	ErrPostNotFound = errors.New("post not found")
	// ErrDuplicateLike is returned when a user already likes the post.
	ErrDuplicateLike = errors.New("post already liked")
)

// LoadError reports a failed bulk fetch. The previous local collection is kept.
type LoadError struct {
	Collection string
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Collection, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// MutationError reports a failed like, unlike, flag or upload.
type MutationError struct {
	Op     string
	Target string
	Err    error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// SubscriptionError reports a subscribe attempt that failed. It is not retried.
type SubscriptionError struct {
	Group   string
	Channel string
	Err     error
}

func (e *SubscriptionError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("subscribe group %s: %v", e.Group, e.Err)
	}
	return fmt.Sprintf("subscribe group %s channel %s: %v", e.Group, e.Channel, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
