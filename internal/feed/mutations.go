package feed

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Nick67672/Gymsta/internal/domain"
	"github.com/Nick67672/Gymsta/internal/observability"
)

// Like inserts a like for userID and shows a pending placeholder until the
// gateway answers. A second like while one is pending, or on a post userID
// already likes, is a no-op. userID must be the signed-in viewer.
func (s *Synchronizer) Like(ctx context.Context, postID, userID string) error {
	if err := s.requireViewer(ctx, userID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	post, held := s.posts.get(postID)
	if s.pending.find(opLike, postID, userID) != nil || (held && post.LikedBy(userID)) {
		s.mu.Unlock()
		return nil
	}
	op := &pendingOp{id: s.newID(), kind: opLike, postID: postID, userID: userID}
	op.placeholderID = "pending-" + op.id
	if held {
		s.posts.upsertLike(op.placeholder())
	}
	s.pending.add(op)
	epoch := s.epoch
	observability.SetPendingOperations(s.pending.len())
	s.mu.Unlock()

	like, err := s.rows.InsertLike(ctx, postID, userID)

	s.mu.Lock()
	s.pending.remove(op.id)
	observability.SetPendingOperations(s.pending.len())
	stale := s.closed || s.epoch != epoch
	if err != nil {
		if !stale {
			s.posts.removeLike(op.placeholderID)
		}
		s.mu.Unlock()
		s.logger.Warn("like failed", zap.String("post", postID), zap.Error(err))
		return &domain.MutationError{Op: "like", Target: postID, Err: err}
	}
	if op.cancelled {
		s.mu.Unlock()
		// An unlike overtook this insert; remove the row this insert created.
		if derr := s.rows.DeleteLike(ctx, like.ID); derr != nil {
			s.logger.Warn("compensate cancelled like", zap.String("post", postID), zap.String("like", like.ID), zap.Error(derr))
		}
		return nil
	}
	if stale {
		s.mu.Unlock()
		return nil
	}
	s.posts.removeLike(op.placeholderID)
	if like.PostID == "" {
		like.PostID = postID
	}
	like.Pending = false
	s.posts.upsertLike(like)
	s.mu.Unlock()
	return nil
}

// requireViewer fails unless a session exists and userID is its viewer.
func (s *Synchronizer) requireViewer(ctx context.Context, userID string) error {
	viewerID, ok := s.sessions.CurrentUser(ctx)
	if !ok {
		return domain.ErrUnauthenticated
	}
	if viewerID != userID {
		return fmt.Errorf("%w: %s is not the signed-in viewer", domain.ErrUnauthenticated, userID)
	}
	return nil
}

// Unlike deletes every like of userID on postID. Local entries are removed
// immediately and restored when the gateway rejects the delete.
func (s *Synchronizer) Unlike(ctx context.Context, postID, userID string) error {
	if err := s.requireViewer(ctx, userID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	pendingLike := s.pending.find(opLike, postID, userID)
	if post, held := s.posts.get(postID); held && pendingLike == nil && !post.LikedBy(userID) {
		s.mu.Unlock()
		return nil
	}
	op := &pendingOp{id: s.newID(), kind: opUnlike, postID: postID, userID: userID}
	op.removed = s.posts.removeUserLikes(postID, userID)
	var overtaken []*pendingOp
	s.pending.each(func(other *pendingOp) {
		if other.kind == opLike && other.postID == postID && other.userID == userID && !other.cancelled {
			other.cancelled = true
			overtaken = append(overtaken, other)
		}
	})
	s.pending.add(op)
	epoch := s.epoch
	observability.SetPendingOperations(s.pending.len())
	s.mu.Unlock()

	err := s.rows.DeleteLikes(ctx, postID, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.remove(op.id)
	observability.SetPendingOperations(s.pending.len())
	if err == nil {
		return nil
	}
	if !s.closed && s.epoch == epoch {
		for _, like := range op.removed {
			if !like.Pending {
				s.posts.upsertLike(like)
			}
		}
		for _, like := range overtaken {
			like.cancelled = false
			if _, live := s.pending.ops[like.id]; live {
				s.posts.upsertLike(like.placeholder())
			}
		}
	}
	s.logger.Warn("unlike failed", zap.String("post", postID), zap.Error(err))
	return &domain.MutationError{Op: "unlike", Target: postID, Err: err}
}

// FlagPost marks a post as flagged. Concurrent calls for the same post share a
// single remote write, and calls on an already flagged post do nothing. A
// failed write leaves the post unflagged so it can be retried.
func (s *Synchronizer) FlagPost(ctx context.Context, postID string) error {
	if _, ok := s.sessions.CurrentUser(ctx); !ok {
		return domain.ErrUnauthenticated
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.flagged[postID] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, err, _ := s.flights.Do(postID, func() (interface{}, error) {
		s.mu.Lock()
		already := s.flagged[postID]
		s.mu.Unlock()
		if already {
			return nil, nil
		}

		err := s.rows.FlagPost(ctx, postID)
		observability.RecordFlag(err)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.closed {
			s.flagged[postID] = true
			s.posts.setFlagged(postID)
		}
		return nil, nil
	})
	if err != nil {
		s.logger.Warn("flag failed", zap.String("post", postID), zap.Error(err))
		return &domain.MutationError{Op: "flag", Target: postID, Err: err}
	}
	return nil
}

// Flagged reports whether the post was flagged in this session or by the gateway.
func (s *Synchronizer) Flagged(postID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flagged[postID]
}
