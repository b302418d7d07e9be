package feed

import (
	"context"

	"go.uber.org/zap"

	"github.com/Nick67672/Gymsta/internal/domain"
	"github.com/Nick67672/Gymsta/internal/events"
	"github.com/Nick67672/Gymsta/internal/observability"
	"github.com/Nick67672/Gymsta/internal/subscription"
)

// Subscribe opens the realtime channels of group: post inserts, like changes,
// story changes and the viewer's follow changes. It requires the block list to
// be loaded and an authenticated viewer. A failed attempt is not retried.
func (s *Synchronizer) Subscribe(ctx context.Context, group string) error {
	s.mu.Lock()
	closed, ready := s.closed, s.blockListLoaded
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ready {
		return domain.ErrNotReady
	}
	viewerID, ok := s.sessions.CurrentUser(ctx)
	if !ok {
		return domain.ErrUnauthenticated
	}

	follows, err := events.Filter{Table: events.TableFollowers, Kind: events.Any}.WithPredicate("follower_id=eq." + viewerID)
	if err != nil {
		return &domain.SubscriptionError{Group: group, Err: err}
	}

	specs := []subscription.Spec{
		{Name: events.TablePosts, Filter: events.Filter{Table: events.TablePosts, Kind: events.Insert}, Handler: s.onPostInsert},
		{Name: events.TableLikes, Filter: events.Filter{Table: events.TableLikes, Kind: events.Any}, Handler: s.onLikeChange},
		{Name: events.TableStories, Filter: events.Filter{Table: events.TableStories, Kind: events.Any}, Handler: s.onStoryChange},
		{Name: events.TableFollowers, Filter: follows, Handler: s.onFollowChange},
	}
	if err := s.subs.Open(ctx, group, specs); err != nil {
		s.logger.Warn("subscribe failed", zap.String("group", group), zap.Error(err))
		return err
	}
	return nil
}

// UnsubscribeAll releases the channels of group. It is safe to call when none are open.
func (s *Synchronizer) UnsubscribeAll(group string) error {
	return s.subs.CloseAll(group)
}

func (s *Synchronizer) onPostInsert(ctx context.Context, c events.Change) {
	if !s.alive() {
		return
	}
	id, ok := c.Field("id")
	if !ok {
		observability.RecordChange(events.TablePosts, "dropped")
		return
	}

	post, err := s.rows.GetPost(ctx, id)
	if err != nil || post == nil {
		s.logger.Debug("drop post insert", zap.String("post", id), zap.Error(err))
		observability.RecordChange(events.TablePosts, "dropped")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, blocked := s.blocked[post.Owner.ID]; blocked {
		observability.RecordChange(events.TablePosts, "dropped")
		return
	}
	p := *post
	p.MediaKind = domain.NormalizeMediaKind(string(p.MediaKind))
	if p.Flagged {
		s.flagged[p.ID] = true
	}
	p.Flagged = s.flagged[p.ID]
	if s.posts.prepend(p) {
		observability.RecordChange(events.TablePosts, "prepend")
	} else {
		observability.RecordChange(events.TablePosts, "upsert")
	}
}

func (s *Synchronizer) onLikeChange(ctx context.Context, c events.Change) {
	if !s.alive() {
		return
	}

	switch c.Kind {
	case events.Insert, events.Update:
		like, ok := likeFromChange(c)
		if !ok {
			s.reloadFeed(ctx, events.TableLikes)
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if s.pending.find(opLike, like.PostID, like.UserID) != nil || s.pending.find(opUnlike, like.PostID, like.UserID) != nil {
			s.mu.Unlock()
			observability.RecordChange(events.TableLikes, "deferred")
			return
		}
		applied := s.posts.upsertLike(like)
		s.mu.Unlock()
		if applied {
			observability.RecordChange(events.TableLikes, "upsert")
		} else {
			observability.RecordChange(events.TableLikes, "ignored")
		}
	case events.Delete:
		id, ok := c.Field("id")
		if !ok {
			s.reloadFeed(ctx, events.TableLikes)
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		_, removed := s.posts.removeLike(id)
		s.mu.Unlock()
		if removed {
			observability.RecordChange(events.TableLikes, "delete")
		} else {
			observability.RecordChange(events.TableLikes, "ignored")
		}
	default:
		s.reloadFeed(ctx, events.TableLikes)
	}
}

func (s *Synchronizer) onStoryChange(ctx context.Context, c events.Change) {
	if !s.alive() {
		return
	}

	if c.Kind == events.Insert {
		owner, hasOwner := c.Field("user_id")
		created, hasCreated := c.TimeField("created_at")
		if hasOwner && hasCreated {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			followed := false
			for i := range s.profiles {
				if s.profiles[i].ID != owner {
					continue
				}
				followed = true
				if (domain.Story{CreatedAt: created}).ActiveAt(s.now()) {
					s.profiles[i].HasStory = true
				}
			}
			s.mu.Unlock()
			if followed {
				observability.RecordChange(events.TableStories, "upsert")
			} else {
				observability.RecordChange(events.TableStories, "ignored")
			}
			return
		}
	}
	s.reloadFollowing(ctx, events.TableStories)
}

func (s *Synchronizer) onFollowChange(ctx context.Context, _ events.Change) {
	if !s.alive() {
		return
	}
	if viewerID := s.currentViewer(ctx); viewerID != "" {
		if err := s.invalidator.Invalidate(ctx, viewerID); err != nil {
			s.logger.Warn("invalidate follow cache", zap.String("viewer", viewerID), zap.Error(err))
		}
	}
	s.reloadFollowing(ctx, events.TableFollowers)
}

func (s *Synchronizer) reloadFeed(ctx context.Context, table string) {
	s.mu.Lock()
	viewerID := s.viewerID
	blocked := keys(s.blocked)
	s.mu.Unlock()

	if err := s.LoadFeed(ctx, viewerID, blocked); err != nil {
		s.logger.Warn("reload feed after change", zap.String("table", table), zap.Error(err))
		return
	}
	observability.RecordChange(table, "reload")
}

func (s *Synchronizer) reloadFollowing(ctx context.Context, table string) {
	viewerID := s.currentViewer(ctx)
	if viewerID == "" {
		return
	}
	if err := s.LoadFollowing(ctx, viewerID); err != nil {
		s.logger.Warn("reload following after change", zap.String("table", table), zap.Error(err))
		return
	}
	observability.RecordChange(table, "reload")
}

func (s *Synchronizer) currentViewer(ctx context.Context) string {
	if viewerID, ok := s.sessions.CurrentUser(ctx); ok {
		return viewerID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewerID
}

func likeFromChange(c events.Change) (domain.Like, bool) {
	id, ok := c.Field("id")
	if !ok {
		return domain.Like{}, false
	}
	postID, ok := c.Field("post_id")
	if !ok {
		return domain.Like{}, false
	}
	userID, ok := c.Field("user_id")
	if !ok {
		return domain.Like{}, false
	}
	return domain.Like{ID: id, PostID: postID, UserID: userID}, true
}
