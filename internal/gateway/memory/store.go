// Package memory implements the row gateway, change feed and object storage
// in process for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nick67672/Gymsta/internal/domain"
	"github.com/Nick67672/Gymsta/internal/events"
	"github.com/Nick67672/Gymsta/internal/gateway"
)

// ErrChannelInUse is returned when a channel name is subscribed twice.
var ErrChannelInUse = errors.New("channel already subscribed")

type follow struct {
	follower, following string
	at                  time.Time
}

type listener struct {
	filter  events.Filter
	handler gateway.ChangeHandler
}

// Store keeps every table in memory. Row changes are delivered to subscribers
// on the mutating caller's goroutine after the store lock is released.
type Store struct {
	now func() time.Time

	mu        sync.RWMutex
	profiles  map[string]domain.Profile
	posts     map[string]*domain.Post
	likes     map[string]domain.Like
	stories   []domain.Story
	follows   []follow
	blocks    map[string]map[string]struct{}
	workouts  []domain.Workout
	products  []domain.Product
	listeners map[string]listener
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		now:       func() time.Time { return time.Now().UTC() },
		profiles:  make(map[string]domain.Profile),
		posts:     make(map[string]*domain.Post),
		likes:     make(map[string]domain.Like),
		blocks:    make(map[string]map[string]struct{}),
		listeners: make(map[string]listener),
	}
}

// PutProfile creates or replaces a profile.
func (s *Store) PutProfile(p domain.Profile) domain.Profile {
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	p.HasStory = false
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
	return p
}

// AddPost stores a post owned by an existing profile and publishes its insert.
func (s *Store) AddPost(p domain.Post) (domain.Post, error) {
	s.mu.Lock()
	owner, ok := s.profiles[p.Owner.ID]
	if !ok {
		s.mu.Unlock()
		return domain.Post{}, fmt.Errorf("unknown profile %q", p.Owner.ID)
	}
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	p.Owner = summary(owner)
	p.Likes = nil
	stored := p.Clone()
	s.posts[p.ID] = &stored
	change := s.change(events.TablePosts, events.Insert, postRecord(stored), nil)
	s.mu.Unlock()

	s.publish(change)
	return p, nil
}

// Follow records that follower follows following.
func (s *Store) Follow(followerID, followingID string) {
	s.mu.Lock()
	at := s.now()
	s.follows = append(s.follows, follow{follower: followerID, following: followingID, at: at})
	change := s.change(events.TableFollowers, events.Insert, map[string]any{
		"follower_id":  followerID,
		"following_id": followingID,
		"created_at":   at.Format(time.RFC3339Nano),
	}, nil)
	s.mu.Unlock()

	s.publish(change)
}

// Unfollow removes a follow edge.
func (s *Store) Unfollow(followerID, followingID string) {
	s.mu.Lock()
	kept := s.follows[:0]
	var removed []events.Change
	for _, f := range s.follows {
		if f.follower == followerID && f.following == followingID {
			removed = append(removed, s.change(events.TableFollowers, events.Delete, nil, map[string]any{
				"follower_id":  f.follower,
				"following_id": f.following,
			}))
			continue
		}
		kept = append(kept, f)
	}
	s.follows = kept
	s.mu.Unlock()

	for _, c := range removed {
		s.publish(c)
	}
}

// Block records that blockerID blocked blockedID.
func (s *Store) Block(blockerID, blockedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.blocks[blockerID]
	if !ok {
		set = make(map[string]struct{})
		s.blocks[blockerID] = set
	}
	set[blockedID] = struct{}{}
}

// AddWorkout stores a workout.
func (s *Store) AddWorkout(w domain.Workout) domain.Workout {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(w.ID) == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now()
	}
	if owner, ok := s.profiles[w.UserID]; ok {
		w.Owner = summary(owner)
	}
	s.workouts = append(s.workouts, w)
	return w
}

// ListPosts returns every post newest first.
func (s *Store) ListPosts(context.Context) ([]domain.Post, error) {
	return s.filterPosts(func(*domain.Post) bool { return true }), nil
}

// ListPostsByUser returns one profile's posts newest first.
func (s *Store) ListPostsByUser(_ context.Context, userID string) ([]domain.Post, error) {
	return s.filterPosts(func(p *domain.Post) bool { return p.Owner.ID == userID }), nil
}

func (s *Store) filterPosts(keep func(*domain.Post) bool) []domain.Post {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Post, 0, len(s.posts))
	for _, p := range s.posts {
		if keep(p) {
			out = append(out, s.withOwner(*p))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// withOwner refreshes the embedded owner summary; callers hold the lock.
func (s *Store) withOwner(p domain.Post) domain.Post {
	out := p.Clone()
	if owner, ok := s.profiles[p.Owner.ID]; ok {
		out.Owner = summary(owner)
	}
	return out
}

// GetPost returns a post or nil when it does not exist.
func (s *Store) GetPost(_ context.Context, postID string) (*domain.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[postID]
	if !ok {
		return nil, nil
	}
	out := s.withOwner(*p)
	return &out, nil
}

// GetProfile returns a profile or nil when it does not exist.
func (s *Store) GetProfile(_ context.Context, userID string) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// FollowCounts returns the follower and following counts of userID.
func (s *Store) FollowCounts(_ context.Context, userID string) (followers, following int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.follows {
		if f.following == userID {
			followers++
		}
		if f.follower == userID {
			following++
		}
	}
	return followers, following, nil
}

// ListFollowing returns the profiles viewerID follows, in follow order.
func (s *Store) ListFollowing(_ context.Context, viewerID string) ([]domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Profile
	for _, f := range s.follows {
		if f.follower != viewerID {
			continue
		}
		if p, ok := s.profiles[f.following]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// ListBlocked returns the ids blocked by viewerID.
func (s *Store) ListBlocked(_ context.Context, viewerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blocks[viewerID]))
	for id := range s.blocks[viewerID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ListStories returns stories of ownerIDs created at or after since, oldest first.
func (s *Store) ListStories(_ context.Context, ownerIDs []string, since time.Time) ([]domain.Story, error) {
	owners := make(map[string]struct{}, len(ownerIDs))
	for _, id := range ownerIDs {
		owners[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Story
	for _, story := range s.stories {
		if _, ok := owners[story.OwnerID]; ok && !story.CreatedAt.Before(since) {
			out = append(out, story)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// InsertStory records a story and publishes its insert.
func (s *Store) InsertStory(_ context.Context, story domain.Story) (domain.Story, error) {
	s.mu.Lock()
	if _, ok := s.profiles[story.OwnerID]; !ok {
		s.mu.Unlock()
		return domain.Story{}, fmt.Errorf("unknown profile %q", story.OwnerID)
	}
	if strings.TrimSpace(story.ID) == "" {
		story.ID = uuid.NewString()
	}
	if story.CreatedAt.IsZero() {
		story.CreatedAt = s.now()
	}
	story.MediaKind = domain.NormalizeMediaKind(string(story.MediaKind))
	s.stories = append(s.stories, story)
	change := s.change(events.TableStories, events.Insert, map[string]any{
		"id":         story.ID,
		"user_id":    story.OwnerID,
		"media_url":  story.MediaURL,
		"media_type": string(story.MediaKind),
		"created_at": story.CreatedAt.Format(time.RFC3339Nano),
	}, nil)
	s.mu.Unlock()

	s.publish(change)
	return story, nil
}

// ListPublicWorkouts returns the newest public workouts.
func (s *Store) ListPublicWorkouts(_ context.Context, limit int) ([]domain.Workout, error) {
	out := s.filterWorkouts(func(w domain.Workout) bool { return !w.Private })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListWorkoutsByUser returns one profile's workouts newest first.
func (s *Store) ListWorkoutsByUser(_ context.Context, userID string) ([]domain.Workout, error) {
	return s.filterWorkouts(func(w domain.Workout) bool { return w.UserID == userID }), nil
}

func (s *Store) filterWorkouts(keep func(domain.Workout) bool) []domain.Workout {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Workout
	for _, w := range s.workouts {
		if keep(w) {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// InsertLike records a like and publishes its insert. A user likes a post at
// most once.
func (s *Store) InsertLike(_ context.Context, postID, userID string) (domain.Like, error) {
	s.mu.Lock()
	p, ok := s.posts[postID]
	if !ok {
		s.mu.Unlock()
		return domain.Like{}, domain.ErrPostNotFound
	}
	if p.LikedBy(userID) {
		s.mu.Unlock()
		return domain.Like{}, domain.ErrDuplicateLike
	}
	like := domain.Like{ID: uuid.NewString(), PostID: postID, UserID: userID}
	s.likes[like.ID] = like
	p.Likes = append(p.Likes, like)
	change := s.change(events.TableLikes, events.Insert, likeRecord(like), nil)
	s.mu.Unlock()

	s.publish(change)
	return like, nil
}

// DeleteLikes removes every like of userID on postID.
func (s *Store) DeleteLikes(_ context.Context, postID, userID string) error {
	s.mu.Lock()
	var removed []events.Change
	if p, ok := s.posts[postID]; ok {
		kept := p.Likes[:0]
		for _, like := range p.Likes {
			if like.UserID == userID {
				delete(s.likes, like.ID)
				removed = append(removed, s.change(events.TableLikes, events.Delete, nil, likeRecord(like)))
				continue
			}
			kept = append(kept, like)
		}
		p.Likes = kept
	}
	s.mu.Unlock()

	for _, c := range removed {
		s.publish(c)
	}
	return nil
}

// DeleteLike removes one like by id. Unknown ids are ignored.
func (s *Store) DeleteLike(_ context.Context, likeID string) error {
	s.mu.Lock()
	like, ok := s.likes[likeID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.likes, likeID)
	if p, held := s.posts[like.PostID]; held {
		kept := p.Likes[:0]
		for _, l := range p.Likes {
			if l.ID != likeID {
				kept = append(kept, l)
			}
		}
		p.Likes = kept
	}
	change := s.change(events.TableLikes, events.Delete, nil, likeRecord(like))
	s.mu.Unlock()

	s.publish(change)
	return nil
}

// FlagPost marks a post as flagged.
func (s *Store) FlagPost(_ context.Context, postID string) error {
	s.mu.Lock()
	p, ok := s.posts[postID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrPostNotFound
	}
	old := postRecord(*p)
	p.Flagged = true
	change := s.change(events.TablePosts, events.Update, postRecord(*p), old)
	s.mu.Unlock()

	s.publish(change)
	return nil
}

// ListProducts returns every product newest first with its seller.
func (s *Store) ListProducts(context.Context) ([]domain.Product, error) {
	return s.filterProducts(func(domain.Product) bool { return true }), nil
}

// ListBySeller returns the products of one seller newest first.
func (s *Store) ListBySeller(_ context.Context, sellerID string) ([]domain.Product, error) {
	return s.filterProducts(func(p domain.Product) bool { return p.SellerID == sellerID }), nil
}

func (s *Store) filterProducts(keep func(domain.Product) bool) []domain.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Product
	for _, p := range s.products {
		if !keep(p) {
			continue
		}
		if seller, ok := s.profiles[p.SellerID]; ok {
			p.Seller = summary(seller)
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// InsertProduct records a product and publishes its insert.
func (s *Store) InsertProduct(_ context.Context, p domain.Product) (domain.Product, error) {
	s.mu.Lock()
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.products = append(s.products, p)
	change := s.change(events.TableProducts, events.Insert, map[string]any{
		"id":        p.ID,
		"name":      p.Name,
		"seller_id": p.SellerID,
	}, nil)
	s.mu.Unlock()

	s.publish(change)
	return p, nil
}

func summary(p domain.Profile) domain.ProfileSummary {
	return domain.ProfileSummary{ID: p.ID, Username: p.Username, AvatarURL: p.AvatarURL, Verified: p.Verified, Gym: p.Gym}
}

func postRecord(p domain.Post) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"user_id":    p.Owner.ID,
		"image_url":  p.MediaURL,
		"media_type": string(p.MediaKind),
		"is_flagged": p.Flagged,
		"created_at": p.CreatedAt.Format(time.RFC3339Nano),
	}
}

func likeRecord(like domain.Like) map[string]any {
	return map[string]any{"id": like.ID, "post_id": like.PostID, "user_id": like.UserID}
}
