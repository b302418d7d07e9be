// Package feed keeps the viewer's local projection of posts, followed profiles
// and gym workouts consistent with the row gateway and its change feed.
package feed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Nick67672/Gymsta/internal/domain"
	"github.com/Nick67672/Gymsta/internal/gateway"
	"github.com/Nick67672/Gymsta/internal/observability"
	"github.com/Nick67672/Gymsta/internal/subscription"
)

// ErrClosed is returned by operations invoked after Close.
var ErrClosed = errors.New("synchronizer closed")

// DefaultWorkoutLimit caps the gym workouts shown on the my-gym tab.
const DefaultWorkoutLimit = 10

// Rows is the row gateway used by the synchronizer.
type Rows interface {
	ListPosts(ctx context.Context) ([]domain.Post, error)
	GetPost(ctx context.Context, postID string) (*domain.Post, error)
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	ListStories(ctx context.Context, ownerIDs []string, since time.Time) ([]domain.Story, error)
	ListPublicWorkouts(ctx context.Context, limit int) ([]domain.Workout, error)
	InsertLike(ctx context.Context, postID, userID string) (domain.Like, error)
	DeleteLikes(ctx context.Context, postID, userID string) error
	DeleteLike(ctx context.Context, likeID string) error
	FlagPost(ctx context.Context, postID string) error
}

// FollowingSource lists the profiles a viewer follows, in follow order.
type FollowingSource interface {
	ListFollowing(ctx context.Context, viewerID string) ([]domain.Profile, error)
}

// Subscriber opens and releases groups of change-feed channels.
type Subscriber interface {
	Open(ctx context.Context, group string, specs []subscription.Spec) error
	CloseAll(group string) error
}

// Invalidator drops cached follow lists.
type Invalidator interface {
	Invalidate(ctx context.Context, viewerID string) error
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(context.Context, string) error { return nil }

// Option configures optional behaviour for the Synchronizer.
type Option func(*Synchronizer)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// WithClock overrides the time source used for story windows.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) {
		s.now = now
	}
}

// WithIDSource overrides the generator for pending operation ids.
func WithIDSource(fn func() string) Option {
	return func(s *Synchronizer) {
		s.newID = fn
	}
}

// WithWorkoutLimit overrides the number of gym workouts loaded.
func WithWorkoutLimit(limit int) Option {
	return func(s *Synchronizer) {
		if limit > 0 {
			s.workoutLimit = limit
		}
	}
}

// WithInvalidator sets the follow-list cache invalidated on follow changes.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Synchronizer) {
		s.invalidator = inv
	}
}

// Synchronizer is the View State Store for one viewer session plus the logic
// that reconciles it with the gateway.
type Synchronizer struct {
	rows         Rows
	following    FollowingSource
	sessions     gateway.Sessions
	subs         Subscriber
	invalidator  Invalidator
	logger       *zap.Logger
	now          func() time.Time
	newID        func() string
	workoutLimit int
	flights      singleflight.Group

	mu              sync.Mutex
	closed          bool
	viewerID        string
	gym             string
	blocked         map[string]struct{}
	blockListLoaded bool
	posts           *postStore
	profiles        []domain.Profile
	workouts        []domain.Workout
	pending         *pendingLog
	flagged         map[string]bool
	// epoch advances on Reset; mutations begun earlier leave local state alone.
	epoch uint64

	feedTicket, feedApplied           uint64
	followingTicket, followingApplied uint64
	workoutTicket, workoutApplied     uint64
}

// New constructs a Synchronizer.
func New(rows Rows, following FollowingSource, sessions gateway.Sessions, subs Subscriber, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		rows:         rows,
		following:    following,
		sessions:     sessions,
		subs:         subs,
		invalidator:  noopInvalidator{},
		logger:       zap.NewNop(),
		now:          time.Now,
		newID:        uuid.NewString,
		workoutLimit: DefaultWorkoutLimit,
		blocked:      make(map[string]struct{}),
		posts:        newPostStore(nil),
		pending:      newPendingLog(),
		flagged:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetBlockList records the viewer's blocked profiles, drops their posts from
// local state and marks the block list as loaded.
func (s *Synchronizer) SetBlockList(blockedIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocked = toSet(blockedIDs)
	s.blockListLoaded = true
	if removed := s.posts.removeOwners(s.blocked); removed > 0 {
		s.logger.Debug("dropped posts of blocked profiles", zap.Int("count", removed))
	}
}

// LoadFeed replaces the local posts with every post newest-first, minus posts
// owned by blockedIDs. On failure the previous posts are kept.
func (s *Synchronizer) LoadFeed(ctx context.Context, viewerID string, blockedIDs []string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.feedTicket++
	ticket := s.feedTicket
	s.mu.Unlock()

	posts, err := s.rows.ListPosts(ctx)
	if err != nil {
		observability.RecordLoad("posts", err, time.Time{})
		s.logger.Warn("load feed", zap.Error(err))
		return &domain.LoadError{Collection: "posts", Err: err}
	}

	var gym string
	gymKnown := viewerID == ""
	if viewerID != "" {
		profile, perr := s.rows.GetProfile(ctx, viewerID)
		if perr != nil {
			s.logger.Warn("load viewer gym", zap.String("viewer", viewerID), zap.Error(perr))
		} else {
			gymKnown = true
			if profile != nil {
				gym = profile.Gym
			}
		}
	}

	blocked := toSet(blockedIDs)
	visible := make([]domain.Post, 0, len(posts))
	for _, p := range posts {
		if _, skip := blocked[p.Owner.ID]; skip {
			continue
		}
		p.MediaKind = domain.NormalizeMediaKind(string(p.MediaKind))
		visible = append(visible, p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ticket < s.feedApplied {
		return nil
	}
	s.feedApplied = ticket
	s.viewerID = viewerID
	s.blocked = blocked
	if gymKnown {
		s.gym = gym
	}

	store := newPostStore(visible)
	for _, id := range store.order {
		p := store.byID[id]
		if p.Flagged {
			s.flagged[id] = true
		}
		if s.flagged[id] {
			p.Flagged = true
		}
	}
	s.pending.reapply(store)
	s.posts = store

	observability.RecordLoad("posts", nil, s.now())
	return nil
}

// Reset drops everything held for the previous viewer: posts, followed
// profiles, gym workouts, the gym, flags, the block list and pending
// operations. Loads and mutations still in flight are discarded when they
// complete. Call it before refreshing for a different or anonymous viewer.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.feedTicket++
	s.feedApplied = s.feedTicket
	s.followingTicket++
	s.followingApplied = s.followingTicket
	s.workoutTicket++
	s.workoutApplied = s.workoutTicket

	s.viewerID = ""
	s.gym = ""
	s.blocked = make(map[string]struct{})
	s.blockListLoaded = false
	s.posts = newPostStore(nil)
	s.profiles = nil
	s.workouts = nil
	s.pending = newPendingLog()
	s.flagged = make(map[string]bool)
	observability.SetPendingOperations(0)
}

// LoadFollowing replaces the followed profiles, marking each profile that has
// a story created within the last 24 hours.
func (s *Synchronizer) LoadFollowing(ctx context.Context, viewerID string) error {
	if viewerID == "" {
		return domain.ErrUnauthenticated
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.followingTicket++
	ticket := s.followingTicket
	s.mu.Unlock()

	profiles, err := s.following.ListFollowing(ctx, viewerID)
	if err != nil {
		observability.RecordLoad("following", err, time.Time{})
		return &domain.LoadError{Collection: "following", Err: err}
	}

	now := s.now()
	active := make(map[string]bool)
	if len(profiles) > 0 {
		ids := make([]string, 0, len(profiles))
		for _, p := range profiles {
			ids = append(ids, p.ID)
		}
		stories, err := s.rows.ListStories(ctx, ids, now.Add(-domain.StoryTTL))
		if err != nil {
			observability.RecordLoad("following", err, time.Time{})
			return &domain.LoadError{Collection: "following", Err: err}
		}
		for _, story := range stories {
			if story.ActiveAt(now) {
				active[story.OwnerID] = true
			}
		}
	}

	out := make([]domain.Profile, 0, len(profiles))
	for _, p := range profiles {
		p.HasStory = active[p.ID]
		out = append(out, p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ticket < s.followingApplied {
		return nil
	}
	s.followingApplied = ticket
	s.profiles = out
	observability.RecordLoad("following", nil, now)
	return nil
}

// LoadStories returns the active stories of one profile, oldest first.
func (s *Synchronizer) LoadStories(ctx context.Context, userID string) ([]domain.Story, error) {
	if _, ok := s.sessions.CurrentUser(ctx); !ok {
		return nil, domain.ErrUnauthenticated
	}

	now := s.now()
	stories, err := s.rows.ListStories(ctx, []string{userID}, now.Add(-domain.StoryTTL))
	if err != nil {
		return nil, &domain.LoadError{Collection: "stories", Err: err}
	}

	out := make([]domain.Story, 0, len(stories))
	for _, story := range stories {
		if story.OwnerID == userID && story.ActiveAt(now) {
			out = append(out, story)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// LoadGymWorkouts replaces the public workouts shown on the my-gym tab.
func (s *Synchronizer) LoadGymWorkouts(ctx context.Context) error {
	if _, ok := s.sessions.CurrentUser(ctx); !ok {
		return domain.ErrUnauthenticated
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.workoutTicket++
	ticket := s.workoutTicket
	s.mu.Unlock()

	workouts, err := s.rows.ListPublicWorkouts(ctx, s.workoutLimit)
	if err != nil {
		observability.RecordLoad("workouts", err, time.Time{})
		return &domain.LoadError{Collection: "workouts", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ticket < s.workoutApplied {
		return nil
	}
	s.workoutApplied = ticket
	s.workouts = append([]domain.Workout(nil), workouts...)
	observability.RecordLoad("workouts", nil, s.now())
	return nil
}

// Refresh reloads posts, and for an authenticated viewer also following and
// gym workouts. The loads run concurrently and their errors are joined.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	viewerID, authenticated := s.sessions.CurrentUser(ctx)

	s.mu.Lock()
	blocked := keys(s.blocked)
	s.mu.Unlock()

	var feedErr, followingErr, workoutErr error
	var g errgroup.Group
	g.Go(func() error {
		feedErr = s.LoadFeed(ctx, viewerID, blocked)
		return nil
	})
	if authenticated {
		g.Go(func() error {
			followingErr = s.LoadFollowing(ctx, viewerID)
			return nil
		})
		g.Go(func() error {
			workoutErr = s.LoadGymWorkouts(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(feedErr, followingErr, workoutErr)
}

// Posts returns a copy of the local posts, newest first.
func (s *Synchronizer) Posts() []domain.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts.snapshot()
}

// Following returns a copy of the followed profiles in follow order.
func (s *Synchronizer) Following() []domain.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Profile(nil), s.profiles...)
}

// Workouts returns a copy of the gym workouts.
func (s *Synchronizer) Workouts() []domain.Workout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Workout(nil), s.workouts...)
}

// Gym returns the viewer's gym as of the last feed load.
func (s *Synchronizer) Gym() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gym
}

// View returns the posts and workouts shown for a tab.
func (s *Synchronizer) View(tab Tab) View {
	s.mu.Lock()
	gym := s.gym
	posts := s.posts.snapshot()
	workouts := append([]domain.Workout(nil), s.workouts...)
	s.mu.Unlock()
	return FilterView(tab, gym, posts, workouts)
}

// Close marks the synchronizer as torn down. Completions that arrive later
// leave local state untouched.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Synchronizer) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
