package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Nick67672/Gymsta/internal/domain"
	"github.com/Nick67672/Gymsta/internal/events"
	"github.com/Nick67672/Gymsta/internal/gateway"
	"github.com/Nick67672/Gymsta/internal/subscription"
)

var testNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func post(id, owner, gym string, age time.Duration, likes ...domain.Like) domain.Post {
	return domain.Post{
		ID:        id,
		MediaURL:  "https://cdn.example/" + id + ".jpg",
		CreatedAt: testNow.Add(-age),
		Owner:     domain.ProfileSummary{ID: owner, Username: owner, Gym: gym},
		Likes:     likes,
	}
}

func postIDs(posts []domain.Post) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.ID)
	}
	return out
}

func findPost(t *testing.T, posts []domain.Post, id string) domain.Post {
	t.Helper()
	for _, p := range posts {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("post %s not found", id)
	return domain.Post{}
}

type stubRows struct {
	mu sync.Mutex

	posts       []domain.Post
	postsErr    error
	listPostsFn func(ctx context.Context) ([]domain.Post, error)
	byID        map[string]*domain.Post
	getPostErr  error
	profiles    map[string]*domain.Profile
	stories     []domain.Story
	storiesErr  error
	workouts    []domain.Workout
	workoutsErr error

	likeErr     error
	unlikeErr   error
	flagErr     error
	likeGate    chan struct{}
	likeGates   map[int]chan struct{}
	unlikeGate  chan struct{}
	flagGate    chan struct{}
	likeEntered chan struct{}
	flagEntered chan struct{}

	listCalls   int
	insertCalls int
	deleteCalls int
	flagCalls   int
	nextLike    int

	// remote holds the like rows the gateway has committed, by id.
	remote map[string]domain.Like
}

func (r *stubRows) ListPosts(ctx context.Context) ([]domain.Post, error) {
	r.mu.Lock()
	r.listCalls++
	fn := r.listPostsFn
	posts, err := append([]domain.Post(nil), r.posts...), r.postsErr
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return posts, err
}

func (r *stubRows) GetPost(_ context.Context, postID string) (*domain.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getPostErr != nil {
		return nil, r.getPostErr
	}
	p, ok := r.byID[postID]
	if !ok {
		return nil, nil
	}
	cp := p.Clone()
	return &cp, nil
}

func (r *stubRows) GetProfile(_ context.Context, userID string) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profiles[userID], nil
}

func (r *stubRows) ListStories(_ context.Context, ownerIDs []string, _ time.Time) ([]domain.Story, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.storiesErr != nil {
		return nil, r.storiesErr
	}
	owners := toSet(ownerIDs)
	var out []domain.Story
	for _, s := range r.stories {
		if _, ok := owners[s.OwnerID]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *stubRows) ListPublicWorkouts(_ context.Context, limit int) ([]domain.Workout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workoutsErr != nil {
		return nil, r.workoutsErr
	}
	out := append([]domain.Workout(nil), r.workouts...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *stubRows) InsertLike(_ context.Context, postID, userID string) (domain.Like, error) {
	r.mu.Lock()
	r.insertCalls++
	r.nextLike++
	id := fmt.Sprintf("like-%d", r.nextLike)
	gate, entered, err := r.likeGate, r.likeEntered, r.likeErr
	if g, ok := r.likeGates[r.nextLike]; ok {
		gate = g
	}
	r.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return domain.Like{}, err
	}
	like := domain.Like{ID: id, PostID: postID, UserID: userID}
	r.mu.Lock()
	if r.remote == nil {
		r.remote = make(map[string]domain.Like)
	}
	r.remote[id] = like
	r.mu.Unlock()
	return like, nil
}

func (r *stubRows) DeleteLikes(_ context.Context, postID, userID string) error {
	r.mu.Lock()
	r.deleteCalls++
	gate, err := r.unlikeGate, r.unlikeErr
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, like := range r.remote {
		if like.PostID == postID && like.UserID == userID {
			delete(r.remote, id)
		}
	}
	return nil
}

func (r *stubRows) DeleteLike(_ context.Context, likeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteCalls++
	delete(r.remote, likeID)
	return nil
}

func (r *stubRows) remoteLikes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.remote))
	for id := range r.remote {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *stubRows) FlagPost(context.Context, string) error {
	r.mu.Lock()
	r.flagCalls++
	gate, entered, err := r.flagGate, r.flagEntered, r.flagErr
	r.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return err
}

func (r *stubRows) counts() (inserts, deletes, flags int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertCalls, r.deleteCalls, r.flagCalls
}

type stubFollowing struct {
	mu       sync.Mutex
	profiles []domain.Profile
	err      error
	calls    int
}

func (f *stubFollowing) ListFollowing(context.Context, string) ([]domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]domain.Profile(nil), f.profiles...), f.err
}

type stubSessions struct {
	mu   sync.Mutex
	user string
}

func (s *stubSessions) CurrentUser(context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.user != ""
}

type stubInvalidator struct {
	mu      sync.Mutex
	viewers []string
}

func (i *stubInvalidator) Invalidate(_ context.Context, viewerID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.viewers = append(i.viewers, viewerID)
	return nil
}

// stubFeed is a change feed whose handlers tests invoke directly.
type stubFeed struct {
	mu     sync.Mutex
	live   map[string]stubChannel
	failOn string
	opened int
}

type stubChannel struct {
	filter  events.Filter
	handler gateway.ChangeHandler
}

func newStubFeed() *stubFeed {
	return &stubFeed{live: make(map[string]stubChannel)}
}

func (f *stubFeed) Subscribe(_ context.Context, channel string, filter events.Filter, handler gateway.ChangeHandler) (gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if filter.Table == f.failOn {
		return nil, errors.New("realtime unavailable")
	}
	if _, ok := f.live[channel]; ok {
		return nil, errors.New("channel already subscribed")
	}
	f.live[channel] = stubChannel{filter: filter, handler: handler}
	f.opened++
	return &stubSubscription{feed: f, channel: channel}, nil
}

// fire delivers c to every live channel whose filter selects it.
func (f *stubFeed) fire(c events.Change) {
	f.mu.Lock()
	var handlers []gateway.ChangeHandler
	for _, ch := range f.live {
		if ch.filter.Matches(c) {
			handlers = append(handlers, ch.handler)
		}
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(context.Background(), c)
	}
}

func (f *stubFeed) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

type stubSubscription struct {
	feed    *stubFeed
	channel string
}

func (s *stubSubscription) Channel() string { return s.channel }

func (s *stubSubscription) Unsubscribe() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	delete(s.feed.live, s.channel)
	return nil
}

type harness struct {
	sync      *Synchronizer
	rows      *stubRows
	following *stubFollowing
	sessions  *stubSessions
	feed      *stubFeed
	inv       *stubInvalidator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rows:      &stubRows{byID: make(map[string]*domain.Post), profiles: make(map[string]*domain.Profile)},
		following: &stubFollowing{},
		sessions:  &stubSessions{user: "viewer"},
		feed:      newStubFeed(),
		inv:       &stubInvalidator{},
	}
	logger := zaptest.NewLogger(t)
	manager := subscription.NewManager(h.feed, subscription.WithLogger(logger))
	ids := 0
	h.sync = New(h.rows, h.following, h.sessions, manager,
		WithLogger(logger),
		WithClock(func() time.Time { return testNow }),
		WithIDSource(func() string { ids++; return fmt.Sprintf("op-%d", ids) }),
		WithInvalidator(h.inv),
	)
	return h
}
