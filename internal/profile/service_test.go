package profile

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Nick67672/Gymsta/internal/domain"
	"github.com/Nick67672/Gymsta/internal/gateway"
	"github.com/Nick67672/Gymsta/internal/gateway/memory"
	"github.com/Nick67672/Gymsta/internal/subscription"
)

type fixedSession struct{ user string }

func (s fixedSession) CurrentUser(context.Context) (string, bool) { return s.user, s.user != "" }

type blockingStorage struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStorage) Upload(context.Context, gateway.Upload) (string, error) {
	b.entered <- struct{}{}
	<-b.release
	return "http://cdn/blocked.jpg", nil
}

var testNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   *memory.Store
	objects *memory.Objects
	viewer  domain.Profile
}

func newFixture(t *testing.T, storage gateway.Storage) *fixture {
	t.Helper()
	store := memory.NewStore()
	viewer := store.PutProfile(domain.Profile{Username: "lifter", Bio: "squats daily"})
	objects := memory.NewObjects("http://cdn.local")
	if storage == nil {
		storage = objects
	}
	logger := zaptest.NewLogger(t)
	svc := New(store, store, storage, fixedSession{user: viewer.ID}, subscription.NewManager(store, subscription.WithLogger(logger)),
		WithLogger(logger),
		WithClock(func() time.Time { return testNow }),
	)
	return &fixture{svc: svc, store: store, objects: objects, viewer: viewer}
}

func TestLoadAggregatesProfile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	fan := f.store.PutProfile(domain.Profile{Username: "fan"})
	f.store.Follow(fan.ID, f.viewer.ID)
	_, err := f.store.AddPost(domain.Post{Owner: domain.ProfileSummary{ID: f.viewer.ID}, MediaURL: "p.jpg"})
	require.NoError(t, err)
	_, err = f.store.InsertProduct(ctx, domain.Product{Name: "Belt", SellerID: f.viewer.ID})
	require.NoError(t, err)
	f.store.AddWorkout(domain.Workout{UserID: f.viewer.ID, Private: true})

	overview, err := f.svc.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "lifter", overview.Profile.Username)
	require.Equal(t, 1, overview.Followers)
	require.Zero(t, overview.Following)
	require.Len(t, overview.Posts, 1)
	require.True(t, overview.HasProducts)
	require.Len(t, overview.Workouts, 1)
	require.False(t, overview.Profile.HasStory)

	cached, ok := f.svc.Overview()
	require.True(t, ok)
	require.Same(t, overview, cached)
}

func TestLoadIgnoresExpiredStoryForRing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.store.InsertStory(ctx, domain.Story{OwnerID: f.viewer.ID, MediaURL: "old.jpg", CreatedAt: testNow.Add(-domain.StoryTTL - time.Second)})
	require.NoError(t, err)

	overview, err := f.svc.Load(ctx)
	require.NoError(t, err)
	require.Len(t, overview.Stories, 1)
	require.False(t, overview.Profile.HasStory)

	_, err = f.store.InsertStory(ctx, domain.Story{OwnerID: f.viewer.ID, MediaURL: "new.jpg", CreatedAt: testNow.Add(-time.Hour)})
	require.NoError(t, err)
	overview, err = f.svc.Load(ctx)
	require.NoError(t, err)
	require.Len(t, overview.Stories, 2)
	require.True(t, overview.Profile.HasStory)
}

func TestLoadRequiresSession(t *testing.T) {
	store := memory.NewStore()
	svc := New(store, store, memory.NewObjects(""), fixedSession{}, subscription.NewManager(store))
	_, err := svc.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrUnauthenticated)

	svc = New(store, store, memory.NewObjects(""), fixedSession{user: "ghost"}, subscription.NewManager(store))
	_, err = svc.Load(context.Background())
	require.ErrorIs(t, err, ErrProfileNotFound)
}

func TestAddStoryUploadsAndRecords(t *testing.T) {
	f := newFixture(t, nil)

	story, err := f.svc.AddStory(context.Background(), StoryUpload{Filename: "IMG_1.JPG", Body: strings.NewReader("bytes"), Size: 5})
	require.NoError(t, err)

	key := f.viewer.ID + "/1748779200000.jpg"
	obj, ok := f.objects.Get(StoriesBucket, key)
	require.True(t, ok)
	require.Equal(t, "image/jpeg", obj.ContentType)
	require.Equal(t, "http://cdn.local/stories/"+key, story.MediaURL)
	require.Equal(t, domain.MediaImage, story.MediaKind)

	overview, ok := f.svc.Overview()
	require.True(t, ok)
	require.True(t, overview.Profile.HasStory)
	require.Len(t, overview.Stories, 1)
}

func TestAddStoryRejectsConcurrentUpload(t *testing.T) {
	storage := &blockingStorage{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, storage)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.AddStory(context.Background(), StoryUpload{Filename: "a.png", Body: strings.NewReader("x")})
		done <- err
	}()
	<-storage.entered

	_, err := f.svc.AddStory(context.Background(), StoryUpload{Filename: "b.png", Body: strings.NewReader("y")})
	require.ErrorIs(t, err, ErrUploadInProgress)

	close(storage.release)
	require.NoError(t, <-done)
}

func TestAddStoryUploadFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.AddStory(ctx, StoryUpload{Filename: "a.png", Body: strings.NewReader("x")})
	require.NoError(t, err)
	_, err = f.svc.AddStory(ctx, StoryUpload{Filename: "a.png", Body: strings.NewReader("x")})

	var mutErr *domain.MutationError
	require.ErrorAs(t, err, &mutErr)
	require.ErrorIs(t, err, memory.ErrObjectExists)
}

func TestWatchFollowersReloadsCounts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, f.svc.WatchFollowers(ctx, "profile"))
	require.Equal(t, 1, f.store.Channels())

	fan := f.store.PutProfile(domain.Profile{Username: "fan"})
	f.store.Follow(fan.ID, f.viewer.ID)
	overview, _ := f.svc.Overview()
	require.Equal(t, 1, overview.Followers)

	other := f.store.PutProfile(domain.Profile{Username: "other"})
	f.store.Follow(other.ID, fan.ID)
	overview, _ = f.svc.Overview()
	require.Equal(t, 1, overview.Followers)

	require.NoError(t, f.svc.StopWatching("profile"))
	require.Zero(t, f.store.Channels())
}

func TestImageContentType(t *testing.T) {
	require.Equal(t, "jpg", imageExtension("photo"))
	require.Equal(t, "png", imageExtension("shot.PNG"))
	require.Equal(t, "image/jpeg", imageContentType("jpg"))
	require.Equal(t, "image/png", imageContentType("png"))
}
