// Package profile serves the signed-in viewer's own profile: overview, story
// uploads and live follower counts.
package profile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Nick67672/Gymsta/internal/domain"
	"github.com/Nick67672/Gymsta/internal/events"
	"github.com/Nick67672/Gymsta/internal/gateway"
	"github.com/Nick67672/Gymsta/internal/subscription"
)

// StoriesBucket holds uploaded story media.
const StoriesBucket = "stories"

var (
	// ErrUploadInProgress is returned when a story upload is already running.
	ErrUploadInProgress = errors.New("story upload already in progress")
	// ErrProfileNotFound is returned when the viewer has no profile row.
	ErrProfileNotFound = errors.New("profile not found")
)

// Rows is the row access the profile needs.
type Rows interface {
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	FollowCounts(ctx context.Context, userID string) (followers, following int, err error)
	ListPostsByUser(ctx context.Context, userID string) ([]domain.Post, error)
	ListStories(ctx context.Context, ownerIDs []string, since time.Time) ([]domain.Story, error)
	ListWorkoutsByUser(ctx context.Context, userID string) ([]domain.Workout, error)
	InsertStory(ctx context.Context, story domain.Story) (domain.Story, error)
}

// Products lists a seller's products.
type Products interface {
	ListBySeller(ctx context.Context, sellerID string) ([]domain.Product, error)
}

// Subscriber opens and releases groups of change-feed channels.
type Subscriber interface {
	Open(ctx context.Context, group string, specs []subscription.Spec) error
	CloseAll(group string) error
}

// Overview is everything the profile screen shows.
type Overview struct {
	Profile     domain.Profile   `json:"profile"`
	Followers   int              `json:"followers"`
	Following   int              `json:"following"`
	Posts       []domain.Post    `json:"posts"`
	Products    []domain.Product `json:"products"`
	HasProducts bool             `json:"has_products"`
	Stories     []domain.Story   `json:"stories"`
	Workouts    []domain.Workout `json:"workouts"`
}

// StoryUpload is a picked story image.
type StoryUpload struct {
	Filename string
	Body     io.Reader
	Size     int64
}

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the time source used for object keys.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service loads and mutates the viewer's profile.
type Service struct {
	rows     Rows
	products Products
	storage  gateway.Storage
	sessions gateway.Sessions
	subs     Subscriber
	logger   *zap.Logger
	now      func() time.Time

	uploading atomic.Bool

	mu       sync.Mutex
	overview *Overview
}

// New constructs a Service.
func New(rows Rows, products Products, storage gateway.Storage, sessions gateway.Sessions, subs Subscriber, opts ...Option) *Service {
	s := &Service{
		rows:     rows,
		products: products,
		storage:  storage,
		sessions: sessions,
		subs:     subs,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load fetches the viewer's profile, counts, posts, products, stories and workouts.
func (s *Service) Load(ctx context.Context) (*Overview, error) {
	userID, ok := s.sessions.CurrentUser(ctx)
	if !ok {
		return nil, domain.ErrUnauthenticated
	}

	profile, err := s.rows.GetProfile(ctx, userID)
	if err != nil {
		return nil, &domain.LoadError{Collection: "profile", Err: err}
	}
	if profile == nil {
		return nil, ErrProfileNotFound
	}

	out := &Overview{Profile: *profile}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		followers, following, err := s.rows.FollowCounts(gctx, userID)
		if err != nil {
			return &domain.LoadError{Collection: "profile", Err: err}
		}
		out.Followers, out.Following = followers, following
		return nil
	})
	g.Go(func() error {
		posts, err := s.rows.ListPostsByUser(gctx, userID)
		if err != nil {
			s.logger.Warn("load own posts", zap.Error(err))
			return nil
		}
		out.Posts = posts
		return nil
	})
	g.Go(func() error {
		products, err := s.products.ListBySeller(gctx, userID)
		if err != nil {
			s.logger.Warn("load own products", zap.Error(err))
			return nil
		}
		out.Products = products
		return nil
	})
	g.Go(func() error {
		stories, err := s.rows.ListStories(gctx, []string{userID}, time.Time{})
		if err != nil {
			s.logger.Warn("load own stories", zap.Error(err))
			return nil
		}
		out.Stories = stories
		return nil
	})
	g.Go(func() error {
		workouts, err := s.rows.ListWorkoutsByUser(gctx, userID)
		if err != nil {
			s.logger.Warn("load own workouts", zap.Error(err))
			return nil
		}
		out.Workouts = workouts
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out.HasProducts = len(out.Products) > 0
	now := s.now()
	for _, story := range out.Stories {
		if story.ActiveAt(now) {
			out.Profile.HasStory = true
			break
		}
	}

	s.mu.Lock()
	s.overview = out
	s.mu.Unlock()
	return out, nil
}

// Overview returns the last loaded overview, if any.
func (s *Service) Overview() (*Overview, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overview, s.overview != nil
}

// AddStory uploads an image to the stories bucket and records it as a story.
// Only one upload runs at a time.
func (s *Service) AddStory(ctx context.Context, upload StoryUpload) (domain.Story, error) {
	userID, ok := s.sessions.CurrentUser(ctx)
	if !ok {
		return domain.Story{}, domain.ErrUnauthenticated
	}
	if !s.uploading.CompareAndSwap(false, true) {
		return domain.Story{}, ErrUploadInProgress
	}
	defer s.uploading.Store(false)

	ext := imageExtension(upload.Filename)
	key := fmt.Sprintf("%s/%d.%s", userID, s.now().UnixMilli(), ext)
	url, err := s.storage.Upload(ctx, gateway.Upload{
		Bucket:      StoriesBucket,
		Key:         key,
		Body:        upload.Body,
		Size:        upload.Size,
		ContentType: imageContentType(ext),
	})
	if err != nil {
		return domain.Story{}, &domain.MutationError{Op: "upload story", Target: key, Err: err}
	}

	story, err := s.rows.InsertStory(ctx, domain.Story{OwnerID: userID, MediaURL: url, MediaKind: domain.MediaImage})
	if err != nil {
		return domain.Story{}, &domain.MutationError{Op: "insert story", Target: key, Err: err}
	}

	if _, err := s.Load(ctx); err != nil {
		s.logger.Warn("reload profile after story upload", zap.Error(err))
	}
	return story, nil
}

// WatchFollowers reloads the overview whenever someone follows or unfollows the viewer.
func (s *Service) WatchFollowers(ctx context.Context, group string) error {
	userID, ok := s.sessions.CurrentUser(ctx)
	if !ok {
		return domain.ErrUnauthenticated
	}
	filter, err := events.Filter{Table: events.TableFollowers, Kind: events.Any}.WithPredicate("following_id=eq." + userID)
	if err != nil {
		return &domain.SubscriptionError{Group: group, Err: err}
	}
	return s.subs.Open(ctx, group, []subscription.Spec{{
		Name:   "followers_changes_" + userID,
		Filter: filter,
		Handler: func(hctx context.Context, _ events.Change) {
			if _, err := s.Load(hctx); err != nil {
				s.logger.Warn("reload profile after follower change", zap.Error(err))
			}
		},
	}})
}

// StopWatching releases the follower channel of group.
func (s *Service) StopWatching(group string) error {
	return s.subs.CloseAll(group)
}

func imageExtension(filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if ext == "" {
		return "jpg"
	}
	return ext
}

func imageContentType(ext string) string {
	if ext == "jpg" {
		ext = "jpeg"
	}
	return "image/" + ext
}
