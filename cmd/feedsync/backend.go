package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Nick67672/Gymsta/internal/api"
	"github.com/Nick67672/Gymsta/internal/cache"
	"github.com/Nick67672/Gymsta/internal/changefeed"
	"github.com/Nick67672/Gymsta/internal/config"
	"github.com/Nick67672/Gymsta/internal/domain"
	"github.com/Nick67672/Gymsta/internal/feed"
	"github.com/Nick67672/Gymsta/internal/gateway"
	"github.com/Nick67672/Gymsta/internal/gateway/catalog"
	"github.com/Nick67672/Gymsta/internal/gateway/memory"
	"github.com/Nick67672/Gymsta/internal/gateway/objectstore"
	"github.com/Nick67672/Gymsta/internal/gateway/postgres"
	"github.com/Nick67672/Gymsta/internal/marketplace"
	"github.com/Nick67672/Gymsta/internal/profile"
)

type rowGateway interface {
	feed.Rows
	feed.FollowingSource
	profile.Rows
	marketplace.Profiles
	api.BlockLister
}

type productGateway interface {
	marketplace.Products
	profile.Products
}

type backend struct {
	rows        rowGateway
	products    productGateway
	following   feed.FollowingSource
	invalidator feed.Invalidator
	changes     gateway.ChangeFeed
	storage     gateway.Storage
	demoViewer  string
	closers     []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// newBackend connects to Postgres, Redis, MinIO and Kafka.
func newBackend(ctx context.Context, cfg config.Config, migrate bool, logger *zap.Logger) (*backend, error) {
	b := &backend{}

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b.closers = append(b.closers, pool.Close)
	if migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			b.close()
			return nil, err
		}
	}
	repo := postgres.NewRepository(pool)
	b.rows = repo

	db, err := catalog.Open(ctx, cfg.PostgresURL)
	if err != nil {
		b.close()
		return nil, err
	}
	b.closers = append(b.closers, func() { _ = db.Close() })
	b.products = catalog.NewRepository(db)

	objects, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		UseSSL:    cfg.StorageUseSSL,
		PublicURL: cfg.StoragePublicURL,
	}, objectstore.WithLogger(logger.Named("objectstore")))
	if err != nil {
		b.close()
		return nil, err
	}
	if err := objects.EnsureBuckets(ctx, profile.StoriesBucket, marketplace.ProductsBucket); err != nil {
		b.close()
		return nil, err
	}
	b.storage = objects

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	b.closers = append(b.closers, func() { _ = client.Close() })
	following := cache.NewFollowingCache(repo, client, cfg.FollowingCacheTTL, cache.WithLogger(logger.Named("cache")))
	b.following = following
	b.invalidator = following

	b.changes = changefeed.NewKafkaFeed(cfg.KafkaBrokers, cfg.ChangeTopicPrefix, changefeed.WithFeedLogger(logger.Named("changefeed")))
	return b, nil
}

// newDemoBackend serves everything from memory, seeded with a small gym community.
func newDemoBackend(cfg config.Config) (*backend, error) {
	store := memory.NewStore()
	viewer, err := seedDemo(store)
	if err != nil {
		return nil, err
	}
	return &backend{
		rows:        store,
		products:    store,
		following:   store,
		invalidator: cache.NoopInvalidator{},
		changes:     store,
		storage:     memory.NewObjects(cfg.StoragePublicURL),
		demoViewer:  viewer,
	}, nil
}

func seedDemo(store *memory.Store) (string, error) {
	ctx := context.Background()
	viewer := store.PutProfile(domain.Profile{Username: "demo", Gym: "Iron Temple", Bio: "new here"})
	coach := store.PutProfile(domain.Profile{Username: "coach_kim", Gym: "Iron Temple", Verified: true})
	runner := store.PutProfile(domain.Profile{Username: "trailrunner", Gym: "Summit Fitness"})

	store.Follow(viewer.ID, coach.ID)
	store.Follow(viewer.ID, runner.ID)

	for _, p := range []domain.Post{
		{Owner: domain.ProfileSummary{ID: runner.ID}, Caption: "hill repeats", MediaURL: "https://picsum.photos/seed/hill/600", CreatedAt: time.Now().Add(-3 * time.Hour)},
		{Owner: domain.ProfileSummary{ID: coach.ID}, Caption: "deadlift day", MediaURL: "https://picsum.photos/seed/lift/600", CreatedAt: time.Now().Add(-time.Hour)},
	} {
		if _, err := store.AddPost(p); err != nil {
			return "", err
		}
	}

	if _, err := store.InsertStory(ctx, domain.Story{OwnerID: coach.ID, MediaURL: "https://picsum.photos/seed/story/600"}); err != nil {
		return "", err
	}

	store.AddWorkout(domain.Workout{
		UserID: coach.ID,
		Exercises: []domain.Exercise{
			{Name: "Deadlift", Sets: []domain.Set{{Reps: 5, Weight: 180}, {Reps: 3, Weight: 200}}, PersonalRecord: true},
			{Name: "Pull-up", Sets: []domain.Set{{Reps: 10}}},
		},
	})

	if _, err := store.InsertProduct(ctx, domain.Product{
		Name:     "Lifting belt",
		Price:    49.99,
		ImageURL: "https://picsum.photos/seed/belt/600",
		Category: marketplace.DefaultCategory,
		SellerID: coach.ID,
	}); err != nil {
		return "", err
	}
	return viewer.ID, nil
}
