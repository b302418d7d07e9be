package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Nick67672/Gymsta/internal/domain"
	"github.com/Nick67672/Gymsta/internal/events"
	"github.com/Nick67672/Gymsta/internal/gateway"
)

func TestStorePostsNewestFirstWithLikes(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	alice := store.PutProfile(domain.Profile{Username: "alice", Gym: "Iron Temple"})

	base := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	older, err := store.AddPost(domain.Post{Owner: domain.ProfileSummary{ID: alice.ID}, CreatedAt: base})
	require.NoError(t, err)
	newer, err := store.AddPost(domain.Post{Owner: domain.ProfileSummary{ID: alice.ID}, CreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)

	like, err := store.InsertLike(ctx, older.ID, "viewer")
	require.NoError(t, err)

	posts, err := store.ListPosts(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{newer.ID, older.ID}, []string{posts[0].ID, posts[1].ID})
	require.Equal(t, "Iron Temple", posts[1].Owner.Gym)
	require.Equal(t, []domain.Like{like}, posts[1].Likes)

	require.NoError(t, store.DeleteLikes(ctx, older.ID, "viewer"))
	got, err := store.GetPost(ctx, older.ID)
	require.NoError(t, err)
	require.Empty(t, got.Likes)

	_, err = store.InsertLike(ctx, "missing", "viewer")
	require.ErrorIs(t, err, domain.ErrPostNotFound)
	require.ErrorIs(t, store.FlagPost(ctx, "missing"), domain.ErrPostNotFound)

	_, err = store.AddPost(domain.Post{Owner: domain.ProfileSummary{ID: "nobody"}})
	require.Error(t, err)
}

func TestStoreRejectsSecondLikeOfSameUser(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	alice := store.PutProfile(domain.Profile{Username: "alice"})
	post, err := store.AddPost(domain.Post{Owner: domain.ProfileSummary{ID: alice.ID}})
	require.NoError(t, err)

	first, err := store.InsertLike(ctx, post.ID, "viewer")
	require.NoError(t, err)
	_, err = store.InsertLike(ctx, post.ID, "viewer")
	require.ErrorIs(t, err, domain.ErrDuplicateLike)
	_, err = store.InsertLike(ctx, post.ID, "bob")
	require.NoError(t, err)

	got, err := store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	require.Len(t, got.Likes, 2)
	require.Equal(t, first, got.Likes[0])
}

func TestStoreDeleteLikeRemovesOnlyThatRow(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	alice := store.PutProfile(domain.Profile{Username: "alice"})
	post, err := store.AddPost(domain.Post{Owner: domain.ProfileSummary{ID: alice.ID}})
	require.NoError(t, err)

	var deleted []string
	_, err = store.Subscribe(ctx, "likes-channel-1", events.Filter{Table: events.TableLikes, Kind: events.Delete},
		func(_ context.Context, c events.Change) {
			id, _ := c.Field("id")
			deleted = append(deleted, id)
		})
	require.NoError(t, err)

	mine, err := store.InsertLike(ctx, post.ID, "viewer")
	require.NoError(t, err)
	theirs, err := store.InsertLike(ctx, post.ID, "bob")
	require.NoError(t, err)

	require.NoError(t, store.DeleteLike(ctx, mine.ID))
	require.NoError(t, store.DeleteLike(ctx, mine.ID))

	got, err := store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	require.Equal(t, []domain.Like{theirs}, got.Likes)
	require.Equal(t, []string{mine.ID}, deleted)

	again, err := store.InsertLike(ctx, post.ID, "viewer")
	require.NoError(t, err)
	require.NotEqual(t, mine.ID, again.ID)
}

func TestStoreFollowingKeepsFollowOrder(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	viewer := store.PutProfile(domain.Profile{Username: "viewer"})
	bob := store.PutProfile(domain.Profile{Username: "bob"})
	alice := store.PutProfile(domain.Profile{Username: "alice"})

	store.Follow(viewer.ID, bob.ID)
	store.Follow(viewer.ID, alice.ID)
	store.Follow(alice.ID, viewer.ID)

	following, err := store.ListFollowing(ctx, viewer.ID)
	require.NoError(t, err)
	require.Equal(t, []string{bob.ID, alice.ID}, []string{following[0].ID, following[1].ID})

	followers, followingCount, err := store.FollowCounts(ctx, viewer.ID)
	require.NoError(t, err)
	require.Equal(t, 1, followers)
	require.Equal(t, 2, followingCount)

	store.Unfollow(viewer.ID, bob.ID)
	following, err = store.ListFollowing(ctx, viewer.ID)
	require.NoError(t, err)
	require.Len(t, following, 1)
}

func TestStoreStoriesWindow(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	alice := store.PutProfile(domain.Profile{Username: "alice"})

	_, err := store.InsertStory(ctx, domain.Story{OwnerID: alice.ID, MediaURL: "old", CreatedAt: now.Add(-25 * time.Hour)})
	require.NoError(t, err)
	fresh, err := store.InsertStory(ctx, domain.Story{OwnerID: alice.ID, MediaURL: "new"})
	require.NoError(t, err)
	require.Equal(t, domain.MediaImage, fresh.MediaKind)

	stories, err := store.ListStories(ctx, []string{alice.ID}, now.Add(-domain.StoryTTL))
	require.NoError(t, err)
	require.Len(t, stories, 1)
	require.Equal(t, fresh.ID, stories[0].ID)

	all, err := store.ListStories(ctx, []string{alice.ID}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "old", all[0].MediaURL)
}

func TestStoreWorkoutsAndProducts(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	alice := store.PutProfile(domain.Profile{Username: "alice"})
	base := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	store.AddWorkout(domain.Workout{UserID: alice.ID, CreatedAt: base})
	store.AddWorkout(domain.Workout{UserID: alice.ID, CreatedAt: base.Add(time.Hour), Private: true})
	latest := store.AddWorkout(domain.Workout{UserID: alice.ID, CreatedAt: base.Add(2 * time.Hour)})

	public, err := store.ListPublicWorkouts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, public, 1)
	require.Equal(t, latest.ID, public[0].ID)
	require.Equal(t, "alice", public[0].Owner.Username)

	own, err := store.ListWorkoutsByUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, own, 3)

	_, err = store.InsertProduct(ctx, domain.Product{Name: "Belt", SellerID: alice.ID, CreatedAt: base})
	require.NoError(t, err)
	straps, err := store.InsertProduct(ctx, domain.Product{Name: "Straps", SellerID: alice.ID, CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)

	products, err := store.ListProducts(ctx)
	require.NoError(t, err)
	require.Equal(t, straps.ID, products[0].ID)
	require.Equal(t, "alice", products[0].Seller.Username)

	mine, err := store.ListBySeller(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, mine, 2)
}

func TestStoreDeliversMatchingChanges(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	alice := store.PutProfile(domain.Profile{Username: "alice"})
	post, err := store.AddPost(domain.Post{Owner: domain.ProfileSummary{ID: alice.ID}})
	require.NoError(t, err)

	var got []events.Change
	sub, err := store.Subscribe(ctx, "likes-channel-1", events.Filter{Table: events.TableLikes, Kind: events.Any},
		func(_ context.Context, c events.Change) { got = append(got, c) })
	require.NoError(t, err)
	_, err = store.Subscribe(ctx, "likes-channel-1", events.Filter{Table: events.TableLikes}, func(context.Context, events.Change) {})
	require.ErrorIs(t, err, ErrChannelInUse)

	like, err := store.InsertLike(ctx, post.ID, "viewer")
	require.NoError(t, err)
	require.NoError(t, store.DeleteLikes(ctx, post.ID, "viewer"))
	require.NoError(t, store.FlagPost(ctx, post.ID))

	require.Len(t, got, 2)
	require.Equal(t, events.Insert, got[0].Kind)
	require.Equal(t, events.Delete, got[1].Kind)
	id, ok := got[1].Field("id")
	require.True(t, ok)
	require.Equal(t, like.ID, id)

	require.Equal(t, 1, store.Channels())
	require.NoError(t, sub.Unsubscribe())
	require.Zero(t, store.Channels())
}

func TestObjectsRefuseOverwrite(t *testing.T) {
	ctx := context.Background()
	objects := NewObjects("http://cdn.local/")

	url, err := objects.Upload(ctx, gateway.Upload{Bucket: "stories", Key: "u1/1.jpg", Body: strings.NewReader("img"), ContentType: "image/jpeg"})
	require.NoError(t, err)
	require.Equal(t, "http://cdn.local/stories/u1/1.jpg", url)

	obj, ok := objects.Get("stories", "u1/1.jpg")
	require.True(t, ok)
	require.Equal(t, "image/jpeg", obj.ContentType)
	require.Equal(t, []byte("img"), obj.Data)

	_, err = objects.Upload(ctx, gateway.Upload{Bucket: "stories", Key: "u1/1.jpg", Body: strings.NewReader("again")})
	require.ErrorIs(t, err, ErrObjectExists)
}
