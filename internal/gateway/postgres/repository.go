// Package postgres implements the row gateway on Postgres.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Nick67672/Gymsta/internal/domain"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE raised by a unique index conflict.
const uniqueViolation = "23505"

// Migrate applies the embedded schema, including the change-capture triggers.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Repository provides Postgres-backed access to the social rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const postColumns = `p.id, p.caption, p.image_url, COALESCE(p.media_type, ''), p.created_at, COALESCE(p.product_id::text, ''), p.is_flagged,
        o.id, o.username, o.avatar_url, o.is_verified, o.gym`

func scanPost(row pgx.Row) (domain.Post, error) {
	var p domain.Post
	var kind string
	err := row.Scan(&p.ID, &p.Caption, &p.MediaURL, &kind, &p.CreatedAt, &p.ProductID, &p.Flagged,
		&p.Owner.ID, &p.Owner.Username, &p.Owner.AvatarURL, &p.Owner.Verified, &p.Owner.Gym)
	p.MediaKind = domain.NormalizeMediaKind(kind)
	return p, err
}

// ListPosts returns every post newest first with its owner and likes.
func (r *Repository) ListPosts(ctx context.Context) ([]domain.Post, error) {
	query := `SELECT ` + postColumns + `
        FROM posts p JOIN profiles o ON o.id = p.user_id
        ORDER BY p.created_at DESC, p.id DESC`
	return r.listPosts(ctx, query)
}

// ListPostsByUser returns one profile's posts newest first.
func (r *Repository) ListPostsByUser(ctx context.Context, userID string) ([]domain.Post, error) {
	query := `SELECT ` + postColumns + `
        FROM posts p JOIN profiles o ON o.id = p.user_id
        WHERE p.user_id = $1
        ORDER BY p.created_at DESC, p.id DESC`
	return r.listPosts(ctx, query, userID)
}

func (r *Repository) listPosts(ctx context.Context, query string, args ...interface{}) ([]domain.Post, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachLikes(ctx, posts); err != nil {
		return nil, err
	}
	return posts, nil
}

func (r *Repository) attachLikes(ctx context.Context, posts []domain.Post) error {
	if len(posts) == 0 {
		return nil
	}
	ids := make([]string, 0, len(posts))
	index := make(map[string]int, len(posts))
	for i, p := range posts {
		ids = append(ids, p.ID)
		index[p.ID] = i
	}

	rows, err := r.pool.Query(ctx, `SELECT id, user_id, post_id FROM likes WHERE post_id::text = ANY($1) ORDER BY created_at, id`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var like domain.Like
		if err := rows.Scan(&like.ID, &like.UserID, &like.PostID); err != nil {
			return err
		}
		if i, ok := index[like.PostID]; ok {
			posts[i].Likes = append(posts[i].Likes, like)
		}
	}
	return rows.Err()
}

// GetPost returns a post with owner and likes, or nil when it does not exist.
func (r *Repository) GetPost(ctx context.Context, postID string) (*domain.Post, error) {
	query := `SELECT ` + postColumns + `
        FROM posts p JOIN profiles o ON o.id = p.user_id
        WHERE p.id = $1`
	p, err := scanPost(r.pool.QueryRow(ctx, query, postID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	posts := []domain.Post{p}
	if err := r.attachLikes(ctx, posts); err != nil {
		return nil, err
	}
	return &posts[0], nil
}

// GetProfile returns a profile, or nil when it does not exist.
func (r *Repository) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	const query = `SELECT id, username, bio, avatar_url, is_verified, is_early_adopter, gym FROM profiles WHERE id = $1`
	var p domain.Profile
	err := r.pool.QueryRow(ctx, query, userID).Scan(&p.ID, &p.Username, &p.Bio, &p.AvatarURL, &p.Verified, &p.EarlyAdopter, &p.Gym)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// FollowCounts returns how many profiles follow userID and how many it follows.
func (r *Repository) FollowCounts(ctx context.Context, userID string) (followers, following int, err error) {
	const query = `SELECT
        (SELECT count(*) FROM followers WHERE following_id = $1),
        (SELECT count(*) FROM followers WHERE follower_id = $1)`
	err = r.pool.QueryRow(ctx, query, userID).Scan(&followers, &following)
	return followers, following, err
}

// ListFollowing returns the profiles viewerID follows, in follow order.
func (r *Repository) ListFollowing(ctx context.Context, viewerID string) ([]domain.Profile, error) {
	const query = `SELECT o.id, o.username, o.bio, o.avatar_url, o.is_verified, o.is_early_adopter, o.gym
        FROM followers f JOIN profiles o ON o.id = f.following_id
        WHERE f.follower_id = $1
        ORDER BY f.created_at, o.id`

	rows, err := r.pool.Query(ctx, query, viewerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Profile
	for rows.Next() {
		var p domain.Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.Bio, &p.AvatarURL, &p.Verified, &p.EarlyAdopter, &p.Gym); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListBlocked returns the ids of profiles blocked by viewerID.
func (r *Repository) ListBlocked(ctx context.Context, viewerID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT blocked_id FROM blocked_users WHERE blocker_id = $1 ORDER BY blocked_id`, viewerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListStories returns stories of ownerIDs created at or after since, oldest first.
func (r *Repository) ListStories(ctx context.Context, ownerIDs []string, since time.Time) ([]domain.Story, error) {
	if len(ownerIDs) == 0 {
		return nil, nil
	}
	const query = `SELECT id, user_id, media_url, media_type, created_at
        FROM stories
        WHERE user_id::text = ANY($1) AND created_at >= $2
        ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, ownerIDs, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Story
	for rows.Next() {
		var s domain.Story
		var kind string
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.MediaURL, &kind, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.MediaKind = domain.NormalizeMediaKind(kind)
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertStory records an uploaded story and returns the stored row.
func (r *Repository) InsertStory(ctx context.Context, story domain.Story) (domain.Story, error) {
	const stmt = `INSERT INTO stories (user_id, media_url, media_type) VALUES ($1, $2, $3) RETURNING id, created_at`
	story.MediaKind = domain.NormalizeMediaKind(string(story.MediaKind))
	err := r.pool.QueryRow(ctx, stmt, story.OwnerID, story.MediaURL, string(story.MediaKind)).Scan(&story.ID, &story.CreatedAt)
	return story, err
}

const workoutColumns = `w.id, w.user_id, w.exercises, w.progress_image_url, w.is_private, w.created_at,
        o.id, o.username, o.avatar_url, o.is_verified, o.gym`

// ListPublicWorkouts returns the newest public workouts with their owners.
func (r *Repository) ListPublicWorkouts(ctx context.Context, limit int) ([]domain.Workout, error) {
	query := `SELECT ` + workoutColumns + `
        FROM workouts w JOIN profiles o ON o.id = w.user_id
        WHERE NOT w.is_private
        ORDER BY w.created_at DESC, w.id DESC
        LIMIT $1`
	return r.listWorkouts(ctx, query, limit)
}

// ListWorkoutsByUser returns one profile's workouts newest first.
func (r *Repository) ListWorkoutsByUser(ctx context.Context, userID string) ([]domain.Workout, error) {
	query := `SELECT ` + workoutColumns + `
        FROM workouts w JOIN profiles o ON o.id = w.user_id
        WHERE w.user_id = $1
        ORDER BY w.created_at DESC, w.id DESC`
	return r.listWorkouts(ctx, query, userID)
}

func (r *Repository) listWorkouts(ctx context.Context, query string, args ...interface{}) ([]domain.Workout, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Workout
	for rows.Next() {
		var w domain.Workout
		var exercises []byte
		if err := rows.Scan(&w.ID, &w.UserID, &exercises, &w.ProgressImageURL, &w.Private, &w.CreatedAt,
			&w.Owner.ID, &w.Owner.Username, &w.Owner.AvatarURL, &w.Owner.Verified, &w.Owner.Gym); err != nil {
			return nil, err
		}
		if len(exercises) > 0 {
			if err := json.Unmarshal(exercises, &w.Exercises); err != nil {
				return nil, fmt.Errorf("decode exercises of workout %s: %w", w.ID, err)
			}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// InsertLike records a like and returns the stored row. A second like of the
// same user on the same post fails with domain.ErrDuplicateLike.
func (r *Repository) InsertLike(ctx context.Context, postID, userID string) (domain.Like, error) {
	like := domain.Like{PostID: postID, UserID: userID}
	err := r.pool.QueryRow(ctx, `INSERT INTO likes (post_id, user_id) VALUES ($1, $2) RETURNING id`, postID, userID).Scan(&like.ID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.Like{}, domain.ErrDuplicateLike
	}
	return like, err
}

// DeleteLike removes a single like row.
func (r *Repository) DeleteLike(ctx context.Context, likeID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM likes WHERE id = $1`, likeID)
	return err
}

// DeleteLikes removes every like of userID on postID.
func (r *Repository) DeleteLikes(ctx context.Context, postID, userID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM likes WHERE post_id = $1 AND user_id = $2`, postID, userID)
	return err
}

// FlagPost marks a post as flagged.
func (r *Repository) FlagPost(ctx context.Context, postID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE posts SET is_flagged = true WHERE id = $1`, postID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPostNotFound
	}
	return nil
}
