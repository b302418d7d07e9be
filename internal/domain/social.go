// Package domain defines the social entities mirrored into the viewer's local state.
package domain

import "time"

// StoryTTL is how long a story counts as active after creation.
const StoryTTL = 24 * time.Hour

// MediaKind distinguishes image from video posts.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// NormalizeMediaKind defaults rows without a media kind to images.
func NormalizeMediaKind(kind string) MediaKind {
	if kind == "" {
		return MediaImage
	}
	return MediaKind(kind)
}

// ProfileSummary is the owner summary embedded in posts, workouts and products.
type ProfileSummary struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Verified  bool   `json:"is_verified"`
	Gym       string `json:"gym,omitempty"`
}

// Like is a single user's like on a post. Pending likes carry a client-side
// placeholder id until the gateway confirms them.
type Like struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	PostID  string `json:"post_id"`
	Pending bool   `json:"pending,omitempty"`
}

// Post is a feed entry joined with its owner and likes.
type Post struct {
	ID        string         `json:"id"`
	Caption   string         `json:"caption,omitempty"`
	MediaURL  string         `json:"image_url"`
	MediaKind MediaKind      `json:"media_type"`
	CreatedAt time.Time      `json:"created_at"`
	ProductID string         `json:"product_id,omitempty"`
	Owner     ProfileSummary `json:"profiles"`
	Likes     []Like         `json:"likes"`
	Flagged   bool           `json:"flagged"`
}

// Clone returns a copy that does not share the likes slice.
func (p Post) Clone() Post {
	out := p
	out.Likes = append([]Like(nil), p.Likes...)
	return out
}

// LikedBy reports whether userID has a confirmed or pending like on the post.
func (p Post) LikedBy(userID string) bool {
	for _, like := range p.Likes {
		if like.UserID == userID {
			return true
		}
	}
	return false
}

// Profile is a user profile. In the story rail HasStory marks an active story.
type Profile struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Bio          string `json:"bio,omitempty"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	Verified     bool   `json:"is_verified"`
	EarlyAdopter bool   `json:"is_early_adopter,omitempty"`
	Gym          string `json:"gym,omitempty"`
	HasStory     bool   `json:"has_story"`
}

// Story is a short-lived media item. Expiry is a read-time filter only.
type Story struct {
	ID        string    `json:"id"`
	MediaURL  string    `json:"media_url"`
	MediaKind MediaKind `json:"media_type"`
	OwnerID   string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ActiveAt reports whether the story is still inside its 24 hour window at now.
func (s Story) ActiveAt(now time.Time) bool {
	return !s.CreatedAt.Before(now.Add(-StoryTTL))
}

// Set is one set of an exercise.
type Set struct {
	Reps   int     `json:"reps"`
	Weight float64 `json:"weight"`
}

// Exercise is an ordered entry of a workout.
type Exercise struct {
	Name           string `json:"name"`
	Sets           []Set  `json:"sets"`
	PersonalRecord bool   `json:"is_pr,omitempty"`
}

// Workout is a logged training session.
type Workout struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	Exercises        []Exercise     `json:"exercises"`
	ProgressImageURL string         `json:"progress_image_url,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	Private          bool           `json:"is_private"`
	Owner            ProfileSummary `json:"profiles"`
}

// Product is a marketplace listing.
type Product struct {
	ID          string         `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	Price       float64        `json:"price" db:"price"`
	ImageURL    string         `json:"image_url" db:"image_url"`
	Description string         `json:"description,omitempty" db:"description"`
	Category    string         `json:"category" db:"category"`
	SellerID    string         `json:"seller_id" db:"seller_id"`
	Seller      ProfileSummary `json:"seller" db:"-"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}
