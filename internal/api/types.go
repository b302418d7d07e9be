package api

import "time"

// SessionRequest signs a viewer in with a bearer token.
type SessionRequest struct {
	Token string `json:"token" validate:"required"`
}

// SessionResponse describes the signed-in viewer. Warning carries a partial
// failure of the reload that follows a session change.
type SessionResponse struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	Warning   string    `json:"warning,omitempty"`
}

// ListResponse wraps a collection.
type ListResponse[T any] struct {
	Items []T `json:"items"`
}

// SellerResponse reports whether the viewer may list products.
type SellerResponse struct {
	Verified bool `json:"verified"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}
