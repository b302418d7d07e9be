// Package api exposes the viewer session over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Nick67672/Gymsta/internal/auth"
	"github.com/Nick67672/Gymsta/internal/domain"
	"github.com/Nick67672/Gymsta/internal/feed"
	"github.com/Nick67672/Gymsta/internal/gateway"
	"github.com/Nick67672/Gymsta/internal/marketplace"
	"github.com/Nick67672/Gymsta/internal/profile"
)

// maxUploadBytes bounds multipart story and listing uploads.
const maxUploadBytes = 10 << 20

// Feed is the synchronizer surface served by the API.
type Feed interface {
	View(tab feed.Tab) feed.View
	Following() []domain.Profile
	LoadStories(ctx context.Context, userID string) ([]domain.Story, error)
	Like(ctx context.Context, postID, userID string) error
	Unlike(ctx context.Context, postID, userID string) error
	FlagPost(ctx context.Context, postID string) error
	Refresh(ctx context.Context) error
	Reset()
	SetBlockList(blockedIDs []string)
	Subscribe(ctx context.Context, group string) error
	UnsubscribeAll(group string) error
}

// BlockLister lists the profiles a viewer blocked.
type BlockLister interface {
	ListBlocked(ctx context.Context, viewerID string) ([]string, error)
}

// SessionStore holds the daemon's signed-in viewer.
type SessionStore interface {
	gateway.Sessions
	SetToken(token string) (*auth.Claims, error)
	Clear()
}

// Profiles is the profile screen service.
type Profiles interface {
	Load(ctx context.Context) (*profile.Overview, error)
	AddStory(ctx context.Context, upload profile.StoryUpload) (domain.Story, error)
	WatchFollowers(ctx context.Context, group string) error
	StopWatching(group string) error
}

// Marketplace is the product catalog service.
type Marketplace interface {
	Catalog(ctx context.Context) (marketplace.Catalog, error)
	IsVerified(ctx context.Context) bool
	CreateListing(ctx context.Context, listing marketplace.Listing) (domain.Product, error)
}

// Deps are the services the handler serves.
type Deps struct {
	Feed        Feed
	Blocks      BlockLister
	Session     SessionStore
	Profiles    Profiles
	Marketplace Marketplace
	// Group names the subscription group of the home feed.
	Group string
}

// Option configures optional behaviour for the Handler.
type Option func(*Handler)

// WithLogger overrides the handler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithBaseContext sets the context used for work that outlives a request,
// such as subscriptions opened after a session change.
func WithBaseContext(ctx context.Context) Option {
	return func(h *Handler) {
		h.base = ctx
	}
}

// Handler coordinates HTTP requests with the viewer session.
type Handler struct {
	deps     Deps
	logger   *zap.Logger
	base     context.Context
	validate *validator.Validate

	// bindMu serialises Rebind; bound is the viewer the feed was last built for.
	bindMu sync.Mutex
	bound  string
}

// NewHandler builds a Handler.
func NewHandler(deps Deps, opts ...Option) *Handler {
	if deps.Group == "" {
		deps.Group = "home"
	}
	h := &Handler{
		deps:     deps,
		logger:   zap.NewNop(),
		base:     context.Background(),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns a mux with every route registered.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes wires endpoints to the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/feed", h.getFeed).Methods(http.MethodGet)
	v1.HandleFunc("/feed/refresh", h.refresh).Methods(http.MethodPost)
	v1.HandleFunc("/following", h.following).Methods(http.MethodGet)
	v1.HandleFunc("/stories/{userID}", h.stories).Methods(http.MethodGet)
	v1.HandleFunc("/posts/{postID}/like", h.like).Methods(http.MethodPost)
	v1.HandleFunc("/posts/{postID}/like", h.unlike).Methods(http.MethodDelete)
	v1.HandleFunc("/posts/{postID}/flag", h.flag).Methods(http.MethodPost)
	v1.HandleFunc("/session", h.setSession).Methods(http.MethodPut)
	v1.HandleFunc("/session", h.clearSession).Methods(http.MethodDelete)

	if h.deps.Profiles != nil {
		v1.HandleFunc("/profile", h.getProfile).Methods(http.MethodGet)
		v1.HandleFunc("/profile/stories", h.addStory).Methods(http.MethodPost)
	}
	if h.deps.Marketplace != nil {
		v1.HandleFunc("/marketplace/products", h.catalog).Methods(http.MethodGet)
		v1.HandleFunc("/marketplace/products", h.createListing).Methods(http.MethodPost)
		v1.HandleFunc("/marketplace/seller", h.seller).Methods(http.MethodGet)
	}
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) getFeed(w http.ResponseWriter, r *http.Request) {
	tab, err := feed.ParseTab(r.URL.Query().Get("tab"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Feed.View(tab))
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	tab, err := feed.ParseTab(r.URL.Query().Get("tab"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := h.deps.Feed.Refresh(r.Context()); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Feed.View(tab))
}

func (h *Handler) following(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ListResponse[domain.Profile]{Items: nonNil(h.deps.Feed.Following())})
}

func (h *Handler) stories(w http.ResponseWriter, r *http.Request) {
	stories, err := h.deps.Feed.LoadStories(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[domain.Story]{Items: nonNil(stories)})
}

func (h *Handler) like(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.deps.Feed.Like)
}

func (h *Handler) unlike(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.deps.Feed.Unlike)
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) error) {
	viewerID, ok := h.deps.Session.CurrentUser(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", domain.ErrUnauthenticated.Error())
		return
	}
	if err := op(r.Context(), mux.Vars(r)["postID"], viewerID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) flag(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Feed.FlagPost(r.Context(), mux.Vars(r)["postID"]); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	claims, err := h.deps.Session.SetToken(req.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	resp := SessionResponse{UserID: claims.Subject, Username: claims.Username, ExpiresAt: claims.ExpiresAt}
	if err := h.Rebind(h.base); err != nil {
		h.logger.Warn("rebind after sign in", zap.String("user", claims.Subject), zap.Error(err))
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) clearSession(w http.ResponseWriter, r *http.Request) {
	h.deps.Session.Clear()
	if err := h.Rebind(h.base); err != nil {
		h.logger.Warn("rebind after sign out", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	overview, err := h.deps.Profiles.Load(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (h *Handler) addStory(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "file is required")
		return
	}
	defer file.Close()

	story, err := h.deps.Profiles.AddStory(r.Context(), profile.StoryUpload{
		Filename: header.Filename,
		Body:     file,
		Size:     header.Size,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, story)
}

func (h *Handler) catalog(w http.ResponseWriter, r *http.Request) {
	catalog, err := h.deps.Marketplace.Catalog(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, catalog)
}

func (h *Handler) seller(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SellerResponse{Verified: h.deps.Marketplace.IsVerified(r.Context())})
}

func (h *Handler) createListing(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse upload")
		return
	}

	listing := marketplace.Listing{
		Name:        r.FormValue("name"),
		Description: r.FormValue("description"),
	}
	if raw := r.FormValue("price"); raw != "" {
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "price must be a number")
			return
		}
		listing.Price = price
	}
	if file, header, err := r.FormFile("image"); err == nil {
		defer file.Close()
		listing.Image = file
		listing.ImageSize = header.Size
	}

	product, err := h.deps.Marketplace.CreateListing(r.Context(), listing)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

// Rebind tears down the viewer's channels and rebuilds state for the current
// session: block list, a full refresh, the home subscriptions and the profile
// follower watch. State of a previous viewer is dropped first. An anonymous
// session only refreshes posts.
func (h *Handler) Rebind(ctx context.Context) error {
	h.bindMu.Lock()
	defer h.bindMu.Unlock()

	profileGroup := h.deps.Group + "-profile"
	if err := h.deps.Feed.UnsubscribeAll(h.deps.Group); err != nil {
		h.logger.Warn("release feed channels", zap.Error(err))
	}
	if h.deps.Profiles != nil {
		if err := h.deps.Profiles.StopWatching(profileGroup); err != nil {
			h.logger.Warn("release profile channels", zap.Error(err))
		}
	}

	viewerID, ok := h.deps.Session.CurrentUser(ctx)
	if !ok || viewerID != h.bound {
		h.deps.Feed.Reset()
	}
	h.bound = viewerID
	if !ok {
		h.deps.Feed.SetBlockList(nil)
		return h.deps.Feed.Refresh(ctx)
	}

	blocked, err := h.deps.Blocks.ListBlocked(ctx, viewerID)
	if err != nil {
		return &domain.LoadError{Collection: "blocked_users", Err: err}
	}
	h.deps.Feed.SetBlockList(blocked)

	refreshErr := h.deps.Feed.Refresh(ctx)
	subscribeErr := h.deps.Feed.Subscribe(ctx, h.deps.Group)
	var watchErr error
	if h.deps.Profiles != nil {
		watchErr = h.deps.Profiles.WatchFollowers(ctx, profileGroup)
	}
	return errors.Join(refreshErr, subscribeErr, watchErr)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var (
		loadErr     *domain.LoadError
		mutationErr *domain.MutationError
		subErr      *domain.SubscriptionError
	)
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, domain.ErrNotReady), errors.Is(err, profile.ErrUploadInProgress), errors.Is(err, domain.ErrDuplicateLike):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrPostNotFound), errors.Is(err, profile.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, marketplace.ErrSellerNotVerified):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, marketplace.ErrInvalidListing):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, feed.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.As(err, &mutationErr):
		writeError(w, http.StatusBadGateway, "mutation_failed", err.Error())
	case errors.As(err, &loadErr):
		writeError(w, http.StatusBadGateway, "load_failed", err.Error())
	case errors.As(err, &subErr):
		writeError(w, http.StatusBadGateway, "subscription_failed", err.Error())
	default:
		h.logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Type: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// LogRequests logs each request with its status and latency.
func LogRequests(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("elapsed", time.Since(start)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
