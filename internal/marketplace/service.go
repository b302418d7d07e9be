// Package marketplace lists fitness products and lets verified sellers add listings.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Nick67672/Gymsta/internal/domain"
	"github.com/Nick67672/Gymsta/internal/gateway"
)

const (
	// ProductsBucket holds listing images.
	ProductsBucket = "products"
	// DefaultCategory is assigned to every new listing.
	DefaultCategory = "fitness"
	// FeaturedCount is how many of the newest products are featured.
	FeaturedCount = 2
)

var (
	// ErrSellerNotVerified is returned when an unverified profile lists a product.
	ErrSellerNotVerified = errors.New("only verified sellers can list products")
	// ErrInvalidListing wraps validation failures of a listing.
	ErrInvalidListing = errors.New("invalid listing")
)

// Products is the catalog row access.
type Products interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	InsertProduct(ctx context.Context, p domain.Product) (domain.Product, error)
}

// Profiles resolves seller profiles.
type Profiles interface {
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
}

// Catalog is the product listing split into featured and remaining products.
type Catalog struct {
	Featured []domain.Product `json:"featured"`
	Products []domain.Product `json:"products"`
}

// Listing is a new product submitted by a seller.
type Listing struct {
	Name        string    `json:"name" validate:"required"`
	Price       float64   `json:"price" validate:"gt=0"`
	Description string    `json:"description"`
	Image       io.Reader `json:"-"`
	ImageSize   int64     `json:"-"`
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

// Service implements the marketplace.
type Service struct {
	products Products
	profiles Profiles
	storage  gateway.Storage
	sessions gateway.Sessions
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

// New constructs a Service.
func New(products Products, profiles Profiles, storage gateway.Storage, sessions gateway.Sessions, opts ...Option) *Service {
	s := &Service{
		products: products,
		profiles: profiles,
		storage:  storage,
		sessions: sessions,
		validate: validator.New(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Catalog returns every product newest first; the first FeaturedCount are featured.
func (s *Service) Catalog(ctx context.Context) (Catalog, error) {
	products, err := s.products.ListProducts(ctx)
	if err != nil {
		return Catalog{}, &domain.LoadError{Collection: "products", Err: err}
	}
	split := FeaturedCount
	if len(products) < split {
		split = len(products)
	}
	return Catalog{
		Featured: append([]domain.Product{}, products[:split]...),
		Products: append([]domain.Product{}, products[split:]...),
	}, nil
}

// IsVerified reports whether the signed-in viewer may sell. Anonymous viewers
// and lookup failures count as not verified.
func (s *Service) IsVerified(ctx context.Context) bool {
	userID, ok := s.sessions.CurrentUser(ctx)
	if !ok {
		return false
	}
	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		s.logger.Warn("check verification", zap.String("user", userID), zap.Error(err))
		return false
	}
	return profile != nil && profile.Verified
}

// CreateListing uploads the listing image and stores the product.
func (s *Service) CreateListing(ctx context.Context, listing Listing) (domain.Product, error) {
	userID, ok := s.sessions.CurrentUser(ctx)
	if !ok {
		return domain.Product{}, domain.ErrUnauthenticated
	}
	if !s.IsVerified(ctx) {
		return domain.Product{}, ErrSellerNotVerified
	}

	listing.Name = strings.TrimSpace(listing.Name)
	if err := s.validate.Struct(listing); err != nil {
		return domain.Product{}, fmt.Errorf("%w: %v", ErrInvalidListing, err)
	}
	if listing.Image == nil {
		return domain.Product{}, fmt.Errorf("%w: image is required", ErrInvalidListing)
	}

	key := fmt.Sprintf("%s/%d.jpg", userID, s.now().UnixMilli())
	url, err := s.storage.Upload(ctx, gateway.Upload{
		Bucket:      ProductsBucket,
		Key:         key,
		Body:        listing.Image,
		Size:        listing.ImageSize,
		ContentType: "image/jpeg",
	})
	if err != nil {
		return domain.Product{}, &domain.MutationError{Op: "upload product image", Target: key, Err: err}
	}

	product, err := s.products.InsertProduct(ctx, domain.Product{
		Name:        listing.Name,
		Price:       listing.Price,
		ImageURL:    url,
		Description: strings.TrimSpace(listing.Description),
		Category:    DefaultCategory,
		SellerID:    userID,
	})
	if err != nil {
		return domain.Product{}, &domain.MutationError{Op: "insert product", Target: key, Err: err}
	}
	return product, nil
}
