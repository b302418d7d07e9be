// Package catalog stores marketplace products with sqlx.
package catalog

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/Nick67672/Gymsta/internal/domain"
)

// Open connects to Postgres through the pgx database/sql driver.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect catalog database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Repository reads and writes products.
type Repository struct {
	db *sqlx.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

type productRow struct {
	domain.Product
	SellerUsername  string `db:"seller_username"`
	SellerAvatarURL string `db:"seller_avatar_url"`
	SellerVerified  bool   `db:"seller_verified"`
}

func (r productRow) toDomain() domain.Product {
	p := r.Product
	p.Seller = domain.ProfileSummary{
		ID:        p.SellerID,
		Username:  r.SellerUsername,
		AvatarURL: r.SellerAvatarURL,
		Verified:  r.SellerVerified,
	}
	return p
}

const selectProducts = `SELECT p.id, p.name, p.price::float8 AS price, p.image_url, p.description, p.category, p.seller_id, p.created_at,
        s.username AS seller_username, s.avatar_url AS seller_avatar_url, s.is_verified AS seller_verified
        FROM products p JOIN profiles s ON s.id = p.seller_id`

// ListProducts returns every product newest first with its seller.
func (r *Repository) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var rows []productRow
	if err := r.db.SelectContext(ctx, &rows, selectProducts+` ORDER BY p.created_at DESC, p.id DESC`); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return toDomain(rows), nil
}

// ListBySeller returns one seller's products newest first.
func (r *Repository) ListBySeller(ctx context.Context, sellerID string) ([]domain.Product, error) {
	var rows []productRow
	if err := r.db.SelectContext(ctx, &rows, selectProducts+` WHERE p.seller_id = $1 ORDER BY p.created_at DESC, p.id DESC`, sellerID); err != nil {
		return nil, fmt.Errorf("list products of seller %s: %w", sellerID, err)
	}
	return toDomain(rows), nil
}

// InsertProduct stores a product and returns it with its generated id and timestamp.
func (r *Repository) InsertProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	const stmt = `INSERT INTO products (name, price, image_url, description, category, seller_id)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`
	err := r.db.QueryRowxContext(ctx, stmt, p.Name, p.Price, p.ImageURL, p.Description, p.Category, p.SellerID).
		Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	return p, nil
}

func toDomain(rows []productRow) []domain.Product {
	out := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}
