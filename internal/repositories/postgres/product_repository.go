package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/repositories"
)

const productColumns = "id, title, price, stock, category, image_url, active, updated_at"

// ProductRepository reads and adjusts the products table.
type ProductRepository struct {
	registry *Registry
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p     domain.Product
		price int64
	)
	if err := row.Scan(&p.ID, &p.Title, &price, &p.Stock, &p.Category, &p.ImageURL, &p.Active, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	p.Price = domain.Money(price)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	row := r.registry.conn(ctx).QueryRowContext(ctx, "SELECT "+productColumns+" FROM products WHERE id = $1", productID)
	product, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, repositories.NewNotFound("products.get", "product %s not found", productID)
	}
	if err != nil {
		return domain.Product{}, classify("products.get", err)
	}
	return product, nil
}

func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	rows, err := r.registry.conn(ctx).QueryContext(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = ANY($1)", pq.Array(productIDs))
	if err != nil {
		return nil, classify("products.find", err)
	}
	defer rows.Close()

	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out[product.ID] = product
	}
	return out, classify("products.find", rows.Err())
}

func (r *ProductRepository) ListActive(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.registry.conn(ctx).QueryContext(ctx,
		"SELECT "+productColumns+" FROM products WHERE active ORDER BY id")
	if err != nil {
		return nil, classify("products.list", err)
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, product)
	}
	return out, classify("products.list", rows.Err())
}

// DecrementStock is a single conditional UPDATE; zero affected rows means the guard failed or the
// product is missing.
func (r *ProductRepository) DecrementStock(ctx context.Context, productID string, qty int) error {
	res, err := r.registry.conn(ctx).ExecContext(ctx,
		"UPDATE products SET stock = stock - $1, updated_at = $3 WHERE id = $2 AND stock >= $1",
		qty, productID, time.Now().UTC())
	if err != nil {
		return classify("products.decrement", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify("products.decrement", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := r.FindByID(ctx, productID); err != nil {
		return err
	}
	return fmt.Errorf("products.decrement %s: %w", productID, repositories.ErrInsufficientStock)
}

func (r *ProductRepository) IncrementStock(ctx context.Context, productID string, qty int) error {
	res, err := r.registry.conn(ctx).ExecContext(ctx,
		"UPDATE products SET stock = stock + $1, updated_at = $3 WHERE id = $2",
		qty, productID, time.Now().UTC())
	if err != nil {
		return classify("products.increment", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return repositories.NewNotFound("products.increment", "product %s not found", productID)
	}
	return nil
}

// Upsert writes a catalog entry. Used for seeding.
func (r *ProductRepository) Upsert(ctx context.Context, p domain.Product) error {
	_, err := r.registry.conn(ctx).ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, price = EXCLUDED.price, stock = EXCLUDED.stock,
			category = EXCLUDED.category, image_url = EXCLUDED.image_url, active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.Title, int64(p.Price), p.Stock, p.Category, p.ImageURL, p.Active, p.UpdatedAt.UTC())
	return classify("products.upsert", err)
}
