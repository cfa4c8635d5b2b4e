package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mobishop/api/internal/domain"
	"github.com/mobishop/api/internal/repositories"
)

type productDocument struct {
	ID        string    `bson:"_id"`
	Title     string    `bson:"title"`
	Price     int64     `bson:"price"`
	Stock     int       `bson:"stock"`
	Category  string    `bson:"category,omitempty"`
	ImageURL  string    `bson:"imageUrl,omitempty"`
	Active    bool      `bson:"active"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func (d productDocument) toDomain() domain.Product {
	return domain.Product{
		ID:        d.ID,
		Title:     d.Title,
		Price:     domain.Money(d.Price),
		Stock:     d.Stock,
		Category:  d.Category,
		ImageURL:  d.ImageURL,
		Active:    d.Active,
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

// ProductRepository stores catalog entries keyed by product ID.
type ProductRepository struct {
	coll *mongo.Collection
}

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	var doc productDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": productID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Product{}, repositories.NewNotFound("products.get", "product %s not found", productID)
	}
	if err != nil {
		return domain.Product{}, classify("products.get", err)
	}
	return doc.toDomain(), nil
}

func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	docs, err := r.find(ctx, bson.M{"_id": bson.M{"$in": productIDs}}, nil)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		out[doc.ID] = doc.toDomain()
	}
	return out, nil
}

func (r *ProductRepository) ListActive(ctx context.Context) ([]domain.Product, error) {
	docs, err := r.find(ctx, bson.M{"active": true}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toDomain())
	}
	return out, nil
}

// DecrementStock matches on stock >= qty so the check and the write are one atomic update.
func (r *ProductRepository) DecrementStock(ctx context.Context, productID string, qty int) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": productID, "stock": bson.M{"$gte": qty}},
		bson.M{"$inc": bson.M{"stock": -qty}, "$set": bson.M{"updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return classify("products.decrement", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	if _, err := r.FindByID(ctx, productID); err != nil {
		return err
	}
	return fmt.Errorf("products.decrement %s: %w", productID, repositories.ErrInsufficientStock)
}

func (r *ProductRepository) IncrementStock(ctx context.Context, productID string, qty int) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": productID},
		bson.M{"$inc": bson.M{"stock": qty}, "$set": bson.M{"updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return classify("products.increment", err)
	}
	if res.MatchedCount == 0 {
		return repositories.NewNotFound("products.increment", "product %s not found", productID)
	}
	return nil
}

// Upsert replaces a catalog entry. Used for seeding.
func (r *ProductRepository) Upsert(ctx context.Context, p domain.Product) error {
	doc := productDocument{
		ID: p.ID, Title: p.Title, Price: int64(p.Price), Stock: p.Stock, Category: p.Category,
		ImageURL: p.ImageURL, Active: p.Active, UpdatedAt: p.UpdatedAt.UTC(),
	}
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": p.ID}, doc, options.Replace().SetUpsert(true))
	return classify("products.upsert", err)
}

func (r *ProductRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]productDocument, error) {
	var findOpts []*options.FindOptions
	if opts != nil {
		findOpts = append(findOpts, opts)
	}
	cursor, err := r.coll.Find(ctx, filter, findOpts...)
	if err != nil {
		return nil, classify("products.find", err)
	}
	var docs []productDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify("products.find", err)
	}
	return docs, nil
}
