package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mobishop/api/internal/platform/config"
	"github.com/mobishop/api/internal/repositories"
)

const (
	productsCollection        = "products"
	ordersCollection          = "orders"
	processedEventsCollection = "processed_events"
)

// Registry is the Mongo-backed repository set. Multi-document transactions are only available on
// replica sets and sharded clusters; SupportsTransactions probes the topology once.
type Registry struct {
	client   *mongo.Client
	db       *mongo.Database
	products *ProductRepository
	orders   *OrderRepository
	events   *ProcessedEventRepository

	probeOnce sync.Once
	txCapable bool
}

var _ repositories.Registry = (*Registry)(nil)

// Open connects to cfg.URI and ensures indexes, including the TTL index on the ledger.
func Open(ctx context.Context, cfg config.MongoConfig) (*Registry, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, errors.New("mongo registry: uri is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo registry: connect: %w", err)
	}
	database := strings.TrimSpace(cfg.Database)
	if database == "" {
		database = "mobishop"
	}
	registry := NewRegistry(client, client.Database(database))
	if err := registry.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return registry, nil
}

// NewRegistry wraps an already connected client.
func NewRegistry(client *mongo.Client, db *mongo.Database) *Registry {
	r := &Registry{client: client, db: db}
	r.products = &ProductRepository{coll: db.Collection(productsCollection)}
	r.orders = &OrderRepository{coll: db.Collection(ordersCollection)}
	r.events = &ProcessedEventRepository{coll: db.Collection(processedEventsCollection)}
	return r
}

func (r *Registry) ensureIndexes(ctx context.Context) error {
	_, err := r.db.Collection(processedEventsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("mongo registry: ledger ttl index: %w", err)
	}
	_, err = r.db.Collection(ordersCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("mongo registry: orders index: %w", err)
	}
	return nil
}

func (r *Registry) Products() repositories.ProductRepository               { return r.products }
func (r *Registry) Orders() repositories.OrderRepository                   { return r.orders }
func (r *Registry) ProcessedEvents() repositories.ProcessedEventRepository { return r.events }

// SupportsTransactions reports whether the deployment is a replica set or mongos.
func (r *Registry) SupportsTransactions(ctx context.Context) bool {
	r.probeOnce.Do(func() {
		var hello struct {
			SetName string `bson:"setName"`
			Msg     string `bson:"msg"`
		}
		if err := r.db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
			return
		}
		r.txCapable = hello.SetName != "" || hello.Msg == "isdbgrid"
	})
	return r.txCapable
}

// RunInTx runs fn inside a session transaction when the topology allows it. On a standalone server
// fn runs directly and writes are not rolled back.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil || !r.SupportsTransactions(ctx) {
		return fn(ctx)
	}
	session, err := r.client.StartSession()
	if err != nil {
		return classify("mongo.session", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

func (r *Registry) Ping(ctx context.Context) error {
	return classify("mongo.ping", r.client.Ping(ctx, nil))
}

func (r *Registry) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, mongo.ErrNoDocuments):
		return &repositories.Error{Op: op, Err: err, NotFound: true}
	case mongo.IsDuplicateKeyError(err):
		return repositories.NewConflict(op, err)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return repositories.NewUnavailable(op, err)
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.HasErrorLabel("TransientTransactionError") {
		return repositories.NewConflict(op, err)
	}
	return &repositories.Error{Op: op, Err: err}
}
