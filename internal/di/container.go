package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/mobishop/api/internal/payments"
	"github.com/mobishop/api/internal/platform/config"
	"github.com/mobishop/api/internal/platform/observability"
	"github.com/mobishop/api/internal/repositories"
	"github.com/mobishop/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Catalog    services.CatalogService
	Checkout   services.CheckoutService
	Orders     services.OrderService
	Reconciler services.Reconciler
	Fulfiller  services.Fulfiller
	Ledger     services.LedgerService
	System     services.SystemService
}

// Infrastructure carries the adapters main builds from configuration. Cache, Events, Meter and
// Health are optional.
type Infrastructure struct {
	Gateway services.PaymentGateway
	Cache   services.ProductListCache
	Events  services.OrderEventPublisher
	Meter   metric.Meter
	Health  repositories.HealthRepository
	Build   services.BuildInfo
	Logger  *zap.Logger
	Clock   func() time.Time
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply the in-memory registry.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra.Gateway == nil {
		return nil, errors.New("payment gateway is required")
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}
	if infra.Logger == nil {
		infra.Logger = zap.NewNop()
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases the repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(ctx context.Context, reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services
	logger := infra.Logger

	if !reg.SupportsTransactions(ctx) {
		logger.Warn("store has no multi-document transactions; fulfilment runs with compensation")
	}

	var invalidator services.ProductCacheInvalidator
	if infra.Cache != nil {
		invalidator = infra.Cache
	}

	catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
		Products: reg.Products(),
		Cache:    infra.Cache,
		Clock:    infra.Clock,
		Logger:   observability.EventLogger(logger.Named("catalog")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}
	svc.Catalog = catalogSvc

	fulfiller, err := services.NewFulfiller(services.FulfillerDeps{
		Products:   reg.Products(),
		Orders:     reg.Orders(),
		Ledger:     reg.ProcessedEvents(),
		UnitOfWork: reg,
		Cache:      invalidator,
		Events:     infra.Events,
		Clock:      infra.Clock,
		Logger:     observability.EventLogger(logger.Named("fulfiller")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build fulfiller: %w", err)
	}
	svc.Fulfiller = fulfiller

	validator, err := services.NewStockValidator(reg.Products())
	if err != nil {
		return Services{}, fmt.Errorf("build stock validator: %w", err)
	}
	normalizer, err := services.NewItemNormalizer(reg.Products())
	if err != nil {
		return Services{}, fmt.Errorf("build item normalizer: %w", err)
	}

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Products:        reg.Products(),
		Orders:          reg.Orders(),
		Gateway:         infra.Gateway,
		Fulfiller:       fulfiller,
		Validator:       validator,
		Normalizer:      normalizer,
		Events:          infra.Events,
		Currency:        cfg.Payments.Currency,
		NotificationURL: cfg.Payments.NotificationURL,
		BackURLs: payments.BackURLs{
			Success: cfg.Payments.BackURLs.Success,
			Pending: cfg.Payments.BackURLs.Pending,
			Failure: cfg.Payments.BackURLs.Failure,
		},
		AutoReturn: cfg.Payments.MercadoPago.AutoReturn,
		Clock:      infra.Clock,
		Logger:     observability.EventLogger(logger.Named("checkout")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	reconciler, err := services.NewReconciler(services.ReconcilerDeps{
		Orders:          reg.Orders(),
		Ledger:          reg.ProcessedEvents(),
		Gateway:         infra.Gateway,
		Fulfiller:       fulfiller,
		Events:          infra.Events,
		Meter:           infra.Meter,
		DefaultProvider: cfg.Payments.DefaultProvider,
		Retention:       cfg.Reconciliation.EventRetention,
		Clock:           infra.Clock,
		Logger:          observability.EventLogger(logger.Named("reconciler")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciler: %w", err)
	}
	svc.Reconciler = reconciler

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(),
		Events: infra.Events,
		Clock:  infra.Clock,
		Logger: observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	ledgerSvc, err := services.NewLedgerService(services.LedgerServiceDeps{
		Ledger: reg.ProcessedEvents(),
		Clock:  infra.Clock,
		Logger: observability.EventLogger(logger.Named("ledger")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build ledger service: %w", err)
	}
	svc.Ledger = ledgerSvc

	if infra.Health != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			Health: infra.Health,
			Clock:  infra.Clock,
			Build:  infra.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
