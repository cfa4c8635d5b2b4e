package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mobishop/api/internal/di"
	"github.com/mobishop/api/internal/handlers"
	"github.com/mobishop/api/internal/payments"
	"github.com/mobishop/api/internal/platform/auth"
	"github.com/mobishop/api/internal/platform/cache"
	"github.com/mobishop/api/internal/platform/config"
	"github.com/mobishop/api/internal/platform/events"
	pfirestore "github.com/mobishop/api/internal/platform/firestore"
	"github.com/mobishop/api/internal/platform/idempotency"
	"github.com/mobishop/api/internal/platform/observability"
	"github.com/mobishop/api/internal/platform/secrets"
	"github.com/mobishop/api/internal/repositories"
	firestoreRepo "github.com/mobishop/api/internal/repositories/firestore"
	"github.com/mobishop/api/internal/repositories/memory"
	mongoRepo "github.com/mobishop/api/internal/repositories/mongo"
	postgresRepo "github.com/mobishop/api/internal/repositories/postgres"
	"github.com/mobishop/api/internal/services"
)

const meterName = "github.com/mobishop/api"

// publisher is the closable form of services.OrderEventPublisher every driver returns.
type publisher interface {
	services.OrderEventPublisher
	Close() error
}

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	registry, firestoreProvider, err := openRegistry(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	logger.Info("store ready", zap.String("driver", cfg.Store.Driver))

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.Cache.RedisAddr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	var listCache services.ProductListCache
	if redisClient != nil {
		redisCache, err := cache.NewRedisCache(redisClient, cfg.Cache.ProductListTTL)
		if err != nil {
			logger.Fatal("failed to initialise redis cache", zap.Error(err))
		}
		listCache = redisCache
	} else {
		listCache = cache.NewMemoryCache(cfg.Cache.ProductListTTL)
	}

	eventPublisher, err := newEventPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.String("driver", cfg.Events.Driver), zap.Error(err))
	}
	defer func() {
		if err := eventPublisher.Close(); err != nil {
			logger.Warn("event publisher close error", zap.Error(err))
		}
	}()

	gateway, err := newPaymentManager(cfg, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	health, err := newHealthRepository(registry, redisClient, fetcher)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, di.Infrastructure{
		Gateway: gateway,
		Cache:   listCache,
		Events:  eventPublisher,
		Meter:   otel.GetMeterProvider().Meter(meterName),
		Health:  health,
		Build:   buildInfo,
		Logger:  logger,
		Clock:   time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("store close error", zap.Error(err))
		}
	}()

	idempotencyStore := newIdempotencyStore(ctx, logger, redisClient, firestoreProvider)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	workersCtx, workersCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	idempotencyLogger := logger.Named("idempotency")
	runEvery(workersCtx, &workers, cfg.Idempotency.CleanupInterval, func(runCtx context.Context) {
		removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
		if err != nil {
			idempotencyLogger.Error("idempotency cleanup error", zap.Error(err))
			return
		}
		if removed > 0 {
			idempotencyLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
		}
	})

	ledgerLogger := logger.Named("ledger")
	runEvery(workersCtx, &workers, cfg.Reconciliation.PurgeInterval, func(runCtx context.Context) {
		removed, err := container.Services.Ledger.PurgeExpired(runCtx, cfg.Reconciliation.PurgeBatchSize)
		if err != nil {
			ledgerLogger.Error("processed event purge error", zap.Error(err))
			return
		}
		if removed > 0 {
			ledgerLogger.Info("processed event purge removed records", zap.Int("count", removed))
		}
	})

	svc := container.Services
	checkoutHandlers := handlers.NewCheckoutHandlers(svc.Checkout, handlers.WithCheckoutIdempotency(idempotencyMiddleware))
	orderHandlers := handlers.NewOrderHandlers(svc.Orders, svc.Reconciler)
	productHandlers := handlers.NewProductHandlers(svc.Catalog)
	adminHandlers := handlers.NewAdminOrderHandlers(svc.Orders)
	internalHandlers := handlers.NewInternalHandlers(svc.Ledger)
	webhookHandlers := handlers.NewWebhookHandlers(svc.Reconciler,
		handlers.WithMercadoPagoSignature(auth.NewMercadoPagoSignature(cfg.Payments.MercadoPago.WebhookSecret)),
		handlers.WithStripeWebhook(payments.NewStripeWebhook(cfg.Payments.Stripe.WebhookSecret, 0)),
	)
	if strings.TrimSpace(cfg.Payments.MercadoPago.WebhookSecret) == "" {
		logger.Warn("mercadopago webhook secret not configured; notifications are accepted unsigned")
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	projectID := strings.TrimSpace(cfg.Server.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	adminGuard := auth.NewAdminGuard(cfg.Admin.APIKey, cfg.Admin.JWTSecret,
		auth.WithAdminLogger(observability.NewPrintfAdapter(logger.Named("auth"))))
	if !adminGuard.Configured() {
		logger.Warn("auth: admin credentials not configured; admin routes will reject requests")
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(checkoutHandlers.OrderRoutes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentRoutes(checkoutHandlers.PaymentRoutes),
		handlers.WithProductRoutes(productHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithAdminMiddlewares(adminGuard.Middleware),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("mobishop api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	workersCancel()
	workers.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// runEvery calls fn on every tick until ctx ends. A non-positive interval disables the worker.
func runEvery(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, time.Minute)
				fn(runCtx)
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// openRegistry selects the persistence backend. The Firestore provider is returned so the
// idempotency store can share its client.
func openRegistry(ctx context.Context, cfg config.Config) (repositories.Registry, *pfirestore.Provider, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverFirestore:
		provider := pfirestore.NewProvider(cfg.Store.Firestore)
		if _, err := provider.Client(ctx); err != nil {
			return nil, nil, err
		}
		registry, err := firestoreRepo.NewRegistry(provider)
		if err != nil {
			return nil, nil, err
		}
		return registry, provider, nil
	case config.StoreDriverPostgres:
		registry, err := postgresRepo.Open(ctx, cfg.Store.Postgres)
		return registry, nil, err
	case config.StoreDriverMongo:
		registry, err := mongoRepo.Open(ctx, cfg.Store.Mongo)
		return registry, nil, err
	case config.StoreDriverMemory:
		return memory.NewStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func newIdempotencyStore(ctx context.Context, logger *zap.Logger, redisClient *redis.Client, provider *pfirestore.Provider) idempotency.Store {
	if redisClient != nil {
		return idempotency.NewRedisStore(redisClient)
	}
	if provider != nil {
		client, err := provider.Client(ctx)
		if err == nil {
			return idempotency.NewFirestoreStore(client)
		}
		logger.Warn("idempotency: firestore unavailable; falling back to memory", zap.Error(err))
	}
	return idempotency.NewMemoryStore()
}

func newEventPublisher(ctx context.Context, cfg config.Config) (publisher, error) {
	switch cfg.Events.Driver {
	case config.EventsDriverNone, "":
		return events.NopPublisher{}, nil
	case config.EventsDriverKafka:
		return events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.Topic)
	case config.EventsDriverPubSub:
		projectID := strings.TrimSpace(cfg.Server.ProjectID)
		if projectID == "" {
			return nil, errors.New("pubsub requires API_GCP_PROJECT_ID")
		}
		client, err := pubsub.NewClient(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return events.NewPubSubPublisher(client.Topic(cfg.Events.Topic))
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Events.Driver)
	}
}

func newPaymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	providers := make(map[string]payments.Provider, 2)
	if token := strings.TrimSpace(cfg.Payments.MercadoPago.AccessToken); token != "" {
		mp, err := payments.NewMercadoPagoProvider(payments.MercadoPagoProviderConfig{
			AccessToken: token,
			Logger:      observability.EventLogger(logger.Named("mercadopago")),
		})
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderMercadoPago] = mp
	}
	if key := strings.TrimSpace(cfg.Payments.Stripe.APIKey); key != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: key,
			Logger: observability.EventLogger(logger.Named("stripe")),
			Clock:  time.Now,
		})
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderStripe] = stripeProvider
	}
	if len(providers) == 0 {
		return nil, errors.New("configure API_MERCADOPAGO_ACCESS_TOKEN or API_STRIPE_API_KEY")
	}

	var opts []payments.ManagerOption
	if _, ok := providers[cfg.Payments.DefaultProvider]; ok {
		opts = append(opts, payments.WithDefaultProvider(cfg.Payments.DefaultProvider))
	}
	return payments.NewManager(providers, opts...)
}

func newHealthRepository(registry repositories.Registry, redisClient *redis.Client, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if registry != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "store",
			Timeout: 1500 * time.Millisecond,
			Check:   registry.Ping,
		})
	}
	if redisClient != nil {
		client := redisClient
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:     "secretManager",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	adapter := observability.NewPrintfAdapter(logger)
	jwks := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(jwks, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_GCP_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(otel.GetMeterProvider().Meter(meterName)),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_GCP_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the credentials the selected drivers and gateways cannot start without.
func requiredSecretNames(env map[string]string) []string {
	lookup := func(key string) string {
		return strings.ToLower(strings.TrimSpace(env[key]))
	}
	var required []string
	switch lookup("API_STORE_DRIVER") {
	case config.StoreDriverPostgres:
		required = append(required, "Store.Postgres.DSN")
	case config.StoreDriverMongo:
		required = append(required, "Store.Mongo.URI")
	}
	if lookup("API_STRIPE_API_KEY") != "" {
		required = append(required, "Payments.Stripe.WebhookSecret")
	}
	if lookup("API_SECURITY_ENVIRONMENT") == "prod" {
		required = append(required, "Payments.MercadoPago.WebhookSecret", "Admin.APIKey")
	}
	return required
}
