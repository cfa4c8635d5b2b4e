package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/text/currency"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultStoreDriver          = StoreDriverFirestore
	defaultMongoDatabase        = "mobishop"
	defaultProductListTTL       = 5 * time.Minute
	defaultPaymentProvider      = "mercadopago"
	defaultCurrency             = "ARS"
	defaultAutoReturn           = "approved"
	defaultEventsDriver         = EventsDriverNone
	defaultEventsTopic          = "order-events"
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultEventRetention       = 30 * 24 * time.Hour
	defaultPurgeInterval        = 6 * time.Hour
	defaultPurgeBatchSize       = 500
)

// Store drivers understood by the repository wiring.
const (
	StoreDriverFirestore = "firestore"
	StoreDriverPostgres  = "postgres"
	StoreDriverMongo     = "mongo"
	StoreDriverMemory    = "memory"
)

// Event publisher drivers.
const (
	EventsDriverNone   = "none"
	EventsDriverPubSub = "pubsub"
	EventsDriverKafka  = "kafka"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server         ServerConfig
	Store          StoreConfig
	Cache          CacheConfig
	Payments       PaymentsConfig
	Events         EventsConfig
	Admin          AdminConfig
	Security       SecurityConfig
	Idempotency    IdempotencyConfig
	Reconciliation ReconciliationConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	PublicBaseURL string
	ProjectID     string
}

// StoreConfig selects the persistence backend and its connection settings.
type StoreConfig struct {
	Driver    string
	Firestore FirestoreConfig
	Postgres  PostgresConfig
	Mongo     MongoConfig
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PostgresConfig holds the lib/pq connection string and pool size.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
}

// MongoConfig holds the Mongo connection URI and database name.
type MongoConfig struct {
	URI      string
	Database string
}

// CacheConfig configures the product listing cache. An empty RedisAddr selects the in-process cache.
type CacheConfig struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	ProductListTTL time.Duration
}

// PaymentsConfig collects gateway credentials and checkout URLs.
type PaymentsConfig struct {
	DefaultProvider string
	Currency        string
	NotificationURL string
	BackURLs        BackURLsConfig
	MercadoPago     MercadoPagoConfig
	Stripe          StripeConfig
}

// BackURLsConfig lists the buyer return pages used by hosted checkout.
type BackURLsConfig struct {
	Success string
	Pending string
	Failure string
}

// MercadoPagoConfig holds Mercado Pago credentials.
type MercadoPagoConfig struct {
	AccessToken   string
	WebhookSecret string
	AutoReturn    string
}

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
}

// EventsConfig selects where order domain events are published.
type EventsConfig struct {
	Driver       string
	Topic        string
	KafkaBrokers []string
}

// AdminConfig secures the admin order endpoints.
type AdminConfig struct {
	APIKey    string
	JWTSecret string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// ReconciliationConfig controls the processed-event ledger retention.
type ReconciliationConfig struct {
	EventRetention time.Duration
	PurgeInterval  time.Duration
	PurgeBatchSize int
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks config fields (e.g. "Payments.MercadoPago.AccessToken") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// Load assembles the configuration from defaults, .env, the process environment and an optional
// explicit map (in increasing precedence), then resolves secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	lookup, err := newLookup(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:          stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:   durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:  durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:   durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			PublicBaseURL: strings.TrimRight(stringWithDefault(lookup, "API_SERVER_PUBLIC_BASE_URL", ""), "/"),
			ProjectID:     stringWithDefault(lookup, "API_GCP_PROJECT_ID", ""),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(stringWithDefault(lookup, "API_STORE_DRIVER", defaultStoreDriver)),
			Firestore: FirestoreConfig{
				ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
				EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
			},
			Postgres: PostgresConfig{
				DSN:          stringWithDefault(lookup, "API_POSTGRES_DSN", ""),
				MaxOpenConns: intWithDefault(lookup, "API_POSTGRES_MAX_OPEN_CONNS", 10),
			},
			Mongo: MongoConfig{
				URI:      stringWithDefault(lookup, "API_MONGO_URI", ""),
				Database: stringWithDefault(lookup, "API_MONGO_DATABASE", defaultMongoDatabase),
			},
		},
		Cache: CacheConfig{
			RedisAddr:      stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			RedisPassword:  stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			RedisDB:        intWithDefault(lookup, "API_REDIS_DB", 0),
			ProductListTTL: durationWithDefault(lookup, "API_CACHE_PRODUCT_LIST_TTL", defaultProductListTTL),
		},
		Payments: PaymentsConfig{
			DefaultProvider: strings.ToLower(stringWithDefault(lookup, "API_PAYMENTS_DEFAULT_PROVIDER", defaultPaymentProvider)),
			Currency:        strings.ToUpper(stringWithDefault(lookup, "API_PAYMENTS_CURRENCY", defaultCurrency)),
			NotificationURL: stringWithDefault(lookup, "API_PAYMENTS_NOTIFICATION_URL", ""),
			BackURLs: BackURLsConfig{
				Success: stringWithDefault(lookup, "API_PAYMENTS_BACK_URL_SUCCESS", ""),
				Pending: stringWithDefault(lookup, "API_PAYMENTS_BACK_URL_PENDING", ""),
				Failure: stringWithDefault(lookup, "API_PAYMENTS_BACK_URL_FAILURE", ""),
			},
			MercadoPago: MercadoPagoConfig{
				AccessToken:   stringWithDefault(lookup, "API_MERCADOPAGO_ACCESS_TOKEN", ""),
				WebhookSecret: stringWithDefault(lookup, "API_MERCADOPAGO_WEBHOOK_SECRET", ""),
				AutoReturn:    stringWithDefault(lookup, "API_MERCADOPAGO_AUTO_RETURN", defaultAutoReturn),
			},
			Stripe: StripeConfig{
				APIKey:        stringWithDefault(lookup, "API_STRIPE_API_KEY", ""),
				WebhookSecret: stringWithDefault(lookup, "API_STRIPE_WEBHOOK_SECRET", ""),
			},
		},
		Events: EventsConfig{
			Driver:       strings.ToLower(stringWithDefault(lookup, "API_EVENTS_DRIVER", defaultEventsDriver)),
			Topic:        stringWithDefault(lookup, "API_EVENTS_TOPIC", defaultEventsTopic),
			KafkaBrokers: csvWithDefault(lookup, "API_EVENTS_KAFKA_BROKERS"),
		},
		Admin: AdminConfig{
			APIKey:    stringWithDefault(lookup, "API_ADMIN_API_KEY", ""),
			JWTSecret: stringWithDefault(lookup, "API_ADMIN_JWT_SECRET", ""),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Reconciliation: ReconciliationConfig{
			EventRetention: durationWithDefault(lookup, "API_RECONCILIATION_EVENT_RETENTION", defaultEventRetention),
			PurgeInterval:  durationWithDefault(lookup, "API_RECONCILIATION_PURGE_INTERVAL", defaultPurgeInterval),
			PurgeBatchSize: intWithDefault(lookup, "API_RECONCILIATION_PURGE_BATCH", defaultPurgeBatchSize),
		},
	}

	applyDerivedDefaults(&cfg)

	resolved := make(map[string]string)
	for _, target := range secretFields(&cfg) {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func applyDerivedDefaults(cfg *Config) {
	if cfg.Store.Firestore.ProjectID == "" {
		cfg.Store.Firestore.ProjectID = cfg.Server.ProjectID
	}
	if cfg.Server.ProjectID == "" {
		cfg.Server.ProjectID = cfg.Store.Firestore.ProjectID
	}
	if base := cfg.Server.PublicBaseURL; base != "" {
		if cfg.Payments.NotificationURL == "" {
			cfg.Payments.NotificationURL = base + "/api/v1/webhooks/mercadopago"
		}
		if cfg.Payments.BackURLs.Success == "" {
			cfg.Payments.BackURLs.Success = base + "/checkout/success"
		}
		if cfg.Payments.BackURLs.Pending == "" {
			cfg.Payments.BackURLs.Pending = base + "/checkout/pending"
		}
		if cfg.Payments.BackURLs.Failure == "" {
			cfg.Payments.BackURLs.Failure = base + "/checkout/failure"
		}
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}
}

type secretField struct {
	name  string
	field *string
}

func secretFields(cfg *Config) []secretField {
	return []secretField{
		{"Store.Postgres.DSN", &cfg.Store.Postgres.DSN},
		{"Store.Mongo.URI", &cfg.Store.Mongo.URI},
		{"Cache.RedisPassword", &cfg.Cache.RedisPassword},
		{"Payments.MercadoPago.AccessToken", &cfg.Payments.MercadoPago.AccessToken},
		{"Payments.MercadoPago.WebhookSecret", &cfg.Payments.MercadoPago.WebhookSecret},
		{"Payments.Stripe.APIKey", &cfg.Payments.Stripe.APIKey},
		{"Payments.Stripe.WebhookSecret", &cfg.Payments.Stripe.WebhookSecret},
		{"Admin.APIKey", &cfg.Admin.APIKey},
		{"Admin.JWTSecret", &cfg.Admin.JWTSecret},
	}
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}

	switch cfg.Store.Driver {
	case StoreDriverFirestore:
		if cfg.Store.Firestore.ProjectID == "" {
			invalid = append(invalid, "Store.Firestore.ProjectID")
		}
	case StoreDriverPostgres:
		if cfg.Store.Postgres.DSN == "" {
			invalid = append(invalid, "Store.Postgres.DSN")
		}
	case StoreDriverMongo:
		if cfg.Store.Mongo.URI == "" {
			invalid = append(invalid, "Store.Mongo.URI")
		}
		if cfg.Store.Mongo.Database == "" {
			invalid = append(invalid, "Store.Mongo.Database")
		}
	case StoreDriverMemory:
	default:
		invalid = append(invalid, "Store.Driver")
	}

	if cfg.Cache.ProductListTTL <= 0 {
		invalid = append(invalid, "Cache.ProductListTTL")
	}

	switch cfg.Payments.DefaultProvider {
	case "mercadopago", "stripe":
	default:
		invalid = append(invalid, "Payments.DefaultProvider")
	}
	if _, err := currency.ParseISO(cfg.Payments.Currency); err != nil {
		invalid = append(invalid, "Payments.Currency")
	}

	switch cfg.Events.Driver {
	case EventsDriverNone:
	case EventsDriverPubSub:
		if cfg.Server.ProjectID == "" {
			invalid = append(invalid, "Server.ProjectID")
		}
		if cfg.Events.Topic == "" {
			invalid = append(invalid, "Events.Topic")
		}
	case EventsDriverKafka:
		if len(cfg.Events.KafkaBrokers) == 0 {
			invalid = append(invalid, "Events.KafkaBrokers")
		}
		if cfg.Events.Topic == "" {
			invalid = append(invalid, "Events.Topic")
		}
	default:
		invalid = append(invalid, "Events.Driver")
	}

	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		invalid = append(invalid, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		invalid = append(invalid, "Idempotency.CleanupBatchSize")
	}
	if cfg.Reconciliation.EventRetention <= 0 {
		invalid = append(invalid, "Reconciliation.EventRetention")
	}
	if cfg.Reconciliation.PurgeInterval <= 0 {
		invalid = append(invalid, "Reconciliation.PurgeInterval")
	}
	if cfg.Reconciliation.PurgeBatchSize <= 0 {
		invalid = append(invalid, "Reconciliation.PurgeBatchSize")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}
