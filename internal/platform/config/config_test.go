package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func load(t *testing.T, env map[string]string, opts ...Option) (Config, error) {
	t.Helper()
	base := []Option{WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")}
	return Load(context.Background(), append(base, opts...)...)
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := load(t, map[string]string{"API_GCP_PROJECT_ID": "mobishop-dev"})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Store.Driver != StoreDriverFirestore {
		t.Errorf("expected firestore driver, got %s", cfg.Store.Driver)
	}
	if cfg.Store.Firestore.ProjectID != "mobishop-dev" {
		t.Errorf("expected firestore project to default to gcp project, got %s", cfg.Store.Firestore.ProjectID)
	}
	if cfg.Payments.DefaultProvider != "mercadopago" || cfg.Payments.Currency != "ARS" {
		t.Errorf("unexpected payment defaults: %+v", cfg.Payments)
	}
	if cfg.Payments.MercadoPago.AutoReturn != "approved" {
		t.Errorf("expected auto return approved, got %s", cfg.Payments.MercadoPago.AutoReturn)
	}
	if cfg.Events.Driver != EventsDriverNone {
		t.Errorf("expected events disabled, got %s", cfg.Events.Driver)
	}
	if cfg.Reconciliation.EventRetention != 30*24*time.Hour {
		t.Errorf("expected 30 day retention, got %s", cfg.Reconciliation.EventRetention)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 || cfg.Security.OIDC.Issuers[0] != defaultSecurityIssuer {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
}

func TestLoadDerivesCheckoutURLsFromBase(t *testing.T) {
	cfg, err := load(t, map[string]string{
		"API_STORE_DRIVER":              "memory",
		"API_SERVER_PUBLIC_BASE_URL":    "https://shop.example.com/",
		"API_PAYMENTS_BACK_URL_FAILURE": "https://shop.example.com/oops",
	})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Payments.NotificationURL != "https://shop.example.com/api/v1/webhooks/mercadopago" {
		t.Errorf("unexpected notification url %s", cfg.Payments.NotificationURL)
	}
	if cfg.Payments.BackURLs.Success != "https://shop.example.com/checkout/success" {
		t.Errorf("unexpected success url %s", cfg.Payments.BackURLs.Success)
	}
	if cfg.Payments.BackURLs.Failure != "https://shop.example.com/oops" {
		t.Errorf("explicit failure url should win, got %s", cfg.Payments.BackURLs.Failure)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                "9090",
		"API_STORE_DRIVER":               "postgres",
		"API_POSTGRES_DSN":               "secret://db/dsn",
		"API_REDIS_ADDR":                 "localhost:6379",
		"API_CACHE_PRODUCT_LIST_TTL":     "90s",
		"API_MERCADOPAGO_ACCESS_TOKEN":   "sm://mp/token",
		"API_MERCADOPAGO_WEBHOOK_SECRET": "secret://mp/webhook",
		"API_STRIPE_API_KEY":             "secret://stripe/api",
		"API_ADMIN_API_KEY":              "plain-admin-key",
		"API_EVENTS_DRIVER":              "kafka",
		"API_EVENTS_KAFKA_BROKERS":       "kafka-1:9092, kafka-2:9092",
		"API_SECURITY_ENVIRONMENT":       "prod",
		"API_SECURITY_OIDC_AUDIENCES":    "prod=https://api.example.com,stg=https://stg.example.com",
		"API_RECONCILIATION_PURGE_BATCH": "50",
	}
	secrets := map[string]string{
		"secret://db/dsn":     "postgres://shop@db/shop",
		"secret://mp/token":   "APP_USR-123",
		"secret://mp/webhook": "mp-signing",
		"secret://stripe/api": "sk_test_123",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := load(t, env, WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("unexpected port %s", cfg.Server.Port)
	}
	if cfg.Store.Postgres.DSN != "postgres://shop@db/shop" {
		t.Errorf("dsn not resolved: %s", cfg.Store.Postgres.DSN)
	}
	if cfg.Payments.MercadoPago.AccessToken != "APP_USR-123" {
		t.Errorf("legacy sm:// reference not resolved: %s", cfg.Payments.MercadoPago.AccessToken)
	}
	if cfg.Payments.MercadoPago.WebhookSecret != "mp-signing" || cfg.Payments.Stripe.APIKey != "sk_test_123" {
		t.Errorf("gateway secrets not resolved: %+v", cfg.Payments)
	}
	if cfg.Admin.APIKey != "plain-admin-key" {
		t.Errorf("plain values must pass through, got %s", cfg.Admin.APIKey)
	}
	if cfg.Cache.ProductListTTL != 90*time.Second {
		t.Errorf("unexpected cache ttl %s", cfg.Cache.ProductListTTL)
	}
	if !slices.Equal(cfg.Events.KafkaBrokers, []string{"kafka-1:9092", "kafka-2:9092"}) {
		t.Errorf("unexpected brokers %v", cfg.Events.KafkaBrokers)
	}
	if cfg.Security.OIDC.Audience != "https://api.example.com" {
		t.Errorf("expected audience for prod environment, got %s", cfg.Security.OIDC.Audience)
	}
	if cfg.Reconciliation.PurgeBatchSize != 50 {
		t.Errorf("unexpected purge batch %d", cfg.Reconciliation.PurgeBatchSize)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\nexport API_STORE_DRIVER=memory\nAPI_SERVER_PORT=\"7070\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithoutSystemEnv(), WithEnvFile(path),
		WithEnvMap(map[string]string{"API_SERVER_PORT": "6060"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Store.Driver != StoreDriverMemory {
		t.Errorf("expected driver from .env, got %s", cfg.Store.Driver)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("explicit map must override .env, got %s", cfg.Server.Port)
	}
}

func TestLoadValidation(t *testing.T) {
	_, err := load(t, map[string]string{
		"API_STORE_DRIVER":              "mongo",
		"API_PAYMENTS_CURRENCY":         "XXXX",
		"API_PAYMENTS_DEFAULT_PROVIDER": "paypal",
		"API_EVENTS_DRIVER":             "pubsub",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := verr.Fields()
	for _, want := range []string{"Store.Mongo.URI", "Payments.Currency", "Payments.DefaultProvider", "Server.ProjectID"} {
		if !slices.Contains(fields, want) {
			t.Errorf("expected %s in %v", want, fields)
		}
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	_, err := load(t, map[string]string{
		"API_STORE_DRIVER":             "memory",
		"API_MERCADOPAGO_ACCESS_TOKEN": "secret://mp/token",
	})
	var serr *SecretError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if serr.Ref != "secret://mp/token" || !errors.Is(err, errSecretResolverNotConfigured) {
		t.Fatalf("unexpected secret error %+v", serr)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := load(t, map[string]string{"API_STORE_DRIVER": "memory"},
		WithRequiredSecrets("Payments.MercadoPago.AccessToken", "Payments.MercadoPago.AccessToken", "Admin.APIKey"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	if got := missing.Names(); !slices.Equal(got, []string{"Admin.APIKey", "Payments.MercadoPago.AccessToken"}) {
		t.Fatalf("unexpected names %v", got)
	}
	for _, redacted := range missing.RedactedNames() {
		if len(redacted) != 16 {
			t.Fatalf("expected 16 hex chars, got %q", redacted)
		}
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	_, _ = load(t, map[string]string{"API_STORE_DRIVER": "memory"},
		WithRequiredSecrets("Admin.APIKey"), WithPanicOnMissingSecrets())
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("A=dotenv\nB=dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{"B": "explicit"}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if values["A"] != "dotenv" || values["B"] != "explicit" {
		t.Fatalf("unexpected merge result %v", values)
	}
}
