package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Billing      BillingConfig
	RateLimit    RateLimitConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	Stripe       StripeConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"TALENTBASE_APP_ENV" required:"true"`
	Port         string `envconfig:"TALENTBASE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"TALENTBASE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"TALENTBASE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"TALENTBASE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"TALENTBASE_DB_DSN"`
	Driver string `envconfig:"TALENTBASE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"TALENTBASE_DB_HOST"`
	LegacyPort     int    `envconfig:"TALENTBASE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"TALENTBASE_DB_USER"`
	LegacyPassword string `envconfig:"TALENTBASE_DB_PASSWORD"`
	LegacyName     string `envconfig:"TALENTBASE_DB_NAME"`
	LegacySSLMode  string `envconfig:"TALENTBASE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"TALENTBASE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"TALENTBASE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"TALENTBASE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TALENTBASE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TALENTBASE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"TALENTBASE_REDIS_ADDR"`
	Password     string        `envconfig:"TALENTBASE_REDIS_PASSWORD"`
	DB           int           `envconfig:"TALENTBASE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TALENTBASE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TALENTBASE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TALENTBASE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TALENTBASE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TALENTBASE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"TALENTBASE_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"TALENTBASE_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"TALENTBASE_JWT_EXPIRATION_MINUTES" default:"60"`
}

// BillingConfig drives checkout session creation and webhook processing.
type BillingConfig struct {
	CheckoutSuccessURL  string        `envconfig:"TALENTBASE_BILLING_CHECKOUT_SUCCESS_URL" required:"true"`
	CheckoutCancelURL   string        `envconfig:"TALENTBASE_BILLING_CHECKOUT_CANCEL_URL" required:"true"`
	WebhookEventTTL     time.Duration `envconfig:"TALENTBASE_BILLING_WEBHOOK_EVENT_TTL" default:"720h"`
	DefaultCurrencyCode string        `envconfig:"TALENTBASE_BILLING_DEFAULT_CURRENCY" default:"usd"`
}

type RateLimitConfig struct {
	CheckoutWindow    time.Duration `envconfig:"TALENTBASE_RATE_LIMIT_CHECKOUT_WINDOW" default:"1m"`
	CheckoutUserLimit int           `envconfig:"TALENTBASE_RATE_LIMIT_CHECKOUT_USER_LIMIT" default:"5"`
	CheckoutIPLimit   int           `envconfig:"TALENTBASE_RATE_LIMIT_CHECKOUT_IP_LIMIT" default:"20"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"TALENTBASE_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"TALENTBASE_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"TALENTBASE_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"TALENTBASE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"TALENTBASE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"TALENTBASE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	BillingTopic        string `envconfig:"TALENTBASE_PUBSUB_BILLING_TOPIC" default:"tb-billing-events"`
	BillingSubscription string `envconfig:"TALENTBASE_PUBSUB_BILLING_SUBSCRIPTION" default:"tb-billing-events-worker"`
}

type BigQueryConfig struct {
	Dataset            string `envconfig:"TALENTBASE_BIGQUERY_DATASET" default:"talentbase"`
	BillingEventsTable string `envconfig:"TALENTBASE_BIGQUERY_BILLING_TABLE" default:"billing_events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"TALENTBASE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"TALENTBASE_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"TALENTBASE_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type StripeConfig struct {
	APIKey string `envconfig:"TALENTBASE_STRIPE_API_KEY"`
	Secret string `envconfig:"TALENTBASE_STRIPE_SECRET"`
	Env    string `envconfig:"TALENTBASE_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
