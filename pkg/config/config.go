package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "cadence"

	AppEnvDev  = "development"
	AppEnvProd = "production"

	EnvAppEnv = "CADENCE_APP_ENV"
	EnvDBDSN  = "CADENCE_DB_DSN"
	EnvDBHost = "CADENCE_DB_HOST"
	EnvDBUser = "CADENCE_DB_USER"
	EnvDBName = "CADENCE_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	RateLimit    RateLimitConfig
	Billing      BillingConfig
	Stripe       StripeConfig
	Square       SquareConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
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
	Env          string   `envconfig:"CADENCE_APP_ENV" required:"true"`
	Port         string   `envconfig:"CADENCE_APP_PORT" required:"true"`
	LogLevel     string   `envconfig:"CADENCE_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"CADENCE_LOG_WARN_STACK" default:"false"`
	CORSOrigins  []string `envconfig:"CADENCE_APP_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"CADENCE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"CADENCE_DB_DSN"`
	Driver string `envconfig:"CADENCE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"CADENCE_DB_HOST"`
	LegacyPort     int    `envconfig:"CADENCE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CADENCE_DB_USER"`
	LegacyPassword string `envconfig:"CADENCE_DB_PASSWORD"`
	LegacyName     string `envconfig:"CADENCE_DB_NAME"`
	LegacySSLMode  string `envconfig:"CADENCE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CADENCE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CADENCE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CADENCE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CADENCE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"CADENCE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"CADENCE_REDIS_ADDR"`
	Password     string        `envconfig:"CADENCE_REDIS_PASSWORD"`
	DB           int           `envconfig:"CADENCE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CADENCE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CADENCE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CADENCE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CADENCE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CADENCE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"CADENCE_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"CADENCE_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"CADENCE_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"CADENCE_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"CADENCE_AUTO_MIGRATE" default:"false"`
}

type RateLimitConfig struct {
	APIWindow      time.Duration `envconfig:"CADENCE_RATELIMIT_API_WINDOW" default:"1m"`
	APIIPLimit     int           `envconfig:"CADENCE_RATELIMIT_API_IP_LIMIT" default:"300"`
	APITenantLimit int           `envconfig:"CADENCE_RATELIMIT_API_TENANT_LIMIT" default:"600"`
	WebhookWindow  time.Duration `envconfig:"CADENCE_RATELIMIT_WEBHOOK_WINDOW" default:"1m"`
	WebhookIPLimit int           `envconfig:"CADENCE_RATELIMIT_WEBHOOK_IP_LIMIT" default:"120"`
}

// BillingConfig is the single immutable home for every billing policy
// constant. Values are read once at startup; nothing in the core reads
// policy from scattered literals.
type BillingConfig struct {
	GraceDays               int           `envconfig:"CADENCE_BILLING_GRACE_DAYS" default:"7"`
	DunningRetryOffsets     []int         `envconfig:"CADENCE_BILLING_DUNNING_RETRY_DAYS" default:"0,3,7"`
	RenewalLeadTime         time.Duration `envconfig:"CADENCE_BILLING_RENEWAL_LEAD_TIME" default:"72h"`
	StaleInvoiceWindow      time.Duration `envconfig:"CADENCE_BILLING_STALE_INVOICE_WINDOW" default:"168h"`
	TrialSweepHorizon       time.Duration `envconfig:"CADENCE_BILLING_TRIAL_SWEEP_HORIZON" default:"24h"`
	SweepBatchSize          int           `envconfig:"CADENCE_BILLING_SWEEP_BATCH_SIZE" default:"250"`
	VoidInvoiceOnCancel     bool          `envconfig:"CADENCE_BILLING_VOID_INVOICE_ON_CANCEL" default:"true"`
	RevokeOnImmediateCancel bool          `envconfig:"CADENCE_BILLING_REVOKE_ON_IMMEDIATE_CANCEL" default:"false"`
}

// GracePeriod returns the past_due grace window as a duration.
func (b BillingConfig) GracePeriod() time.Duration {
	if b.GraceDays <= 0 {
		return 0
	}
	return time.Duration(b.GraceDays) * 24 * time.Hour
}

type StripeConfig struct {
	APIKey string `envconfig:"CADENCE_STRIPE_API_KEY"`
	Secret string `envconfig:"CADENCE_STRIPE_SECRET"`
	Env    string `envconfig:"CADENCE_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type SquareConfig struct {
	AccessToken      string `envconfig:"CADENCE_SQUARE_ACCESS_TOKEN"`
	LocationID       string `envconfig:"CADENCE_SQUARE_LOCATION_ID"`
	SignatureKey     string `envconfig:"CADENCE_SQUARE_SIGNATURE_KEY"`
	Env              string `envconfig:"CADENCE_SQUARE_ENV" default:"sandbox"`
	WebhookNotifyURL string `envconfig:"CADENCE_SQUARE_WEBHOOK_NOTIFY_URL"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

type GCPConfig struct {
	ProjectID       string `envconfig:"CADENCE_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"CADENCE_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	BillingTopic        string `envconfig:"CADENCE_PUBSUB_BILLING_TOPIC" default:"cadence-billing-events"`
	BillingSubscription string `envconfig:"CADENCE_PUBSUB_BILLING_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"CADENCE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"CADENCE_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"CADENCE_OUTBOX_MAX_ATTEMPTS" default:"10"`
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
