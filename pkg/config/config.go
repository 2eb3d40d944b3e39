// Package config loads the runtime settings of the membership service from
// the environment. A .env file is read first when present; real environment
// variables win over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/alliedcare/membersync/pkg/billing"
)

// Storage backends
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

// Config is the full service configuration
type Config struct {
	Addr     string
	LogLevel string
	LogJSON  bool

	SiteName string
	SiteURL  string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	SignatureTolerance  time.Duration
	PriceWeekly         string
	PriceMonthly        string
	PriceYearly         string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// Email relay. EmailAPIKey is the SMTP password of the relay.
	EmailAPIKey   string
	EmailFrom     string
	EmailFromName string
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	OperatorEmail string

	// Storage
	StorageBackend   string
	DatabaseURL      string
	FirestoreProject string
	RedisAddr        string // enables the Redis ledger in front of the durable store
	RedisPassword    string
	RedisDB          int
	AutoMigrate      bool

	// Timeouts and limits
	ProcessingTimeout time.Duration
	StoreTimeout      time.Duration
	EmailTimeout      time.Duration
	ClaimLease        time.Duration
	RateLimitRequests int
	RateLimitWindow   time.Duration

	MetricsNamespace string
}

// Default returns the configuration used for every unset optional variable
func Default() *Config {
	return &Config{
		Addr:               ":8080",
		LogLevel:           "info",
		LogJSON:            true,
		SiteName:           "Allied Care Network",
		SiteURL:            "http://localhost:3000",
		SignatureTolerance: 5 * time.Minute,
		SMTPPort:           587,
		SMTPUsername:       "apikey",
		StorageBackend:     BackendPostgres,
		ProcessingTimeout:  5 * time.Second,
		StoreTimeout:       2 * time.Second,
		EmailTimeout:       10 * time.Second,
		ClaimLease:         2 * time.Minute,
		RateLimitRequests:  100,
		RateLimitWindow:    time.Minute,
		MetricsNamespace:   "membersync",
	}
}

// Load reads files (".env" when none are given) into the process
// environment and builds the configuration from it. Missing files are not
// an error.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds and validates a Config from a variable lookup function
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	c := Default()
	r := reader{lookup: lookup}

	r.str("HTTP_ADDR", &c.Addr)
	r.str("LOG_LEVEL", &c.LogLevel)
	r.boolean("LOG_JSON", &c.LogJSON)
	r.str("SITE_NAME", &c.SiteName)
	r.str("SITE_URL", &c.SiteURL)

	r.str("STRIPE_SECRET_KEY", &c.StripeSecretKey)
	r.str("STRIPE_WEBHOOK_SECRET", &c.StripeWebhookSecret)
	r.duration("STRIPE_SIGNATURE_TOLERANCE", &c.SignatureTolerance)
	r.str("STRIPE_PRICE_WEEKLY", &c.PriceWeekly)
	r.str("STRIPE_PRICE_MONTHLY", &c.PriceMonthly)
	r.str("STRIPE_PRICE_YEARLY", &c.PriceYearly)
	r.str("CHECKOUT_SUCCESS_URL", &c.CheckoutSuccessURL)
	r.str("CHECKOUT_CANCEL_URL", &c.CheckoutCancelURL)

	r.str("EMAIL_API_KEY", &c.EmailAPIKey)
	r.str("EMAIL_FROM", &c.EmailFrom)
	r.str("EMAIL_FROM_NAME", &c.EmailFromName)
	r.str("SMTP_HOST", &c.SMTPHost)
	r.integer("SMTP_PORT", &c.SMTPPort)
	r.str("SMTP_USERNAME", &c.SMTPUsername)
	r.str("OPERATOR_EMAIL", &c.OperatorEmail)

	r.str("STORAGE_BACKEND", &c.StorageBackend)
	r.str("DATABASE_URL", &c.DatabaseURL)
	r.str("FIRESTORE_PROJECT_ID", &c.FirestoreProject)
	r.str("REDIS_ADDR", &c.RedisAddr)
	r.str("REDIS_PASSWORD", &c.RedisPassword)
	r.integer("REDIS_DB", &c.RedisDB)
	r.boolean("AUTO_MIGRATE", &c.AutoMigrate)

	r.duration("WEBHOOK_PROCESSING_TIMEOUT", &c.ProcessingTimeout)
	r.duration("STORE_TIMEOUT", &c.StoreTimeout)
	r.duration("EMAIL_TIMEOUT", &c.EmailTimeout)
	r.duration("EVENT_CLAIM_LEASE", &c.ClaimLease)
	r.integer("WEBHOOK_RATE_LIMIT", &c.RateLimitRequests)
	r.duration("WEBHOOK_RATE_WINDOW", &c.RateLimitWindow)
	r.str("METRICS_NAMESPACE", &c.MetricsNamespace)

	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}

	c.StorageBackend = strings.ToLower(c.StorageBackend)
	siteURL := strings.TrimRight(c.SiteURL, "/")
	if c.CheckoutSuccessURL == "" {
		c.CheckoutSuccessURL = siteURL + "/membership/success?session_id={CHECKOUT_SESSION_ID}"
	}
	if c.CheckoutCancelURL == "" {
		c.CheckoutCancelURL = siteURL + "/membership"
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports every missing or inconsistent setting at once
func (c *Config) Validate() error {
	var errs []error
	required := []struct {
		name  string
		value string
	}{
		{"STRIPE_SECRET_KEY", c.StripeSecretKey},
		{"STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret},
		{"EMAIL_API_KEY", c.EmailAPIKey},
		{"EMAIL_FROM", c.EmailFrom},
		{"SMTP_HOST", c.SMTPHost},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}
	if c.PriceWeekly == "" && c.PriceMonthly == "" && c.PriceYearly == "" {
		errs = append(errs, fmt.Errorf("at least one of STRIPE_PRICE_WEEKLY, STRIPE_PRICE_MONTHLY, STRIPE_PRICE_YEARLY is required"))
	}

	switch c.StorageBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the postgres backend"))
		}
	case BackendFirestore:
		if c.FirestoreProject == "" {
			errs = append(errs, fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}

	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		errs = append(errs, fmt.Errorf("SMTP_PORT out of range: %d", c.SMTPPort))
	}
	if c.RateLimitRequests <= 0 {
		errs = append(errs, fmt.Errorf("WEBHOOK_RATE_LIMIT must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Plans lists the configured catalog prices
func (c *Config) Plans() []billing.Plan {
	var plans []billing.Plan
	for _, p := range []billing.Plan{
		{Interval: billing.IntervalWeekly, PriceID: c.PriceWeekly},
		{Interval: billing.IntervalMonthly, PriceID: c.PriceMonthly},
		{Interval: billing.IntervalYearly, PriceID: c.PriceYearly},
	} {
		if p.PriceID != "" {
			plans = append(plans, p)
		}
	}
	return plans
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *reader) str(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *reader) integer(key string, dst *int) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func (r *reader) boolean(key string, dst *bool) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return
	}
	*dst = b
}

func (r *reader) duration(key string, dst *time.Duration) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return
	}
	*dst = d
}
