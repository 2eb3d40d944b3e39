// Package stripe implements billing.Provider on top of Stripe Checkout and
// Stripe webhooks.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/alliedcare/membersync/pkg/billing"
	"github.com/alliedcare/membersync/pkg/internal"
	"github.com/alliedcare/membersync/pkg/membership"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultProcessingTimeout = 5 * time.Second
	maxWebhookBodyBytes      = 256 * 1024

	metadataUserID         = "user_id"
	metadataMembershipType = "membershipType"
	metadataPlanInterval   = "plan_interval"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Reconciler, Users, Plans, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// SignatureTolerance is the accepted age of a webhook signature.
	// Default: 5 minutes.
	SignatureTolerance time.Duration

	// SuccessURL and CancelURL are where Stripe Checkout sends the browser back
	SuccessURL string
	CancelURL  string

	// ProcessingTimeout bounds reconciliation of one webhook. Default: 5 seconds.
	ProcessingTimeout time.Duration

	// Rate limiting of the webhook endpoint per client IP.
	// Defaults: 100 requests per minute.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	reconciler        *billing.Reconciler
	users             membership.UserStore
	plans             *billing.Catalog
	verifier          *Verifier
	rateLimiter       *internal.RateLimiter
	stripeClient      *stripe.Client
	successURL        string
	cancelURL         string
	processingTimeout time.Duration
	metrics           billing.Metrics
	logger            membership.Logger

	// Stripe API seams, replaced in tests
	createSession     func(context.Context, *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	listSubscriptions func(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	searchCustomer    func(ctx context.Context, userID string) (string, error)
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Reconciler == nil || config.Users == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: stripe API key is required", billing.ErrProviderNotConfigured)
	}

	verifier, err := NewVerifier(config.StripeWebhookSecret, config.SignatureTolerance)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderNotConfigured, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}
	stripeClient := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackends(httpClient)))

	requests := config.RateLimitRequests
	if requests <= 0 {
		requests = defaultRateLimitRequests
	}
	window := config.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	processingTimeout := config.ProcessingTimeout
	if processingTimeout <= 0 {
		processingTimeout = defaultProcessingTimeout
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &membership.NoopLogger{}
	}

	p := &Provider{
		reconciler:        config.Reconciler,
		users:             config.Users,
		plans:             config.Plans,
		verifier:          verifier,
		rateLimiter:       internal.NewRateLimiter(requests, window),
		stripeClient:      stripeClient,
		successURL:        config.SuccessURL,
		cancelURL:         config.CancelURL,
		processingTimeout: processingTimeout,
		metrics:           metrics,
		logger:            logger,
	}
	p.createSession = stripeClient.V1CheckoutSessions.Create
	p.listSubscriptions = p.listSubscriptionsFromAPI
	p.searchCustomer = p.searchCustomerByMetadata
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	// Wrap with rate limiting
	return p.rateLimiter.Middleware(handler)
}

// SyncUser re-reads the user's subscription from Stripe and reconciles it
func (p *Provider) SyncUser(ctx context.Context, userID string) (*billing.Result, error) {
	return p.syncUserFromAPI(ctx, userID)
}

// Plans returns the checkout catalog
func (p *Provider) Plans() *billing.Catalog {
	return p.plans
}
