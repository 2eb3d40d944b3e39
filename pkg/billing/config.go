package billing

import (
	"net/http"

	"github.com/alliedcare/membersync/pkg/membership"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Reconciler applies translated provider events to the user store (required)
	Reconciler *Reconciler

	// Users is the user table, used to resolve checkout callers and resync
	// targets (required)
	Users membership.UserStore

	// Plans is the catalog offered at checkout
	Plans *Catalog

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is optional; defaults to membership.NoopLogger
	Logger membership.Logger
}
