package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alliedcare/membersync/pkg/billing"
)

func lookupFrom(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func validVars() map[string]string {
	return map[string]string{
		"STRIPE_SECRET_KEY":     "sk_test_123",
		"STRIPE_WEBHOOK_SECRET": "whsec_123",
		"STRIPE_PRICE_MONTHLY":  "price_monthly",
		"EMAIL_API_KEY":         "SG.key",
		"EMAIL_FROM":            "no-reply@example.com",
		"SMTP_HOST":             "smtp.sendgrid.net",
		"STORAGE_BACKEND":       "memory",
	}
}

func TestFromLookup_Defaults(t *testing.T) {
	c, err := FromLookup(lookupFrom(validVars()))
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.Addr)
	assert.Equal(t, 587, c.SMTPPort)
	assert.Equal(t, "apikey", c.SMTPUsername)
	assert.Equal(t, 5*time.Second, c.ProcessingTimeout)
	assert.Equal(t, 2*time.Second, c.StoreTimeout)
	assert.Equal(t, 10*time.Second, c.EmailTimeout)
	assert.Equal(t, 5*time.Minute, c.SignatureTolerance)
	assert.Equal(t, "http://localhost:3000/membership", c.CheckoutCancelURL)
	assert.Contains(t, c.CheckoutSuccessURL, "{CHECKOUT_SESSION_ID}")
	assert.Equal(t, []billing.Plan{{Interval: billing.IntervalMonthly, PriceID: "price_monthly"}}, c.Plans())
}

func TestFromLookup_Overrides(t *testing.T) {
	vars := validVars()
	vars["SMTP_PORT"] = "2525"
	vars["WEBHOOK_PROCESSING_TIMEOUT"] = "3s"
	vars["LOG_JSON"] = "false"
	vars["STORAGE_BACKEND"] = "Postgres"
	vars["DATABASE_URL"] = "postgres://localhost/membersync"
	vars["SITE_URL"] = "https://example.org/"

	c, err := FromLookup(lookupFrom(vars))
	require.NoError(t, err)
	assert.Equal(t, 2525, c.SMTPPort)
	assert.Equal(t, 3*time.Second, c.ProcessingTimeout)
	assert.False(t, c.LogJSON)
	assert.Equal(t, BackendPostgres, c.StorageBackend)
	assert.Equal(t, "https://example.org/membership", c.CheckoutCancelURL)
}

func TestFromLookup_MissingRequired(t *testing.T) {
	_, err := FromLookup(lookupFrom(map[string]string{"STORAGE_BACKEND": "memory"}))
	require.Error(t, err)

	for _, name := range []string{
		"STRIPE_SECRET_KEY",
		"STRIPE_WEBHOOK_SECRET",
		"EMAIL_API_KEY",
		"EMAIL_FROM",
		"SMTP_HOST",
		"STRIPE_PRICE_MONTHLY",
	} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestFromLookup_BlankCountsAsMissing(t *testing.T) {
	vars := validVars()
	vars["STRIPE_WEBHOOK_SECRET"] = "   "

	_, err := FromLookup(lookupFrom(vars))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET is required")
}

func TestFromLookup_InvalidValues(t *testing.T) {
	vars := validVars()
	vars["SMTP_PORT"] = "abc"
	vars["EVENT_CLAIM_LEASE"] = "-1s"

	_, err := FromLookup(lookupFrom(vars))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SMTP_PORT")
	assert.Contains(t, err.Error(), "EVENT_CLAIM_LEASE")
}

func TestFromLookup_BackendRequirements(t *testing.T) {
	vars := validVars()
	vars["STORAGE_BACKEND"] = "postgres"
	_, err := FromLookup(lookupFrom(vars))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")

	vars["STORAGE_BACKEND"] = "firestore"
	_, err = FromLookup(lookupFrom(vars))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FIRESTORE_PROJECT_ID")

	vars["STORAGE_BACKEND"] = "dynamo"
	_, err = FromLookup(lookupFrom(vars))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown STORAGE_BACKEND")
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	content := "STRIPE_SECRET_KEY=sk_test_file\n" +
		"STRIPE_WEBHOOK_SECRET=whsec_file\n" +
		"STRIPE_PRICE_YEARLY=price_yearly\n" +
		"EMAIL_API_KEY=key\n" +
		"EMAIL_FROM=no-reply@example.com\n" +
		"SMTP_HOST=smtp.example.com\n" +
		"STORAGE_BACKEND=memory\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	keys := []string{
		"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "STRIPE_PRICE_YEARLY",
		"EMAIL_API_KEY", "EMAIL_FROM", "SMTP_HOST", "STORAGE_BACKEND",
	}
	for _, k := range keys {
		// godotenv.Load never overrides variables already set
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk_test_file", c.StripeSecretKey)
	assert.Equal(t, "price_yearly", c.PriceYearly)

	// A missing file is skipped; the variables loaded above are still set
	c, err = Load(filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "whsec_file", c.StripeWebhookSecret)
}
