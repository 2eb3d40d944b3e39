package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/alliedcare/membersync/pkg/membership"
)

const defaultSendTimeout = 10 * time.Second

// Config configures an Emitter.
type Config struct {
	// Log reserves dedupe keys and records delivery results (required)
	Log membership.NotificationLog

	// Sender talks to the email provider (required)
	Sender Sender

	// SiteName and SiteURL are rendered into every template
	SiteName string
	SiteURL  string

	// Timeout bounds one delivery, rendering and provider call included.
	// Default: 10 seconds.
	Timeout time.Duration

	// Breaker guards the provider. Default: opens after 5 consecutive
	// failures for 30 seconds.
	Breaker CircuitBreaker

	Logger  membership.Logger
	Metrics Metrics
}

// Emitter delivers notifications in the background. Notify never blocks the
// caller and never reports provider failures back to it.
type Emitter struct {
	log      membership.NotificationLog
	sender   Sender
	siteName string
	siteURL  string
	timeout  time.Duration
	breaker  CircuitBreaker
	logger   membership.Logger
	metrics  Metrics

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// New creates an Emitter
func New(config Config) (*Emitter, error) {
	if config.Log == nil {
		return nil, fmt.Errorf("invalid config: notification log is required")
	}
	if config.Sender == nil {
		return nil, fmt.Errorf("invalid config: sender is required")
	}

	e := &Emitter{
		log:      config.Log,
		sender:   config.Sender,
		siteName: config.SiteName,
		siteURL:  strings.TrimRight(config.SiteURL, "/"),
		timeout:  config.Timeout,
		breaker:  config.Breaker,
		logger:   config.Logger,
		metrics:  config.Metrics,
	}
	if e.siteName == "" {
		e.siteName = "Membership"
	}
	if e.timeout <= 0 {
		e.timeout = defaultSendTimeout
	}
	if e.logger == nil {
		e.logger = &membership.NoopLogger{}
	}
	if e.metrics == nil {
		e.metrics = &NoopMetrics{}
	}
	if e.breaker == nil {
		metrics := e.metrics
		e.breaker = NewDefaultCircuitBreaker(5, 30*time.Second, func(state CircuitBreakerState) {
			metrics.RecordCircuitState(string(state))
		})
	}
	return e, nil
}

// Notify schedules a delivery and returns immediately. The delivery outlives
// ctx's cancellation but keeps its values.
func (e *Emitter) Notify(ctx context.Context, req membership.NotificationRequest) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Warn("notification dropped, emitter closed",
			membership.F("kind", string(req.Kind)),
			membership.F("dedupe_key", req.DedupeKey),
		)
		e.metrics.RecordNotification(string(req.Kind), "skipped")
		return
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.inflight.Done()
		// Errors are logged and recorded inside deliver.
		_ = e.deliver(context.WithoutCancel(ctx), req)
	}()
}

// Deliver renders and sends one notification synchronously.
func (e *Emitter) Deliver(ctx context.Context, req membership.NotificationRequest) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrEmitterClosed
	}
	return e.deliver(ctx, req)
}

// Close stops accepting notifications and waits for in-flight deliveries
// until ctx is done.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for notifications: %w", ctx.Err())
	}
}

func (e *Emitter) deliver(ctx context.Context, req membership.NotificationRequest) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	kind := string(req.Kind)
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		e.metrics.RecordNotification(kind, "skipped")
		return ErrNoRecipient
	}
	dedupeKey := req.DedupeKey
	if dedupeKey == "" {
		dedupeKey = kind + ":" + recipient
	}

	subject, text, html, err := render(req, e.siteName, e.siteURL)
	if err != nil {
		e.logger.Error("failed to render notification",
			membership.F("kind", kind),
			membership.F("dedupe_key", dedupeKey),
			membership.F("error", err),
		)
		e.metrics.RecordNotification(kind, "error")
		return err
	}

	n := &membership.Notification{
		ID:        ulid.Make().String(),
		DedupeKey: dedupeKey,
		Kind:      req.Kind,
		Recipient: recipient,
		Subject:   subject,
		Body:      html,
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	}

	reserved, err := e.log.ReserveNotification(ctx, n)
	if err != nil {
		e.logger.Error("failed to reserve notification",
			membership.F("kind", kind),
			membership.F("dedupe_key", dedupeKey),
			membership.F("error", err),
		)
		e.metrics.RecordNotification(kind, "error")
		return fmt.Errorf("failed to reserve notification: %w", err)
	}
	if !reserved {
		e.logger.Debug("notification already sent",
			membership.F("kind", kind),
			membership.F("dedupe_key", dedupeKey),
		)
		e.metrics.RecordNotification(kind, "duplicate")
		return nil
	}

	msg := &Message{ID: n.ID, To: recipient, Subject: subject, TextBody: text, HTMLBody: html}

	var providerID string
	start := time.Now()
	sendErr := e.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		providerID, err = e.sender.Send(ctx, msg)
		return err
	})
	e.metrics.RecordNotificationDuration(kind, time.Since(start))

	status := membership.NotificationSent
	errMsg := ""
	if sendErr != nil {
		status = membership.NotificationError
		errMsg = sendErr.Error()
	}

	// The send already happened; record it even if the delivery deadline passed.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer finishCancel()
	if err := e.log.FinishNotification(finishCtx, dedupeKey, status, providerID, errMsg); err != nil {
		e.logger.Warn("failed to record notification result",
			membership.F("dedupe_key", dedupeKey),
			membership.F("error", err),
		)
	}

	e.metrics.RecordNotification(kind, string(status))
	if sendErr != nil {
		e.logger.Error("failed to send notification",
			membership.F("kind", kind),
			membership.F("dedupe_key", dedupeKey),
			membership.F("recipient", recipient),
			membership.F("error", sendErr),
		)
		return fmt.Errorf("failed to send %s notification: %w", kind, sendErr)
	}

	e.logger.Info("notification sent",
		membership.F("kind", kind),
		membership.F("dedupe_key", dedupeKey),
		membership.F("provider_message_id", providerID),
	)
	return nil
}
