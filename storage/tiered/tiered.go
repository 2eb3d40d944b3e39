// Package tiered puts a fast ledger (Hot: Redis, memory) in front of a
// durable store (Cold: PostgreSQL, Firestore). Users live only in Cold; the
// event ledger and notification log use a different strategy per operation.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alliedcare/membersync/pkg/membership"
)

// HotStore is the subset of membership.Storage a hot tier provides
type HotStore interface {
	membership.EventLedger
	membership.NotificationLog
}

// Config configures the tiered storage behavior
type Config struct {
	// Hot answers duplicate and in-flight claims without a Cold round trip
	Hot HotStore

	// Cold is the source of truth for users, ledger and notifications
	Cold membership.Storage

	// AsyncHotSync makes Hot follow-up writes non-blocking. If false,
	// they run inline (slower but Hot converges immediately).
	AsyncHotSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write fails. Hot failures
	// never fail the operation since Cold already succeeded.
	AsyncErrorHandler func(error)
}

// Storage implements membership.Storage over a Hot and a Cold tier.
//   - Cold-Only: users.
//   - Hot-Gate: event claims (Hot rejects duplicates, Cold decides the rest).
//   - Write-Through: completing and failing events, notifications (Cold → Hot).
//   - Read-Through: event and notification reads (Hot → Cold).
type Storage struct {
	hot  HotStore
	cold membership.Storage
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotSync {
		s.startWorker()
	}

	return s, nil
}

// Close drains the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotSync {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially to keep per-event ordering.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportError(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job()
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// syncHot runs a follow-up write on the Hot tier, inline or through the
// async queue. The request context's cancellation does not reach it.
func (s *Storage) syncHot(ctx context.Context, write func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	if !s.conf.AsyncHotSync {
		if err := write(ctx); err != nil {
			s.reportError(fmt.Errorf("tiered storage: hot write failed: %w", err))
		}
		return
	}

	select {
	case s.syncQueue <- func() error { return write(ctx) }:
	default:
		s.reportError(errors.New("tiered storage: sync queue full, dropping hot write"))
	}
}

// --- Strategy: Cold-Only ---

// GetUser implements membership.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (*membership.User, error) {
	return s.cold.GetUser(ctx, userID)
}

// FindUserByEmail implements membership.UserStore
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*membership.User, error) {
	return s.cold.FindUserByEmail(ctx, email)
}

// FindUserByCustomerID implements membership.UserStore
func (s *Storage) FindUserByCustomerID(ctx context.Context, customerID string) (*membership.User, error) {
	return s.cold.FindUserByCustomerID(ctx, customerID)
}

// FindUserBySubscriptionID implements membership.UserStore
func (s *Storage) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (*membership.User, error) {
	return s.cold.FindUserBySubscriptionID(ctx, subscriptionID)
}

// ApplySubscriptionUpdate implements membership.UserStore
func (s *Storage) ApplySubscriptionUpdate(ctx context.Context, upd *membership.SubscriptionUpdate) (bool, error) {
	return s.cold.ApplySubscriptionUpdate(ctx, upd)
}

// --- Strategy: Hot-Gate ---

// BeginEvent implements membership.EventLedger. A Hot duplicate or in-flight
// answer is final; a Hot claim is confirmed against Cold, and Hot is brought
// in line when Cold disagrees. An unavailable Hot tier falls back to Cold.
func (s *Storage) BeginEvent(
	ctx context.Context, rec *membership.EventRecord, lease time.Duration,
) (membership.ClaimResult, error) {
	hotRes, hotErr := s.hot.BeginEvent(ctx, rec, lease)
	if hotErr != nil {
		s.reportError(fmt.Errorf("tiered storage: hot claim failed: %w", hotErr))
	} else if hotRes != membership.ClaimAcquired {
		return hotRes, nil
	}

	coldRes, err := s.cold.BeginEvent(ctx, rec, lease)
	if err != nil {
		if hotErr == nil {
			s.syncHot(ctx, func(ctx context.Context) error {
				return s.hot.FailEvent(ctx, rec.ID, "cold claim failed")
			})
		}
		return coldRes, err
	}
	if hotErr != nil {
		return coldRes, nil
	}

	switch coldRes {
	case membership.ClaimDuplicate:
		s.syncHot(ctx, func(ctx context.Context) error {
			outcome := membership.OutcomeDuplicate
			if coldRec, err := s.cold.GetEvent(ctx, rec.ID); err == nil && coldRec.Outcome != "" {
				outcome = coldRec.Outcome
			}
			return s.hot.CompleteEvent(ctx, rec.ID, outcome)
		})
	case membership.ClaimInFlight:
		s.syncHot(ctx, func(ctx context.Context) error {
			return s.hot.FailEvent(ctx, rec.ID, "claimed through another tier")
		})
	}
	return coldRes, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---

// CompleteEvent implements membership.EventLedger
func (s *Storage) CompleteEvent(ctx context.Context, eventID string, outcome membership.EventOutcome) error {
	if err := s.cold.CompleteEvent(ctx, eventID, outcome); err != nil {
		return err
	}
	s.syncHot(ctx, func(ctx context.Context) error {
		return ignoreNotFound(s.hot.CompleteEvent(ctx, eventID, outcome))
	})
	return nil
}

// FailEvent implements membership.EventLedger
func (s *Storage) FailEvent(ctx context.Context, eventID string, cause string) error {
	if err := s.cold.FailEvent(ctx, eventID, cause); err != nil {
		return err
	}
	s.syncHot(ctx, func(ctx context.Context) error {
		return ignoreNotFound(s.hot.FailEvent(ctx, eventID, cause))
	})
	return nil
}

// ReserveNotification implements membership.NotificationLog. Cold decides;
// Hot gets a copy for fast reads.
func (s *Storage) ReserveNotification(ctx context.Context, n *membership.Notification) (bool, error) {
	reserved, err := s.cold.ReserveNotification(ctx, n)
	if err != nil || !reserved {
		return reserved, err
	}
	nCopy := *n
	s.syncHot(ctx, func(ctx context.Context) error {
		_, err := s.hot.ReserveNotification(ctx, &nCopy)
		return err
	})
	return true, nil
}

// FinishNotification implements membership.NotificationLog
func (s *Storage) FinishNotification(ctx context.Context, dedupeKey string, status membership.NotificationStatus,
	providerMessageID, errMsg string) error {
	if err := s.cold.FinishNotification(ctx, dedupeKey, status, providerMessageID, errMsg); err != nil {
		return err
	}
	s.syncHot(ctx, func(ctx context.Context) error {
		return ignoreNotFound(s.hot.FinishNotification(ctx, dedupeKey, status, providerMessageID, errMsg))
	})
	return nil
}

// --- Strategy: Read-Through (Hot → Cold) ---

// GetEvent implements membership.EventLedger
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*membership.EventRecord, error) {
	rec, err := s.hot.GetEvent(ctx, eventID)
	if err == nil && rec != nil {
		return rec, nil
	}
	return s.cold.GetEvent(ctx, eventID)
}

// GetNotification implements membership.NotificationLog
func (s *Storage) GetNotification(ctx context.Context, dedupeKey string) (*membership.Notification, error) {
	n, err := s.hot.GetNotification(ctx, dedupeKey)
	if err == nil && n != nil {
		return n, nil
	}
	return s.cold.GetNotification(ctx, dedupeKey)
}

// A Hot tier that lost or never saw a record is not an error.
func ignoreNotFound(err error) error {
	if errors.Is(err, membership.ErrEventNotFound) || errors.Is(err, membership.ErrNotificationNotFound) {
		return nil
	}
	return err
}
