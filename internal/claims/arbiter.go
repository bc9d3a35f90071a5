// Package claims arbitrates concurrent driver claims on orders and bundles.
// Winning is decided by the store's conditional write, never by in-process
// locking, so any number of arbiter instances can run side by side.
package claims

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/adilkhanov/ride-match/internal/domain"
	"github.com/adilkhanov/ride-match/internal/observability"
)

// OrderStore is the slice of the request store the arbiter needs: optimistic
// single-row and all-or-nothing multi-row status transitions.
type OrderStore interface {
	ConditionalUpdateStatus(ctx context.Context, id uuid.UUID, expected, next domain.OrderStatus, claimant *uuid.UUID) error
	AtomicUpdateStatusForSet(ctx context.Context, ids []uuid.UUID, expected, next domain.OrderStatus, claimant uuid.UUID) ([]uuid.UUID, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*domain.Profile, error)
}

type AuditLog interface {
	LogClaim(ctx context.Context, driverID, orderID uuid.UUID) error
	LogBundleClaim(ctx context.Context, driverID uuid.UUID, orderIDs []uuid.UUID) error
}

// ClaimLocker is an advisory fast path; a lost lock short-circuits an almost
// certainly doomed write. nil disables it.
type ClaimLocker interface {
	SetClaimLock(ctx context.Context, orderID, driverID string, ttl time.Duration) (bool, error)
	ReleaseClaimLock(ctx context.Context, orderID string) error
}

const (
	maxAttempts  = 3
	lockTTL      = time.Minute
	firstBackoff = 100 * time.Millisecond
)

type Arbiter struct {
	store    OrderStore
	profiles ProfileStore
	audit    AuditLog
	locker   ClaimLocker
	logger   observability.Logger
	timeout  time.Duration
}

func NewArbiter(store OrderStore, profiles ProfileStore, audit AuditLog, locker ClaimLocker, logger observability.Logger, timeout time.Duration) *Arbiter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Arbiter{store: store, profiles: profiles, audit: audit, locker: locker, logger: logger, timeout: timeout}
}

// ClaimOrder transitions one order from pending to matched with driverID as
// claimant. Exactly one of N concurrent callers succeeds; the rest get
// ErrConflict and cause no write.
func (a *Arbiter) ClaimOrder(ctx context.Context, driverID, orderID uuid.UUID) error {
	if err := a.authorize(ctx, driverID); err != nil {
		observability.ClaimsTotal.WithLabelValues("order", "unauthorized").Inc()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if a.locker != nil {
		ok, err := a.locker.SetClaimLock(ctx, orderID.String(), driverID.String(), lockTTL)
		if err != nil {
			a.logger.WithError(err).Warn("claim lock unavailable, falling through to store")
		} else if !ok {
			observability.ClaimsTotal.WithLabelValues("order", "conflict").Inc()
			return domain.ErrConflict
		}
	}

	err := a.withRetry(ctx, func() error {
		return a.store.ConditionalUpdateStatus(ctx, orderID, domain.StatusPending, domain.StatusMatched, &driverID)
	})
	if err != nil {
		if a.locker != nil {
			// The advisory lock must not outlive a failed attempt.
			_ = a.locker.ReleaseClaimLock(context.WithoutCancel(ctx), orderID.String())
		}
		observability.ClaimsTotal.WithLabelValues("order", resultLabel(err)).Inc()
		return err
	}

	observability.ClaimsTotal.WithLabelValues("order", "won").Inc()
	if a.audit != nil {
		if err := a.audit.LogClaim(ctx, driverID, orderID); err != nil {
			a.logger.WithError(err).Warn("claim audit write failed")
		}
	}
	return nil
}

// ClaimBundle transitions every order in orderIDs from pending to matched,
// or none of them. A member lost to another driver rejects the whole claim
// with a BundleConflictError naming the unavailable ids.
func (a *Arbiter) ClaimBundle(ctx context.Context, driverID uuid.UUID, orderIDs []uuid.UUID) error {
	if len(orderIDs) == 0 {
		return errors.Wrap(domain.ErrInvalidInput, "bundle claim needs at least one order id")
	}
	if err := a.authorize(ctx, driverID); err != nil {
		observability.ClaimsTotal.WithLabelValues("bundle", "unauthorized").Inc()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var unavailable []uuid.UUID
	err := a.withRetry(ctx, func() error {
		var err error
		unavailable, err = a.store.AtomicUpdateStatusForSet(ctx, orderIDs, domain.StatusPending, domain.StatusMatched, driverID)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) && len(unavailable) > 0 {
			observability.ClaimsTotal.WithLabelValues("bundle", "conflict").Inc()
			return &domain.BundleConflictError{Unavailable: unavailable}
		}
		observability.ClaimsTotal.WithLabelValues("bundle", resultLabel(err)).Inc()
		return err
	}

	observability.ClaimsTotal.WithLabelValues("bundle", "won").Inc()
	if a.audit != nil {
		if err := a.audit.LogBundleClaim(ctx, driverID, orderIDs); err != nil {
			a.logger.WithError(err).Warn("bundle claim audit write failed")
		}
	}
	return nil
}

func (a *Arbiter) authorize(ctx context.Context, driverID uuid.UUID) error {
	profile, err := a.profiles.GetProfile(ctx, driverID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrUnauthorized
		}
		return err
	}
	if profile.Role != domain.RoleDriver {
		return errors.Wrapf(domain.ErrUnauthorized, "role %q cannot claim orders", profile.Role)
	}
	return nil
}

// withRetry retries transient store failures a bounded number of times with
// exponential backoff. Definitive outcomes (conflict, not found, bad input)
// return immediately; an expired deadline surfaces as ErrTimeout.
func (a *Arbiter) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return errors.Wrap(domain.ErrTimeout, "claim attempt ran out of time")
		}
		if err == nil || isFinal(err) {
			return err
		}
		a.logger.WithError(err).WithField("attempt", attempt+1).Warn("transient store failure during claim")

		backoff := firstBackoff << attempt
		select {
		case <-ctx.Done():
			return errors.Wrap(domain.ErrTimeout, "claim attempt ran out of time")
		case <-time.After(backoff):
		}
	}
	if ctx.Err() != nil {
		return errors.Wrap(domain.ErrTimeout, "claim attempt ran out of time")
	}
	return err
}

func isFinal(err error) bool {
	return errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrUnauthorized) ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
