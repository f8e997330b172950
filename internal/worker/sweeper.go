package worker

import (
	"context"
	"fmt"
	"time"

	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

const sweepLockKey = "reservation-sweeper"

// ReservationSweeper releases expired reservations
type ReservationSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Locker is a distributed lock such as the Redis client
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, name, token string) error
}

// ExpirationSweeper returns expired reservations to stock. With a locker, only one
// instance sweeps per interval.
type ExpirationSweeper struct {
	inventory ReservationSweeper
	locker    Locker
	lockTTL   time.Duration
	logger    *zap.Logger
}

// NewExpirationSweeper creates a sweeper. locker may be nil.
func NewExpirationSweeper(inventory ReservationSweeper, locker Locker, lockTTL time.Duration) *ExpirationSweeper {
	return &ExpirationSweeper{
		inventory: inventory,
		locker:    locker,
		lockTTL:   lockTTL,
		logger:    util.GetLogger(),
	}
}

// Loop wraps the sweeper in a background loop
func (s *ExpirationSweeper) Loop(interval, errorBackoff time.Duration) *Loop {
	return NewLoop("expiration-sweeper", interval, errorBackoff, s.Sweep)
}

// Sweep runs one pass
func (s *ExpirationSweeper) Sweep(ctx context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.AcquireLock(ctx, sweepLockKey, s.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !ok {
			s.logger.Debug("Another instance holds the sweep lock")
			return nil
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.Background(), sweepLockKey, token); err != nil {
				s.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	released, err := s.inventory.SweepExpired(ctx)
	if err != nil {
		return err
	}
	if released > 0 {
		s.logger.Info("Released expired reservations", zap.Int("count", released))
	}
	return nil
}
