package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ice-clicker/internal/config"
	"github.com/ice-clicker/internal/domain"
	"github.com/ice-clicker/internal/game"
	"github.com/sethvargo/go-retry"
)

// Ledger is the progress store contract. Conditional methods take the
// version read with the record and fail with domain.ErrVersionConflict when
// another writer committed in between; they never partially apply.
type Ledger interface {
	GetByTelegramID(ctx context.Context, telegramID string) (*domain.UserProgress, error)
	Create(ctx context.Context, u *domain.UserProgress) (*domain.UserProgress, error)
	UpdateAccrual(ctx context.Context, telegramID string, version int64, upd domain.AccrualUpdate) (*domain.UserProgress, error)
	CommitSync(ctx context.Context, telegramID string, version int64, c domain.SyncCommit) (*domain.UserProgress, error)
	CommitUpgrade(ctx context.Context, telegramID string, version int64, c domain.UpgradeCommit) (*domain.UserProgress, error)
	CommitRefill(ctx context.Context, telegramID string, version int64, c domain.RefillCommit) (*domain.UserProgress, error)
	ListReferrals(ctx context.Context, userID uuid.UUID) ([]domain.Referral, error)
}

// EventPublisher emits progress events after successful commits.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.ProgressEvent) error
}

// GameService implements the state-reconciliation engine: every mutating
// operation re-reads the ledger, brings it up to date via the accrual
// calculator, validates the request and attempts one conditional write,
// retrying the whole read-compute-write cycle on version conflicts.
type GameService struct {
	ledger Ledger
	events EventPublisher // optional
	rules  game.Rules
	retry  config.RetryConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewGameService creates a new game service
func NewGameService(
	ledger Ledger,
	events EventPublisher,
	rules game.Rules,
	retryCfg config.RetryConfig,
	logger *slog.Logger,
) *GameService {
	return &GameService{
		ledger: ledger,
		events: events,
		rules:  rules,
		retry:  retryCfg,
		logger: logger,
		now:    time.Now,
	}
}

// Rules exposes the active economy parameters.
func (s *GameService) Rules() game.Rules {
	return s.rules
}

// withConflictRetry runs fn, retrying only on version conflicts with
// exponential backoff. Validation and business errors abort immediately;
// exhausting the attempts surfaces a transient failure. Context
// cancellation stops the loop, so an abandoned request does not keep
// retrying in the background.
func (s *GameService) withConflictRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	// Wait baseDelay*2^attempt before retry N: 200ms then 400ms at the
	// stock 100ms base, so the first wait is already one doubling in.
	backoff := retry.WithMaxRetries(uint64(s.retry.MaxAttempts-1), retry.NewExponential(2*s.retry.BaseDelay))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if errors.Is(err, domain.ErrVersionConflict) {
			s.logger.Debug("version conflict, retrying", "op", op, "attempt", attempt)
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, domain.ErrVersionConflict) {
		s.logger.Warn("retries exhausted on version conflicts", "op", op, "attempts", attempt)
		return domain.ErrConflictRetryExhausted
	}
	return err
}

// publish emits a progress event; delivery is best-effort and never fails
// the committed operation.
func (s *GameService) publish(ctx context.Context, kind domain.ProgressEventKind, u *domain.UserProgress) {
	if s.events == nil {
		return
	}
	ev := domain.ProgressEvent{
		TelegramID: u.TelegramID,
		Kind:       kind,
		Points:     u.Points,
		Timestamp:  s.now(),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish progress event", "kind", kind, "telegram_id", u.TelegramID, "error", err)
	}
}

// GetOrCreateUser returns the up-to-date progress record for the user,
// creating it lazily on first contact. On existing records it folds in
// passive mining, capped energy regeneration and the UTC-day refill reset
// before returning.
func (s *GameService) GetOrCreateUser(ctx context.Context, telegramID, referrerTelegramID string) (*domain.UserProgress, error) {
	var result *domain.UserProgress
	var created bool

	err := s.withConflictRetry(ctx, "get_or_create", func(ctx context.Context) error {
		u, err := s.ledger.GetByTelegramID(ctx, telegramID)
		if errors.Is(err, domain.ErrUserNotFound) {
			u, err = s.createUser(ctx, telegramID, referrerTelegramID)
			if err != nil {
				return err
			}
			result, created = u, true
			return nil
		}
		if err != nil {
			return err
		}

		now := s.now()
		mined := s.rules.MinedPoints(u.MineLevel, u.LastPointsUpdate, now)
		restored := s.rules.RestoredEnergy(u.MultitapLevel, u.LastEnergyUpdate, now)
		energy := u.Energy + restored
		if maxEnergy := s.rules.MaxEnergy(u.EnergyLimitLevel); energy > maxEnergy {
			energy = maxEnergy
		}

		newDay := !game.SameUTCDay(u.LastEnergyRefill, now)
		refills := u.EnergyRefillsLeft
		if newDay {
			refills = s.rules.MaxDailyRefills
		}

		updated, err := s.ledger.UpdateAccrual(ctx, telegramID, u.Version, domain.AccrualUpdate{
			MinedPoints:          game.RoundPoints(mined),
			Energy:               energy,
			EnergyRefillsLeft:    refills,
			ResetRefillTimestamp: newDay,
			Timestamp:            now,
		})
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.publish(ctx, domain.EventCreated, result)
	} else {
		s.publish(ctx, domain.EventAccrual, result)
	}
	return result, nil
}

// createUser inserts a fresh record with full energy and max refills. The
// referrer link is a one-time weak reference set at creation; an unknown
// referrer is ignored rather than rejected.
func (s *GameService) createUser(ctx context.Context, telegramID, referrerTelegramID string) (*domain.UserProgress, error) {
	now := s.now()

	var referredBy *uuid.UUID
	if referrerTelegramID != "" && referrerTelegramID != telegramID {
		referrer, err := s.ledger.GetByTelegramID(ctx, referrerTelegramID)
		switch {
		case err == nil:
			referredBy = &referrer.ID
		case errors.Is(err, domain.ErrUserNotFound):
			s.logger.Info("referrer not found, creating without link", "referrer", referrerTelegramID)
		default:
			return nil, fmt.Errorf("looking up referrer: %w", err)
		}
	}

	return s.ledger.Create(ctx, &domain.UserProgress{
		ID:                uuid.New(),
		TelegramID:        telegramID,
		Energy:            s.rules.MaxEnergy(0),
		EnergyRefillsLeft: s.rules.MaxDailyRefills,
		LastPointsUpdate:  now,
		LastEnergyUpdate:  now,
		LastEnergyRefill:  now,
		ReferredBy:        referredBy,
		CreatedAt:         now,
	})
}

// Sync validates client-reported progress against the server-computed
// ceiling and merges it into the ledger. The claimed point delta is never
// trusted directly: it is bounded by the number of clicks the regenerated
// energy could have funded, with a slack multiplier for clock skew.
func (s *GameService) Sync(ctx context.Context, telegramID string, req *domain.SyncRequest) (*domain.SyncResult, error) {
	if req.UnsynchronizedPoints < 0 || req.CurrentEnergy < 0 {
		return nil, domain.ErrInvalidRequest
	}
	syncTime := time.UnixMilli(req.SyncTimestamp)
	if syncTime.After(s.now()) {
		return nil, domain.ErrSyncTimestampFuture
	}

	var result *domain.SyncResult
	err := s.withConflictRetry(ctx, "sync", func(ctx context.Context) error {
		u, err := s.ledger.GetByTelegramID(ctx, telegramID)
		if err != nil {
			return err
		}

		if !syncTime.After(u.LastPointsUpdate) {
			return domain.ErrStaleSyncTimestamp
		}

		maxEnergy := s.rules.MaxEnergy(u.EnergyLimitLevel)
		restored := s.rules.RestoredEnergy(u.MultitapLevel, u.LastEnergyUpdate, syncTime)
		expectedEnergy := u.Energy + restored
		if expectedEnergy > maxEnergy {
			expectedEnergy = maxEnergy
		}

		// A client reporting more energy than regeneration can account
		// for is over-claiming just as surely as one reporting too many
		// points; integer division must never see a negative numerator.
		if req.CurrentEnergy > expectedEnergy {
			s.logger.Info("rejecting over-reported energy",
				"telegram_id", telegramID,
				"reported", req.CurrentEnergy,
				"expected", expectedEnergy,
			)
			return domain.ErrPointsExceedLimit
		}

		pointsPerClick := s.rules.PointsPerClick(u.MultitapLevel)
		maxClicks := (expectedEnergy - req.CurrentEnergy) / pointsPerClick
		maxPossiblePoints := float64(maxClicks*pointsPerClick) * s.rules.SyncSlack

		if req.UnsynchronizedPoints > maxPossiblePoints {
			s.logger.Info("rejecting over-claimed sync",
				"telegram_id", telegramID,
				"claimed", req.UnsynchronizedPoints,
				"max_possible", maxPossiblePoints,
			)
			return domain.ErrPointsExceedLimit
		}

		mined := s.rules.MinedPoints(u.MineLevel, u.LastPointsUpdate, syncTime)
		gained := game.RoundPoints(req.UnsynchronizedPoints + mined)

		updated, err := s.ledger.CommitSync(ctx, telegramID, u.Version, domain.SyncCommit{
			GainedPoints: gained,
			Energy:       req.CurrentEnergy,
			Timestamp:    syncTime,
		})
		if err != nil {
			return err
		}
		result = &domain.SyncResult{
			Points:        updated.Points,
			PointsBalance: updated.PointsBalance,
			Energy:        updated.Energy,
		}
		s.publish(ctx, domain.EventSync, updated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Upgrade buys the next level on the given track: passive mining since the
// last update is folded into the provisional balance, the cost is debited
// and the level bumps by exactly one, all in a single conditional write.
func (s *GameService) Upgrade(ctx context.Context, telegramID string, track domain.UpgradeTrack) (*domain.UpgradeResult, error) {
	switch track {
	case domain.TrackMultitap, domain.TrackEnergyLimit, domain.TrackMine:
	default:
		return nil, domain.ErrUnknownUpgradeTrack
	}

	var result *domain.UpgradeResult
	err := s.withConflictRetry(ctx, "upgrade_"+string(track), func(ctx context.Context) error {
		u, err := s.ledger.GetByTelegramID(ctx, telegramID)
		if err != nil {
			return err
		}

		now := s.now()
		level := u.Level(track)
		cost := s.rules.UpgradeCost(track, level)
		mined := game.RoundPoints(s.rules.MinedPoints(u.MineLevel, u.LastPointsUpdate, now))

		provisionalBalance := u.PointsBalance + mined
		if provisionalBalance < float64(cost) {
			return domain.ErrInsufficientBalance
		}

		updated, err := s.ledger.CommitUpgrade(ctx, telegramID, u.Version, domain.UpgradeCommit{
			Track:       track,
			MinedPoints: mined,
			NewBalance:  game.RoundPoints(provisionalBalance - float64(cost)),
			Timestamp:   now,
		})
		if err != nil {
			return err
		}

		newLevel := updated.Level(track)
		result = &domain.UpgradeResult{
			Track:         track,
			NewLevel:      newLevel,
			NewPoints:     updated.Points,
			NewBalance:    updated.PointsBalance,
			NewBenefit:    s.rules.Benefit(track, newLevel),
			UpgradeCost:   cost,
			NextLevelCost: s.rules.UpgradeCost(track, newLevel),
		}
		s.publish(ctx, domain.EventUpgrade, updated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RefillEnergy consumes one of the capped daily free refills. The counter
// resets on UTC-day rollover before eligibility is evaluated, but the
// cooldown is always measured against the stored refill timestamp, so a
// refill shortly before midnight still blocks one shortly after.
func (s *GameService) RefillEnergy(ctx context.Context, telegramID string) (*domain.RefillResult, error) {
	var result *domain.RefillResult
	err := s.withConflictRetry(ctx, "refill_energy", func(ctx context.Context) error {
		u, err := s.ledger.GetByTelegramID(ctx, telegramID)
		if err != nil {
			return err
		}

		now := s.now()
		refills := u.EnergyRefillsLeft
		if !game.SameUTCDay(u.LastEnergyRefill, now) {
			refills = s.rules.MaxDailyRefills
		}

		if refills <= 0 {
			return domain.ErrNoRefillsLeft
		}
		if now.Sub(u.LastEnergyRefill) < s.rules.RefillCooldown {
			return domain.ErrRefillOnCooldown
		}

		updated, err := s.ledger.CommitRefill(ctx, telegramID, u.Version, domain.RefillCommit{
			Energy:            s.rules.MaxEnergy(u.EnergyLimitLevel),
			EnergyRefillsLeft: refills - 1,
			Timestamp:         now,
		})
		if err != nil {
			return err
		}
		result = &domain.RefillResult{
			Energy:            updated.Energy,
			EnergyRefillsLeft: updated.EnergyRefillsLeft,
			LastEnergyRefill:  updated.LastEnergyRefill.UnixMilli(),
		}
		s.publish(ctx, domain.EventRefill, updated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Referrals lists the users referred by the caller together with a count.
func (s *GameService) Referrals(ctx context.Context, telegramID string) (*domain.ReferralList, error) {
	u, err := s.ledger.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}

	referrals, err := s.ledger.ListReferrals(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("listing referrals: %w", err)
	}
	if referrals == nil {
		referrals = []domain.Referral{}
	}
	return &domain.ReferralList{
		Referrals: referrals,
		Count:     len(referrals),
	}, nil
}
