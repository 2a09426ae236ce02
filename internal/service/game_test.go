package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ice-clicker/internal/config"
	"github.com/ice-clicker/internal/domain"
	"github.com/ice-clicker/internal/game"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger is an in-memory ledger with the same version-guard semantics as
// the Postgres repository: every conditional write checks the caller's
// version and either applies atomically or fails with ErrVersionConflict.
type fakeLedger struct {
	mu    sync.Mutex
	users map[string]*domain.UserProgress

	// forcedConflicts makes the next N conditional writes fail regardless
	// of the version guard.
	forcedConflicts int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{users: make(map[string]*domain.UserProgress)}
}

func copyUser(u *domain.UserProgress) *domain.UserProgress {
	c := *u
	return &c
}

func (l *fakeLedger) guard(u *domain.UserProgress, version int64) error {
	if l.forcedConflicts > 0 {
		l.forcedConflicts--
		return domain.ErrVersionConflict
	}
	if u.Version != version {
		return domain.ErrVersionConflict
	}
	return nil
}

func (l *fakeLedger) GetByTelegramID(_ context.Context, telegramID string) (*domain.UserProgress, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[telegramID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return copyUser(u), nil
}

func (l *fakeLedger) Create(_ context.Context, u *domain.UserProgress) (*domain.UserProgress, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.users[u.TelegramID]; ok {
		return nil, domain.ErrVersionConflict
	}
	c := copyUser(u)
	c.Version = 1
	c.UpdatedAt = u.CreatedAt
	l.users[u.TelegramID] = c
	return copyUser(c), nil
}

func (l *fakeLedger) UpdateAccrual(_ context.Context, telegramID string, version int64, upd domain.AccrualUpdate) (*domain.UserProgress, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[telegramID]
	if !ok {
		return nil, domain.ErrVersionConflict
	}
	if err := l.guard(u, version); err != nil {
		return nil, err
	}
	u.Points += upd.MinedPoints
	u.PointsBalance += upd.MinedPoints
	u.Energy = upd.Energy
	u.EnergyRefillsLeft = upd.EnergyRefillsLeft
	u.LastPointsUpdate = upd.Timestamp
	u.LastEnergyUpdate = upd.Timestamp
	if upd.ResetRefillTimestamp {
		u.LastEnergyRefill = upd.Timestamp
	}
	u.Version++
	u.UpdatedAt = upd.Timestamp
	return copyUser(u), nil
}

func (l *fakeLedger) CommitSync(_ context.Context, telegramID string, version int64, c domain.SyncCommit) (*domain.UserProgress, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[telegramID]
	if !ok {
		return nil, domain.ErrVersionConflict
	}
	if err := l.guard(u, version); err != nil {
		return nil, err
	}
	u.Points += c.GainedPoints
	u.PointsBalance += c.GainedPoints
	u.Energy = c.Energy
	u.LastPointsUpdate = c.Timestamp
	u.LastEnergyUpdate = c.Timestamp
	u.Version++
	return copyUser(u), nil
}

func (l *fakeLedger) CommitUpgrade(_ context.Context, telegramID string, version int64, c domain.UpgradeCommit) (*domain.UserProgress, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[telegramID]
	if !ok {
		return nil, domain.ErrVersionConflict
	}
	if err := l.guard(u, version); err != nil {
		return nil, err
	}
	u.Points += c.MinedPoints
	u.PointsBalance = c.NewBalance
	switch c.Track {
	case domain.TrackMultitap:
		u.MultitapLevel++
	case domain.TrackEnergyLimit:
		u.EnergyLimitLevel++
	case domain.TrackMine:
		u.MineLevel++
	}
	u.LastPointsUpdate = c.Timestamp
	u.Version++
	u.UpdatedAt = c.Timestamp
	return copyUser(u), nil
}

func (l *fakeLedger) CommitRefill(_ context.Context, telegramID string, version int64, c domain.RefillCommit) (*domain.UserProgress, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[telegramID]
	if !ok {
		return nil, domain.ErrVersionConflict
	}
	if err := l.guard(u, version); err != nil {
		return nil, err
	}
	u.Energy = c.Energy
	u.EnergyRefillsLeft = c.EnergyRefillsLeft
	u.LastEnergyRefill = c.Timestamp
	u.Version++
	u.UpdatedAt = c.Timestamp
	return copyUser(u), nil
}

func (l *fakeLedger) ListReferrals(_ context.Context, userID uuid.UUID) ([]domain.Referral, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var refs []domain.Referral
	for _, u := range l.users {
		if u.ReferredBy != nil && *u.ReferredBy == userID {
			refs = append(refs, domain.Referral{TelegramID: u.TelegramID, Points: u.Points})
		}
	}
	return refs, nil
}

func (l *fakeLedger) put(u *domain.UserProgress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users[u.TelegramID] = copyUser(u)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (p *fakePublisher) Publish(_ context.Context, ev domain.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) kinds() []domain.ProgressEventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]domain.ProgressEventKind, 0, len(p.events))
	for _, ev := range p.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

var baseTime = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*GameService, *fakeLedger, *fakePublisher) {
	t.Helper()
	ledger := newFakeLedger()
	pub := &fakePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewGameService(ledger, pub, game.DefaultRules(), config.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, logger)
	svc.now = func() time.Time { return baseTime }
	return svc, ledger, pub
}

// seedUser inserts a user whose accrual timestamps all sit at the given
// instant, with full energy for level 0 unless overridden.
func seedUser(ledger *fakeLedger, telegramID string, at time.Time, mutate func(*domain.UserProgress)) *domain.UserProgress {
	u := &domain.UserProgress{
		ID:                uuid.New(),
		TelegramID:        telegramID,
		Energy:            500,
		EnergyRefillsLeft: 6,
		LastPointsUpdate:  at,
		LastEnergyUpdate:  at,
		LastEnergyRefill:  at,
		Version:           1,
		CreatedAt:         at,
	}
	if mutate != nil {
		mutate(u)
	}
	ledger.put(u)
	return u
}

func TestGetOrCreateUserCreatesDefaults(t *testing.T) {
	svc, _, pub := newTestService(t)

	u, err := svc.GetOrCreateUser(context.Background(), "111", "")
	require.NoError(t, err)

	assert.Equal(t, "111", u.TelegramID)
	assert.Zero(t, u.Points)
	assert.Zero(t, u.PointsBalance)
	assert.Equal(t, int64(500), u.Energy)
	assert.Equal(t, 6, u.EnergyRefillsLeft)
	assert.Equal(t, baseTime, u.LastPointsUpdate)
	assert.Equal(t, baseTime, u.LastEnergyRefill)
	assert.Nil(t, u.ReferredBy)
	assert.Equal(t, []domain.ProgressEventKind{domain.EventCreated}, pub.kinds())
}

func TestGetOrCreateUserLinksReferrer(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	referrer := seedUser(ledger, "999", baseTime, nil)

	u, err := svc.GetOrCreateUser(context.Background(), "111", "999")
	require.NoError(t, err)
	require.NotNil(t, u.ReferredBy)
	assert.Equal(t, referrer.ID, *u.ReferredBy)

	list, err := svc.Referrals(context.Background(), "999")
	require.NoError(t, err)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "111", list.Referrals[0].TelegramID)
}

func TestGetOrCreateUserIgnoresUnknownAndSelfReferrer(t *testing.T) {
	svc, _, _ := newTestService(t)

	u, err := svc.GetOrCreateUser(context.Background(), "111", "nosuchuser")
	require.NoError(t, err)
	assert.Nil(t, u.ReferredBy)

	u2, err := svc.GetOrCreateUser(context.Background(), "222", "222")
	require.NoError(t, err)
	assert.Nil(t, u2.ReferredBy)
}

func TestGetOrCreateUserAccruesPassiveGains(t *testing.T) {
	svc, ledger, pub := newTestService(t)
	seedUser(ledger, "111", baseTime.Add(-time.Hour), func(u *domain.UserProgress) {
		u.MineLevel = 1 // 120 points/hour
		u.Energy = 100
	})

	u, err := svc.GetOrCreateUser(context.Background(), "111", "")
	require.NoError(t, err)

	assert.InDelta(t, 120, u.Points, 1e-6)
	assert.InDelta(t, 120, u.PointsBalance, 1e-6)
	// an hour of regen at 1/sec far exceeds the cap
	assert.Equal(t, int64(500), u.Energy)
	assert.Equal(t, baseTime, u.LastPointsUpdate)
	assert.Equal(t, []domain.ProgressEventKind{domain.EventAccrual}, pub.kinds())
}

func TestGetOrCreateUserCapsRestoredEnergy(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	seedUser(ledger, "111", baseTime.Add(-30*time.Second), func(u *domain.UserProgress) {
		u.Energy = 400
	})

	u, err := svc.GetOrCreateUser(context.Background(), "111", "")
	require.NoError(t, err)
	assert.Equal(t, int64(430), u.Energy)
}

func TestGetOrCreateUserResetsRefillsOnNewUTCDay(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	yesterday := baseTime.Add(-24 * time.Hour)
	seedUser(ledger, "111", yesterday, func(u *domain.UserProgress) {
		u.EnergyRefillsLeft = 0
	})

	u, err := svc.GetOrCreateUser(context.Background(), "111", "")
	require.NoError(t, err)
	assert.Equal(t, 6, u.EnergyRefillsLeft)
	assert.Equal(t, baseTime, u.LastEnergyRefill)
}

func TestSyncRejectsBadInput(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	seedUser(ledger, "111", baseTime.Add(-time.Minute), nil)

	cases := []struct {
		name string
		req  domain.SyncRequest
		want error
	}{
		{
			name: "negative points",
			req:  domain.SyncRequest{UnsynchronizedPoints: -1, CurrentEnergy: 100, SyncTimestamp: baseTime.UnixMilli()},
			want: domain.ErrInvalidRequest,
		},
		{
			name: "negative energy",
			req:  domain.SyncRequest{UnsynchronizedPoints: 1, CurrentEnergy: -1, SyncTimestamp: baseTime.UnixMilli()},
			want: domain.ErrInvalidRequest,
		},
		{
			name: "future timestamp",
			req:  domain.SyncRequest{UnsynchronizedPoints: 1, CurrentEnergy: 100, SyncTimestamp: baseTime.Add(time.Minute).UnixMilli()},
			want: domain.ErrSyncTimestampFuture,
		},
		{
			name: "stale timestamp",
			req:  domain.SyncRequest{UnsynchronizedPoints: 1, CurrentEnergy: 100, SyncTimestamp: baseTime.Add(-2 * time.Minute).UnixMilli()},
			want: domain.ErrStaleSyncTimestamp,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Sync(context.Background(), "111", &tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSyncBoundsClaimedPoints(t *testing.T) {
	// Full energy at level 0: 50 seconds later with 450 energy reported,
	// at most 50 clicks of 1 point were possible, so the ceiling is
	// 50 * 1.2 = 60 points.
	syncAt := baseTime.Add(-10 * time.Second)
	req := func(points float64) *domain.SyncRequest {
		return &domain.SyncRequest{
			UnsynchronizedPoints: points,
			CurrentEnergy:        450,
			SyncTimestamp:        syncAt.UnixMilli(),
		}
	}

	t.Run("claim within ceiling is accepted", func(t *testing.T) {
		svc, ledger, pub := newTestService(t)
		seedUser(ledger, "111", syncAt.Add(-50*time.Second), nil)

		res, err := svc.Sync(context.Background(), "111", req(60))
		require.NoError(t, err)
		assert.InDelta(t, 60, res.Points, 1e-6)
		assert.InDelta(t, 60, res.PointsBalance, 1e-6)
		assert.Equal(t, int64(450), res.Energy)
		assert.Equal(t, []domain.ProgressEventKind{domain.EventSync}, pub.kinds())
	})

	t.Run("claim above ceiling is rejected", func(t *testing.T) {
		svc, ledger, _ := newTestService(t)
		seedUser(ledger, "111", syncAt.Add(-50*time.Second), nil)

		_, err := svc.Sync(context.Background(), "111", req(60.5))
		assert.ErrorIs(t, err, domain.ErrPointsExceedLimit)
	})

	t.Run("over-reported energy is rejected", func(t *testing.T) {
		svc, ledger, _ := newTestService(t)
		// Energy already at the cap with no regen window: reporting
		// even one unit above what the server can account for must
		// fail, and nothing may be committed.
		seedUser(ledger, "111", syncAt.Add(-time.Minute), func(u *domain.UserProgress) {
			u.MultitapLevel = 9
			u.LastEnergyUpdate = syncAt
		})

		_, err := svc.Sync(context.Background(), "111", &domain.SyncRequest{
			UnsynchronizedPoints: 0,
			CurrentEnergy:        509,
			SyncTimestamp:        syncAt.UnixMilli(),
		})
		assert.ErrorIs(t, err, domain.ErrPointsExceedLimit)

		u, err := ledger.GetByTelegramID(context.Background(), "111")
		require.NoError(t, err)
		assert.Equal(t, int64(500), u.Energy)
		rules := game.DefaultRules()
		assert.LessOrEqual(t, u.Energy, rules.MaxEnergy(u.EnergyLimitLevel))
	})

	t.Run("zero clicks admit no claim at all", func(t *testing.T) {
		svc, ledger, _ := newTestService(t)
		// No energy was spent and none regenerated, so the slack
		// multiplier has nothing to amplify.
		seedUser(ledger, "111", syncAt.Add(-time.Minute), func(u *domain.UserProgress) {
			u.Energy = 100
			u.LastEnergyUpdate = syncAt
		})

		_, err := svc.Sync(context.Background(), "111", &domain.SyncRequest{
			UnsynchronizedPoints: 0.5,
			CurrentEnergy:        100,
			SyncTimestamp:        syncAt.UnixMilli(),
		})
		assert.ErrorIs(t, err, domain.ErrPointsExceedLimit)
	})

	t.Run("exact slack boundary at higher multitap", func(t *testing.T) {
		svc, ledger, _ := newTestService(t)
		// 10 points per click, 50 energy spent: 5 clicks, ceiling 60.
		seed := func() {
			seedUser(ledger, "111", syncAt.Add(-time.Minute), func(u *domain.UserProgress) {
				u.MultitapLevel = 9
				u.LastEnergyUpdate = syncAt
			})
		}
		boundaryReq := func(points float64) *domain.SyncRequest {
			return &domain.SyncRequest{
				UnsynchronizedPoints: points,
				CurrentEnergy:        450,
				SyncTimestamp:        syncAt.UnixMilli(),
			}
		}

		seed()
		_, err := svc.Sync(context.Background(), "111", boundaryReq(60))
		require.NoError(t, err)

		seed()
		_, err = svc.Sync(context.Background(), "111", boundaryReq(61))
		assert.ErrorIs(t, err, domain.ErrPointsExceedLimit)
	})
}

func TestSyncAddsMinedPoints(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	syncAt := baseTime.Add(-time.Second)
	seedUser(ledger, "111", syncAt.Add(-time.Hour), func(u *domain.UserProgress) {
		u.MineLevel = 1 // 120 points/hour
	})

	// No clicks claimed; the hour of passive mining still lands.
	res, err := svc.Sync(context.Background(), "111", &domain.SyncRequest{
		UnsynchronizedPoints: 0,
		CurrentEnergy:        500,
		SyncTimestamp:        syncAt.UnixMilli(),
	})
	require.NoError(t, err)
	assert.InDelta(t, 120, res.Points, 1e-6)
}

func TestUpgradeUnknownTrack(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	seedUser(ledger, "111", baseTime, nil)

	_, err := svc.Upgrade(context.Background(), "111", domain.UpgradeTrack("bogus"))
	assert.ErrorIs(t, err, domain.ErrUnknownUpgradeTrack)
}

func TestUpgradeInsufficientBalance(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	seedUser(ledger, "111", baseTime, func(u *domain.UserProgress) {
		u.PointsBalance = 999
	})

	_, err := svc.Upgrade(context.Background(), "111", domain.TrackMultitap)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestUpgradeMultitap(t *testing.T) {
	svc, ledger, pub := newTestService(t)
	seedUser(ledger, "111", baseTime, func(u *domain.UserProgress) {
		u.Points = 1500
		u.PointsBalance = 1500
	})

	res, err := svc.Upgrade(context.Background(), "111", domain.TrackMultitap)
	require.NoError(t, err)

	assert.Equal(t, domain.TrackMultitap, res.Track)
	assert.Equal(t, 1, res.NewLevel)
	assert.InDelta(t, 1500, res.NewPoints, 1e-6) // lifetime points are never debited
	assert.InDelta(t, 500, res.NewBalance, 1e-6)
	assert.Equal(t, int64(2), res.NewBenefit)
	assert.Equal(t, int64(1000), res.UpgradeCost)
	assert.Equal(t, int64(2000), res.NextLevelCost)
	assert.Equal(t, []domain.ProgressEventKind{domain.EventUpgrade}, pub.kinds())
}

func TestUpgradeFoldsMinedPointsIntoBalance(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	seedUser(ledger, "111", baseTime.Add(-time.Hour), func(u *domain.UserProgress) {
		u.MineLevel = 1
		u.Points = 1400
		u.PointsBalance = 1400 // short of the 1500 cost until mining lands
	})

	res, err := svc.Upgrade(context.Background(), "111", domain.TrackMine)
	require.NoError(t, err)

	assert.Equal(t, 2, res.NewLevel)
	assert.InDelta(t, 20, res.NewBalance, 1e-6)   // 1400 + 120 mined - 1500
	assert.InDelta(t, 1520, res.NewPoints, 1e-6)  // lifetime grows by mined only
	assert.Equal(t, int64(264), res.NewBenefit)   // profit/hour at level 2
	assert.Equal(t, int64(2250), res.NextLevelCost)
}

func TestUpgradeEnergyLimitRaisesCap(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	seedUser(ledger, "111", baseTime, func(u *domain.UserProgress) {
		u.PointsBalance = 1000
	})

	res, err := svc.Upgrade(context.Background(), "111", domain.TrackEnergyLimit)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.NewBenefit)

	// The raised cap now admits more regenerated energy.
	u, err := svc.GetOrCreateUser(context.Background(), "111", "")
	require.NoError(t, err)
	assert.Equal(t, 1, u.EnergyLimitLevel)
}

func TestRefillEnergy(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc, ledger, pub := newTestService(t)
		seedUser(ledger, "111", baseTime.Add(-2*time.Hour), func(u *domain.UserProgress) {
			u.EnergyRefillsLeft = 3
			u.Energy = 50
			u.EnergyLimitLevel = 1
		})

		res, err := svc.RefillEnergy(context.Background(), "111")
		require.NoError(t, err)
		assert.Equal(t, int64(1000), res.Energy)
		assert.Equal(t, 2, res.EnergyRefillsLeft)
		assert.Equal(t, baseTime.UnixMilli(), res.LastEnergyRefill)
		assert.Equal(t, []domain.ProgressEventKind{domain.EventRefill}, pub.kinds())
	})

	t.Run("no refills left", func(t *testing.T) {
		svc, ledger, _ := newTestService(t)
		seedUser(ledger, "111", baseTime.Add(-2*time.Hour), func(u *domain.UserProgress) {
			u.EnergyRefillsLeft = 0
		})

		_, err := svc.RefillEnergy(context.Background(), "111")
		assert.ErrorIs(t, err, domain.ErrNoRefillsLeft)
	})

	t.Run("on cooldown", func(t *testing.T) {
		svc, ledger, _ := newTestService(t)
		seedUser(ledger, "111", baseTime.Add(-30*time.Minute), func(u *domain.UserProgress) {
			u.EnergyRefillsLeft = 3
		})

		_, err := svc.RefillEnergy(context.Background(), "111")
		assert.ErrorIs(t, err, domain.ErrRefillOnCooldown)
	})

	t.Run("counter resets on new UTC day", func(t *testing.T) {
		svc, ledger, _ := newTestService(t)
		seedUser(ledger, "111", baseTime.Add(-16*time.Hour), func(u *domain.UserProgress) {
			u.EnergyRefillsLeft = 0 // exhausted yesterday
		})

		res, err := svc.RefillEnergy(context.Background(), "111")
		require.NoError(t, err)
		assert.Equal(t, 5, res.EnergyRefillsLeft)
	})

	t.Run("cooldown spans midnight", func(t *testing.T) {
		svc, ledger, _ := newTestService(t)
		// Last refill 23:30 UTC; it is now 00:15 the next day. The
		// counter resets but the cooldown still applies.
		svc.now = func() time.Time {
			return time.Date(2024, 6, 16, 0, 15, 0, 0, time.UTC)
		}
		lastRefill := time.Date(2024, 6, 15, 23, 30, 0, 0, time.UTC)
		seedUser(ledger, "111", lastRefill, func(u *domain.UserProgress) {
			u.EnergyRefillsLeft = 0
		})

		_, err := svc.RefillEnergy(context.Background(), "111")
		assert.ErrorIs(t, err, domain.ErrRefillOnCooldown)
	})
}

func TestConflictRetrySucceedsAfterConflict(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	seedUser(ledger, "111", baseTime.Add(-2*time.Hour), func(u *domain.UserProgress) {
		u.EnergyRefillsLeft = 3
	})
	ledger.forcedConflicts = 1

	res, err := svc.RefillEnergy(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, 2, res.EnergyRefillsLeft)
	assert.Zero(t, ledger.forcedConflicts)
}

func TestConflictRetryExhausted(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	seedUser(ledger, "111", baseTime.Add(-2*time.Hour), func(u *domain.UserProgress) {
		u.EnergyRefillsLeft = 3
	})
	ledger.forcedConflicts = 10

	_, err := svc.RefillEnergy(context.Background(), "111")
	assert.ErrorIs(t, err, domain.ErrConflictRetryExhausted)
	// Three attempts consumed three forced conflicts, no more.
	assert.Equal(t, 7, ledger.forcedConflicts)
}

func TestConflictRetryBackoffDoubles(t *testing.T) {
	ledger := newFakeLedger()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewGameService(ledger, nil, game.DefaultRules(), config.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
	}, logger)
	svc.now = func() time.Time { return baseTime }
	seedUser(ledger, "111", baseTime.Add(-2*time.Hour), func(u *domain.UserProgress) {
		u.EnergyRefillsLeft = 3
	})
	ledger.forcedConflicts = 10

	// Waits are base*2 then base*4: 20ms + 40ms before giving up.
	start := time.Now()
	_, err := svc.RefillEnergy(context.Background(), "111")
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, domain.ErrConflictRetryExhausted)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestConcurrentUpgradesSpendBalanceOnce(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	seedUser(ledger, "111", baseTime, func(u *domain.UserProgress) {
		u.PointsBalance = 1000 // exactly one level-0 multitap upgrade
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Upgrade(context.Background(), "111", domain.TrackMultitap)
		}(i)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case err == domain.ErrInsufficientBalance:
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)

	u, err := ledger.GetByTelegramID(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, 1, u.MultitapLevel)
	assert.GreaterOrEqual(t, u.PointsBalance, 0.0)
}

func TestSyncEndToEndFreshUser(t *testing.T) {
	svc, _, _ := newTestService(t)

	created, err := svc.GetOrCreateUser(context.Background(), "111", "")
	require.NoError(t, err)
	require.Zero(t, created.Points)

	// Mine upgrade is unaffordable on a fresh account.
	_, err = svc.Upgrade(context.Background(), "111", domain.TrackMine)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// The client drains the full energy bar twice, syncing each time. Each
	// window allows at most 500 clicks of 1 point plus slack, so 500 is
	// always within the ceiling.
	balance := 0.0
	for i := 1; i <= 2; i++ {
		syncAt := baseTime.Add(time.Duration(i) * 500 * time.Second)
		svc.now = func() time.Time { return syncAt }
		res, err := svc.Sync(context.Background(), "111", &domain.SyncRequest{
			UnsynchronizedPoints: 500,
			CurrentEnergy:        0,
			SyncTimestamp:        syncAt.UnixMilli(),
		})
		require.NoError(t, err)
		balance = res.PointsBalance
	}
	assert.InDelta(t, 1000, balance, 1e-6)

	// Now the upgrade goes through and passive mining starts.
	up, err := svc.Upgrade(context.Background(), "111", domain.TrackMine)
	require.NoError(t, err)
	assert.Equal(t, 1, up.NewLevel)
	assert.Equal(t, int64(120), up.NewBenefit)
	assert.InDelta(t, 0, up.NewBalance, 1e-6)
}
