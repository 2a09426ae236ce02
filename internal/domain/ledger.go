package domain

import "time"

// The commit structs below describe the conditional mutations the ledger
// supports. Each one is applied as a single atomic statement guarded by the
// version counter the caller read; a guard miss yields ErrVersionConflict
// and no partial state.

// AccrualUpdate folds passive accrual into a record on the fetch path:
// mined points are credited to both points and balance, energy is set to the
// capped regenerated value, and the daily refill counter is replaced
// (optionally together with its timestamp on a UTC-day rollover).
type AccrualUpdate struct {
	MinedPoints          float64
	Energy               int64
	EnergyRefillsLeft    int
	ResetRefillTimestamp bool
	Timestamp            time.Time
}

// SyncCommit merges validated client progress: gained points (claimed clicks
// plus passive mining) are credited, energy is overwritten with the
// bounds-checked client value, and both accrual timestamps advance to the
// sync instant.
type SyncCommit struct {
	GainedPoints float64
	Energy       int64
	Timestamp    time.Time
}

// UpgradeCommit debits the upgrade cost and bumps the track level by exactly
// one. NewBalance is the post-debit balance computed from the provisional
// balance (stored balance plus mined points); mined points are still
// credited to lifetime points.
type UpgradeCommit struct {
	Track       UpgradeTrack
	MinedPoints float64
	NewBalance  float64
	Timestamp   time.Time
}

// RefillCommit consumes one daily refill and restores energy to the cap.
// EnergyRefillsLeft is the post-consumption counter, already accounting for
// a UTC-day rollover reset.
type RefillCommit struct {
	Energy            int64
	EnergyRefillsLeft int
	Timestamp         time.Time
}
