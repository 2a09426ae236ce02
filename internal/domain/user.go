package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserProgress is the per-user server-of-record state for the clicker game.
// Version is a dedicated optimistic-lock counter: every committed mutation
// increments it, and every conditional write is guarded by the value that was
// read. The business timestamps below mark the point up to which passive
// accrual has been folded in; they are data, never lock tokens.
type UserProgress struct {
	ID                uuid.UUID  `json:"id"`
	TelegramID        string     `json:"telegram_id"`
	Points            float64    `json:"points"`
	PointsBalance     float64    `json:"points_balance"`
	Energy            int64      `json:"energy"`
	MultitapLevel     int        `json:"multitap_level"`
	EnergyLimitLevel  int        `json:"energy_limit_level"`
	MineLevel         int        `json:"mine_level"`
	EnergyRefillsLeft int        `json:"energy_refills_left"`
	LastPointsUpdate  time.Time  `json:"last_points_update"`
	LastEnergyUpdate  time.Time  `json:"last_energy_update"`
	LastEnergyRefill  time.Time  `json:"last_energy_refill"`
	ReferredBy        *uuid.UUID `json:"referred_by,omitempty"`
	Version           int64      `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// UpgradeTrack identifies one of the three independent upgrade progressions.
type UpgradeTrack string

const (
	TrackMultitap    UpgradeTrack = "multitap"
	TrackEnergyLimit UpgradeTrack = "energy_limit"
	TrackMine        UpgradeTrack = "mine"
)

// ParseTrack maps a URL path segment to an upgrade track.
func ParseTrack(s string) (UpgradeTrack, error) {
	switch s {
	case "multitap":
		return TrackMultitap, nil
	case "energy-limit", "energy_limit":
		return TrackEnergyLimit, nil
	case "mine":
		return TrackMine, nil
	default:
		return "", ErrUnknownUpgradeTrack
	}
}

// Level returns the user's current level on the given track.
func (u *UserProgress) Level(track UpgradeTrack) int {
	switch track {
	case TrackMultitap:
		return u.MultitapLevel
	case TrackEnergyLimit:
		return u.EnergyLimitLevel
	default:
		return u.MineLevel
	}
}

// Referral is a single referred user as seen by the referrer.
type Referral struct {
	TelegramID string  `json:"telegram_id"`
	Points     float64 `json:"points"`
}

// ReferralList is the response payload for the referral listing.
type ReferralList struct {
	Referrals []Referral `json:"referrals"`
	Count     int        `json:"referral_count"`
}

// LeaderboardEntry is a single row of the global points leaderboard.
type LeaderboardEntry struct {
	Rank       int64   `json:"rank"`
	TelegramID string  `json:"telegram_id"`
	Points     float64 `json:"points"`
}
