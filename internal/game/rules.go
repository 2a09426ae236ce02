package game

import (
	"time"

	"github.com/ice-clicker/internal/domain"
)

// TrackRules holds the cost/benefit curve parameters for one upgrade track.
type TrackRules struct {
	BasePrice          float64 `yaml:"base_price"`
	CostCoefficient    float64 `yaml:"cost_coefficient"`
	BaseBenefit        float64 `yaml:"base_benefit"`
	BenefitCoefficient float64 `yaml:"benefit_coefficient"`
}

// Rules is the full game-economy configuration. All cost/benefit
// coefficients are per-track; nothing is hardcoded at call sites.
type Rules struct {
	Multitap    TrackRules `yaml:"multitap"`
	EnergyLimit TrackRules `yaml:"energy_limit"`
	Mine        TrackRules `yaml:"mine"`

	MaxDailyRefills int           `yaml:"max_daily_refills"`
	RefillCooldown  time.Duration `yaml:"refill_cooldown"`

	// SyncSlack is the multiplier applied to the server-computed click
	// ceiling to absorb client/server clock and state skew.
	SyncSlack float64 `yaml:"sync_slack"`
}

// DefaultRules returns the stock economy.
func DefaultRules() Rules {
	var r Rules
	r.ApplyDefaults()
	return r
}

// ApplyDefaults fills in zero-valued fields.
func (r *Rules) ApplyDefaults() {
	if r.Multitap.BasePrice == 0 {
		r.Multitap = TrackRules{BasePrice: 1000, CostCoefficient: 2, BaseBenefit: 1, BenefitCoefficient: 1}
	}
	if r.EnergyLimit.BasePrice == 0 {
		r.EnergyLimit = TrackRules{BasePrice: 1000, CostCoefficient: 2, BaseBenefit: 500, BenefitCoefficient: 1}
	}
	if r.Mine.BasePrice == 0 {
		r.Mine = TrackRules{BasePrice: 1000, CostCoefficient: 1.5, BaseBenefit: 100, BenefitCoefficient: 1.2}
	}
	if r.MaxDailyRefills == 0 {
		r.MaxDailyRefills = 6
	}
	if r.RefillCooldown == 0 {
		r.RefillCooldown = time.Hour
	}
	if r.SyncSlack == 0 {
		r.SyncSlack = 1.2
	}
}

// Track returns the curve parameters for the given upgrade track.
func (r *Rules) Track(t domain.UpgradeTrack) TrackRules {
	switch t {
	case domain.TrackMultitap:
		return r.Multitap
	case domain.TrackEnergyLimit:
		return r.EnergyLimit
	default:
		return r.Mine
	}
}

// UpgradeCost returns the price of buying the next level on a track, given
// the current level.
func (r *Rules) UpgradeCost(t domain.UpgradeTrack, level int) int64 {
	tr := r.Track(t)
	return UpgradeCost(level, tr.BasePrice, tr.CostCoefficient)
}

// Benefit returns the track's headline value at the given level:
// points per click, max energy or profit per hour.
func (r *Rules) Benefit(t domain.UpgradeTrack, level int) int64 {
	switch t {
	case domain.TrackMultitap:
		return r.PointsPerClick(level)
	case domain.TrackEnergyLimit:
		return r.MaxEnergy(level)
	default:
		return r.ProfitPerHour(level)
	}
}
