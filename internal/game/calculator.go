// Package game implements the passive-accrual and upgrade-curve math.
// Everything here is pure and safe for concurrent use; state lives in the
// ledger, never in this package.
package game

import (
	"math"
	"time"
)

// UpgradeCost is floor(basePrice * coefficient^level).
func UpgradeCost(level int, basePrice, coefficient float64) int64 {
	return int64(math.Floor(basePrice * math.Pow(coefficient, float64(level))))
}

// UpgradeBenefit is the running sum of the floored geometric sequence
// floor(baseBenefit * coefficient^i) for i in [0, level]. The curve is
// cumulative: each level adds one more term on top of the previous total.
func UpgradeBenefit(level int, baseBenefit, coefficient float64) int64 {
	var benefit int64
	for i := 0; i <= level; i++ {
		benefit += int64(math.Floor(baseBenefit * math.Pow(coefficient, float64(i))))
	}
	return benefit
}

// PointsPerClick is the tap yield at the given multitap level.
func (r *Rules) PointsPerClick(multitapLevel int) int64 {
	return UpgradeBenefit(multitapLevel, r.Multitap.BaseBenefit, r.Multitap.BenefitCoefficient)
}

// MaxEnergy is the energy cap at the given energy-limit level.
func (r *Rules) MaxEnergy(energyLimitLevel int) int64 {
	return UpgradeBenefit(energyLimitLevel, r.EnergyLimit.BaseBenefit, r.EnergyLimit.BenefitCoefficient)
}

// ProfitPerHour is the passive mining rate at the given mine level. The
// level-0 term is subtracted so a fresh user mines nothing.
func (r *Rules) ProfitPerHour(mineLevel int) int64 {
	benefit := UpgradeBenefit(mineLevel, r.Mine.BaseBenefit, r.Mine.BenefitCoefficient) - int64(r.Mine.BaseBenefit)
	if benefit < 0 {
		return 0
	}
	return benefit
}

// MinedPoints is the continuous passive yield over [from, to]. Fractional
// results are intentional; rounding happens once, at the commit boundary,
// via RoundPoints.
func (r *Rules) MinedPoints(mineLevel int, from, to time.Time) float64 {
	if !to.After(from) {
		return 0
	}
	profitPerHour := float64(r.ProfitPerHour(mineLevel))
	return profitPerHour / float64(time.Hour.Milliseconds()) * float64(to.Sub(from).Milliseconds())
}

// RestoredEnergy regenerates one unit of tap yield per whole elapsed
// second; the regen rate is deliberately coupled to the multitap track.
func (r *Rules) RestoredEnergy(multitapLevel int, from, to time.Time) int64 {
	if !to.After(from) {
		return 0
	}
	elapsedSeconds := int64(to.Sub(from) / time.Second)
	return r.PointsPerClick(multitapLevel) * elapsedSeconds
}

// RoundPoints rounds a point amount to six decimal places. Every value
// committed to the ledger passes through here so repeated fractional
// accrual cannot drift.
func RoundPoints(p float64) float64 {
	return math.Round(p*1e6) / 1e6
}

// SameUTCDay reports whether both instants fall on the same UTC calendar
// date. The daily refill counter resets on rollover.
func SameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
