package domain

// SyncRequest is the client-reported unsynchronized progress. The server
// never trusts the claimed points directly; it bounds them by a ceiling
// recomputed from elapsed time and the user's own upgrade levels.
type SyncRequest struct {
	UnsynchronizedPoints float64 `json:"unsynchronized_points"`
	CurrentEnergy        int64   `json:"current_energy"`
	SyncTimestamp        int64   `json:"sync_timestamp"` // milliseconds since epoch
}

// SyncResult echoes the merged server state after a successful sync.
type SyncResult struct {
	Points        float64 `json:"points"`
	PointsBalance float64 `json:"points_balance"`
	Energy        int64   `json:"energy"`
}

// UpgradeResult reports the new level together with the track's recomputed
// benefit so the caller does not have to rerun the curve client-side.
type UpgradeResult struct {
	Track         UpgradeTrack `json:"track"`
	NewLevel      int          `json:"new_level"`
	NewPoints     float64      `json:"new_points"`
	NewBalance    float64      `json:"new_points_balance"`
	NewBenefit    int64        `json:"new_benefit"`
	UpgradeCost   int64        `json:"upgrade_cost"`
	NextLevelCost int64        `json:"next_level_cost"`
}

// RefillResult reports the state after consuming a daily energy refill.
type RefillResult struct {
	Energy            int64 `json:"energy"`
	EnergyRefillsLeft int   `json:"energy_refills_left"`
	LastEnergyRefill  int64 `json:"last_energy_refill"` // milliseconds since epoch
}
