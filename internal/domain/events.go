package domain

import "time"

// ProgressEventKind classifies a committed ledger mutation.
type ProgressEventKind string

const (
	EventCreated ProgressEventKind = "created"
	EventAccrual ProgressEventKind = "accrual"
	EventSync    ProgressEventKind = "sync"
	EventUpgrade ProgressEventKind = "upgrade"
	EventRefill  ProgressEventKind = "refill"
)

// ProgressEvent is published to the event stream after every successful
// commit. Consumers project it onto the points leaderboard; it is not an
// audit trail and carries only the resulting lifetime points.
type ProgressEvent struct {
	TelegramID string            `json:"telegram_id"`
	Kind       ProgressEventKind `json:"kind"`
	Points     float64           `json:"points"`
	Timestamp  time.Time         `json:"timestamp"`
}
