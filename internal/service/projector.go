package service

import (
	"context"
	"log/slog"

	"github.com/ice-clicker/internal/domain"
	"github.com/ice-clicker/internal/redis"
	"github.com/ice-clicker/internal/websocket"
)

// LeaderboardProjector applies committed progress events to the Redis
// leaderboard and pushes the refreshed top list to WebSocket subscribers.
// It sits behind the Kafka consumer, off the request path.
type LeaderboardProjector struct {
	board    *redis.Leaderboard
	hub      *websocket.Hub // optional
	topLimit int
	logger   *slog.Logger
}

// NewLeaderboardProjector creates a new projector.
func NewLeaderboardProjector(board *redis.Leaderboard, hub *websocket.Hub, topLimit int, logger *slog.Logger) *LeaderboardProjector {
	if topLimit <= 0 {
		topLimit = 10
	}
	return &LeaderboardProjector{
		board:    board,
		hub:      hub,
		topLimit: topLimit,
		logger:   logger,
	}
}

// HandleProgressEvents projects a batch of events onto the leaderboard.
// Events carry resulting lifetime points, so applying the last one per user
// is enough.
func (p *LeaderboardProjector) HandleProgressEvents(ctx context.Context, events []domain.ProgressEvent) error {
	if len(events) == 0 {
		return nil
	}

	latest := make(map[string]float64, len(events))
	for _, ev := range events {
		latest[ev.TelegramID] = ev.Points
	}

	if err := p.board.BatchSetPoints(ctx, latest); err != nil {
		return err
	}

	if p.hub == nil {
		return nil
	}

	top, err := p.board.Top(ctx, p.topLimit)
	if err != nil {
		p.logger.Warn("failed to read top list for broadcast", "error", err)
		return nil
	}
	count, err := p.board.Count(ctx)
	if err != nil {
		p.logger.Warn("failed to read leaderboard count for broadcast", "error", err)
		return nil
	}
	p.hub.BroadcastLeaderboard(top, count)
	return nil
}
