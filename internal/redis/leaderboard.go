package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ice-clicker/internal/config"
	"github.com/ice-clicker/internal/domain"
	"github.com/redis/go-redis/v9"
)

// pointsKey is the single global sorted set ranking users by lifetime points.
const pointsKey = "clicker:leaderboard:points"

// Leaderboard provides Redis-based points ranking. It is a projection of
// the Postgres ledger, fed by the event consumer and rebuilt by the worker;
// the ledger stays the source of truth.
type Leaderboard struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLeaderboard creates a new Redis leaderboard
func NewLeaderboard(cfg *config.RedisConfig, logger *slog.Logger) (*Leaderboard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Leaderboard{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (l *Leaderboard) Close() error {
	return l.client.Close()
}

// Client returns the underlying Redis client
func (l *Leaderboard) Client() *redis.Client {
	return l.client
}

// Top returns the highest-ranked users (descending by points)
func (l *Leaderboard) Top(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	results, err := l.client.ZRevRangeWithScores(ctx, pointsKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, len(results))
	for i, result := range results {
		entries[i] = domain.LeaderboardEntry{
			Rank:       int64(i + 1),
			TelegramID: result.Member.(string),
			Points:     result.Score,
		}
	}
	return entries, nil
}

// PlayerRank returns a user's rank and points
func (l *Leaderboard) PlayerRank(ctx context.Context, telegramID string) (*domain.LeaderboardEntry, error) {
	pipe := l.client.Pipeline()
	rankCmd := pipe.ZRevRank(ctx, pointsKey, telegramID)
	scoreCmd := pipe.ZScore(ctx, pointsKey, telegramID)
	_, err := pipe.Exec(ctx)

	if err != nil {
		if err == redis.Nil {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting player rank: %w", err)
	}

	rank, err := rankCmd.Result()
	if err != nil {
		if err == redis.Nil {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting rank result: %w", err)
	}

	score, err := scoreCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("getting score result: %w", err)
	}

	return &domain.LeaderboardEntry{
		Rank:       rank + 1, // Convert 0-indexed to 1-indexed
		TelegramID: telegramID,
		Points:     score,
	}, nil
}

// Count returns the number of ranked users
func (l *Leaderboard) Count(ctx context.Context) (int64, error) {
	count, err := l.client.ZCard(ctx, pointsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}

// BatchSetPoints sets multiple users' points using pipelining
func (l *Leaderboard) BatchSetPoints(ctx context.Context, points map[string]float64) error {
	if len(points) == 0 {
		return nil
	}

	pipe := l.client.Pipeline()
	for telegramID, p := range points {
		pipe.ZAdd(ctx, pointsKey, redis.Z{Score: p, Member: telegramID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch setting points: %w", err)
	}
	return nil
}
