// Package worker contains background jobs that keep derived state aligned
// with the Postgres source of truth.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ice-clicker/internal/config"
	"github.com/ice-clicker/internal/postgres"
	"github.com/ice-clicker/internal/redis"
)

// RebuildWorker periodically rewrites the Redis leaderboard from Postgres.
// The event pipeline keeps the board fresh; the rebuild repairs drift after
// Redis restarts or missed events.
type RebuildWorker struct {
	repo   *postgres.Repository
	board  *redis.Leaderboard
	cfg    *config.WorkerConfig
	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.Mutex
	running bool
}

// NewRebuildWorker creates a new rebuild worker
func NewRebuildWorker(repo *postgres.Repository, board *redis.Leaderboard, cfg *config.WorkerConfig, logger *slog.Logger) *RebuildWorker {
	return &RebuildWorker{
		repo:   repo,
		board:  board,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the periodic rebuild loop
func (w *RebuildWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
	w.logger.Info("rebuild worker started", "interval", w.cfg.Interval)
}

// Stop halts the worker and waits for the current pass to finish
func (w *RebuildWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	w.logger.Info("rebuild worker stopped")
}

func (w *RebuildWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.RebuildOnce(ctx); err != nil {
				w.logger.Error("leaderboard rebuild failed", "error", err)
			}
		}
	}
}

// RebuildOnce loads every user's lifetime points from Postgres and writes
// them to the leaderboard in batches.
func (w *RebuildWorker) RebuildOnce(ctx context.Context) error {
	start := time.Now()

	points, err := w.repo.AllPoints(ctx)
	if err != nil {
		return err
	}

	batch := make(map[string]float64, w.cfg.BatchSize)
	for telegramID, pts := range points {
		batch[telegramID] = pts
		if len(batch) >= w.cfg.BatchSize {
			if err := w.board.BatchSetPoints(ctx, batch); err != nil {
				return err
			}
			batch = make(map[string]float64, w.cfg.BatchSize)
		}
	}
	if len(batch) > 0 {
		if err := w.board.BatchSetPoints(ctx, batch); err != nil {
			return err
		}
	}

	w.logger.Info("leaderboard rebuilt",
		"users", len(points),
		"duration", time.Since(start))
	return nil
}
