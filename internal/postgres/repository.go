package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/ice-clicker/internal/config"
	"github.com/ice-clicker/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the PostgreSQL progress ledger. All mutations are single
// conditional UPDATE statements guarded by the row's version counter, so a
// guard miss means another writer committed first and nothing was applied.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			telegram_id VARCHAR(64) NOT NULL UNIQUE,
			points DOUBLE PRECISION NOT NULL DEFAULT 0,
			points_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			energy BIGINT NOT NULL DEFAULT 0,
			multitap_level INT NOT NULL DEFAULT 0,
			energy_limit_level INT NOT NULL DEFAULT 0,
			mine_level INT NOT NULL DEFAULT 0,
			energy_refills_left INT NOT NULL DEFAULT 0,
			last_points_update TIMESTAMPTZ NOT NULL,
			last_energy_update TIMESTAMPTZ NOT NULL,
			last_energy_refills TIMESTAMPTZ NOT NULL,
			referred_by UUID REFERENCES users(id),
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_referred_by ON users(referred_by)`,
		`CREATE INDEX IF NOT EXISTS idx_users_points ON users(points DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

const userColumns = `id, telegram_id, points, points_balance, energy,
	multitap_level, energy_limit_level, mine_level, energy_refills_left,
	last_points_update, last_energy_update, last_energy_refills,
	referred_by, version, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.UserProgress, error) {
	var u domain.UserProgress
	err := row.Scan(
		&u.ID,
		&u.TelegramID,
		&u.Points,
		&u.PointsBalance,
		&u.Energy,
		&u.MultitapLevel,
		&u.EnergyLimitLevel,
		&u.MineLevel,
		&u.EnergyRefillsLeft,
		&u.LastPointsUpdate,
		&u.LastEnergyUpdate,
		&u.LastEnergyRefill,
		&u.ReferredBy,
		&u.Version,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByTelegramID loads a progress record by its external identifier.
func (r *Repository) GetByTelegramID(ctx context.Context, telegramID string) (*domain.UserProgress, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE telegram_id = $1`
	u, err := scanUser(r.pool.QueryRow(ctx, query, telegramID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return u, nil
}

// Create inserts a fresh progress record. A duplicate telegram id is
// reported as a version conflict so the caller's retry loop reloads the
// record the concurrent creator won with.
func (r *Repository) Create(ctx context.Context, u *domain.UserProgress) (*domain.UserProgress, error) {
	query := `
		INSERT INTO users (
			id, telegram_id, points, points_balance, energy,
			multitap_level, energy_limit_level, mine_level, energy_refills_left,
			last_points_update, last_energy_update, last_energy_refills,
			referred_by, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14, $14)
		RETURNING ` + userColumns
	created, err := scanUser(r.pool.QueryRow(ctx, query,
		u.ID,
		u.TelegramID,
		u.Points,
		u.PointsBalance,
		u.Energy,
		u.MultitapLevel,
		u.EnergyLimitLevel,
		u.MineLevel,
		u.EnergyRefillsLeft,
		u.LastPointsUpdate,
		u.LastEnergyUpdate,
		u.LastEnergyRefill,
		u.ReferredBy,
		u.CreatedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrVersionConflict
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return created, nil
}

// UpdateAccrual folds passive accrual into the record on the fetch path.
func (r *Repository) UpdateAccrual(ctx context.Context, telegramID string, version int64, upd domain.AccrualUpdate) (*domain.UserProgress, error) {
	query := `
		UPDATE users SET
			points = points + $3,
			points_balance = points_balance + $3,
			energy = $4,
			energy_refills_left = $5,
			last_points_update = $6,
			last_energy_update = $6,
			last_energy_refills = CASE WHEN $7 THEN $6 ELSE last_energy_refills END,
			version = version + 1,
			updated_at = $6
		WHERE telegram_id = $1 AND version = $2
		RETURNING ` + userColumns
	u, err := scanUser(r.pool.QueryRow(ctx, query,
		telegramID, version,
		upd.MinedPoints, upd.Energy, upd.EnergyRefillsLeft,
		upd.Timestamp, upd.ResetRefillTimestamp,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrVersionConflict
		}
		return nil, fmt.Errorf("updating accrual: %w", err)
	}
	return u, nil
}

// CommitSync merges validated client progress into the record.
func (r *Repository) CommitSync(ctx context.Context, telegramID string, version int64, c domain.SyncCommit) (*domain.UserProgress, error) {
	query := `
		UPDATE users SET
			points = points + $3,
			points_balance = points_balance + $3,
			energy = $4,
			last_points_update = $5,
			last_energy_update = $5,
			version = version + 1,
			updated_at = NOW()
		WHERE telegram_id = $1 AND version = $2
		RETURNING ` + userColumns
	u, err := scanUser(r.pool.QueryRow(ctx, query,
		telegramID, version, c.GainedPoints, c.Energy, c.Timestamp,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrVersionConflict
		}
		return nil, fmt.Errorf("committing sync: %w", err)
	}
	return u, nil
}

// CommitUpgrade debits the cost and bumps the track level by one.
func (r *Repository) CommitUpgrade(ctx context.Context, telegramID string, version int64, c domain.UpgradeCommit) (*domain.UserProgress, error) {
	var levelColumn string
	switch c.Track {
	case domain.TrackMultitap:
		levelColumn = "multitap_level"
	case domain.TrackEnergyLimit:
		levelColumn = "energy_limit_level"
	case domain.TrackMine:
		levelColumn = "mine_level"
	default:
		return nil, domain.ErrUnknownUpgradeTrack
	}

	query := fmt.Sprintf(`
		UPDATE users SET
			points = points + $3,
			points_balance = $4,
			%s = %s + 1,
			last_points_update = $5,
			version = version + 1,
			updated_at = $5
		WHERE telegram_id = $1 AND version = $2
		RETURNING `+userColumns, levelColumn, levelColumn)
	u, err := scanUser(r.pool.QueryRow(ctx, query,
		telegramID, version, c.MinedPoints, c.NewBalance, c.Timestamp,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrVersionConflict
		}
		return nil, fmt.Errorf("committing upgrade: %w", err)
	}
	return u, nil
}

// CommitRefill consumes a daily refill and restores energy to the cap.
func (r *Repository) CommitRefill(ctx context.Context, telegramID string, version int64, c domain.RefillCommit) (*domain.UserProgress, error) {
	query := `
		UPDATE users SET
			energy = $3,
			energy_refills_left = $4,
			last_energy_refills = $5,
			version = version + 1,
			updated_at = $5
		WHERE telegram_id = $1 AND version = $2
		RETURNING ` + userColumns
	u, err := scanUser(r.pool.QueryRow(ctx, query,
		telegramID, version, c.Energy, c.EnergyRefillsLeft, c.Timestamp,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrVersionConflict
		}
		return nil, fmt.Errorf("committing refill: %w", err)
	}
	return u, nil
}

// ListReferrals returns the users referred by the given record, best first.
func (r *Repository) ListReferrals(ctx context.Context, userID uuid.UUID) ([]domain.Referral, error) {
	query := `SELECT telegram_id, points FROM users WHERE referred_by = $1 ORDER BY points DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing referrals: %w", err)
	}
	defer rows.Close()

	var referrals []domain.Referral
	for rows.Next() {
		var ref domain.Referral
		if err := rows.Scan(&ref.TelegramID, &ref.Points); err != nil {
			return nil, fmt.Errorf("scanning referral: %w", err)
		}
		referrals = append(referrals, ref)
	}
	return referrals, nil
}

// AllPoints returns every user's lifetime points, for leaderboard rebuilds.
func (r *Repository) AllPoints(ctx context.Context) (map[string]float64, error) {
	rows, err := r.pool.Query(ctx, `SELECT telegram_id, points FROM users`)
	if err != nil {
		return nil, fmt.Errorf("getting all points: %w", err)
	}
	defer rows.Close()

	points := make(map[string]float64)
	for rows.Next() {
		var telegramID string
		var p float64
		if err := rows.Scan(&telegramID, &p); err != nil {
			return nil, fmt.Errorf("scanning points: %w", err)
		}
		points[telegramID] = p
	}
	return points, nil
}
