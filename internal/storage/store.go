package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"liqguard/internal/config"
	"liqguard/internal/models"
)

var (
	// ErrNotFound indicates the referenced row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrNotConfigured indicates the storage handle was not initialised.
	ErrNotConfigured = errors.New("storage: not configured")
	// ErrWalletTaken indicates an active wallet already belongs to another user.
	ErrWalletTaken = errors.New("storage: wallet monitored by another user")
)

// UserStore persists notification recipients.
type UserStore interface {
	UpsertUser(ctx context.Context, chatID int64, username string) (models.User, error)
	GetUser(ctx context.Context, id int64) (models.User, error)
	GetUserByChatID(ctx context.Context, chatID int64) (models.User, error)
}

// WalletStore persists monitored wallets. Removal only deactivates.
type WalletStore interface {
	SaveWallet(ctx context.Context, userID int64, address string) (models.Wallet, error)
	GetWalletByAddress(ctx context.Context, address string) (models.Wallet, error)
	ListActiveWallets(ctx context.Context) ([]models.Wallet, error)
	ListUserWallets(ctx context.Context, userID int64, activeOnly bool) ([]models.Wallet, error)
	DeactivateWallet(ctx context.Context, userID int64, address string) error
	UpdateThresholds(ctx context.Context, walletID int64, th models.Thresholds) error
}

// SnapshotStore keeps the latest position and balance state with overwrite semantics.
type SnapshotStore interface {
	UpsertPosition(ctx context.Context, pos models.PositionSnapshot) error
	ListPositions(ctx context.Context, walletID int64) ([]models.PositionSnapshot, error)
	PrunePositions(ctx context.Context, walletID int64, keep []string) (int64, error)
	UpsertBalance(ctx context.Context, acct models.AccountSnapshot) error
	GetBalance(ctx context.Context, walletID int64) (models.AccountSnapshot, error)
}

// AlertStore is the append-only alert log.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert models.AlertRecord) (models.AlertRecord, error)
	MarkAlertSent(ctx context.Context, id int64) error
	ListRecentAlerts(ctx context.Context, walletID int64, window time.Duration) ([]models.AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes single-instance lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates every persistence concern.
type Store interface {
	UserStore
	WalletStore
	SnapshotStore
	AlertStore
	AdvisoryLocker
	Migrate(ctx context.Context) error
	Close()
}

// Open builds the configured backend and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (Store, error) {
	var (
		store Store
		err   error
	)
	switch strings.ToLower(cfg.Driver) {
	case "postgres":
		var pool *pgxpool.Pool
		pool, err = NewPool(ctx, cfg)
		if err == nil {
			store = NewPGStore(pool)
		}
	case "sqlite":
		store, err = OpenSQLite(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.Driver, err)
	}
	return store, nil
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// NormalizeAddress lowercases and trims a wallet address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
