package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"liqguard/internal/models"
)

// SQLiteStore implements Store on an embedded SQLite file through gorm.
type SQLiteStore struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// OpenSQLite opens (or creates) the database at path. Use ":memory:" for tests.
func OpenSQLite(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database.path is required for sqlite")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// 单连接：避免 :memory: 多连接各自一份库，也避免 SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)

	return &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}, nil
}

// Migrate creates the tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(&userRow{}, &walletRow{}, &positionRow{}, &balanceRow{}, &alertRow{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("关闭 sqlite 失败")
	}
}

// TryAdvisoryLock always succeeds; a sqlite file is single-process already.
func (s *SQLiteStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if _, err := s.conn(ctx); err != nil {
		return nil, false, err
	}
	return func() {}, true, nil
}

func (s *SQLiteStore) conn(ctx context.Context) (*gorm.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db.WithContext(ctx), nil
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, chatID int64, username string) (models.User, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return models.User{}, err
	}
	var row userRow
	err = db.Transaction(func(tx *gorm.DB) error {
		findErr := tx.Where("chat_id = ?", chatID).Take(&row).Error
		switch {
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			row = userRow{ChatID: chatID, Username: username}
			return tx.Create(&row).Error
		case findErr != nil:
			return findErr
		}
		if username != "" && username != row.Username {
			row.Username = username
			return tx.Model(&row).Update("username", username).Error
		}
		return nil
	})
	if err != nil {
		return models.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return row.model(), nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (models.User, error) {
	return s.getUser(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetUserByChatID(ctx context.Context, chatID int64) (models.User, error) {
	return s.getUser(ctx, "chat_id = ?", chatID)
}

func (s *SQLiteStore) getUser(ctx context.Context, where string, arg int64) (models.User, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return models.User{}, err
	}
	var row userRow
	if err := db.Where(where, arg).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("get user: %w", err)
	}
	return row.model(), nil
}

// SaveWallet inserts or reactivates a wallet. An active wallet held by another
// user is left untouched and ErrWalletTaken is returned.
func (s *SQLiteStore) SaveWallet(ctx context.Context, userID int64, address string) (models.Wallet, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return models.Wallet{}, err
	}
	addr := NormalizeAddress(address)
	var row walletRow
	err = db.Transaction(func(tx *gorm.DB) error {
		findErr := tx.Where("address = ?", addr).Take(&row).Error
		switch {
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			row = walletRow{UserID: userID, Address: addr, Active: true}
			return tx.Create(&row).Error
		case findErr != nil:
			return findErr
		}
		if row.UserID != userID && row.Active {
			return ErrWalletTaken
		}
		row.UserID = userID
		row.Active = true
		return tx.Model(&walletRow{}).Where("id = ?", row.ID).
			Updates(map[string]any{"user_id": userID, "active": true}).Error
	})
	if err != nil {
		if errors.Is(err, ErrWalletTaken) {
			return models.Wallet{}, err
		}
		return models.Wallet{}, fmt.Errorf("save wallet: %w", err)
	}
	return row.model()
}

func (s *SQLiteStore) GetWalletByAddress(ctx context.Context, address string) (models.Wallet, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return models.Wallet{}, err
	}
	var row walletRow
	if err := db.Where("address = ?", NormalizeAddress(address)).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Wallet{}, ErrNotFound
		}
		return models.Wallet{}, fmt.Errorf("get wallet: %w", err)
	}
	return row.model()
}

func (s *SQLiteStore) ListActiveWallets(ctx context.Context) ([]models.Wallet, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []walletRow
	if err := db.Where("active = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list active wallets: %w", err)
	}
	return walletModels(rows)
}

func (s *SQLiteStore) ListUserWallets(ctx context.Context, userID int64, activeOnly bool) ([]models.Wallet, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Where("user_id = ?", userID)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var rows []walletRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list user wallets: %w", err)
	}
	return walletModels(rows)
}

func (s *SQLiteStore) DeactivateWallet(ctx context.Context, userID int64, address string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&walletRow{}).
		Where("user_id = ? AND address = ?", userID, NormalizeAddress(address)).
		Update("active", false)
	if res.Error != nil {
		return fmt.Errorf("deactivate wallet: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateThresholds(ctx context.Context, walletID int64, th models.Thresholds) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	w, c, u := thresholdsArgs(&th)
	res := db.Model(&walletRow{}).Where("id = ?", walletID).Updates(map[string]any{
		"threshold_warning":  w,
		"threshold_critical": c,
		"threshold_urgent":   u,
	})
	if res.Error != nil {
		return fmt.Errorf("update thresholds: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpsertPosition(ctx context.Context, pos models.PositionSnapshot) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	row := newPositionRow(pos)
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_id"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"size", "side", "entry_price", "mark_price", "liquidation_price", "margin_ratio", "unrealized_pnl", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPositions(ctx context.Context, walletID int64) ([]models.PositionSnapshot, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []positionRow
	if err := db.Where("wallet_id = ?", walletID).Order("symbol").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	positions := make([]models.PositionSnapshot, 0, len(rows))
	for _, row := range rows {
		pos, convErr := row.model()
		if convErr != nil {
			return nil, convErr
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (s *SQLiteStore) PrunePositions(ctx context.Context, walletID int64, keep []string) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	q := db.Where("wallet_id = ?", walletID)
	if len(keep) > 0 {
		q = q.Where("symbol NOT IN ?", keep)
	}
	res := q.Delete(&positionRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune positions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *SQLiteStore) UpsertBalance(ctx context.Context, acct models.AccountSnapshot) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	row := newBalanceRow(acct)
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"total_margin", "used_margin", "available_margin", "unrealized_pnl", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBalance(ctx context.Context, walletID int64) (models.AccountSnapshot, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return models.AccountSnapshot{}, err
	}
	var row balanceRow
	if err := db.Where("wallet_id = ?", walletID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.AccountSnapshot{}, ErrNotFound
		}
		return models.AccountSnapshot{}, fmt.Errorf("get balance: %w", err)
	}
	return row.model()
}

func (s *SQLiteStore) CreateAlert(ctx context.Context, alert models.AlertRecord) (models.AlertRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return models.AlertRecord{}, err
	}
	row := newAlertRow(alert)
	if err := db.Create(&row).Error; err != nil {
		return models.AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	alert.ID = row.ID
	alert.CreatedAt = row.CreatedAt
	return alert, nil
}

func (s *SQLiteStore) MarkAlertSent(ctx context.Context, id int64) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&alertRow{}).Where("id = ?", id).Update("sent", true)
	if res.Error != nil {
		return fmt.Errorf("mark alert sent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListRecentAlerts(ctx context.Context, walletID int64, window time.Duration) ([]models.AlertRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	since := time.Now().UTC().Add(-window)
	var rows []alertRow
	if err := db.Where("wallet_id = ? AND created_at >= ?", walletID, since).
		Order("created_at DESC").Order("id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	alerts := make([]models.AlertRecord, 0, len(rows))
	for _, row := range rows {
		rec, convErr := row.model()
		if convErr != nil {
			return nil, convErr
		}
		alerts = append(alerts, rec)
	}
	return alerts, nil
}

func (s *SQLiteStore) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res := db.Where("created_at < ?", olderThan.UTC()).Delete(&alertRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete alerts before: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func walletModels(rows []walletRow) ([]models.Wallet, error) {
	wallets := make([]models.Wallet, 0, len(rows))
	for _, row := range rows {
		w, err := row.model()
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, nil
}

var _ Store = (*SQLiteStore)(nil)
