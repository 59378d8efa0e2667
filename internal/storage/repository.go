package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liqguard/internal/models"
)

const (
	upsertUserSQL = `INSERT INTO users (chat_id, username)
    VALUES ($1, $2)
    ON CONFLICT (chat_id) DO UPDATE
    SET username = CASE WHEN EXCLUDED.username = '' THEN users.username ELSE EXCLUDED.username END
    RETURNING id, chat_id, username, created_at;`

	getUserSQL       = `SELECT id, chat_id, username, created_at FROM users WHERE id = $1;`
	getUserByChatSQL = `SELECT id, chat_id, username, created_at FROM users WHERE chat_id = $1;`

	walletColumns = `id, user_id, address, active, threshold_warning, threshold_critical, threshold_urgent, created_at`

	// A conflicting row is only taken over when it already belongs to the caller
	// or is inactive; otherwise no row is returned.
	saveWalletSQL = `INSERT INTO wallets (user_id, address, active)
    VALUES ($1, $2, TRUE)
    ON CONFLICT (address) DO UPDATE
    SET user_id = EXCLUDED.user_id, active = TRUE
    WHERE wallets.user_id = EXCLUDED.user_id OR wallets.active = FALSE
    RETURNING ` + walletColumns + `;`

	getWalletByAddressSQL = `SELECT ` + walletColumns + ` FROM wallets WHERE address = $1;`
	listActiveWalletsSQL  = `SELECT ` + walletColumns + ` FROM wallets WHERE active = TRUE ORDER BY id;`
	listUserWalletsSQL    = `SELECT ` + walletColumns + ` FROM wallets
    WHERE user_id = $1 AND ($2 = FALSE OR active = TRUE)
    ORDER BY id;`

	deactivateWalletSQL = `UPDATE wallets SET active = FALSE WHERE user_id = $1 AND address = $2;`

	updateThresholdsSQL = `UPDATE wallets
    SET threshold_warning = $2, threshold_critical = $3, threshold_urgent = $4
    WHERE id = $1;`

	upsertPositionSQL = `INSERT INTO positions (
        wallet_id,
        symbol,
        size,
        side,
        entry_price,
        mark_price,
        liquidation_price,
        margin_ratio,
        unrealized_pnl,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (wallet_id, symbol) DO UPDATE
    SET
        size              = EXCLUDED.size,
        side              = EXCLUDED.side,
        entry_price       = EXCLUDED.entry_price,
        mark_price        = EXCLUDED.mark_price,
        liquidation_price = EXCLUDED.liquidation_price,
        margin_ratio      = EXCLUDED.margin_ratio,
        unrealized_pnl    = EXCLUDED.unrealized_pnl,
        updated_at        = EXCLUDED.updated_at;`

	listPositionsSQL = `SELECT
        wallet_id,
        symbol,
        size,
        side,
        entry_price,
        mark_price,
        liquidation_price,
        margin_ratio,
        unrealized_pnl,
        updated_at
    FROM positions
    WHERE wallet_id = $1
    ORDER BY symbol;`

	prunePositionsSQL = `DELETE FROM positions WHERE wallet_id = $1 AND NOT (symbol = ANY($2));`

	upsertBalanceSQL = `INSERT INTO account_balances (
        wallet_id,
        total_margin,
        used_margin,
        available_margin,
        unrealized_pnl,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (wallet_id) DO UPDATE
    SET
        total_margin     = EXCLUDED.total_margin,
        used_margin      = EXCLUDED.used_margin,
        available_margin = EXCLUDED.available_margin,
        unrealized_pnl   = EXCLUDED.unrealized_pnl,
        updated_at       = EXCLUDED.updated_at;`

	getBalanceSQL = `SELECT wallet_id, total_margin, used_margin, available_margin, unrealized_pnl, updated_at
    FROM account_balances WHERE wallet_id = $1;`

	insertAlertSQL = `INSERT INTO alerts (
        wallet_id,
        category,
        message,
        severity,
        symbol,
        margin_ratio,
        liquidation_price,
        sent
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id, created_at;`

	markAlertSentSQL = `UPDATE alerts SET sent = TRUE WHERE id = $1;`

	listRecentAlertsSQL = `SELECT
        id,
        wallet_id,
        category,
        message,
        severity,
        symbol,
        margin_ratio,
        liquidation_price,
        sent,
        created_at
    FROM alerts
    WHERE wallet_id = $1
      AND created_at >= $2
    ORDER BY created_at DESC;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wires a pgx pool into a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PGStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate applies the idempotent schema.
func (s *PGStore) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PGStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *PGStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertUser creates the user for chatID or refreshes its username.
func (s *PGStore) UpsertUser(ctx context.Context, chatID int64, username string) (models.User, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.User{}, err
	}
	var u models.User
	if err := pool.QueryRow(ctx, upsertUserSQL, chatID, username).Scan(&u.ID, &u.ChatID, &u.Username, &u.CreatedAt); err != nil {
		return models.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

// GetUser loads a user by id.
func (s *PGStore) GetUser(ctx context.Context, id int64) (models.User, error) {
	return s.getUser(ctx, getUserSQL, id)
}

// GetUserByChatID loads a user by notification recipient.
func (s *PGStore) GetUserByChatID(ctx context.Context, chatID int64) (models.User, error) {
	return s.getUser(ctx, getUserByChatSQL, chatID)
}

func (s *PGStore) getUser(ctx context.Context, query string, arg int64) (models.User, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.User{}, err
	}
	var u models.User
	if err := pool.QueryRow(ctx, query, arg).Scan(&u.ID, &u.ChatID, &u.Username, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// SaveWallet inserts or reactivates a wallet for userID.
func (s *PGStore) SaveWallet(ctx context.Context, userID int64, address string) (models.Wallet, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.Wallet{}, err
	}
	w, err := scanWallet(pool.QueryRow(ctx, saveWalletSQL, userID, NormalizeAddress(address)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Wallet{}, ErrWalletTaken
		}
		return models.Wallet{}, fmt.Errorf("save wallet: %w", err)
	}
	return w, nil
}

// GetWalletByAddress loads a wallet regardless of its active flag.
func (s *PGStore) GetWalletByAddress(ctx context.Context, address string) (models.Wallet, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.Wallet{}, err
	}
	w, err := scanWallet(pool.QueryRow(ctx, getWalletByAddressSQL, NormalizeAddress(address)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Wallet{}, ErrNotFound
		}
		return models.Wallet{}, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// ListActiveWallets lists every monitored wallet.
func (s *PGStore) ListActiveWallets(ctx context.Context) ([]models.Wallet, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listActiveWalletsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active wallets: %w", queryErr)
	}
	return collectWallets(rows)
}

// ListUserWallets lists wallets owned by userID.
func (s *PGStore) ListUserWallets(ctx context.Context, userID int64, activeOnly bool) ([]models.Wallet, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listUserWalletsSQL, userID, activeOnly)
	if queryErr != nil {
		return nil, fmt.Errorf("list user wallets: %w", queryErr)
	}
	return collectWallets(rows)
}

// DeactivateWallet flags a wallet inactive.
func (s *PGStore) DeactivateWallet(ctx context.Context, userID int64, address string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, deactivateWalletSQL, userID, NormalizeAddress(address))
	if execErr != nil {
		return fmt.Errorf("deactivate wallet: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateThresholds stores per-wallet thresholds.
func (s *PGStore) UpdateThresholds(ctx context.Context, walletID int64, th models.Thresholds) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	w, c, u := thresholdsArgs(&th)
	tag, execErr := pool.Exec(ctx, updateThresholdsSQL, walletID, w, c, u)
	if execErr != nil {
		return fmt.Errorf("update thresholds: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertPosition replaces the snapshot for (wallet, symbol).
func (s *PGStore) UpsertPosition(ctx context.Context, pos models.PositionSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	updated := pos.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, execErr := pool.Exec(ctx, upsertPositionSQL,
		pos.WalletID,
		pos.Symbol,
		pos.Size.String(),
		string(pos.Side),
		pos.EntryPrice.String(),
		nullDecimalArg(pos.MarkPrice),
		nullDecimalArg(pos.LiquidationPrice),
		nullDecimalArg(pos.MarginRatio),
		nullDecimalArg(pos.UnrealizedPnL),
		updated,
	)
	if execErr != nil {
		return fmt.Errorf("upsert position: %w", execErr)
	}
	return nil
}

// ListPositions lists the current snapshots of a wallet.
func (s *PGStore) ListPositions(ctx context.Context, walletID int64) ([]models.PositionSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPositionsSQL, walletID)
	if queryErr != nil {
		return nil, fmt.Errorf("list positions: %w", queryErr)
	}
	defer rows.Close()

	positions := make([]models.PositionSnapshot, 0)
	for rows.Next() {
		pos, scanErr := scanPosition(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		positions = append(positions, pos)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return positions, nil
}

// PrunePositions deletes snapshots whose symbol is not in keep.
func (s *PGStore) PrunePositions(ctx context.Context, walletID int64, keep []string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if keep == nil {
		keep = []string{}
	}
	tag, execErr := pool.Exec(ctx, prunePositionsSQL, walletID, keep)
	if execErr != nil {
		return 0, fmt.Errorf("prune positions: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// UpsertBalance replaces the account snapshot of a wallet.
func (s *PGStore) UpsertBalance(ctx context.Context, acct models.AccountSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	updated := acct.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, execErr := pool.Exec(ctx, upsertBalanceSQL,
		acct.WalletID,
		acct.TotalMargin.String(),
		acct.UsedMargin.String(),
		acct.AvailableMargin.String(),
		acct.UnrealizedPnL.String(),
		updated,
	)
	if execErr != nil {
		return fmt.Errorf("upsert balance: %w", execErr)
	}
	return nil
}

// GetBalance loads the account snapshot of a wallet.
func (s *PGStore) GetBalance(ctx context.Context, walletID int64) (models.AccountSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.AccountSnapshot{}, err
	}

	var acct models.AccountSnapshot
	var totalStr, usedStr, availStr, pnlStr string
	if scanErr := pool.QueryRow(ctx, getBalanceSQL, walletID).Scan(
		&acct.WalletID, &totalStr, &usedStr, &availStr, &pnlStr, &acct.UpdatedAt,
	); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return models.AccountSnapshot{}, ErrNotFound
		}
		return models.AccountSnapshot{}, fmt.Errorf("get balance: %w", scanErr)
	}

	var convErr error
	if acct.TotalMargin, convErr = parseDecimal(totalStr, "total_margin"); convErr != nil {
		return models.AccountSnapshot{}, convErr
	}
	if acct.UsedMargin, convErr = parseDecimal(usedStr, "used_margin"); convErr != nil {
		return models.AccountSnapshot{}, convErr
	}
	if acct.AvailableMargin, convErr = parseDecimal(availStr, "available_margin"); convErr != nil {
		return models.AccountSnapshot{}, convErr
	}
	if acct.UnrealizedPnL, convErr = parseDecimal(pnlStr, "unrealized_pnl"); convErr != nil {
		return models.AccountSnapshot{}, convErr
	}
	return acct, nil
}

// CreateAlert appends an alert and returns it with id and timestamp.
func (s *PGStore) CreateAlert(ctx context.Context, alert models.AlertRecord) (models.AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return models.AlertRecord{}, err
	}

	var symbol *string
	if alert.Symbol != "" {
		symbol = &alert.Symbol
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.WalletID,
		alert.Category,
		alert.Message,
		string(alert.Severity),
		symbol,
		nullDecimalArg(alert.MarginRatio),
		nullDecimalArg(alert.LiquidationPrice),
		alert.Sent,
	)
	if scanErr := row.Scan(&alert.ID, &alert.CreatedAt); scanErr != nil {
		return models.AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return alert, nil
}

// MarkAlertSent flips the sent flag, the only mutation alerts allow.
func (s *PGStore) MarkAlertSent(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, markAlertSentSQL, id)
	if execErr != nil {
		return fmt.Errorf("mark alert sent: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecentAlerts lists a wallet's alerts created within window, newest first.
func (s *PGStore) ListRecentAlerts(ctx context.Context, walletID int64, window time.Duration) ([]models.AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	since := time.Now().UTC().Add(-window)
	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, walletID, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]models.AlertRecord, 0)
	for rows.Next() {
		var (
			rec              models.AlertRecord
			severity         string
			symbol           *string
			ratioStr, liqStr *string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.WalletID,
			&rec.Category,
			&rec.Message,
			&severity,
			&symbol,
			&ratioStr,
			&liqStr,
			&rec.Sent,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		rec.Severity = models.Severity(severity)
		if symbol != nil {
			rec.Symbol = *symbol
		}
		var convErr error
		if rec.MarginRatio, convErr = parseNullDecimal(ratioStr, "margin_ratio"); convErr != nil {
			return nil, convErr
		}
		if rec.LiquidationPrice, convErr = parseNullDecimal(liqStr, "liquidation_price"); convErr != nil {
			return nil, convErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *PGStore) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanWallet(row pgx.Row) (models.Wallet, error) {
	var (
		w                  models.Wallet
		warn, crit, urgent *string
	)
	if err := row.Scan(&w.ID, &w.UserID, &w.Address, &w.Active, &warn, &crit, &urgent, &w.CreatedAt); err != nil {
		return models.Wallet{}, err
	}
	th, err := parseThresholds(warn, crit, urgent)
	if err != nil {
		return models.Wallet{}, err
	}
	w.Thresholds = th
	return w, nil
}

func collectWallets(rows pgx.Rows) ([]models.Wallet, error) {
	defer rows.Close()
	wallets := make([]models.Wallet, 0)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return wallets, nil
}

func scanPosition(rows pgx.Rows) (models.PositionSnapshot, error) {
	var (
		pos                               models.PositionSnapshot
		side, sizeStr, entryStr           string
		markStr, liqStr, ratioStr, pnlStr *string
	)

	if err := rows.Scan(
		&pos.WalletID,
		&pos.Symbol,
		&sizeStr,
		&side,
		&entryStr,
		&markStr,
		&liqStr,
		&ratioStr,
		&pnlStr,
		&pos.UpdatedAt,
	); err != nil {
		return models.PositionSnapshot{}, err
	}

	pos.Side = models.Side(side)
	var err error
	if pos.Size, err = parseDecimal(sizeStr, "size"); err != nil {
		return models.PositionSnapshot{}, err
	}
	if pos.EntryPrice, err = parseDecimal(entryStr, "entry_price"); err != nil {
		return models.PositionSnapshot{}, err
	}
	if pos.MarkPrice, err = parseNullDecimal(markStr, "mark_price"); err != nil {
		return models.PositionSnapshot{}, err
	}
	if pos.LiquidationPrice, err = parseNullDecimal(liqStr, "liquidation_price"); err != nil {
		return models.PositionSnapshot{}, err
	}
	if pos.MarginRatio, err = parseNullDecimal(ratioStr, "margin_ratio"); err != nil {
		return models.PositionSnapshot{}, err
	}
	if pos.UnrealizedPnL, err = parseNullDecimal(pnlStr, "unrealized_pnl"); err != nil {
		return models.PositionSnapshot{}, err
	}
	return pos, nil
}

var _ Store = (*PGStore)(nil)
