package storage

import (
	"time"

	"liqguard/internal/models"
)

// Row types for the gorm backend. Decimals are kept as strings so no precision is
// lost through sqlite's REAL affinity.

type userRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	ChatID    int64  `gorm:"uniqueIndex;not null"`
	Username  string `gorm:"not null;default:''"`
	CreatedAt time.Time
}

func (userRow) TableName() string { return "users" }

func (r userRow) model() models.User {
	return models.User{ID: r.ID, ChatID: r.ChatID, Username: r.Username, CreatedAt: r.CreatedAt}
}

type walletRow struct {
	ID                int64  `gorm:"primaryKey;autoIncrement"`
	UserID            int64  `gorm:"index;not null"`
	Address           string `gorm:"uniqueIndex;not null"`
	Active            bool   `gorm:"index;not null"`
	ThresholdWarning  *string
	ThresholdCritical *string
	ThresholdUrgent   *string
	CreatedAt         time.Time
}

func (walletRow) TableName() string { return "wallets" }

func (r walletRow) model() (models.Wallet, error) {
	th, err := parseThresholds(r.ThresholdWarning, r.ThresholdCritical, r.ThresholdUrgent)
	if err != nil {
		return models.Wallet{}, err
	}
	return models.Wallet{
		ID:         r.ID,
		UserID:     r.UserID,
		Address:    r.Address,
		Active:     r.Active,
		Thresholds: th,
		CreatedAt:  r.CreatedAt,
	}, nil
}

type positionRow struct {
	WalletID         int64  `gorm:"primaryKey;autoIncrement:false"`
	Symbol           string `gorm:"primaryKey"`
	Size             string `gorm:"not null"`
	Side             string `gorm:"not null"`
	EntryPrice       string `gorm:"not null"`
	MarkPrice        *string
	LiquidationPrice *string
	MarginRatio      *string
	UnrealizedPnL    *string `gorm:"column:unrealized_pnl"`
	UpdatedAt        time.Time
}

func (positionRow) TableName() string { return "positions" }

func newPositionRow(p models.PositionSnapshot) positionRow {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return positionRow{
		WalletID:         p.WalletID,
		Symbol:           p.Symbol,
		Size:             p.Size.String(),
		Side:             string(p.Side),
		EntryPrice:       p.EntryPrice.String(),
		MarkPrice:        nullDecimalArg(p.MarkPrice),
		LiquidationPrice: nullDecimalArg(p.LiquidationPrice),
		MarginRatio:      nullDecimalArg(p.MarginRatio),
		UnrealizedPnL:    nullDecimalArg(p.UnrealizedPnL),
		UpdatedAt:        updated,
	}
}

func (r positionRow) model() (models.PositionSnapshot, error) {
	pos := models.PositionSnapshot{
		WalletID:  r.WalletID,
		Symbol:    r.Symbol,
		Side:      models.Side(r.Side),
		UpdatedAt: r.UpdatedAt,
	}
	var err error
	if pos.Size, err = parseDecimal(r.Size, "size"); err != nil {
		return pos, err
	}
	if pos.EntryPrice, err = parseDecimal(r.EntryPrice, "entry_price"); err != nil {
		return pos, err
	}
	if pos.MarkPrice, err = parseNullDecimal(r.MarkPrice, "mark_price"); err != nil {
		return pos, err
	}
	if pos.LiquidationPrice, err = parseNullDecimal(r.LiquidationPrice, "liquidation_price"); err != nil {
		return pos, err
	}
	if pos.MarginRatio, err = parseNullDecimal(r.MarginRatio, "margin_ratio"); err != nil {
		return pos, err
	}
	if pos.UnrealizedPnL, err = parseNullDecimal(r.UnrealizedPnL, "unrealized_pnl"); err != nil {
		return pos, err
	}
	return pos, nil
}

type balanceRow struct {
	WalletID        int64  `gorm:"primaryKey;autoIncrement:false"`
	TotalMargin     string `gorm:"not null"`
	UsedMargin      string `gorm:"not null"`
	AvailableMargin string `gorm:"not null"`
	UnrealizedPnL   string `gorm:"column:unrealized_pnl;not null"`
	UpdatedAt       time.Time
}

func (balanceRow) TableName() string { return "account_balances" }

func newBalanceRow(a models.AccountSnapshot) balanceRow {
	updated := a.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return balanceRow{
		WalletID:        a.WalletID,
		TotalMargin:     a.TotalMargin.String(),
		UsedMargin:      a.UsedMargin.String(),
		AvailableMargin: a.AvailableMargin.String(),
		UnrealizedPnL:   a.UnrealizedPnL.String(),
		UpdatedAt:       updated,
	}
}

func (r balanceRow) model() (models.AccountSnapshot, error) {
	acct := models.AccountSnapshot{WalletID: r.WalletID, UpdatedAt: r.UpdatedAt}
	var err error
	if acct.TotalMargin, err = parseDecimal(r.TotalMargin, "total_margin"); err != nil {
		return acct, err
	}
	if acct.UsedMargin, err = parseDecimal(r.UsedMargin, "used_margin"); err != nil {
		return acct, err
	}
	if acct.AvailableMargin, err = parseDecimal(r.AvailableMargin, "available_margin"); err != nil {
		return acct, err
	}
	if acct.UnrealizedPnL, err = parseDecimal(r.UnrealizedPnL, "unrealized_pnl"); err != nil {
		return acct, err
	}
	return acct, nil
}

type alertRow struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	WalletID         int64  `gorm:"index:idx_alerts_wallet_created,priority:1;not null"`
	Category         string `gorm:"not null"`
	Message          string `gorm:"not null"`
	Severity         string `gorm:"not null"`
	Symbol           *string
	MarginRatio      *string
	LiquidationPrice *string
	Sent             bool      `gorm:"not null"`
	CreatedAt        time.Time `gorm:"index:idx_alerts_wallet_created,priority:2"`
}

func (alertRow) TableName() string { return "alerts" }

func newAlertRow(a models.AlertRecord) alertRow {
	row := alertRow{
		WalletID:         a.WalletID,
		Category:         a.Category,
		Message:          a.Message,
		Severity:         string(a.Severity),
		MarginRatio:      nullDecimalArg(a.MarginRatio),
		LiquidationPrice: nullDecimalArg(a.LiquidationPrice),
		Sent:             a.Sent,
		CreatedAt:        a.CreatedAt,
	}
	if a.Symbol != "" {
		symbol := a.Symbol
		row.Symbol = &symbol
	}
	return row
}

func (r alertRow) model() (models.AlertRecord, error) {
	rec := models.AlertRecord{
		ID:        r.ID,
		WalletID:  r.WalletID,
		Category:  r.Category,
		Message:   r.Message,
		Severity:  models.Severity(r.Severity),
		Sent:      r.Sent,
		CreatedAt: r.CreatedAt,
	}
	if r.Symbol != nil {
		rec.Symbol = *r.Symbol
	}
	var err error
	if rec.MarginRatio, err = parseNullDecimal(r.MarginRatio, "margin_ratio"); err != nil {
		return rec, err
	}
	if rec.LiquidationPrice, err = parseNullDecimal(r.LiquidationPrice, "liquidation_price"); err != nil {
		return rec, err
	}
	return rec, nil
}
