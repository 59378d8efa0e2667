package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidThresholds is returned when severity thresholds are out of range or out of order.
var ErrInvalidThresholds = errors.New("invalid alert thresholds")

var (
	hundred = decimal.NewFromInt(100)
)

// Severity ranks how close an account is to liquidation.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityUrgent   Severity = "urgent"
)

// Rank orders severities: none < warning < critical < urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	case SeverityUrgent:
		return 3
	default:
		return 0
	}
}

// ParseSeverity accepts the lowercase wire names.
func ParseSeverity(v string) (Severity, error) {
	switch s := Severity(strings.ToLower(strings.TrimSpace(v))); s {
	case SeverityWarning, SeverityCritical, SeverityUrgent:
		return s, nil
	default:
		return SeverityNone, fmt.Errorf("unknown severity %q", v)
	}
}

// Side of a leveraged position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide understands long/short and buy/sell in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "LONG", "BUY":
		return SideLong, nil
	case "SHORT", "SELL":
		return SideShort, nil
	default:
		return "", fmt.Errorf("unknown position side %q", v)
	}
}

// Thresholds are margin-ratio percentages at which each severity fires.
type Thresholds struct {
	Warning  decimal.Decimal
	Critical decimal.Decimal
	Urgent   decimal.Decimal
}

// DefaultThresholds returns 80/90/95.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  decimal.NewFromInt(80),
		Critical: decimal.NewFromInt(90),
		Urgent:   decimal.NewFromInt(95),
	}
}

// Validate enforces range [0,100] and warning <= critical <= urgent.
func (t Thresholds) Validate() error {
	for name, v := range map[string]decimal.Decimal{"warning": t.Warning, "critical": t.Critical, "urgent": t.Urgent} {
		if v.IsNegative() || v.GreaterThan(hundred) {
			return fmt.Errorf("%w: %s threshold %s outside [0,100]", ErrInvalidThresholds, name, v.String())
		}
	}
	if t.Warning.GreaterThan(t.Critical) || t.Critical.GreaterThan(t.Urgent) {
		return fmt.Errorf("%w: expected warning <= critical <= urgent, got %s/%s/%s",
			ErrInvalidThresholds, t.Warning.String(), t.Critical.String(), t.Urgent.String())
	}
	return nil
}

// User owns wallets and receives alerts at ChatID.
type User struct {
	ID        int64
	ChatID    int64
	Username  string
	CreatedAt time.Time
}

// Wallet is a monitored address. Removal deactivates instead of deleting.
type Wallet struct {
	ID         int64
	UserID     int64
	Address    string
	Active     bool
	Thresholds *Thresholds
	CreatedAt  time.Time
}

// EffectiveThresholds resolves unset thresholds to the supplied defaults.
func (w Wallet) EffectiveThresholds(defaults Thresholds) Thresholds {
	if w.Thresholds == nil {
		return defaults
	}
	return *w.Thresholds
}

// PositionSnapshot is the latest known state of one (wallet, symbol) position.
type PositionSnapshot struct {
	WalletID         int64
	Symbol           string
	Size             decimal.Decimal
	Side             Side
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.NullDecimal
	LiquidationPrice decimal.NullDecimal
	MarginRatio      decimal.NullDecimal
	UnrealizedPnL    decimal.NullDecimal
	UpdatedAt        time.Time
}

// HasEntryPrice reports whether a liquidation price can be derived.
func (p PositionSnapshot) HasEntryPrice() bool {
	return p.EntryPrice.IsPositive()
}

// Value is |size| times mark price, or entry price when mark is unknown.
func (p PositionSnapshot) Value() decimal.Decimal {
	price := p.EntryPrice
	if p.MarkPrice.Valid && p.MarkPrice.Decimal.IsPositive() {
		price = p.MarkPrice.Decimal
	}
	return p.Size.Abs().Mul(price)
}

// AccountSnapshot holds the margin balances of a wallet. One per wallet.
type AccountSnapshot struct {
	WalletID        int64
	TotalMargin     decimal.Decimal
	UsedMargin      decimal.Decimal
	AvailableMargin decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	UpdatedAt       time.Time
}

// MarginRatio is used/total*100, zero when total is zero.
func (a AccountSnapshot) MarginRatio() decimal.Decimal {
	if a.TotalMargin.IsZero() {
		return decimal.Zero
	}
	return a.UsedMargin.Div(a.TotalMargin).Mul(hundred)
}

// AlertCategoryLiquidation tags alerts emitted by the risk pipeline.
const AlertCategoryLiquidation = "liquidation_risk"

// AlertRecord is an append-only log entry of an emitted alert.
type AlertRecord struct {
	ID               int64
	WalletID         int64
	Category         string
	Message          string
	Severity         Severity
	Symbol           string
	MarginRatio      decimal.NullDecimal
	LiquidationPrice decimal.NullDecimal
	Sent             bool
	CreatedAt        time.Time
}
