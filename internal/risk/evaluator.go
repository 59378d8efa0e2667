package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"liqguard/internal/models"
)

// ErrInvalidEntryPrice marks positions whose liquidation price cannot be derived.
var ErrInvalidEntryPrice = errors.New("risk: entry price must be positive")

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Params tune the evaluator. Ratios named *Pct are percentages; the others are fractions.
type Params struct {
	MaintenanceMarginRatio  decimal.Decimal
	DefaultHourlyVolatility decimal.Decimal // percent per hour
	TargetRatioPct          decimal.Decimal
	StopBuffer              decimal.Decimal
	EstimatedLeverage       decimal.Decimal
}

// DefaultParams mirrors the production defaults.
func DefaultParams() Params {
	return Params{
		MaintenanceMarginRatio:  decimal.RequireFromString("0.03"),
		DefaultHourlyVolatility: decimal.NewFromInt(5),
		TargetRatioPct:          decimal.NewFromInt(60),
		StopBuffer:              decimal.RequireFromString("0.05"),
		EstimatedLeverage:       decimal.NewFromInt(10),
	}
}

// Options carry optional market context for a single evaluation.
type Options struct {
	Price    decimal.NullDecimal // overrides the snapshot mark price
	Leverage decimal.NullDecimal
	Trend    decimal.NullDecimal // signed percent per hour
}

// Assessment is the ephemeral result of evaluating one position against its account.
type Assessment struct {
	Position           models.PositionSnapshot
	Account            models.AccountSnapshot
	CurrentPrice       decimal.Decimal
	LiquidationPrice   decimal.Decimal
	DistancePct        decimal.Decimal
	HoursToLiquidation decimal.NullDecimal
	Suggestions        []Suggestion
}

// MarginRatio of the account the position was evaluated against.
func (a Assessment) MarginRatio() decimal.Decimal {
	return a.Account.MarginRatio()
}

// Evaluator computes liquidation metrics. It holds no mutable state.
type Evaluator struct {
	params Params
}

// NewEvaluator builds an evaluator from params.
func NewEvaluator(params Params) *Evaluator {
	return &Evaluator{params: params}
}

// Params returns the evaluator configuration.
func (e *Evaluator) Params() Params {
	return e.params
}

// LiquidationPrice applies the maintenance margin, and leverage when known.
func (e *Evaluator) LiquidationPrice(side models.Side, entry decimal.Decimal, leverage decimal.NullDecimal) decimal.Decimal {
	m := e.params.MaintenanceMarginRatio
	if leverage.Valid && leverage.Decimal.IsPositive() {
		inv := one.Div(leverage.Decimal)
		if side == models.SideShort {
			return entry.Mul(one.Add(inv).Sub(m))
		}
		return entry.Mul(one.Sub(inv).Add(m))
	}
	if side == models.SideShort {
		return entry.Mul(one.Add(m))
	}
	return entry.Mul(one.Sub(m))
}

// DistanceToLiquidation is |current-liq|/current*100.
func (e *Evaluator) DistanceToLiquidation(current, liq decimal.Decimal) decimal.Decimal {
	if !current.IsPositive() {
		return decimal.Zero
	}
	return current.Sub(liq).Abs().Div(current).Mul(hundred)
}

// HoursToLiquidation is only defined while price trends toward the liquidation price.
func (e *Evaluator) HoursToLiquidation(current, liq decimal.Decimal, side models.Side, trend decimal.NullDecimal) decimal.NullDecimal {
	t := decimal.Zero
	if trend.Valid {
		t = trend.Decimal
	}

	var approaching bool
	if side == models.SideShort {
		approaching = current.LessThan(liq) && t.IsPositive()
	} else {
		approaching = current.GreaterThan(liq) && t.IsNegative()
	}
	if !approaching {
		return decimal.NullDecimal{}
	}

	rate := t.Abs()
	if rate.IsZero() {
		rate = e.params.DefaultHourlyVolatility
	}
	if !rate.IsPositive() {
		return decimal.NullDecimal{}
	}

	return decimal.NewNullDecimal(e.DistanceToLiquidation(current, liq).Div(rate))
}

// Assess evaluates a position. Positions without an entry price are rejected.
func (e *Evaluator) Assess(pos models.PositionSnapshot, acct models.AccountSnapshot, opts Options) (Assessment, error) {
	if !pos.HasEntryPrice() {
		return Assessment{}, ErrInvalidEntryPrice
	}

	current := pos.EntryPrice
	switch {
	case opts.Price.Valid && opts.Price.Decimal.IsPositive():
		current = opts.Price.Decimal
	case pos.MarkPrice.Valid && pos.MarkPrice.Decimal.IsPositive():
		current = pos.MarkPrice.Decimal
	}

	liq := e.LiquidationPrice(pos.Side, pos.EntryPrice, opts.Leverage)
	ratio := acct.MarginRatio()

	updated := pos
	updated.MarkPrice = decimal.NewNullDecimal(current)
	updated.LiquidationPrice = decimal.NewNullDecimal(liq)
	updated.MarginRatio = decimal.NewNullDecimal(ratio)

	return Assessment{
		Position:           updated,
		Account:            acct,
		CurrentPrice:       current,
		LiquidationPrice:   liq,
		DistancePct:        e.DistanceToLiquidation(current, liq),
		HoursToLiquidation: e.HoursToLiquidation(current, liq, pos.Side, opts.Trend),
		Suggestions:        e.Suggestions(updated, acct, ratio, opts.Leverage),
	}, nil
}

// SelectAlertLevel returns the highest severity whose threshold the ratio meets.
func SelectAlertLevel(ratio decimal.Decimal, th models.Thresholds) models.Severity {
	switch {
	case ratio.GreaterThanOrEqual(th.Urgent):
		return models.SeverityUrgent
	case ratio.GreaterThanOrEqual(th.Critical):
		return models.SeverityCritical
	case ratio.GreaterThanOrEqual(th.Warning):
		return models.SeverityWarning
	default:
		return models.SeverityNone
	}
}
