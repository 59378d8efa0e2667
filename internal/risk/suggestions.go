package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"liqguard/internal/models"
)

// SuggestionKind identifies a remediation strategy.
type SuggestionKind string

const (
	SuggestHealthy       SuggestionKind = "healthy"
	SuggestClosePartial  SuggestionKind = "close_partial"
	SuggestAddCollateral SuggestionKind = "add_collateral"
	SuggestCombined      SuggestionKind = "combined"
	SuggestStopLoss      SuggestionKind = "stop_loss"
)

var (
	minClosePct = decimal.NewFromInt(10)
	fifty       = decimal.NewFromInt(50)
	two         = decimal.NewFromInt(2)
)

// Suggestion is a remediation step with the figures behind its Text.
type Suggestion struct {
	Kind           SuggestionKind
	ClosePct       decimal.Decimal
	Collateral     decimal.Decimal
	StopPrice      decimal.Decimal
	ProjectedRatio decimal.Decimal
	// Estimated is set when ProjectedRatio assumes a leverage instead of knowing it.
	Estimated bool
	Text      string
}

// Suggestions lists remediation steps ordered close, collateral, combined, stop.
// pos.LiquidationPrice must already hold the computed price for a stop to be suggested.
func (e *Evaluator) Suggestions(pos models.PositionSnapshot, acct models.AccountSnapshot, ratio decimal.Decimal, leverage decimal.NullDecimal) []Suggestion {
	target := e.params.TargetRatioPct
	if ratio.LessThanOrEqual(target) {
		return []Suggestion{{
			Kind:           SuggestHealthy,
			ProjectedRatio: ratio,
			Text:           fmt.Sprintf("Position is healthy (risk %s%%)", ratio.StringFixed(1)),
		}}
	}

	out := make([]Suggestion, 0, 4)

	closePct := ratio.Sub(target).Div(ratio).Mul(hundred)
	closePct = decimal.Min(hundred, decimal.Max(minClosePct, closePct))
	afterClose, estimated := e.ratioAfterClose(pos, acct, closePct, leverage)
	approx := ""
	if estimated {
		approx = "~"
	}
	out = append(out, Suggestion{
		Kind:           SuggestClosePartial,
		ClosePct:       closePct,
		ProjectedRatio: afterClose,
		Estimated:      estimated,
		Text: fmt.Sprintf("Close %s%% of %s position -> risk drops to %s%s%%",
			closePct.StringFixed(0), pos.Symbol, approx, afterClose.StringFixed(1)),
	})

	collateral := acct.UsedMargin.Mul(hundred.Div(target).Sub(hundred.Div(ratio)))
	if collateral.IsPositive() {
		afterAdd := ratioAfterDeposit(acct.UsedMargin, acct.TotalMargin, collateral)
		out = append(out, Suggestion{
			Kind:           SuggestAddCollateral,
			Collateral:     collateral,
			ProjectedRatio: afterAdd,
			Text: fmt.Sprintf("Add $%s collateral -> risk drops to %s%%",
				collateral.StringFixed(0), afterAdd.StringFixed(1)),
		})
	}

	halfClose := decimal.Min(fifty, closePct.Div(two))
	halfCollateral := collateral.Div(two)
	scaledUsed := acct.UsedMargin.Mul(one.Sub(halfClose.Div(hundred)))
	afterBoth := ratioAfterDeposit(scaledUsed, acct.TotalMargin, halfCollateral)
	out = append(out, Suggestion{
		Kind:           SuggestCombined,
		ClosePct:       halfClose,
		Collateral:     halfCollateral,
		ProjectedRatio: afterBoth,
		Text: fmt.Sprintf("Close %s%% + add $%s -> risk drops to ~%s%%",
			halfClose.StringFixed(0), halfCollateral.StringFixed(0), afterBoth.StringFixed(1)),
	})

	if pos.LiquidationPrice.Valid && pos.LiquidationPrice.Decimal.IsPositive() {
		liq := pos.LiquidationPrice.Decimal
		stop := liq.Mul(one.Add(e.params.StopBuffer))
		if pos.Side == models.SideShort {
			stop = liq.Mul(one.Sub(e.params.StopBuffer))
		}
		out = append(out, Suggestion{
			Kind:      SuggestStopLoss,
			StopPrice: stop,
			Text: fmt.Sprintf("Set stop-loss at $%s (%s%% buffer beyond liquidation)",
				stop.StringFixed(2), e.params.StopBuffer.Mul(hundred).StringFixed(0)),
		})
	}

	return out
}

// ratioAfterClose frees the margin backing pct of the position. Without a known
// leverage the position margin is approximated as value/EstimatedLeverage.
func (e *Evaluator) ratioAfterClose(pos models.PositionSnapshot, acct models.AccountSnapshot, pct decimal.Decimal, leverage decimal.NullDecimal) (decimal.Decimal, bool) {
	if acct.TotalMargin.IsZero() {
		return decimal.Zero, false
	}

	estimated := false
	lev := leverage.Decimal
	if !leverage.Valid || !lev.IsPositive() {
		lev = e.params.EstimatedLeverage
		estimated = true
	}
	if !lev.IsPositive() {
		return acct.MarginRatio(), estimated
	}

	freed := pos.Value().Div(lev).Mul(pct).Div(hundred)
	ratio := acct.UsedMargin.Sub(freed).Div(acct.TotalMargin).Mul(hundred)
	return decimal.Max(decimal.Zero, ratio), estimated
}

func ratioAfterDeposit(used, total, deposit decimal.Decimal) decimal.Decimal {
	newTotal := total.Add(deposit)
	if newTotal.IsZero() {
		return decimal.Zero
	}
	return used.Div(newTotal).Mul(hundred)
}
