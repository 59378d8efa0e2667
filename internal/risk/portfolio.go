package risk

import (
	"github.com/shopspring/decimal"

	"liqguard/internal/models"
)

// PortfolioSummary aggregates risk across all positions of one wallet.
type PortfolioSummary struct {
	TotalPositions  int
	MarginRatio     decimal.Decimal
	PositionsAtRisk int
	TotalExposure   decimal.Decimal
	MostRisky       string
	TotalMargin     decimal.Decimal
	UsedMargin      decimal.Decimal
	AvailableMargin decimal.Decimal
	UnrealizedPnL   decimal.Decimal
}

// Portfolio summarises positions using the margin ratio stored on each snapshot.
func Portfolio(positions []models.PositionSnapshot, acct models.AccountSnapshot, th models.Thresholds) PortfolioSummary {
	summary := PortfolioSummary{
		TotalPositions:  len(positions),
		MarginRatio:     acct.MarginRatio(),
		TotalExposure:   decimal.Zero,
		TotalMargin:     acct.TotalMargin,
		UsedMargin:      acct.UsedMargin,
		AvailableMargin: acct.AvailableMargin,
		UnrealizedPnL:   acct.UnrealizedPnL,
	}

	mostRisky := decimal.NewFromInt(-1)
	for _, pos := range positions {
		summary.TotalExposure = summary.TotalExposure.Add(pos.Value())

		ratio := decimal.Zero
		if pos.MarginRatio.Valid {
			ratio = pos.MarginRatio.Decimal
		}
		if pos.MarginRatio.Valid && ratio.GreaterThanOrEqual(th.Warning) {
			summary.PositionsAtRisk++
		}
		if ratio.GreaterThan(mostRisky) {
			mostRisky = ratio
			summary.MostRisky = pos.Symbol
		}
	}

	return summary
}
