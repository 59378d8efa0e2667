package alerting

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"liqguard/internal/models"
	"liqguard/internal/risk"
)

// MaxMessageLength is the Telegram text limit.
const MaxMessageLength = 4096

const (
	separator         = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"
	maxSuggestions    = 3
	maxPortfolioLines = 10
	maxHistoryLines   = 20
)

var (
	thousand = decimal.NewFromInt(1000)
	oneDay   = decimal.NewFromInt(24)
)

// SeverityEmoji maps a severity to its badge.
func SeverityEmoji(s models.Severity) string {
	switch s {
	case models.SeverityWarning:
		return "🟡"
	case models.SeverityCritical:
		return "🔴"
	case models.SeverityUrgent:
		return "🚨"
	default:
		return "ℹ️"
	}
}

// HealthLabel names the risk band of a margin ratio against thresholds.
func HealthLabel(ratio decimal.Decimal, th models.Thresholds) string {
	switch risk.SelectAlertLevel(ratio, th) {
	case models.SeverityUrgent:
		return "CRITICAL"
	case models.SeverityCritical:
		return "HIGH RISK"
	case models.SeverityWarning:
		return "WARNING"
	default:
		return "HEALTHY"
	}
}

func riskLevel(ratio decimal.Decimal, th models.Thresholds) string {
	emoji := "✅"
	if sev := risk.SelectAlertLevel(ratio, th); sev != models.SeverityNone {
		emoji = SeverityEmoji(sev)
	}
	return fmt.Sprintf("%s %s (%s%%)", emoji, HealthLabel(ratio, th), ratio.StringFixed(1))
}

// ShortAddress renders 0x1234...abcd.
func ShortAddress(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}

// FormatPrice picks decimals by magnitude: 2 with grouping above 1000, 4 above 1, else 8.
func FormatPrice(p decimal.Decimal) string {
	switch {
	case p.GreaterThanOrEqual(thousand):
		return "$" + groupThousands(p.StringFixed(2))
	case p.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return "$" + p.StringFixed(4)
	default:
		return "$" + p.StringFixed(8)
	}
}

// FormatUSD renders a signed amount with grouping and 2 decimals.
func FormatUSD(v decimal.Decimal) string {
	if v.IsNegative() {
		return "-$" + groupThousands(v.Abs().StringFixed(2))
	}
	return "$" + groupThousands(v.StringFixed(2))
}

func groupThousands(s string) string {
	intPart, frac, hasFrac := strings.Cut(s, ".")
	if len(intPart) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(intPart) % 3
	if lead > 0 {
		b.WriteString(intPart[:lead])
	}
	for i := lead; i < len(intPart); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(intPart[i : i+3])
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}

func sideLabel(side models.Side) string {
	if side == models.SideLong {
		return "📈 LONG"
	}
	return "📉 SHORT"
}

func pnlLine(prefix string, pnl decimal.Decimal) string {
	emoji := "🔴"
	if pnl.IsPositive() {
		emoji = "🟢"
	}
	return fmt.Sprintf("%s%s %s", prefix, emoji, FormatUSD(pnl))
}

// RenderLiquidationAlert builds the alert text for one assessed position.
func RenderLiquidationAlert(a risk.Assessment, wallet string, th models.Thresholds) string {
	pos := a.Position
	lines := []string{
		"🚨 LIQUIDATION RISK ALERT",
		separator,
		"",
		"Wallet: " + ShortAddress(wallet),
		"Symbol: " + pos.Symbol,
		"Side: " + sideLabel(pos.Side),
		"Size: " + pos.Size.Abs().StringFixed(4),
		"Entry Price: " + FormatPrice(pos.EntryPrice),
		"Current Price: " + FormatPrice(a.CurrentPrice),
		"Margin Ratio: " + riskLevel(a.MarginRatio(), th),
		"Liquidation Price: " + FormatPrice(a.LiquidationPrice),
		fmt.Sprintf("Distance to Liquidation: %s%%", a.DistancePct.StringFixed(2)),
	}

	if a.HoursToLiquidation.Valid {
		hours := a.HoursToLiquidation.Decimal
		est := fmt.Sprintf("~%s hours", hours.StringFixed(1))
		if hours.GreaterThanOrEqual(oneDay) {
			est = fmt.Sprintf("~%s days", hours.Div(oneDay).StringFixed(1))
		}
		lines = append(lines, "Time to Liquidation: "+est+" (if trend continues)")
	}
	if pos.UnrealizedPnL.Valid && !pos.UnrealizedPnL.Decimal.IsZero() {
		lines = append(lines, pnlLine("Unrealized P&L: ", pos.UnrealizedPnL.Decimal))
	}

	lines = append(lines, "", separator, "💡 Recommendations:")
	for i, s := range a.Suggestions {
		if i == maxSuggestions {
			break
		}
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, s.Text))
	}

	return Truncate(strings.Join(lines, "\n"), MaxMessageLength)
}

func renderPosition(pos models.PositionSnapshot) []string {
	lines := []string{
		"📊 " + pos.Symbol,
		fmt.Sprintf("  %s | Size: %s", sideLabel(pos.Side), pos.Size.Abs().StringFixed(4)),
		"  Entry: " + FormatPrice(pos.EntryPrice),
	}
	if pos.MarkPrice.Valid {
		lines = append(lines, "  Current: "+FormatPrice(pos.MarkPrice.Decimal))
	}
	if pos.LiquidationPrice.Valid {
		lines = append(lines, "  Liquidation: "+FormatPrice(pos.LiquidationPrice.Decimal))
	}
	if pos.UnrealizedPnL.Valid && !pos.UnrealizedPnL.Decimal.IsZero() {
		lines = append(lines, pnlLine("  P&L: ", pos.UnrealizedPnL.Decimal))
	}
	return lines
}

// RenderPortfolio builds the portfolio overview text.
func RenderPortfolio(wallet string, positions []models.PositionSnapshot, summary risk.PortfolioSummary, th models.Thresholds) string {
	lines := []string{
		"📈 PORTFOLIO SUMMARY",
		separator,
		"",
		"Wallet: " + ShortAddress(wallet),
		"",
		"💰 BALANCE:",
		"  Total Margin: " + FormatUSD(summary.TotalMargin),
		"  Used Margin: " + FormatUSD(summary.UsedMargin),
		"  Available: " + FormatUSD(summary.AvailableMargin),
	}
	if !summary.UnrealizedPnL.IsZero() {
		lines = append(lines, pnlLine("  Unrealized P&L: ", summary.UnrealizedPnL))
	}
	if summary.MarginRatio.IsPositive() {
		lines = append(lines, "  Margin Ratio: "+riskLevel(summary.MarginRatio, th))
	}
	if summary.PositionsAtRisk > 0 {
		lines = append(lines, fmt.Sprintf("  At Risk: %d (most risky %s)", summary.PositionsAtRisk, summary.MostRisky))
	}

	lines = append(lines, "", fmt.Sprintf("📊 POSITIONS (%d):", len(positions)))
	if len(positions) == 0 {
		lines = append(lines, "  No open positions")
		return strings.Join(lines, "\n")
	}
	lines = append(lines, separator)
	for i, pos := range positions {
		if i == maxPortfolioLines {
			lines = append(lines, fmt.Sprintf("... and %d more positions", len(positions)-maxPortfolioLines))
			break
		}
		lines = append(lines, renderPosition(pos)...)
		lines = append(lines, "")
	}
	return Truncate(strings.Join(lines, "\n"), MaxMessageLength)
}

// RenderHistory lists recent alerts, newest first as given.
func RenderHistory(alerts []models.AlertRecord, hours int) string {
	if len(alerts) == 0 {
		return fmt.Sprintf("ℹ️ No alerts in the last %dh. All positions are healthy!", hours)
	}
	lines := []string{fmt.Sprintf("📜 ALERT HISTORY (Last %dh)", hours), separator, ""}
	for i, a := range alerts {
		if i == maxHistoryLines {
			break
		}
		line := fmt.Sprintf("%s %s | %s", SeverityEmoji(a.Severity), a.CreatedAt.UTC().Format("01/02 15:04"), a.Category)
		if a.Symbol != "" {
			line += " | " + a.Symbol
		}
		if a.MarginRatio.Valid {
			line += fmt.Sprintf(" | %s%%", a.MarginRatio.Decimal.StringFixed(1))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Truncate cuts message to limit bytes, ending with "..." when shortened.
func Truncate(message string, limit int) string {
	if len(message) <= limit {
		return message
	}
	cut := limit - 3
	// 不截断多字节字符
	for cut > 0 && !isRuneStart(message[cut]) {
		cut--
	}
	return message[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
