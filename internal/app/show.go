package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"liqguard/internal/alerting"
	"liqguard/internal/storage"
)

// Status prints the stored margin overview of a wallet.
func (a *App) Status(ctx context.Context, out io.Writer, address string) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	mon, err := a.newMonitor(store, nil)
	if err != nil {
		return err
	}
	status, err := mon.WalletStatus(ctx, address)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Wallet\t%s\n", status.Address)
	fmt.Fprintf(writer, "Health\t%s\n", status.HealthLabel)
	fmt.Fprintf(writer, "Positions\t%d\n", status.PositionCount)
	if status.UpdatedAt != nil {
		fmt.Fprintf(writer, "Margin ratio\t%s%%\n", status.MarginRatio.StringFixed(1))
		fmt.Fprintf(writer, "Total margin\t%s\n", alerting.FormatUSD(status.TotalMargin))
		fmt.Fprintf(writer, "Used margin\t%s\n", alerting.FormatUSD(status.UsedMargin))
		fmt.Fprintf(writer, "Available\t%s\n", alerting.FormatUSD(status.AvailableMargin))
		fmt.Fprintf(writer, "Updated (UTC)\t%s\n", status.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return writer.Flush()
}

// Portfolio prints the rendered portfolio summary of a wallet.
func (a *App) Portfolio(ctx context.Context, out io.Writer, address string) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	mon, err := a.newMonitor(store, nil)
	if err != nil {
		return err
	}
	portfolio, err := mon.PortfolioSummary(ctx, address)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, alerting.RenderPortfolio(portfolio.Address, portfolio.Positions, portfolio.Summary, portfolio.Thresholds))
	return err
}

// History prints the alerts of a wallet within the last opts.Hours.
func (a *App) History(ctx context.Context, out io.Writer, opts HistoryOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	w, err := store.GetWalletByAddress(ctx, storage.NormalizeAddress(opts.Wallet))
	if err != nil {
		return err
	}
	alerts, err := store.ListRecentAlerts(ctx, w.ID, time.Duration(opts.Hours)*time.Hour)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintf(out, "no alerts in the last %dh\n", opts.Hours)
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSeverity\tSymbol\tMargin%\tLiq. price\tSent\tMessage")
	for _, alert := range alerts {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.Severity,
			alert.Symbol,
			nullDecimal(alert.MarginRatio, 1),
			nullDecimal(alert.LiquidationPrice, 4),
			alert.Sent,
			firstLine(alert.Message),
		)
	}
	return writer.Flush()
}

func firstLine(v string) string {
	line, _, _ := strings.Cut(v, "\n")
	return strings.ReplaceAll(line, "\r", " ")
}
