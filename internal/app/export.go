package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"liqguard/internal/models"
	"liqguard/internal/storage"
)

// Export writes the alert history of one wallet as CSV and/or a margin-ratio PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Window <= 0 {
		return errors.New("export window must be positive")
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	w, err := store.GetWalletByAddress(ctx, storage.NormalizeAddress(opts.Wallet))
	if err != nil {
		return err
	}
	alerts, err := store.ListRecentAlerts(ctx, w.ID, opts.Window)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		a.Logger.Info().Str("wallet", w.Address).Msg("no alerts found for export window")
		return nil
	}
	// 存储按时间倒序返回
	slices.Reverse(alerts)

	downsampled := downsampleAlerts(alerts, opts.MaxPoints)
	a.Logger.Info().Int("total", len(alerts)).Int("exported", len(downsampled)).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		th := w.EffectiveThresholds(a.Config.DefaultThresholds())
		if err := writeAlertsPNG(opts.PNGPath, downsampled, th); err != nil {
			return err
		}
	}
	return nil
}

func downsampleAlerts(alerts []models.AlertRecord, max int) []models.AlertRecord {
	if max <= 1 || len(alerts) <= max {
		return alerts
	}

	result := make([]models.AlertRecord, 0, max)
	step := float64(len(alerts)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(alerts) {
			idx = len(alerts) - 1
		}
		result = append(result, alerts[idx])
	}
	return result
}

func writeAlertsCSV(path string, alerts []models.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "category", "symbol", "severity", "margin_ratio_pct", "liquidation_price", "sent"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, alert := range alerts {
		record := []string{
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.Category,
			alert.Symbol,
			string(alert.Severity),
			nullDecimal(alert.MarginRatio, 2),
			nullDecimal(alert.LiquidationPrice, 8),
			strconv.FormatBool(alert.Sent),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}

// writeAlertsPNG charts the margin ratio at each alert with the threshold bands.
func writeAlertsPNG(path string, alerts []models.AlertRecord, th models.Thresholds) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(alerts))
	ratio := make([]float64, 0, len(alerts))
	for _, alert := range alerts {
		if !alert.MarginRatio.Valid {
			continue
		}
		x = append(x, alert.CreatedAt)
		ratio = append(ratio, alert.MarginRatio.Decimal.InexactFloat64())
	}
	if len(x) < 2 {
		return errors.New("need at least two alerts with a margin ratio to draw a chart")
	}

	band := func(name string, level decimal.Decimal) chart.TimeSeries {
		v := level.InexactFloat64()
		return chart.TimeSeries{
			Name:    name,
			XValues: []time.Time{x[0], x[len(x)-1]},
			YValues: []float64{v, v},
			Style:   chart.Style{StrokeDashArray: []float64{5, 5}},
		}
	}
	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f%%")
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Margin ratio (%)",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Margin ratio",
				XValues: x,
				YValues: ratio,
			},
			band("Warning", th.Warning),
			band("Critical", th.Critical),
			band("Urgent", th.Urgent),
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func nullDecimal(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.StringFixed(places)
}
