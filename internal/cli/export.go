package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"liqguard/internal/app"
)

var (
	exportWallet    string
	exportWindow    time.Duration
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export alert history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportWallet == "" {
			return fmt.Errorf("--wallet must be provided")
		}
		return getApp().Export(cmd.Context(), app.ExportOptions{
			Wallet:    exportWallet,
			Window:    exportWindow,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportWallet, "wallet", "", "Wallet address")
	exportCmd.Flags().DurationVar(&exportWindow, "window", 7*24*time.Hour, "Look-back window (e.g. 72h)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
