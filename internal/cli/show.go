package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"liqguard/internal/app"
)

var (
	statusWallet    string
	portfolioWallet string
	historyWallet   string
	historyHours    int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display the stored margin status of a wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusWallet == "" {
			return fmt.Errorf("--wallet must be provided")
		}
		return getApp().Status(cmd.Context(), cmd.OutOrStdout(), statusWallet)
	},
}

var portfolioCmd = &cobra.Command{
	Use:   "portfolio",
	Short: "Display the positions and risk summary of a wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		if portfolioWallet == "" {
			return fmt.Errorf("--wallet must be provided")
		}
		return getApp().Portfolio(cmd.Context(), cmd.OutOrStdout(), portfolioWallet)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display recent alerts of a wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyWallet == "" {
			return fmt.Errorf("--wallet must be provided")
		}
		if historyHours <= 0 {
			return fmt.Errorf("--hours must be greater than zero")
		}
		return getApp().History(cmd.Context(), cmd.OutOrStdout(), app.HistoryOptions{
			Wallet: historyWallet,
			Hours:  historyHours,
		})
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusWallet, "wallet", "", "Wallet address")
	portfolioCmd.Flags().StringVar(&portfolioWallet, "wallet", "", "Wallet address")
	historyCmd.Flags().StringVar(&historyWallet, "wallet", "", "Wallet address")
	historyCmd.Flags().IntVar(&historyHours, "hours", 24, "Look-back window in hours")
}
