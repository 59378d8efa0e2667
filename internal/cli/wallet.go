package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	walletChatID    int64
	walletUsername  string
	walletAll       bool
	walletThreshold float64
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage monitored wallets of a user",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		if walletChatID == 0 {
			return fmt.Errorf("--chat-id must be provided")
		}
		return nil
	},
}

var walletAddCmd = &cobra.Command{
	Use:   "add <address>",
	Short: "Start monitoring a wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AddWallet(cmd.Context(), cmd.OutOrStdout(), walletChatID, walletUsername, args[0])
	},
}

var walletRemoveCmd = &cobra.Command{
	Use:   "remove <address>",
	Short: "Stop monitoring a wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RemoveWallet(cmd.Context(), cmd.OutOrStdout(), walletChatID, args[0])
	},
}

var walletThresholdCmd = &cobra.Command{
	Use:   "threshold <address>",
	Short: "Set the warning margin ratio; critical and urgent follow at +10 and +15",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if walletThreshold <= 0 || walletThreshold > 100 {
			return fmt.Errorf("--pct must be within (0,100]")
		}
		return getApp().SetThreshold(cmd.Context(), cmd.OutOrStdout(), walletChatID, args[0], walletThreshold)
	},
}

var walletListCmd = &cobra.Command{
	Use:   "list",
	Short: "List wallets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListWallets(cmd.Context(), cmd.OutOrStdout(), walletChatID, walletAll)
	},
}

func init() {
	walletCmd.PersistentFlags().Int64Var(&walletChatID, "chat-id", 0, "Telegram chat id of the owner")
	walletAddCmd.Flags().StringVar(&walletUsername, "username", "", "Display name stored with the user")
	walletThresholdCmd.Flags().Float64Var(&walletThreshold, "pct", 0, "Warning threshold in percent")
	walletListCmd.Flags().BoolVar(&walletAll, "all", false, "Include removed wallets")

	walletCmd.AddCommand(walletAddCmd, walletRemoveCmd, walletThresholdCmd, walletListCmd)
}
