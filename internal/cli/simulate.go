package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"liqguard/internal/app"
)

var simulateOpts = app.SimulateOptions{Symbol: "BTC-PERP", Side: "long"}

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一个高风险持仓并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.ChatID == 0 {
			return errors.New("--chat-id 必须提供")
		}
		if simulateOpts.Entry <= 0 || simulateOpts.Size == 0 {
			return errors.New("--entry 必须大于 0，--size 不能为 0")
		}
		if simulateOpts.TotalMargin <= 0 || simulateOpts.UsedMargin < 0 {
			return errors.New("--total 必须大于 0，--used 不能为负")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateOpts)
	},
}

func init() {
	f := simulateCmd.Flags()
	f.Int64Var(&simulateOpts.ChatID, "chat-id", 0, "接收告警的 Telegram chat id")
	f.StringVar(&simulateOpts.Wallet, "wallet", "0x0000000000000000000000000000000000000000", "钱包地址（仅用于展示）")
	f.StringVar(&simulateOpts.Symbol, "symbol", simulateOpts.Symbol, "合约代码")
	f.StringVar(&simulateOpts.Side, "side", simulateOpts.Side, "long 或 short")
	f.Float64Var(&simulateOpts.Size, "size", 1, "持仓数量")
	f.Float64Var(&simulateOpts.Entry, "entry", 0, "开仓价")
	f.Float64Var(&simulateOpts.Mark, "mark", 0, "标记价（默认使用开仓价）")
	f.Float64Var(&simulateOpts.TotalMargin, "total", 1000, "账户总保证金")
	f.Float64Var(&simulateOpts.UsedMargin, "used", 960, "已用保证金")
}
