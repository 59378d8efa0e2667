package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"liqguard/internal/alerting"
	"liqguard/internal/models"
	"liqguard/internal/risk"
)

// SimulateAlert 用给定的持仓和账户数据走一遍评估与告警投递，不写入存储。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	sink, closeSink, err := a.newSink()
	if err != nil {
		return err
	}
	defer closeSink()
	if sink == nil {
		return errors.New("未配置任何告警通道")
	}

	side, err := models.ParseSide(opts.Side)
	if err != nil {
		return err
	}
	pos := models.PositionSnapshot{
		Symbol:     opts.Symbol,
		Size:       decimal.NewFromFloat(opts.Size),
		Side:       side,
		EntryPrice: decimal.NewFromFloat(opts.Entry),
	}
	if opts.Mark > 0 {
		pos.MarkPrice = decimal.NewNullDecimal(decimal.NewFromFloat(opts.Mark))
	}
	acct := models.AccountSnapshot{
		TotalMargin: decimal.NewFromFloat(opts.TotalMargin),
		UsedMargin:  decimal.NewFromFloat(opts.UsedMargin),
	}
	acct.AvailableMargin = acct.TotalMargin.Sub(acct.UsedMargin)

	assessment, err := a.newEvaluator().Assess(pos, acct, risk.Options{})
	if err != nil {
		return err
	}

	th := a.Config.DefaultThresholds()
	level := risk.SelectAlertLevel(assessment.MarginRatio(), th)
	if level == models.SeverityNone {
		return fmt.Errorf("保证金率 %s%% 低于预警阈值 %s%%，不会触发告警",
			assessment.MarginRatio().StringFixed(1), th.Warning.String())
	}

	message := alerting.RenderLiquidationAlert(assessment, opts.Wallet, th)
	if err := sink.SendAlert(ctx, opts.ChatID, message, true); err != nil {
		return err
	}
	a.Logger.Info().Str("severity", string(level)).Int64("chat_id", opts.ChatID).Msg("模拟告警已发送")
	return nil
}
