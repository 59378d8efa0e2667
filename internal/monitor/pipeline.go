package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"liqguard/internal/alerting"
	"liqguard/internal/feed"
	"liqguard/internal/metrics"
	"liqguard/internal/models"
	"liqguard/internal/risk"
	"liqguard/internal/storage"
	"liqguard/internal/throttle"
)

// step fetches or applies new data for a wallet. changed reports whether any
// snapshot was written, in which case the wallet is re-evaluated.
type step func(ctx context.Context, w models.Wallet) (changed bool, err error)

// run executes one pipeline pass for t. Runs of the same wallet never overlap.
func (m *Monitor) run(ctx context.Context, t *task, trigger string, apply step) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	wallet, err := m.store.GetWalletByAddress(ctx, t.address)
	if err != nil {
		metrics.DispatchRuns.WithLabelValues(trigger, "error").Inc()
		m.logger.Error().Err(err).Str("wallet", t.address).Str("trigger", trigger).Msg("读取钱包失败")
		return
	}

	changed, err := apply(ctx, wallet)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn().Err(err).Str("wallet", t.address).Str("trigger", trigger).Msg("更新未完全应用")
	}
	if !changed {
		metrics.DispatchRuns.WithLabelValues(trigger, "skipped").Inc()
		return
	}

	m.evaluate(ctx, wallet)
	metrics.DispatchRuns.WithLabelValues(trigger, "ok").Inc()
}

// fullFetch pulls account and positions over REST. Positions missing from a
// clean response are pruned.
func (m *Monitor) fullFetch(ctx context.Context, w models.Wallet) (bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()

	var (
		changed bool
		errs    []error
	)

	if raw, err := m.market.GetAccount(fetchCtx, w.Address); err != nil {
		errs = append(errs, fmt.Errorf("fetch account: %w", err))
	} else if err := m.applyAccount(ctx, w, raw); err != nil {
		errs = append(errs, err)
	} else {
		changed = true
	}

	raw, err := m.market.GetPositions(fetchCtx, w.Address)
	if err != nil {
		return changed, errors.Join(append(errs, fmt.Errorf("fetch positions: %w", err))...)
	}
	positions, rejected, complete, err := NormalizePositionSet(raw)
	if err != nil {
		metrics.PayloadsRejected.WithLabelValues("positions").Inc()
		return changed, errors.Join(append(errs, fmt.Errorf("normalize positions: %w", err))...)
	}
	m.reject("positions", w.Address, rejected)
	if m.storePositions(ctx, w, positions) {
		changed = true
	}
	// Only a complete list with nothing rejected says which symbols are closed.
	if complete && len(rejected) == 0 {
		if err := m.prune(ctx, w, positions); err != nil {
			errs = append(errs, err)
		} else {
			changed = true
		}
	}
	return changed, errors.Join(errs...)
}

// applyUpdate applies one realtime frame. Partial frames never prune.
func (m *Monitor) applyUpdate(ctx context.Context, w models.Wallet, u update) (bool, error) {
	switch u.channel {
	case feed.ChannelBalances:
		if err := m.applyAccount(ctx, w, u.data); err != nil {
			return false, err
		}
		return true, nil
	case feed.ChannelPositions:
		positions, rejected, err := NormalizePositions(u.data)
		if err != nil {
			metrics.PayloadsRejected.WithLabelValues("positions").Inc()
			return false, fmt.Errorf("normalize positions: %w", err)
		}
		m.reject("positions", w.Address, rejected)
		return m.storePositions(ctx, w, positions), nil
	default:
		return false, fmt.Errorf("unexpected channel %q", u.channel)
	}
}

func (m *Monitor) applyAccount(ctx context.Context, w models.Wallet, raw []byte) error {
	acct, err := NormalizeAccount(raw)
	if err != nil {
		metrics.PayloadsRejected.WithLabelValues("account").Inc()
		return fmt.Errorf("normalize account: %w", err)
	}
	acct.WalletID = w.ID
	if err := m.store.UpsertBalance(ctx, acct); err != nil {
		return fmt.Errorf("store account: %w", err)
	}
	return nil
}

func (m *Monitor) storePositions(ctx context.Context, w models.Wallet, positions []models.PositionSnapshot) bool {
	stored := false
	for _, pos := range positions {
		pos.WalletID = w.ID
		if err := m.store.UpsertPosition(ctx, pos); err != nil {
			m.logger.Error().Err(err).Str("wallet", w.Address).Str("symbol", pos.Symbol).Msg("保存持仓失败")
			continue
		}
		stored = true
	}
	return stored
}

func (m *Monitor) prune(ctx context.Context, w models.Wallet, open []models.PositionSnapshot) error {
	keep := make([]string, 0, len(open))
	for _, pos := range open {
		keep = append(keep, pos.Symbol)
	}
	removed, err := m.store.PrunePositions(ctx, w.ID, keep)
	if err != nil {
		return fmt.Errorf("prune positions: %w", err)
	}
	if removed > 0 {
		m.logger.Info().Str("wallet", w.Address).Int64("removed", removed).Msg("已清理平仓持仓")
	}
	return nil
}

func (m *Monitor) reject(kind, wallet string, rejected []error) {
	for _, err := range rejected {
		metrics.PayloadsRejected.WithLabelValues(kind).Inc()
		m.logger.Warn().Err(err).Str("wallet", wallet).Str("kind", kind).Msg("丢弃无法解析的持仓")
	}
}

// evaluate assesses every stored position of w and dispatches alerts.
func (m *Monitor) evaluate(ctx context.Context, w models.Wallet) {
	acct, err := m.store.GetBalance(ctx, w.ID)
	if errors.Is(err, storage.ErrNotFound) {
		m.logger.Debug().Str("wallet", w.Address).Msg("尚无账户快照，跳过评估")
		return
	}
	if err != nil {
		m.logger.Error().Err(err).Str("wallet", w.Address).Msg("读取账户快照失败")
		return
	}
	positions, err := m.store.ListPositions(ctx, w.ID)
	if err != nil {
		m.logger.Error().Err(err).Str("wallet", w.Address).Msg("读取持仓失败")
		return
	}

	th := w.EffectiveThresholds(m.opts.Thresholds)
	ratio := acct.MarginRatio()
	ratioF, _ := ratio.Float64()
	metrics.MarginRatio.WithLabelValues(w.Address).Set(ratioF)
	level := risk.SelectAlertLevel(ratio, th)

	for _, pos := range positions {
		m.evaluatePosition(ctx, w, pos, acct, th, level)
	}
}

func (m *Monitor) evaluatePosition(ctx context.Context, w models.Wallet, pos models.PositionSnapshot, acct models.AccountSnapshot, th models.Thresholds, level models.Severity) {
	log := m.logger.With().Str("wallet", w.Address).Str("symbol", pos.Symbol).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("评估持仓时发生 panic")
		}
	}()

	if !pos.HasEntryPrice() {
		log.Debug().Msg("缺少开仓价，跳过评估")
		return
	}
	assessment, err := m.evaluator.Assess(pos, acct, risk.Options{})
	if err != nil {
		log.Warn().Err(err).Msg("评估持仓失败")
		return
	}
	if err := m.store.UpsertPosition(ctx, assessment.Position); err != nil {
		log.Error().Err(err).Msg("回写计算结果失败")
	}

	if level == models.SeverityNone {
		return
	}
	key := throttle.Key{Wallet: w.Address, Symbol: pos.Symbol, Severity: level}
	if !m.throttle.ShouldAlert(key) {
		metrics.AlertsTotal.WithLabelValues(string(level), "throttled").Inc()
		log.Debug().Str("severity", string(level)).Msg("告警冷却中")
		return
	}
	m.dispatch(ctx, w, assessment, th, level, key)
}

// dispatch persists the alert, delivers it, and only then arms the throttle.
func (m *Monitor) dispatch(ctx context.Context, w models.Wallet, a risk.Assessment, th models.Thresholds, level models.Severity, key throttle.Key) {
	log := m.logger.With().Str("wallet", w.Address).Str("symbol", key.Symbol).Str("severity", string(level)).Logger()

	user, err := m.store.GetUser(ctx, w.UserID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", w.UserID).Msg("读取告警接收人失败")
		return
	}

	message := alerting.RenderLiquidationAlert(a, w.Address, th)
	record, err := m.store.CreateAlert(ctx, models.AlertRecord{
		WalletID:         w.ID,
		Category:         models.AlertCategoryLiquidation,
		Message:          message,
		Severity:         level,
		Symbol:           key.Symbol,
		MarginRatio:      decimal.NewNullDecimal(a.MarginRatio()),
		LiquidationPrice: decimal.NewNullDecimal(a.LiquidationPrice),
	})
	if err != nil {
		log.Error().Err(err).Msg("保存告警记录失败")
		return
	}

	sink := m.notifier()
	if sink == nil {
		metrics.AlertsTotal.WithLabelValues(string(level), "unsent").Inc()
		log.Warn().Int64("alert_id", record.ID).Msg("未配置告警通道，记录保留为未发送")
		return
	}
	if err := sink.SendAlert(ctx, user.ChatID, message, true); err != nil {
		metrics.AlertsTotal.WithLabelValues(string(level), "failed").Inc()
		log.Error().Err(err).Int64("alert_id", record.ID).Msg("告警投递失败")
		return
	}
	if err := m.store.MarkAlertSent(ctx, record.ID); err != nil {
		log.Error().Err(err).Int64("alert_id", record.ID).Msg("标记告警已发送失败")
	}

	m.throttle.Record(key)
	metrics.ThrottleKeys.Set(float64(m.throttle.Len()))
	metrics.AlertsTotal.WithLabelValues(string(level), "sent").Inc()
	log.Info().Int64("alert_id", record.ID).Str("margin_ratio", a.MarginRatio().StringFixed(2)).Msg("已发出清算风险告警")
}
