package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"liqguard/internal/alerting"
	"liqguard/internal/models"
	"liqguard/internal/risk"
	"liqguard/internal/storage"
)

// NoDataLabel is the health label of a wallet without an account snapshot.
const NoDataLabel = "NO DATA"

// WalletStatus is the quick overview of one wallet.
type WalletStatus struct {
	Address         string          `json:"address"`
	Monitored       bool            `json:"monitored"`
	PositionCount   int             `json:"position_count"`
	MarginRatio     decimal.Decimal `json:"margin_ratio"`
	HealthLabel     string          `json:"health"`
	TotalMargin     decimal.Decimal `json:"total_margin"`
	UsedMargin      decimal.Decimal `json:"used_margin"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	UpdatedAt       *time.Time      `json:"updated_at,omitempty"`
}

// Portfolio is the stored positions of a wallet with their aggregate assessment.
type Portfolio struct {
	Address    string                    `json:"address"`
	Positions  []models.PositionSnapshot `json:"positions"`
	Summary    risk.PortfolioSummary     `json:"summary"`
	Thresholds models.Thresholds         `json:"thresholds"`
	HasAccount bool                      `json:"has_account"`
}

// WalletStatus reads the stored state of address. It does not fetch.
func (m *Monitor) WalletStatus(ctx context.Context, address string) (WalletStatus, error) {
	w, positions, acct, found, err := m.load(ctx, address)
	if err != nil {
		return WalletStatus{}, err
	}
	status := WalletStatus{
		Address:       w.Address,
		Monitored:     m.IsRunning(w.Address),
		PositionCount: len(positions),
		HealthLabel:   NoDataLabel,
	}
	if !found {
		return status, nil
	}
	updated := acct.UpdatedAt
	status.MarginRatio = acct.MarginRatio()
	status.HealthLabel = alerting.HealthLabel(status.MarginRatio, w.EffectiveThresholds(m.opts.Thresholds))
	status.TotalMargin = acct.TotalMargin
	status.UsedMargin = acct.UsedMargin
	status.AvailableMargin = acct.AvailableMargin
	status.UpdatedAt = &updated
	return status, nil
}

// PortfolioSummary reads the stored positions of address and summarises them.
func (m *Monitor) PortfolioSummary(ctx context.Context, address string) (Portfolio, error) {
	w, positions, acct, found, err := m.load(ctx, address)
	if err != nil {
		return Portfolio{}, err
	}
	th := w.EffectiveThresholds(m.opts.Thresholds)
	return Portfolio{
		Address:    w.Address,
		Positions:  positions,
		Summary:    risk.Portfolio(positions, acct, th),
		Thresholds: th,
		HasAccount: found,
	}, nil
}

// Thresholds resolves the thresholds that apply to w.
func (m *Monitor) Thresholds(w models.Wallet) models.Thresholds {
	return w.EffectiveThresholds(m.opts.Thresholds)
}

func (m *Monitor) load(ctx context.Context, address string) (models.Wallet, []models.PositionSnapshot, models.AccountSnapshot, bool, error) {
	var acct models.AccountSnapshot
	w, err := m.store.GetWalletByAddress(ctx, storage.NormalizeAddress(address))
	if err != nil {
		return models.Wallet{}, nil, acct, false, err
	}
	positions, err := m.store.ListPositions(ctx, w.ID)
	if err != nil {
		return w, nil, acct, false, err
	}
	acct, err = m.store.GetBalance(ctx, w.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return w, positions, models.AccountSnapshot{}, false, nil
	case err != nil:
		return w, nil, acct, false, err
	}
	return w, positions, acct, true, nil
}
