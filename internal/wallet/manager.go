// Package wallet manages users, monitored addresses and their alert thresholds.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liqguard/internal/models"
	"liqguard/internal/storage"
)

var (
	// ErrInvalidAddress rejects anything other than 0x followed by 40 hex characters.
	ErrInvalidAddress = errors.New("invalid wallet address: must be 42 characters starting with 0x followed by 40 hex characters")
	// ErrUserNotFound indicates the chat id was never registered.
	ErrUserNotFound = errors.New("user not found")
	// ErrWalletNotFound indicates the wallet is unknown or not active for the user.
	ErrWalletNotFound = errors.New("wallet not found or not active")
	// ErrAlreadyMonitored indicates the user already monitors the wallet.
	ErrAlreadyMonitored = errors.New("wallet is already being monitored")
)

var (
	hundred      = decimal.NewFromInt(100)
	criticalStep = decimal.NewFromInt(10)
	urgentStep   = decimal.NewFromInt(15)
)

// Store is the persistence the manager needs.
type Store interface {
	storage.UserStore
	storage.WalletStore
}

// Manager applies wallet CRUD on behalf of a user identified by chat id.
type Manager struct {
	store  Store
	logger zerolog.Logger
}

// NewManager wires a manager.
func NewManager(store Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With().Str("component", "wallet_manager").Logger(),
	}
}

// ValidateAddress trims and lowercases a 0x-prefixed hex address.
func ValidateAddress(address string) (string, error) {
	addr := strings.TrimSpace(address)
	if !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return strings.ToLower(addr), nil
}

// RegisterUser creates the user or refreshes its username.
func (m *Manager) RegisterUser(ctx context.Context, chatID int64, username string) (models.User, error) {
	return m.store.UpsertUser(ctx, chatID, username)
}

// AddWallet starts monitoring address for the user. reactivated reports whether a
// previously removed wallet was switched back on.
func (m *Manager) AddWallet(ctx context.Context, chatID int64, address string) (w models.Wallet, reactivated bool, err error) {
	addr, err := ValidateAddress(address)
	if err != nil {
		return models.Wallet{}, false, err
	}
	user, err := m.user(ctx, chatID)
	if err != nil {
		return models.Wallet{}, false, err
	}

	existing, err := m.store.GetWalletByAddress(ctx, addr)
	switch {
	case err == nil:
		if existing.UserID == user.ID && existing.Active {
			return existing, false, ErrAlreadyMonitored
		}
		reactivated = existing.UserID == user.ID
	case !errors.Is(err, storage.ErrNotFound):
		return models.Wallet{}, false, err
	}

	w, err = m.store.SaveWallet(ctx, user.ID, addr)
	if err != nil {
		return models.Wallet{}, false, err
	}
	m.logger.Info().Int64("chat_id", chatID).Str("wallet", addr).Bool("reactivated", reactivated).Msg("wallet added")
	return w, reactivated, nil
}

// RemoveWallet deactivates a wallet; history is kept.
func (m *Manager) RemoveWallet(ctx context.Context, chatID int64, address string) error {
	addr, err := ValidateAddress(address)
	if err != nil {
		return err
	}
	user, err := m.user(ctx, chatID)
	if err != nil {
		return err
	}
	if err := m.store.DeactivateWallet(ctx, user.ID, addr); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrWalletNotFound
		}
		return err
	}
	m.logger.Info().Int64("chat_id", chatID).Str("wallet", addr).Msg("wallet removed")
	return nil
}

// ListWallets lists the user's wallets.
func (m *Manager) ListWallets(ctx context.Context, chatID int64, activeOnly bool) ([]models.Wallet, error) {
	user, err := m.user(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return m.store.ListUserWallets(ctx, user.ID, activeOnly)
}

// SetThreshold sets warning to pct and derives critical = pct+10 and urgent = pct+15,
// both capped at 100.
func (m *Manager) SetThreshold(ctx context.Context, chatID int64, address string, pct decimal.Decimal) (models.Thresholds, error) {
	th := DeriveThresholds(pct)
	if err := m.SetThresholds(ctx, chatID, address, th); err != nil {
		return models.Thresholds{}, err
	}
	return th, nil
}

// DeriveThresholds expands a single warning percentage into all three severities.
func DeriveThresholds(pct decimal.Decimal) models.Thresholds {
	return models.Thresholds{
		Warning:  pct,
		Critical: decimal.Min(pct.Add(criticalStep), hundred),
		Urgent:   decimal.Min(pct.Add(urgentStep), hundred),
	}
}

// SetThresholds stores explicit thresholds after validating them.
func (m *Manager) SetThresholds(ctx context.Context, chatID int64, address string, th models.Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	w, err := m.activeWallet(ctx, chatID, address)
	if err != nil {
		return err
	}
	if err := m.store.UpdateThresholds(ctx, w.ID, th); err != nil {
		return err
	}
	m.logger.Info().Str("wallet", w.Address).
		Str("warning", th.Warning.String()).
		Str("critical", th.Critical.String()).
		Str("urgent", th.Urgent.String()).
		Msg("thresholds updated")
	return nil
}

func (m *Manager) activeWallet(ctx context.Context, chatID int64, address string) (models.Wallet, error) {
	addr, err := ValidateAddress(address)
	if err != nil {
		return models.Wallet{}, err
	}
	user, err := m.user(ctx, chatID)
	if err != nil {
		return models.Wallet{}, err
	}
	w, err := m.store.GetWalletByAddress(ctx, addr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Wallet{}, ErrWalletNotFound
		}
		return models.Wallet{}, err
	}
	if w.UserID != user.ID || !w.Active {
		return models.Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (m *Manager) user(ctx context.Context, chatID int64) (models.User, error) {
	u, err := m.store.GetUserByChatID(ctx, chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, err
	}
	return u, nil
}
