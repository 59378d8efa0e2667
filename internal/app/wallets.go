package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"liqguard/internal/wallet"
)

// AddWallet registers chatID (if new) and starts tracking address for it.
func (a *App) AddWallet(ctx context.Context, out io.Writer, chatID int64, username, address string) error {
	return a.withWallets(ctx, func(m *wallet.Manager) error {
		if _, err := m.RegisterUser(ctx, chatID, username); err != nil {
			return err
		}
		w, reactivated, err := m.AddWallet(ctx, chatID, address)
		if err != nil {
			return err
		}
		verb := "added"
		if reactivated {
			verb = "reactivated"
		}
		_, err = fmt.Fprintf(out, "%s %s (id %d)\n", verb, w.Address, w.ID)
		return err
	})
}

// RemoveWallet deactivates address for chatID.
func (a *App) RemoveWallet(ctx context.Context, out io.Writer, chatID int64, address string) error {
	return a.withWallets(ctx, func(m *wallet.Manager) error {
		if err := m.RemoveWallet(ctx, chatID, address); err != nil {
			return err
		}
		_, err := fmt.Fprintf(out, "removed %s\n", address)
		return err
	})
}

// SetThreshold derives and stores the severity thresholds from a warning percentage.
func (a *App) SetThreshold(ctx context.Context, out io.Writer, chatID int64, address string, pct float64) error {
	return a.withWallets(ctx, func(m *wallet.Manager) error {
		th, err := m.SetThreshold(ctx, chatID, address, decimal.NewFromFloat(pct))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "thresholds for %s: warning %s%% / critical %s%% / urgent %s%%\n",
			address, th.Warning, th.Critical, th.Urgent)
		return err
	})
}

// ListWallets prints the wallets of chatID.
func (a *App) ListWallets(ctx context.Context, out io.Writer, chatID int64, all bool) error {
	return a.withWallets(ctx, func(m *wallet.Manager) error {
		wallets, err := m.ListWallets(ctx, chatID, !all)
		if err != nil {
			return err
		}
		if len(wallets) == 0 {
			_, err := fmt.Fprintln(out, "no wallets")
			return err
		}

		defaults := a.Config.DefaultThresholds()
		writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Address\tActive\tWarning%\tCritical%\tUrgent%\tAdded (UTC)")
		for _, w := range wallets {
			th := w.EffectiveThresholds(defaults)
			fmt.Fprintf(writer, "%s\t%t\t%s\t%s\t%s\t%s\n",
				w.Address, w.Active, th.Warning, th.Critical, th.Urgent,
				w.CreatedAt.UTC().Format(time.RFC3339))
		}
		return writer.Flush()
	})
}

func (a *App) withWallets(ctx context.Context, fn func(m *wallet.Manager) error) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(wallet.NewManager(store, a.Logger))
}
