package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liqguard/internal/storage"
)

const addr = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"

func newManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("打开 sqlite 不应报错: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("迁移不应报错: %v", err)
	}
	t.Cleanup(store.Close)
	return NewManager(store, zerolog.Nop())
}

func TestValidateAddress(t *testing.T) {
	got, err := ValidateAddress("  " + addr + " ")
	if err != nil {
		t.Fatalf("合法地址不应报错: %v", err)
	}
	if got != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Fatalf("地址应被小写化，实际 %s", got)
	}

	for _, bad := range []string{
		"",
		"abcdef0123456789abcdef0123456789abcdef01",
		"0xabc",
		"0xzzcdef0123456789abcdef0123456789abcdef01",
		addr + "00",
	} {
		if _, err := ValidateAddress(bad); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("%q 期望 ErrInvalidAddress，实际 %v", bad, err)
		}
	}
}

func TestAddRemoveWallet(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	if _, _, err := m.AddWallet(ctx, 7, addr); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("未注册用户期望 ErrUserNotFound，实际 %v", err)
	}
	if _, err := m.RegisterUser(ctx, 7, "trader"); err != nil {
		t.Fatalf("注册用户不应报错: %v", err)
	}

	w, reactivated, err := m.AddWallet(ctx, 7, addr)
	if err != nil || reactivated {
		t.Fatalf("首次添加应成功且非重新激活: %v %v", reactivated, err)
	}
	if _, _, err := m.AddWallet(ctx, 7, addr); !errors.Is(err, ErrAlreadyMonitored) {
		t.Fatalf("重复添加期望 ErrAlreadyMonitored，实际 %v", err)
	}

	if err := m.RemoveWallet(ctx, 7, addr); err != nil {
		t.Fatalf("移除不应报错: %v", err)
	}
	if err := m.RemoveWallet(ctx, 7, "0x0000000000000000000000000000000000000009"); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("期望 ErrWalletNotFound，实际 %v", err)
	}

	again, reactivated, err := m.AddWallet(ctx, 7, addr)
	if err != nil || !reactivated || again.ID != w.ID {
		t.Fatalf("应重新激活同一钱包: %+v %v %v", again, reactivated, err)
	}

	active, err := m.ListWallets(ctx, 7, true)
	if err != nil || len(active) != 1 {
		t.Fatalf("期望 1 个激活钱包，实际 %d (%v)", len(active), err)
	}
}

func TestWalletTakenByOtherUser(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, _ = m.RegisterUser(ctx, 1, "")
	_, _ = m.RegisterUser(ctx, 2, "")

	if _, _, err := m.AddWallet(ctx, 1, addr); err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if _, _, err := m.AddWallet(ctx, 2, addr); !errors.Is(err, storage.ErrWalletTaken) {
		t.Fatalf("期望 ErrWalletTaken，实际 %v", err)
	}
}

func TestDeriveThresholds(t *testing.T) {
	cases := []struct {
		in                    int64
		warn, critical, urgnt int64
	}{
		{75, 75, 85, 90},
		{88, 88, 98, 100},
		{95, 95, 100, 100},
	}
	for _, tc := range cases {
		th := DeriveThresholds(decimal.NewFromInt(tc.in))
		if !th.Warning.Equal(decimal.NewFromInt(tc.warn)) ||
			!th.Critical.Equal(decimal.NewFromInt(tc.critical)) ||
			!th.Urgent.Equal(decimal.NewFromInt(tc.urgnt)) {
			t.Fatalf("%d 推导结果不符: %s/%s/%s", tc.in, th.Warning, th.Critical, th.Urgent)
		}
	}
}

func TestSetThreshold(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, _ = m.RegisterUser(ctx, 1, "")
	_, _ = m.RegisterUser(ctx, 2, "")
	if _, _, err := m.AddWallet(ctx, 1, addr); err != nil {
		t.Fatalf("不应报错: %v", err)
	}

	th, err := m.SetThreshold(ctx, 1, addr, decimal.NewFromInt(70))
	if err != nil {
		t.Fatalf("设置阈值不应报错: %v", err)
	}
	if !th.Urgent.Equal(decimal.NewFromInt(85)) {
		t.Fatalf("urgent 期望 85，实际 %s", th.Urgent)
	}

	wallets, _ := m.ListWallets(ctx, 1, true)
	if wallets[0].Thresholds == nil || !wallets[0].Thresholds.Critical.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("阈值应已持久化: %+v", wallets[0].Thresholds)
	}

	if _, err := m.SetThreshold(ctx, 1, addr, decimal.NewFromInt(101)); err == nil {
		t.Fatal("超出 [0,100] 应报错")
	}
	if _, err := m.SetThreshold(ctx, 2, addr, decimal.NewFromInt(70)); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("非所有者期望 ErrWalletNotFound，实际 %v", err)
	}
}
