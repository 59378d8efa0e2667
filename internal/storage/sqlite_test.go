package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liqguard/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("打开 sqlite 不应报错: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("迁移不应报错: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func mustUser(t *testing.T, s *SQLiteStore, chatID int64) models.User {
	t.Helper()
	u, err := s.UpsertUser(context.Background(), chatID, "")
	if err != nil {
		t.Fatalf("创建用户不应报错: %v", err)
	}
	return u
}

func TestUpsertUserKeepsUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertUser(ctx, 42, "alice")
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	again, err := s.UpsertUser(ctx, 42, "")
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if again.ID != first.ID || again.Username != "alice" {
		t.Fatalf("期望同一用户且保留用户名，实际 %+v", again)
	}

	got, err := s.GetUserByChatID(ctx, 42)
	if err != nil || got.ID != first.ID {
		t.Fatalf("按 chat id 查询失败: %+v %v", got, err)
	}
	if _, err := s.GetUser(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("期望 ErrNotFound，实际 %v", err)
	}
}

func TestSaveWalletLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, 1)
	bob := mustUser(t, s, 2)

	w, err := s.SaveWallet(ctx, alice.ID, "  0xABCDEF0000000000000000000000000000000001 ")
	if err != nil {
		t.Fatalf("保存钱包不应报错: %v", err)
	}
	if w.Address != "0xabcdef0000000000000000000000000000000001" || !w.Active {
		t.Fatalf("地址应被规范化且处于激活状态: %+v", w)
	}

	// 重复添加是幂等的
	again, err := s.SaveWallet(ctx, alice.ID, w.Address)
	if err != nil || again.ID != w.ID {
		t.Fatalf("重复保存应返回同一钱包: %+v %v", again, err)
	}

	if _, err := s.SaveWallet(ctx, bob.ID, w.Address); !errors.Is(err, ErrWalletTaken) {
		t.Fatalf("期望 ErrWalletTaken，实际 %v", err)
	}

	if err := s.DeactivateWallet(ctx, alice.ID, w.Address); err != nil {
		t.Fatalf("停用不应报错: %v", err)
	}
	active, err := s.ListActiveWallets(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("停用后不应有激活钱包: %v %v", active, err)
	}
	all, err := s.ListUserWallets(ctx, alice.ID, false)
	if err != nil || len(all) != 1 || all[0].Active {
		t.Fatalf("停用的钱包应保留记录: %+v %v", all, err)
	}

	taken, err := s.SaveWallet(ctx, bob.ID, w.Address)
	if err != nil {
		t.Fatalf("停用后其他用户应可接管: %v", err)
	}
	if taken.ID != w.ID || taken.UserID != bob.ID || !taken.Active {
		t.Fatalf("接管结果不符: %+v", taken)
	}

	if err := s.DeactivateWallet(ctx, alice.ID, w.Address); !errors.Is(err, ErrNotFound) {
		t.Fatalf("非所有者停用应返回 ErrNotFound，实际 %v", err)
	}
}

func TestUpdateThresholds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, 1)
	w, err := s.SaveWallet(ctx, u.ID, "0x0000000000000000000000000000000000000002")
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if w.Thresholds != nil {
		t.Fatalf("新钱包阈值应为空")
	}

	th := models.Thresholds{
		Warning:  decimal.NewFromInt(70),
		Critical: decimal.NewFromInt(80),
		Urgent:   decimal.NewFromFloat(85.5),
	}
	if err := s.UpdateThresholds(ctx, w.ID, th); err != nil {
		t.Fatalf("更新阈值不应报错: %v", err)
	}
	got, err := s.GetWalletByAddress(ctx, w.Address)
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if got.Thresholds == nil || !got.Thresholds.Urgent.Equal(th.Urgent) || !got.Thresholds.Warning.Equal(th.Warning) {
		t.Fatalf("阈值未持久化: %+v", got.Thresholds)
	}

	if err := s.UpdateThresholds(ctx, 999, th); !errors.Is(err, ErrNotFound) {
		t.Fatalf("期望 ErrNotFound，实际 %v", err)
	}
}

func TestPositionUpsertAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, 1)
	w, _ := s.SaveWallet(ctx, u.ID, "0x0000000000000000000000000000000000000003")

	eth := models.PositionSnapshot{
		WalletID:   w.ID,
		Symbol:     "ETH-PERP",
		Size:       decimal.NewFromInt(2),
		Side:       models.SideLong,
		EntryPrice: decimal.NewFromInt(100),
		MarkPrice:  decimal.NewNullDecimal(decimal.NewFromInt(98)),
	}
	btc := eth
	btc.Symbol = "BTC-PERP"
	btc.Side = models.SideShort

	for _, p := range []models.PositionSnapshot{eth, btc} {
		if err := s.UpsertPosition(ctx, p); err != nil {
			t.Fatalf("写入仓位不应报错: %v", err)
		}
	}

	eth.Size = decimal.RequireFromString("1.5")
	eth.MarkPrice = decimal.NullDecimal{}
	if err := s.UpsertPosition(ctx, eth); err != nil {
		t.Fatalf("覆盖仓位不应报错: %v", err)
	}

	positions, err := s.ListPositions(ctx, w.ID)
	if err != nil || len(positions) != 2 {
		t.Fatalf("期望 2 个仓位，实际 %d (%v)", len(positions), err)
	}
	if positions[0].Symbol != "BTC-PERP" || positions[1].Symbol != "ETH-PERP" {
		t.Fatalf("仓位应按 symbol 排序: %s, %s", positions[0].Symbol, positions[1].Symbol)
	}
	if !positions[1].Size.Equal(decimal.RequireFromString("1.5")) || positions[1].MarkPrice.Valid {
		t.Fatalf("覆盖写入未生效: %+v", positions[1])
	}

	removed, err := s.PrunePositions(ctx, w.ID, []string{"ETH-PERP"})
	if err != nil || removed != 1 {
		t.Fatalf("期望删除 1 条，实际 %d (%v)", removed, err)
	}
	removed, err = s.PrunePositions(ctx, w.ID, nil)
	if err != nil || removed != 1 {
		t.Fatalf("空 keep 应清空仓位，实际 %d (%v)", removed, err)
	}
}

func TestBalanceUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, 1)
	w, _ := s.SaveWallet(ctx, u.ID, "0x0000000000000000000000000000000000000004")

	if _, err := s.GetBalance(ctx, w.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("期望 ErrNotFound，实际 %v", err)
	}

	acct := models.AccountSnapshot{
		WalletID:        w.ID,
		TotalMargin:     decimal.NewFromInt(1000),
		UsedMargin:      decimal.NewFromInt(400),
		AvailableMargin: decimal.NewFromInt(600),
		UnrealizedPnL:   decimal.RequireFromString("-12.5"),
	}
	if err := s.UpsertBalance(ctx, acct); err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	acct.UsedMargin = decimal.NewFromInt(900)
	if err := s.UpsertBalance(ctx, acct); err != nil {
		t.Fatalf("不应报错: %v", err)
	}

	got, err := s.GetBalance(ctx, w.ID)
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if !got.UsedMargin.Equal(decimal.NewFromInt(900)) || !got.UnrealizedPnL.Equal(acct.UnrealizedPnL) {
		t.Fatalf("余额覆盖写入未生效: %+v", got)
	}
	if !got.MarginRatio().Equal(decimal.NewFromInt(90)) {
		t.Fatalf("期望保证金率 90，实际 %s", got.MarginRatio())
	}
}

func TestAlertLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, 1)
	w, _ := s.SaveWallet(ctx, u.ID, "0x0000000000000000000000000000000000000005")

	rec, err := s.CreateAlert(ctx, models.AlertRecord{
		WalletID:    w.ID,
		Category:    models.AlertCategoryLiquidation,
		Message:     "margin ratio 92%",
		Severity:    models.SeverityCritical,
		Symbol:      "ETH-PERP",
		MarginRatio: decimal.NewNullDecimal(decimal.NewFromInt(92)),
	})
	if err != nil {
		t.Fatalf("写入告警不应报错: %v", err)
	}
	if rec.ID == 0 || rec.CreatedAt.IsZero() {
		t.Fatalf("应返回 id 和创建时间: %+v", rec)
	}
	if err := s.MarkAlertSent(ctx, rec.ID); err != nil {
		t.Fatalf("标记已发送不应报错: %v", err)
	}

	recent, err := s.ListRecentAlerts(ctx, w.ID, time.Hour)
	if err != nil || len(recent) != 1 {
		t.Fatalf("期望 1 条告警，实际 %d (%v)", len(recent), err)
	}
	got := recent[0]
	if !got.Sent || got.Symbol != "ETH-PERP" || got.Severity != models.SeverityCritical || got.LiquidationPrice.Valid {
		t.Fatalf("告警内容不符: %+v", got)
	}

	removed, err := s.DeleteAlertsBefore(ctx, time.Now().Add(time.Minute))
	if err != nil || removed != 1 {
		t.Fatalf("期望清理 1 条，实际 %d (%v)", removed, err)
	}
	if err := s.MarkAlertSent(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("期望 ErrNotFound，实际 %v", err)
	}
}

func TestAdvisoryLockNoop(t *testing.T) {
	s := newTestStore(t)
	unlock, ok, err := s.TryAdvisoryLock(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("sqlite 锁应总是成功: %v %v", ok, err)
	}
	unlock()

	var empty *SQLiteStore
	if _, _, err := empty.TryAdvisoryLock(context.Background(), 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured，实际 %v", err)
	}
}
