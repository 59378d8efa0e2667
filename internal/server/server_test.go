package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liqguard/internal/feed"
	"liqguard/internal/monitor"
	"liqguard/internal/risk"
	"liqguard/internal/storage"
)

const wallet = "0xabcdef0123456789abcdef0123456789abcdef01"

type fakeMonitor struct{}

func (fakeMonitor) Running() []string { return []string{wallet} }

func (fakeMonitor) WalletStatus(ctx context.Context, address string) (monitor.WalletStatus, error) {
	if address != wallet {
		return monitor.WalletStatus{}, fmt.Errorf("wallet %s: %w", address, storage.ErrNotFound)
	}
	return monitor.WalletStatus{Address: wallet, Monitored: true, PositionCount: 2, MarginRatio: decimal.NewFromInt(85), HealthLabel: "WARNING"}, nil
}

func (fakeMonitor) PortfolioSummary(ctx context.Context, address string) (monitor.Portfolio, error) {
	return monitor.Portfolio{Address: address, Summary: risk.PortfolioSummary{TotalPositions: 2, MostRisky: "BTC-PERP"}}, nil
}

type fakeFeed struct{}

func (fakeFeed) Status() feed.Status { return feed.Status{State: "connected", Subscriptions: 2} }

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes(t *testing.T) {
	router := Routes(fakeMonitor{}, fakeFeed{}, zerolog.Nop())

	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/healthz", http.StatusOK, `"wallets":1`},
		{"/api/wallets", http.StatusOK, wallet},
		{"/api/wallets/" + wallet + "/status", http.StatusOK, `"health":"WARNING"`},
		{"/api/wallets/" + wallet + "/status", http.StatusOK, `"margin_ratio":"85"`},
		{"/api/wallets/0x01/status", http.StatusNotFound, "not found"},
		{"/api/wallets/" + wallet + "/portfolio", http.StatusOK, `"MostRisky":"BTC-PERP"`},
		{"/api/feed/status", http.StatusOK, `"state":"connected"`},
	}

	for _, tt := range tests {
		rec := get(t, router, tt.path)
		if rec.Code != tt.status {
			t.Fatalf("%s: 期望状态码 %d，实际 %d", tt.path, tt.status, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), tt.want) {
			t.Fatalf("%s: 响应应包含 %q，实际 %s", tt.path, tt.want, rec.Body.String())
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, Routes(fakeMonitor{}, nil, zerolog.Nop()), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics 期望 200，实际 %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatal("metrics 输出应包含默认采集器")
	}
}

func TestFeedDisabled(t *testing.T) {
	rec := get(t, Routes(fakeMonitor{}, nil, zerolog.Nop()), "/api/feed/status")
	if !strings.Contains(rec.Body.String(), `"state":"disabled"`) {
		t.Fatalf("未启用实时通道时应返回 disabled，实际 %s", rec.Body.String())
	}
}

func TestUnknownMethod(t *testing.T) {
	router := Routes(fakeMonitor{}, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST 期望 405，实际 %d", rec.Code)
	}
}
