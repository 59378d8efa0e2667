package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fakeTelegram(t *testing.T, ok bool, received *[]map[string]any) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("路径应为 /bottoken/sendMessage, 实际 %s", r.URL.Path)
		}
		body := map[string]any{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		mu.Lock()
		*received = append(*received, body)
		mu.Unlock()

		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: chat not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": map[string]any{
				"message_id": 7,
				"date":       time.Now().Unix(),
				"chat":       map[string]any{"id": 42, "type": "private"},
				"text":       body["text"],
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTelegramSinkSuccess(t *testing.T) {
	var received []map[string]any
	srv := fakeTelegram(t, true, &received)

	sink, err := NewTelegramSink("token", srv.URL, time.Second, testLogger())
	if err != nil {
		t.Fatalf("构造 Telegram sink 不应报错: %v", err)
	}
	if err := sink.SendAlert(context.Background(), 42, "margin ratio 95%", true); err != nil {
		t.Fatalf("SendAlert 应成功: %v", err)
	}

	if len(received) != 1 {
		t.Fatalf("期望 1 次请求，实际 %d", len(received))
	}
	if got := received[0]["chat_id"]; got != "42" {
		t.Fatalf("chat_id 不正确: %#v", got)
	}
	if received[0]["text"] != "margin ratio 95%" {
		t.Fatalf("text 不正确: %#v", received[0]["text"])
	}
	markup, _ := received[0]["reply_markup"].(string)
	if !strings.Contains(markup, "View Portfolio") || !strings.Contains(markup, "Settings") {
		t.Fatalf("应附带内联按钮: %q", markup)
	}
}

func TestTelegramSinkWithoutActions(t *testing.T) {
	var received []map[string]any
	srv := fakeTelegram(t, true, &received)

	sink, err := NewTelegramSink("token", srv.URL, time.Second, testLogger())
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if err := sink.SendAlert(context.Background(), 42, "hello", false); err != nil {
		t.Fatalf("SendAlert 应成功: %v", err)
	}
	if markup, ok := received[0]["reply_markup"].(string); ok && strings.Contains(markup, "View Portfolio") {
		t.Fatalf("不应附带按钮: %q", markup)
	}
}

func TestTelegramSinkError(t *testing.T) {
	var received []map[string]any
	srv := fakeTelegram(t, false, &received)

	sink, err := NewTelegramSink("token", srv.URL, time.Second, testLogger())
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if err := sink.SendAlert(context.Background(), 42, "hello", true); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramSinkRequiresToken(t *testing.T) {
	if _, err := NewTelegramSink("", "", time.Second, testLogger()); err == nil {
		t.Fatal("缺少 token 应报错")
	}
}

type recordingSink struct {
	err   error
	calls int
}

func (s *recordingSink) SendAlert(context.Context, int64, string, bool) error {
	s.calls++
	return s.err
}

func TestFanoutPrimaryDecides(t *testing.T) {
	primary := &recordingSink{}
	mirror := &recordingSink{err: errors.New("broker down")}
	f := NewFanout(primary, testLogger(), mirror)

	if err := f.SendAlert(context.Background(), 1, "msg", true); err != nil {
		t.Fatalf("镜像失败不应影响结果: %v", err)
	}
	if primary.calls != 1 || mirror.calls != 1 {
		t.Fatalf("期望各调用 1 次，实际 primary=%d mirror=%d", primary.calls, mirror.calls)
	}

	primary.err = errors.New("telegram down")
	if err := f.SendAlert(context.Background(), 1, "msg", true); err == nil {
		t.Fatal("主通道失败应报错")
	}
	if mirror.calls != 1 {
		t.Fatalf("主通道失败时不应投递镜像，实际 %d", mirror.calls)
	}
}

func TestFanoutPromotesMirrorAndEmpty(t *testing.T) {
	mirror := &recordingSink{}
	f := NewFanout(nil, testLogger(), nil, mirror)
	if f.Empty() {
		t.Fatal("有镜像时不应为空")
	}
	if err := f.SendAlert(context.Background(), 1, "msg", false); err != nil || mirror.calls != 1 {
		t.Fatalf("镜像应被提升为主通道: %v calls=%d", err, mirror.calls)
	}

	empty := NewFanout(nil, testLogger())
	if err := empty.SendAlert(context.Background(), 1, "msg", false); !errors.Is(err, ErrNoSink) {
		t.Fatalf("期望 ErrNoSink，实际 %v", err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
