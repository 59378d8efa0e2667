package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewLoopRejectsZeroInterval(t *testing.T) {
	if _, err := NewLoop(Options{}, zerolog.Nop()); err == nil {
		t.Fatal("间隔为 0 应报错")
	}
}

func TestLoopTicksUntilCancelled(t *testing.T) {
	loop, err := NewLoop(Options{Name: "poll", Interval: 10 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- loop.Run(ctx, func(context.Context, time.Time) error {
			if ticks.Add(1) == 2 {
				return errors.New("tick failure is logged")
			}
			return nil
		})
	}()

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("期望至少 3 次 tick，实际 %d", ticks.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("期望 context.Canceled，实际 %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("取消后 Run 应及时返回")
	}
}

func TestLoopStartupDelayObservesCancel(t *testing.T) {
	loop, _ := NewLoop(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := loop.Run(ctx, func(context.Context, time.Time) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际 %v", err)
	}
}

func TestAlignedNextTick(t *testing.T) {
	loop, _ := NewLoop(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	if got := loop.nextTick(now); !got.Equal(time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC)) {
		t.Fatalf("对齐后的下一次 tick 不符: %s", got)
	}
	exact := time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC)
	if got := loop.nextTick(exact); !got.Equal(exact.Add(time.Minute)) {
		t.Fatalf("正好落在边界时应取下一个: %s", got)
	}
}

func TestCronRunsJob(t *testing.T) {
	c := NewCron(zerolog.Nop())
	ran := make(chan struct{}, 1)
	err := c.Add(context.Background(), Job{
		Name:    "reconcile",
		Spec:    "@every 1s",
		Timeout: time.Second,
		Run: func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("设置 Timeout 后应带 deadline")
			}
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("注册任务不应报错: %v", err)
	}
	c.Start()
	defer c.Stop()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("任务应在 3 秒内执行")
	}
}

func TestCronRejectsBadSpec(t *testing.T) {
	c := NewCron(zerolog.Nop())
	if err := c.Add(context.Background(), Job{Name: "bad", Spec: "every minute", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("非法 spec 应报错")
	}
	if err := c.Add(context.Background(), Job{Name: "nil", Spec: "@daily"}); err == nil {
		t.Fatal("缺少 Run 应报错")
	}
}
