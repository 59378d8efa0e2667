package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subject = subject
	p.data = data
	return p.err
}

func TestNATSSinkPublishesEvent(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub, "liqguard.alerts", testLogger())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return fixed }

	if err := sink.SendAlert(context.Background(), 42, "urgent", true); err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if pub.subject != "liqguard.alerts" {
		t.Fatalf("subject 不正确: %s", pub.subject)
	}

	var evt AlertEvent
	if err := json.Unmarshal(pub.data, &evt); err != nil {
		t.Fatalf("事件应为合法 JSON: %v", err)
	}
	if _, err := uuid.Parse(evt.ID); err != nil {
		t.Fatalf("事件 id 应为 uuid: %q", evt.ID)
	}
	if evt.Recipient != 42 || evt.Message != "urgent" || !evt.WithActions || !evt.Timestamp.Equal(fixed) {
		t.Fatalf("事件内容不符: %+v", evt)
	}
}

func TestNATSSinkPublishError(t *testing.T) {
	sink := NewNATSSink(&fakePublisher{err: errors.New("no responders")}, "s", testLogger())
	if err := sink.SendAlert(context.Background(), 1, "m", false); err == nil {
		t.Fatal("发布失败应报错")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewNATSSink(&fakePublisher{}, "s", testLogger()).SendAlert(ctx, 1, "m", false); !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际 %v", err)
	}
}
