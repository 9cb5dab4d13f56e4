package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestTarget_Valid(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name   string
		target Target
		want   bool
	}{
		{"recipient", Recipient(id), true},
		{"broadcast", Broadcast(ScopeAdmins), true},
		{"empty", Target{}, false},
		{"nil recipient", Recipient(uuid.Nil), false},
		{"both", Target{UserID: id, Scope: ScopeAdmins}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.target.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTemplateEngine_BuiltIns(t *testing.T) {
	eng := NewTemplateEngine()
	for _, id := range []Event{
		EventConsentRequested, EventConsentGranted, EventConsentDenied,
		EventConsentRevoked, EventShareGranted, EventShareRevoked,
	} {
		if _, _, err := eng.Render(id, nil); err != nil {
			t.Errorf("built-in %q: %v", id, err)
		}
	}
}

func TestTemplateEngine_Render(t *testing.T) {
	eng := NewTemplateEngine()
	_, body, err := eng.Render(EventShareGranted, map[string]string{
		"record_id":   "rec-1",
		"expiry_date": "2026-03-08",
	})
	if err != nil {
		t.Fatal(err)
	}
	if body != "Record rec-1 was shared with you until 2026-03-08." {
		t.Errorf("body = %q", body)
	}

	if _, _, err := eng.Render("nonexistent", nil); err == nil {
		t.Error("expected error for missing template")
	}
}

func TestTemplateEngine_BuildRejectsInvalidTarget(t *testing.T) {
	eng := NewTemplateEngine()
	if _, err := eng.Build(Target{}, EventConsentGranted, nil); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
	msg, err := eng.Build(Broadcast(ScopeAdmins), EventConsentRevoked, map[string]string{"consent_type": "research"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Error("expected id and timestamp")
	}
	if !strings.HasPrefix(msg.Body, "research consent") {
		t.Errorf("body = %q", msg.Body)
	}
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
	pingErr error
	closed  bool
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if f.pingErr != nil {
		cmd.SetErr(f.pingErr)
	} else {
		cmd.SetVal("PONG")
	}
	return cmd
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisNotifier_Publishes(t *testing.T) {
	fake := &fakeRedis{}
	n := &RedisNotifier{client: fake, channel: "test.channel"}
	user := uuid.New()

	msg := Message{ID: "m1", Target: Recipient(user), Event: EventShareGranted, Subject: "s"}
	if err := n.Notify(context.Background(), msg); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if fake.channel != "test.channel" {
		t.Errorf("channel = %q", fake.channel)
	}
	var got Message
	if err := json.Unmarshal(fake.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Target.UserID != user || got.Event != EventShareGranted {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestRedisNotifier_Errors(t *testing.T) {
	fake := &fakeRedis{err: errors.New("connection refused")}
	n := &RedisNotifier{client: fake, channel: DefaultChannel}

	if err := n.Notify(context.Background(), Message{Target: Target{}}); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("expected ErrInvalidTarget, got %v", err)
	}
	if err := n.Notify(context.Background(), Message{Target: Broadcast(ScopeAdmins)}); err == nil {
		t.Error("expected publish error")
	}

	fake.pingErr = errors.New("down")
	if err := n.Check(context.Background()); err == nil {
		t.Error("expected ping error")
	}
	if err := n.Close(); err != nil || !fake.closed {
		t.Error("expected client to be closed")
	}
}

func TestNewRedisNotifier_BadURL(t *testing.T) {
	if _, err := NewRedisNotifier("not-a-url://", ""); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(zerolog.New(&buf))
	if err := n.Notify(context.Background(), Message{ID: "m1", Target: Broadcast(ScopeAdmins), Event: EventConsentGranted}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"target":"broadcast:admins"`) {
		t.Errorf("log output = %s", buf.String())
	}
	if err := n.Notify(context.Background(), Message{}); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("expected ErrInvalidTarget, got %v", err)
	}
}

func TestMockNotifier(t *testing.T) {
	m := &MockNotifier{}
	if err := m.Notify(context.Background(), Message{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	m.ShouldFail = true
	m.FailError = "smtp down"
	if err := m.Notify(context.Background(), Message{ID: "b"}); err == nil || err.Error() != "smtp down" {
		t.Errorf("expected failure, got %v", err)
	}
	if len(m.Calls()) != 2 {
		t.Errorf("calls = %d", len(m.Calls()))
	}
}
