package alerting

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"case-monitor/internal/storage"
)

func sampleAlert() storage.Alert {
	return storage.Alert{
		ID:         7,
		RuleID:     "tracking_error_rate",
		Scope:      "tracking",
		Severity:   "warning",
		Value:      0.42,
		Threshold:  0.25,
		Message:    "error rate above threshold",
		DetectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("telegram send: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("unexpected chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "tracking_error_rate") {
		t.Fatalf("text should name the rule: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Send(context.Background(), sampleAlert()); err == nil {
		t.Fatal("ok=false should fail")
	}
}

func TestWebhookNotifierResolvedPayload(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	alert := sampleAlert()
	at := alert.DetectedAt.Add(time.Hour)
	by := "auto"
	alert.ResolvedAt = &at
	alert.ResolvedBy = &by

	if err := NewWebhookNotifier(srv.URL, time.Second, testLogger()).Send(context.Background(), alert); err != nil {
		t.Fatalf("webhook send: %v", err)
	}
	if got.Status != "resolved" || got.ID != 7 || got.ResolvedAt == nil || !got.ResolvedAt.Equal(at) {
		t.Fatalf("unexpected payload %+v", got)
	}
}

type failingNotifier struct {
	calls atomic.Int32
	err   error
}

func (f *failingNotifier) Send(context.Context, storage.Alert) error {
	f.calls.Add(1)
	return f.err
}

func TestMultiDeliversToAllChannels(t *testing.T) {
	bad := &failingNotifier{err: errors.New("boom")}
	good := &failingNotifier{}

	multi := NewMulti(testLogger())
	multi.Add("bad", bad)
	multi.Add("good", good)

	err := multi.Send(context.Background(), sampleAlert())
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if bad.calls.Load() != 1 || good.calls.Load() != 1 {
		t.Fatalf("every channel should be attempted")
	}
}

func TestBreakerNotifierOpensAfterFailures(t *testing.T) {
	inner := &failingNotifier{err: errors.New("down")}
	notifier := NewBreakerNotifier(inner, BreakerOptions{Name: "test-channel", FailureThreshold: 2, Cooldown: time.Hour}, testLogger())

	for i := 0; i < 2; i++ {
		if err := notifier.Send(context.Background(), sampleAlert()); err == nil {
			t.Fatal("expected inner failure")
		}
	}
	if err := notifier.Send(context.Background(), sampleAlert()); !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
	if inner.calls.Load() != 2 {
		t.Fatalf("open breaker must not call the channel, calls=%d", inner.calls.Load())
	}
	if notifier.State() != "open" {
		t.Fatalf("unexpected state %s", notifier.State())
	}
}

func TestRenderMessageResolved(t *testing.T) {
	alert := sampleAlert()
	at := alert.DetectedAt.Add(time.Minute)
	alert.ResolvedAt = &at
	msg := RenderMessage(alert)
	if !strings.Contains(msg, "RESOLVED") || !strings.Contains(msg, "by auto") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
