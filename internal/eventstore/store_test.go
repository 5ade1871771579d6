package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.OpenSession(ctx, SessionRecord{SessionID: "s"}); err != nil {
		t.Fatalf("expected ephemeral writes to be ignored, got %v", err)
	}
}

func TestSessionLifecycleAndEvents(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.OpenSession(ctx, SessionRecord{SessionID: "session-123", Direction: "capture_to_text", Principal: "alice", Remote: "10.0.0.2:5555"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	for _, typ := range []string{"transcript", "transcript", "segment_failed"} {
		if err := es.AppendEvent(ctx, Event{SessionID: "session-123", Type: typ, Payload: []byte(`{"ok":true}`)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 || events[2].Type != "segment_failed" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if string(events[0].Payload) != `{"ok":true}` {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatalf("expected event timestamp to round-trip")
	}

	if err := es.EndSession(ctx, "session-123", "client closed"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	rec, err := es.GetSession(ctx, "session-123")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.Principal != "alice" || rec.Direction != "capture_to_text" || rec.CloseReason != "client closed" {
		t.Fatalf("unexpected session record: %+v", rec)
	}
	if rec.EndedAt.IsZero() || rec.CreatedAt.IsZero() {
		t.Fatalf("expected created and ended timestamps, got %+v", rec)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, SessionRecord{SessionID: "old-session", Direction: "text_to_speech"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, SessionRecord{SessionID: "new-session", Direction: "text_to_speech"}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := es.GetSession(ctx, "new-session"); err != nil {
		t.Fatalf("expected new session to survive: %v", err)
	}
}

func TestRunPrunerStopsWithContext(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session", RetentionDays: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		es.RunPruner(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pruner did not stop")
	}
}
