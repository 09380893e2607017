package events

import (
	"testing"
	"time"

	"soundline/internal/db"
	"soundline/internal/migrate"
)

func newWriter(t *testing.T) *Writer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	return NewWriter(conn)
}

func TestAppendAndLatest(t *testing.T) {
	w := newWriter(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		w.Now = func() time.Time { return ts }
		if err := w.Append("submission.state.changed", "cycle", "c1", map[string]any{"step": i}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := w.Latest(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events", len(got))
	}
	if !got[0].TS.After(got[1].TS) {
		t.Fatal("events must come newest first")
	}
	if got[0].EntityID != "c1" || got[0].Type != "submission.state.changed" {
		t.Fatalf("event = %+v", got[0])
	}
}

func TestAppendNilPayload(t *testing.T) {
	w := newWriter(t)
	if err := w.Append("upload.completed", "cycle", "", nil); err != nil {
		t.Fatal(err)
	}
	got, err := w.Latest(0)
	if err != nil || len(got) != 1 {
		t.Fatalf("latest = %v, %v", got, err)
	}
	if len(got[0].Payload) != 0 {
		t.Fatalf("payload = %v", got[0].Payload)
	}
}
