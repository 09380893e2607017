package store

import (
	"testing"
	"time"

	"soundline/internal/db"
	"soundline/internal/domain"
	"soundline/internal/migrate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	// Migrations must be idempotent across opens.
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	return New(conn)
}

func TestLoadUserAbsent(t *testing.T) {
	s := newTestStore(t)
	loaded, err := s.LoadUser()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != Absent {
		t.Fatalf("status = %v, want Absent", loaded.Status)
	}
	var zero Loaded[Participant]
	if zero.Status != NotLoaded {
		t.Fatal("zero value must be NotLoaded")
	}
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	completed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	p := Participant{Credential: domain.Credential{Username: "u1", Password: "p1"}}
	p.Record.MarkUploaded(completed)
	if err := s.SaveUser(p); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadUser()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != Present {
		t.Fatalf("status = %v", loaded.Status)
	}
	got := loaded.Value
	if got.Credential != p.Credential {
		t.Fatalf("credential = %+v", got.Credential)
	}
	if !got.Record.LastCompletedAt.Equal(completed) || !got.Record.UploadedInitialAt.Equal(completed) {
		t.Fatalf("record = %+v", got.Record)
	}

	// Upsert replaces, never duplicates.
	p.Credential.Password = "p2"
	if err := s.SaveUser(p); err != nil {
		t.Fatal(err)
	}
	loaded, _ = s.LoadUser()
	if loaded.Value.Credential.Password != "p2" {
		t.Fatal("upsert did not replace")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestStore(t)
	loaded, err := s.LoadToken()
	if err != nil || loaded.Status != Absent {
		t.Fatalf("fresh token load = %v, %v", loaded.Status, err)
	}

	tok := domain.Token{
		AccessToken:  "acc",
		RefreshToken: "ref",
		ExpiresAt:    time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
		RefreshedAt:  time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := s.SaveToken(tok); err != nil {
		t.Fatal(err)
	}
	loaded, err = s.LoadToken()
	if err != nil || loaded.Status != Present {
		t.Fatalf("load = %v, %v", loaded.Status, err)
	}
	got := loaded.Value
	if got.AccessToken != "acc" || got.RefreshToken != "ref" ||
		!got.ExpiresAt.Equal(tok.ExpiresAt) || !got.RefreshedAt.Equal(tok.RefreshedAt) {
		t.Fatalf("token = %+v", got)
	}
}

func TestPendingLifecycle(t *testing.T) {
	s := newTestStore(t)

	p := Pending{
		Daily:      domain.DailyAnswers{Symptoms: "cough", Covid: "never", Hospital: "no"},
		Initial:    domain.InitialAnswers{Sex: "f", Age: "30-39"},
		Recordings: domain.Recordings{Breathe: "/a.m4a", Cough: "/b.m4a", Read: "/c.m4a"},
		CreatedAt:  time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := s.SavePending(p); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdatePendingAttempts(2); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadPending()
	if err != nil || loaded.Status != Present {
		t.Fatalf("load = %v, %v", loaded.Status, err)
	}
	got := loaded.Value
	if got.Daily != p.Daily || got.Initial != p.Initial || got.Recordings != p.Recordings {
		t.Fatalf("pending = %+v", got)
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}
	if !got.CreatedAt.Equal(p.CreatedAt) {
		t.Fatalf("created_at = %v", got.CreatedAt)
	}

	if err := s.ClearPending(); err != nil {
		t.Fatal(err)
	}
	loaded, err = s.LoadPending()
	if err != nil || loaded.Status != Absent {
		t.Fatalf("after clear = %v, %v", loaded.Status, err)
	}
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveUser(Participant{Credential: domain.Credential{Username: "u", Password: "p"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveToken(domain.Token{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now(), RefreshedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if u, _ := s.LoadUser(); u.Status != Absent {
		t.Fatal("user survived reset")
	}
	if tok, _ := s.LoadToken(); tok.Status != Absent {
		t.Fatal("token survived reset")
	}
}
