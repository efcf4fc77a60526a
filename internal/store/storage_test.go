package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/beekhof/hangout-calendar/internal/calendar"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hangout.db"))
	if err != nil {
		t.Fatalf("Open() returned an error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorage_DefaultProvider(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	got, err := s.DefaultProvider(ctx)
	if err != nil {
		t.Fatalf("DefaultProvider() returned an error: %v", err)
	}
	if got != calendar.SourceLocal {
		t.Errorf("Expected unset preference to default to local, got %q", got)
	}

	if err := s.SetDefaultProvider(ctx, calendar.SourceCloud); err != nil {
		t.Fatalf("SetDefaultProvider() returned an error: %v", err)
	}
	if err := s.SetDefaultProvider(ctx, calendar.SourceCloud); err != nil {
		t.Fatalf("SetDefaultProvider() twice returned an error: %v", err)
	}

	got, err = s.DefaultProvider(ctx)
	if err != nil {
		t.Fatalf("DefaultProvider() returned an error: %v", err)
	}
	if got != calendar.SourceCloud {
		t.Errorf("Expected cloud, got %q", got)
	}

	if err := s.SetDefaultProvider(ctx, calendar.Source("outlook")); err == nil {
		t.Error("Expected SetDefaultProvider() to reject an unknown provider")
	}
}

func TestStorage_PreferenceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hangout.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() returned an error: %v", err)
	}
	if err := s.SetDefaultProvider(ctx, calendar.SourceCloud); err != nil {
		t.Fatalf("SetDefaultProvider() returned an error: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("Open() returned an error on reopen: %v", err)
	}
	defer s.Close()

	got, err := s.DefaultProvider(ctx)
	if err != nil || got != calendar.SourceCloud {
		t.Errorf("Expected cloud after reopen, got %q, %v", got, err)
	}
}

func TestStorage_SaveAccountIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	for i := 0; i < 2; i++ {
		if err := s.SaveAccount(ctx, calendar.SourceCloud, "me@example.com"); err != nil {
			t.Fatalf("SaveAccount() returned an error: %v", err)
		}
	}
	if err := s.SaveAccount(ctx, calendar.SourceLocal, "me@icloud.com"); err != nil {
		t.Fatalf("SaveAccount() returned an error: %v", err)
	}

	accounts, err := s.Accounts(ctx)
	if err != nil {
		t.Fatalf("Accounts() returned an error: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("Expected 2 accounts, got %d: %+v", len(accounts), accounts)
	}
	if accounts[0].Source != calendar.SourceCloud || accounts[0].Identity != "me@example.com" {
		t.Errorf("Unexpected first account: %+v", accounts[0])
	}

	if err := s.RemoveAccount(ctx, calendar.SourceCloud); err != nil {
		t.Fatalf("RemoveAccount() returned an error: %v", err)
	}
	accounts, err = s.Accounts(ctx)
	if err != nil {
		t.Fatalf("Accounts() returned an error: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Source != calendar.SourceLocal {
		t.Errorf("Expected only the local account to remain, got %+v", accounts)
	}
}
