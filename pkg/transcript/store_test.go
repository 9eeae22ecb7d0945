package transcript

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	turns := []Turn{
		{SessionID: "s1", Role: "user", Text: "hello", Time: time.Unix(1, 0).UTC()},
		{SessionID: "s1", Role: "assistant", Text: "hi there", Chain: "echo", Time: time.Unix(2, 0).UTC()},
		{SessionID: "s2", Role: "user", Text: "other"},
		{SessionID: "s1", Role: "user", Text: "bye"},
	}
	for _, turn := range turns {
		if err := s.Append(ctx, turn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := s.List(ctx, "s1", ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 || got[0].Text != "hello" || got[1].Chain != "echo" || got[2].Text != "bye" {
		t.Fatalf("unexpected turns %+v", got)
	}
	if !got[0].Time.Equal(time.Unix(1, 0)) {
		t.Fatalf("time not preserved: %v", got[0].Time)
	}
	last, _ := s.List(ctx, "s1", ListOptions{Limit: 1})
	if len(last) != 1 || last[0].Text != "bye" {
		t.Fatalf("unexpected limited turns %+v", last)
	}
	if err := s.Clear(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := s.Clear(ctx, "missing"); err != nil {
		t.Fatalf("clear missing: %v", err)
	}
	got, _ = s.List(ctx, "s1", ListOptions{})
	if len(got) != 0 {
		t.Fatalf("expected cleared session, got %+v", got)
	}
	if err := s.Append(ctx, Turn{Role: "user"}); err == nil {
		t.Fatalf("expected error for missing session id")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "transcript.db")
	s, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exerciseStore(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBoltStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.db")
	s, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Append(context.Background(), Turn{SessionID: "s", Role: "user", Text: "persisted"})
	_ = s.Close()

	s, err = OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.List(context.Background(), "s", ListOptions{})
	if err != nil || len(got) != 1 || got[0].Text != "persisted" {
		t.Fatalf("expected persisted turn, got %+v err=%v", got, err)
	}
}
