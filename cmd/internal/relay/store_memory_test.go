package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryStore_AppendAssignsULID(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	id1, err := s.Append(ctx, Message{SenderID: "alice", Text: "one", Timestamp: time.Now().UnixMilli()})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	id2, err := s.Append(ctx, Message{SenderID: "alice", Text: "two", Timestamp: time.Now().UnixMilli()})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if len(id1) != 26 || len(id2) != 26 {
		t.Fatalf("ids=%q,%q want 26-char ULIDs", id1, id2)
	}
	if id1 == id2 {
		t.Fatalf("ids must be distinct")
	}
}

func TestInMemoryStore_AppendRejectsInvalid(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	cases := []Message{
		{SenderID: "", Text: "hi", Timestamp: 1},
		{SenderID: "alice", Text: "", Timestamp: 1},
	}
	for _, msg := range cases {
		if _, err := s.Append(ctx, msg); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("append(%+v)=%v want ErrInvalidMessage", msg, err)
		}
	}
}

func TestInMemoryStore_RecentAscendingWindow(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	for _, m := range []Message{
		{SenderID: "a", Text: "first", Timestamp: 100},
		{SenderID: "b", Text: "second", Timestamp: 200},
		{SenderID: "c", Text: "third", Timestamp: 300},
	} {
		if _, err := s.Append(ctx, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d want=2", len(got))
	}
	if got[0].Text != "second" || got[1].Text != "third" {
		t.Fatalf("window=%v want the last two ascending", got)
	}
	if got[0].Timestamp > got[1].Timestamp {
		t.Fatalf("not ascending: %v", got)
	}
}

func TestInMemoryStore_RecentEmpty(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	got, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len=%d want=0", len(got))
	}
}

func TestInMemoryStore_ContextCancelled(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Append(ctx, Message{SenderID: "a", Text: "x", Timestamp: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("append err=%v want context.Canceled", err)
	}
	if _, err := s.Recent(ctx, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("recent err=%v want context.Canceled", err)
	}
}
