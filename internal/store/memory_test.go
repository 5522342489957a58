package store

import (
	"context"
	"errors"
	"testing"

	"github.com/Tyrowin/presencehub/internal/config"
)

func newMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	return m
}

func TestMemoryCreateAndList(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	first, err := m.CreateMessage(ctx, "a@x.com", "hello")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	second, err := m.CreateMessage(ctx, " b@x.com ", "world")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if first.ID == second.ID || first.ID <= 0 {
		t.Fatalf("ids not unique/positive: %d, %d", first.ID, second.ID)
	}
	if second.Author != "b@x.com" {
		t.Errorf("author not trimmed: %q", second.Author)
	}

	list, err := m.ListMessages(ctx)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("unexpected order: %+v", list)
	}
	if list[0].Likes == nil || list[0].LikeCount != 0 {
		t.Errorf("fresh message likes = %v (%d)", list[0].Likes, list[0].LikeCount)
	}
}

func TestMemoryCreateValidation(t *testing.T) {
	m := newMemory(t)
	cases := []struct{ author, content string }{
		{"", "hi"},
		{"a@x.com", "   "},
	}
	for _, tc := range cases {
		if _, err := m.CreateMessage(context.Background(), tc.author, tc.content); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("CreateMessage(%q, %q): expected ErrInvalidArgument, got %v", tc.author, tc.content, err)
		}
	}
}

// TestMemoryToggleLike checks that a second toggle by the same identity
// removes the like again.
func TestMemoryToggleLike(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	msg, _ := m.CreateMessage(ctx, "a@x.com", "hello")

	got, err := m.ToggleLike(ctx, msg.ID, "b@x.com")
	if err != nil {
		t.Fatalf("ToggleLike: %v", err)
	}
	if got.LikeCount != 1 || got.Likes[0] != "b@x.com" {
		t.Fatalf("after first toggle: %+v", got)
	}

	got, _ = m.ToggleLike(ctx, msg.ID, "c@x.com")
	if got.LikeCount != 2 || got.Likes[0] != "b@x.com" || got.Likes[1] != "c@x.com" {
		t.Fatalf("after second identity: %+v", got)
	}

	got, _ = m.ToggleLike(ctx, msg.ID, "b@x.com")
	if got.LikeCount != 1 || got.Likes[0] != "c@x.com" {
		t.Fatalf("after untoggle: %+v", got)
	}
}

func TestMemoryToggleLikeErrors(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	if _, err := m.ToggleLike(ctx, 42, "a@x.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: expected ErrNotFound, got %v", err)
	}
	if _, err := m.ToggleLike(ctx, 0, "a@x.com"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero id: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := m.ToggleLike(ctx, 1, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty identity: expected ErrInvalidArgument, got %v", err)
	}
}

func TestOpenDrivers(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	defer s.Close()
	if _, ok := s.(*Memory); !ok {
		t.Errorf("Open(memory) returned %T", s)
	}

	if _, err := Open(context.Background(), config.StoreConfig{Driver: "sqlite"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Open(sqlite): expected ErrInvalidArgument, got %v", err)
	}
}
