package chat

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/open-realtime/chat-stack/pkg/broker"
	"github.com/open-realtime/chat-stack/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T) (*Service, *broker.Broker) {
	t.Helper()
	s, err := store.NewBadgerStore(&store.BadgerConfig{InMemory: true}, testLogger())
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	b := broker.New(testLogger())
	t.Cleanup(func() { b.Close() })

	return NewService(s, b, testLogger()), b
}

func TestCreateGroup(t *testing.T) {
	svc, b := newTestService(t)
	ctx := context.Background()

	events := make(chan broker.Event, 1)
	if _, err := b.Subscribe(TopicGroupAdded, nil, func(ev broker.Event) {
		events <- ev
	}); err != nil {
		t.Fatal(err)
	}

	group, err := svc.CreateGroup(ctx, "general", 1, []int64{2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if group.ID <= 0 {
		t.Errorf("expected positive group id, got %d", group.ID)
	}
	if group.CreatorID != 1 {
		t.Errorf("creator = %d, want 1", group.CreatorID)
	}
	// Creator first, then the other members.
	if len(group.MemberIDs) != 3 || group.MemberIDs[0] != 1 {
		t.Errorf("unexpected members: %v", group.MemberIDs)
	}

	// The write publishes a fully resolved group.
	select {
	case ev := <-events:
		published, ok := ev.Payload.(Group)
		if !ok {
			t.Fatalf("payload type %T, want Group", ev.Payload)
		}
		if published.ID != group.ID {
			t.Errorf("published group %d, want %d", published.ID, group.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("group-added event never published")
	}

	// Persisted and readable.
	loaded, err := svc.Group(ctx, group.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Name != "general" {
		t.Errorf("loaded name = %q", loaded.Name)
	}
}

func TestCreateGroupDedupesCreator(t *testing.T) {
	svc, _ := newTestService(t)

	// Creator appearing in the member list is not duplicated.
	group, err := svc.CreateGroup(context.Background(), "g", 5, []int64{5, 6})
	if err != nil {
		t.Fatal(err)
	}
	if len(group.MemberIDs) != 2 || group.MemberIDs[0] != 5 || group.MemberIDs[1] != 6 {
		t.Errorf("unexpected members: %v", group.MemberIDs)
	}
}

func TestCreateGroupValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateGroup(ctx, "", 1, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty name, got %v", err)
	}
	if _, err := svc.CreateGroup(ctx, "g", 0, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for missing creator, got %v", err)
	}
}

func TestCreateMessage(t *testing.T) {
	svc, b := newTestService(t)
	ctx := context.Background()

	group, err := svc.CreateGroup(ctx, "g", 1, []int64{2})
	if err != nil {
		t.Fatal(err)
	}

	events := make(chan broker.Event, 1)
	if _, err := b.Subscribe(TopicMessageAdded, nil, func(ev broker.Event) {
		events <- ev
	}); err != nil {
		t.Fatal(err)
	}

	msg, err := svc.CreateMessage(ctx, group.ID, 2, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" {
		t.Error("expected generated message id")
	}
	if msg.GroupID != group.ID || msg.SenderID != 2 {
		t.Errorf("unexpected message: %+v", msg)
	}

	select {
	case ev := <-events:
		published, ok := ev.Payload.(Message)
		if !ok {
			t.Fatalf("payload type %T, want Message", ev.Payload)
		}
		if published.ID != msg.ID {
			t.Errorf("published message %s, want %s", published.ID, msg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message-added event never published")
	}
}

func TestCreateMessageUnknownGroup(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.CreateMessage(context.Background(), 999, 1, "hi"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestCreateMessageValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	group, err := svc.CreateGroup(ctx, "g", 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.CreateMessage(ctx, group.ID, 1, ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty text, got %v", err)
	}
	if _, err := svc.CreateMessage(ctx, group.ID, 0, "hi"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for missing sender, got %v", err)
	}
}

func TestGroupsMembershipFilter(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateGroup(ctx, "a", 1, []int64{2}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateGroup(ctx, "b", 3, nil); err != nil {
		t.Fatal(err)
	}

	all, err := svc.Groups(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("unfiltered list has %d groups, want 2", len(all))
	}

	mine, err := svc.Groups(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].Name != "a" {
		t.Errorf("membership filter wrong: %+v", mine)
	}

	none, err := svc.Groups(ctx, 99)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("expected no groups for non-member, got %d", len(none))
	}
}

func TestMessagesNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	group, err := svc.CreateGroup(ctx, "g", 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := svc.CreateMessage(ctx, group.ID, 1, "msg")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, msg.ID)
		// Distinct creation timestamps keep the ordering deterministic.
		time.Sleep(2 * time.Millisecond)
	}

	msgs, err := svc.Messages(ctx, group.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i := range msgs {
		if msgs[i].ID != ids[len(ids)-1-i] {
			t.Fatalf("messages not newest-first: %+v", msgs)
		}
	}

	limited, err := svc.Messages(ctx, group.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].ID != ids[2] {
		t.Errorf("limit wrong: %+v", limited)
	}
}

func TestMessagesUnknownGroup(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Messages(context.Background(), 12345, 0); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestGroupHasMember(t *testing.T) {
	g := Group{MemberIDs: []int64{1, 2, 3}}
	if !g.HasMember(2) {
		t.Error("expected member 2")
	}
	if g.HasMember(9) {
		t.Error("unexpected member 9")
	}
}

func TestServiceWithoutBroker(t *testing.T) {
	s, err := store.NewBadgerStore(&store.BadgerConfig{InMemory: true}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// A nil broker means persist-only; writes still succeed.
	svc := NewService(s, nil, testLogger())
	if _, err := svc.CreateGroup(context.Background(), "g", 1, nil); err != nil {
		t.Fatal(err)
	}
}
