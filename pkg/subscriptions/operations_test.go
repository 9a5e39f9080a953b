package subscriptions

import (
	"errors"
	"testing"

	"github.com/open-realtime/chat-stack/pkg/broker"
	"github.com/open-realtime/chat-stack/pkg/chat"
)

func TestResolveUnknownOperation(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("nope", Args{}); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestRegistryOperations(t *testing.T) {
	r := NewRegistry()
	ops := r.Operations()
	found := map[string]bool{}
	for _, op := range ops {
		found[op] = true
	}
	if !found["messageAdded"] || !found["groupAdded"] {
		t.Errorf("built-in operations missing: %v", ops)
	}
}

func TestMessageAddedArgValidation(t *testing.T) {
	r := NewRegistry()

	cases := []struct {
		name string
		args Args
	}{
		{"missing groupIds", Args{"userId": float64(1)}},
		{"empty groupIds", Args{"groupIds": []any{}, "userId": float64(1)}},
		{"groupIds not a list", Args{"groupIds": "1,2", "userId": float64(1)}},
		{"non-integer group id", Args{"groupIds": []any{1.5}, "userId": float64(1)}},
		{"missing userId", Args{"groupIds": []any{float64(1)}}},
		{"non-positive userId", Args{"groupIds": []any{float64(1)}, "userId": float64(0)}},
		{"userId wrong type", Args{"groupIds": []any{float64(1)}, "userId": "abc"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Resolve("messageAdded", tc.args); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestMessageAddedPredicate(t *testing.T) {
	r := NewRegistry()
	// Args as they arrive after JSON decoding: float64 numbers.
	binding, err := r.Resolve("messageAdded", Args{
		"groupIds": []any{float64(1), float64(3)},
		"userId":   float64(7),
	})
	if err != nil {
		t.Fatal(err)
	}
	if binding.Topic != chat.TopicMessageAdded {
		t.Errorf("topic = %q, want %q", binding.Topic, chat.TopicMessageAdded)
	}

	cases := []struct {
		name string
		msg  chat.Message
		want bool
	}{
		{"subscribed group, other sender", chat.Message{GroupID: 1, SenderID: 2}, true},
		{"other subscribed group", chat.Message{GroupID: 3, SenderID: 2}, true},
		{"unsubscribed group", chat.Message{GroupID: 2, SenderID: 2}, false},
		{"own message is suppressed", chat.Message{GroupID: 1, SenderID: 7}, false},
		{"own message in other group", chat.Message{GroupID: 3, SenderID: 7}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := binding.Predicate(broker.Event{Topic: chat.TopicMessageAdded, Payload: tc.msg})
			if got != tc.want {
				t.Errorf("predicate = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMessageAddedPredicateRejectsForeignPayload(t *testing.T) {
	r := NewRegistry()
	binding, err := r.Resolve("messageAdded", Args{
		"groupIds": []int64{1},
		"userId":   int64(7),
	})
	if err != nil {
		t.Fatal(err)
	}
	if binding.Predicate(broker.Event{Payload: "not a message"}) {
		t.Error("predicate accepted a non-message payload")
	}
}

func TestGroupAddedPredicate(t *testing.T) {
	r := NewRegistry()
	binding, err := r.Resolve("groupAdded", Args{"userId": float64(5)})
	if err != nil {
		t.Fatal(err)
	}
	if binding.Topic != chat.TopicGroupAdded {
		t.Errorf("topic = %q, want %q", binding.Topic, chat.TopicGroupAdded)
	}

	cases := []struct {
		name  string
		group chat.Group
		want  bool
	}{
		{
			"added by someone else",
			chat.Group{ID: 1, CreatorID: 2, MemberIDs: []int64{2, 5}},
			true,
		},
		{
			"not a member",
			chat.Group{ID: 2, CreatorID: 2, MemberIDs: []int64{2, 3}},
			false,
		},
		{
			"own creation is suppressed",
			chat.Group{ID: 3, CreatorID: 5, MemberIDs: []int64{5, 2}},
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := binding.Predicate(broker.Event{Topic: chat.TopicGroupAdded, Payload: tc.group})
			if got != tc.want {
				t.Errorf("predicate = %v, want %v", got, tc.want)
			}
		})
	}
}

// Creator detection is driven by the explicit CreatorID field, not by who
// happens to be first in the member list. Records written before CreatorID
// existed keep the creator in first position, so both conventions must agree.
func TestGroupAddedPredicate_LegacyCreatorPosition(t *testing.T) {
	r := NewRegistry()
	binding, err := r.Resolve("groupAdded", Args{"userId": int64(9)})
	if err != nil {
		t.Fatal(err)
	}

	// Member list reordered relative to the historical creator-first layout;
	// CreatorID still identifies the creator.
	reordered := chat.Group{ID: 4, CreatorID: 9, MemberIDs: []int64{3, 9}}
	if binding.Predicate(broker.Event{Payload: reordered}) {
		t.Error("creator suppression must follow CreatorID, not member position")
	}

	legacy := chat.Group{ID: 5, CreatorID: 9, MemberIDs: []int64{9, 3}}
	if binding.Predicate(broker.Event{Payload: legacy}) {
		t.Error("creator-first legacy layout must also be suppressed")
	}
}

func TestGroupAddedArgValidation(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("groupAdded", Args{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for missing userId, got %v", err)
	}
	if _, err := r.Resolve("groupAdded", Args{"userId": float64(-1)}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for negative userId, got %v", err)
	}
}

func TestRegisterCustomOperation(t *testing.T) {
	r := NewRegistry()
	r.Register("everything", func(args Args) (*Binding, error) {
		return &Binding{Topic: "all", Project: func(p any) any { return p }}, nil
	})

	binding, err := r.Resolve("everything", nil)
	if err != nil {
		t.Fatal(err)
	}
	if binding.Topic != "all" {
		t.Errorf("topic = %q, want all", binding.Topic)
	}
	// Nil predicate means match-all at the broker level.
	if binding.Predicate != nil {
		t.Error("expected nil predicate to pass through")
	}
}
