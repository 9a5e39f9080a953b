// Package subscriptions resolves named subscription operations into broker
// bindings: the topic to listen on, the predicate filtering that client's
// slice of events, and the projection shaping payloads for the wire.
package subscriptions

import (
	"errors"
	"fmt"

	"github.com/open-realtime/chat-stack/pkg/broker"
	"github.com/open-realtime/chat-stack/pkg/chat"
)

var (
	// ErrUnknownOperation is returned for an operation name with no resolver.
	ErrUnknownOperation = errors.New("subscriptions: unknown operation")
	// ErrInvalidArgument is returned when required arguments are missing or
	// malformed. Rejected at resolve time, never delivered as a data frame.
	ErrInvalidArgument = errors.New("subscriptions: invalid argument")
)

// Args holds the operation arguments as decoded from a start frame.
// Arguments are fixed at subscribe time; changing interest means closing
// the subscription and opening a new one.
type Args map[string]any

// Binding is a resolved operation: what to subscribe to and how to filter
// and shape it.
type Binding struct {
	Topic     string
	Predicate broker.Predicate
	// Project shapes the raw event payload into the client-facing result.
	Project func(payload any) any
}

// Resolver builds a Binding from subscribe-time arguments.
type Resolver func(args Args) (*Binding, error)

// Registry maps operation names to resolvers.
type Registry struct {
	ops map[string]Resolver
}

// NewRegistry creates a Registry with the built-in chat operations
// registered.
func NewRegistry() *Registry {
	r := &Registry{ops: make(map[string]Resolver)}
	r.Register("messageAdded", resolveMessageAdded)
	r.Register("groupAdded", resolveGroupAdded)
	return r
}

// Register adds a resolver under name, replacing any existing one.
func (r *Registry) Register(name string, resolver Resolver) {
	r.ops[name] = resolver
}

// Resolve builds the binding for the named operation.
func (r *Registry) Resolve(name string, args Args) (*Binding, error) {
	resolver, ok := r.ops[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	return resolver(args)
}

// Operations returns the registered operation names.
func (r *Registry) Operations() []string {
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	return names
}

// resolveMessageAdded handles messageAdded(groupIds, userId): deliver
// messages created in any of the subscribed groups, except messages the
// subscriber authored. The self-echo suppression is deliberate: the author
// already has the message locally, echoing it back wastes the wire and
// risks duplicate merges.
func resolveMessageAdded(args Args) (*Binding, error) {
	groupIDs, err := int64SliceArg(args, "groupIds")
	if err != nil {
		return nil, err
	}
	if len(groupIDs) == 0 {
		return nil, fmt.Errorf("%w: groupIds must not be empty", ErrInvalidArgument)
	}
	userID, err := int64Arg(args, "userId")
	if err != nil {
		return nil, err
	}

	subscribed := make(map[int64]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		subscribed[id] = struct{}{}
	}

	return &Binding{
		Topic: chat.TopicMessageAdded,
		Predicate: func(ev broker.Event) bool {
			msg, ok := ev.Payload.(chat.Message)
			if !ok {
				return false
			}
			if _, ok := subscribed[msg.GroupID]; !ok {
				return false
			}
			return msg.SenderID != userID
		},
		Project: func(payload any) any { return payload },
	}, nil
}

// resolveGroupAdded handles groupAdded(userId): deliver groups the user was
// just added to, except groups the user created themselves (the creator
// already knows).
func resolveGroupAdded(args Args) (*Binding, error) {
	userID, err := int64Arg(args, "userId")
	if err != nil {
		return nil, err
	}

	return &Binding{
		Topic: chat.TopicGroupAdded,
		Predicate: func(ev broker.Event) bool {
			group, ok := ev.Payload.(chat.Group)
			if !ok {
				return false
			}
			return group.HasMember(userID) && group.CreatorID != userID
		},
		Project: func(payload any) any { return payload },
	}, nil
}

// Argument decoding. Frames arrive as JSON, so numbers are float64 and
// lists are []any.

func int64Arg(args Args, name string) (int64, error) {
	raw, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidArgument, name)
	}
	n, err := asInt64(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, name, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidArgument, name)
	}
	return n, nil
}

func int64SliceArg(args Args, name string) ([]int64, error) {
	raw, ok := args[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidArgument, name)
	}
	list, ok := raw.([]any)
	if !ok {
		// Already-typed slices show up when args are built in-process
		// rather than decoded from JSON.
		if typed, ok := raw.([]int64); ok {
			return typed, nil
		}
		return nil, fmt.Errorf("%w: %s must be a list", ErrInvalidArgument, name)
	}
	out := make([]int64, 0, len(list))
	for _, item := range list {
		n, err := asInt64(item)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, name, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
