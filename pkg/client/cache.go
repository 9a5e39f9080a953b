package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/open-realtime/chat-stack/pkg/chat"
)

// State is the client's cached view of its chat data. Messages are keyed by
// group id, newest first.
type State struct {
	Groups   []chat.Group
	Messages map[int64][]chat.Message
}

// MergeFunc folds an incoming event payload into cached state, returning
// the updated state. Implementations must be pure (no mutation of the
// input) and idempotent against duplicate delivery of the same logical
// event: there is no exactly-once guarantee to lean on.
type MergeFunc func(State, json.RawMessage) (State, error)

// MergeMessageAdded prepends the message to its group's list unless a
// message with the same id is already present.
func MergeMessageAdded(state State, payload json.RawMessage) (State, error) {
	var msg chat.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return state, fmt.Errorf("merge messageAdded: %w", err)
	}

	existing := state.Messages[msg.GroupID]
	for _, m := range existing {
		if m.ID == msg.ID {
			return state, nil
		}
	}

	messages := make(map[int64][]chat.Message, len(state.Messages))
	for k, v := range state.Messages {
		messages[k] = v
	}
	updated := make([]chat.Message, 0, len(existing)+1)
	updated = append(updated, msg)
	updated = append(updated, existing...)
	messages[msg.GroupID] = updated

	state.Messages = messages
	return state, nil
}

// MergeGroupAdded appends the group to the group list unless a group with
// the same id is already present.
func MergeGroupAdded(state State, payload json.RawMessage) (State, error) {
	var group chat.Group
	if err := json.Unmarshal(payload, &group); err != nil {
		return state, fmt.Errorf("merge groupAdded: %w", err)
	}

	for _, g := range state.Groups {
		if g.ID == group.ID {
			return state, nil
		}
	}

	groups := make([]chat.Group, 0, len(state.Groups)+1)
	groups = append(groups, state.Groups...)
	groups = append(groups, group)

	state.Groups = groups
	return state, nil
}

// Cache guards the cached State for concurrent access by the manager's
// merge path and the application's readers.
type Cache struct {
	mu    sync.RWMutex
	state State
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{state: State{Messages: make(map[int64][]chat.Message)}}
}

// State returns a snapshot of the cached state. Callers must treat the
// contained slices and maps as read-only.
func (c *Cache) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Apply folds a payload into the cached state via merge.
func (c *Cache) Apply(merge MergeFunc, payload json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := merge(c.state, payload)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

// Replace swaps in authoritative state, superseding any partial merges.
// Used by the reconnection supervisor after a refetch.
func (c *Cache) Replace(state State) {
	if state.Messages == nil {
		state.Messages = make(map[int64][]chat.Message)
	}
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}
