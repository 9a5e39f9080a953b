package client

import "github.com/open-realtime/chat-stack/pkg/chat"

// Interest keys. One live subscription per key at any time.
const (
	KeyMessages = "messages"
	KeyGroups   = "groups"
)

// SyncInterests aligns the manager's subscriptions with the user's current
// group memberships. Call it whenever cached group state changes: joining
// or leaving a group changes the messageAdded argument set, which Ensure
// detects as a key transition and answers with an atomic resubscribe.
func SyncInterests(m *Manager, userID int64, groups []chat.Group) error {
	if err := m.Ensure(KeyGroups, "groupAdded", map[string]any{
		"userId": userID,
	}, MergeGroupAdded); err != nil {
		return err
	}

	groupIDs := make([]int64, 0, len(groups))
	for _, g := range groups {
		groupIDs = append(groupIDs, g.ID)
	}
	if len(groupIDs) == 0 {
		// No memberships, nothing to listen for.
		m.Drop(KeyMessages)
		return nil
	}

	return m.Ensure(KeyMessages, "messageAdded", map[string]any{
		"groupIds": groupIDs,
		"userId":   userID,
	}, MergeMessageAdded)
}
