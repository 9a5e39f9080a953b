package chat

import "time"

// Topics published by the chat service. Listeners subscribe to these through
// the broker; payloads are the fully resolved Message/Group values below.
const (
	TopicMessageAdded = "message-added"
	TopicGroupAdded   = "group-added"
)

// Message is a chat message. Immutable once created.
type Message struct {
	ID        string    `json:"id"`
	GroupID   int64     `json:"groupId"`
	SenderID  int64     `json:"senderId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Group is a chat group. CreatorID is explicit rather than inferred from
// member order; MemberIDs still lists the creator first for compatibility
// with consumers that relied on the historical positional convention.
type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatorID int64     `json:"creatorId"`
	MemberIDs []int64   `json:"memberIds"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasMember reports whether userID is in the group's member list.
func (g Group) HasMember(userID int64) bool {
	for _, id := range g.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}
