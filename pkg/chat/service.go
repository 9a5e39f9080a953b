// Package chat implements the message/group write and query path. Writes
// persist through the store, then publish the resolved payload to the
// broker before returning, so listeners can evaluate filter predicates
// immediately.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/open-realtime/chat-stack/pkg/broker"
	"github.com/open-realtime/chat-stack/pkg/store"
)

var (
	// ErrGroupNotFound is returned when a group id does not exist.
	ErrGroupNotFound = errors.New("chat: group not found")
	// ErrInvalidInput is returned for malformed create requests.
	ErrInvalidInput = errors.New("chat: invalid input")
)

// Store keys
var (
	keyGroupSeq  = []byte("chat:group:seq")
	keyGroupsSet = []byte("chat:groups")
)

func groupKey(id int64) []byte {
	return []byte("chat:group:" + strconv.FormatInt(id, 10))
}

func messageKey(id string) []byte {
	return []byte("chat:message:" + id)
}

func groupMessagesKey(groupID int64) []byte {
	return []byte("chat:messages:" + strconv.FormatInt(groupID, 10))
}

// Service persists chat state and publishes change events.
type Service struct {
	store  store.Store
	broker *broker.Broker
	logger *slog.Logger
}

// NewService creates a chat Service.
func NewService(s store.Store, b *broker.Broker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		broker: b,
		logger: logger.With("component", "chat"),
	}
}

// CreateGroup persists a new group and publishes a group-added event. The
// creator is always a member and always first in the member list.
func (s *Service) CreateGroup(ctx context.Context, name string, creatorID int64, memberIDs []int64) (Group, error) {
	if name == "" {
		return Group{}, fmt.Errorf("%w: group name required", ErrInvalidInput)
	}
	if creatorID <= 0 {
		return Group{}, fmt.Errorf("%w: creator id required", ErrInvalidInput)
	}

	members := make([]int64, 0, len(memberIDs)+1)
	members = append(members, creatorID)
	for _, id := range memberIDs {
		if id != creatorID {
			members = append(members, id)
		}
	}

	id, err := s.store.Incr(ctx, keyGroupSeq)
	if err != nil {
		return Group{}, fmt.Errorf("failed to allocate group id: %w", err)
	}

	group := Group{
		ID:        id,
		Name:      name,
		CreatorID: creatorID,
		MemberIDs: members,
		CreatedAt: time.Now().UTC(),
	}

	raw, err := json.Marshal(group)
	if err != nil {
		return Group{}, err
	}
	if err := s.store.Set(ctx, groupKey(id), raw); err != nil {
		return Group{}, fmt.Errorf("failed to persist group: %w", err)
	}
	if err := s.store.ZAdd(ctx, keyGroupsSet, store.ScoredMember{
		Member: []byte(strconv.FormatInt(id, 10)),
		Score:  store.TimeScore(group.CreatedAt),
	}); err != nil {
		return Group{}, fmt.Errorf("failed to index group: %w", err)
	}

	s.publish(ctx, TopicGroupAdded, group)

	s.logger.Info("group created", "group", id, "creator", creatorID, "members", len(members))
	return group, nil
}

// CreateMessage persists a new message in a group and publishes a
// message-added event.
func (s *Service) CreateMessage(ctx context.Context, groupID, senderID int64, text string) (Message, error) {
	if text == "" {
		return Message{}, fmt.Errorf("%w: message text required", ErrInvalidInput)
	}
	if senderID <= 0 {
		return Message{}, fmt.Errorf("%w: sender id required", ErrInvalidInput)
	}
	if _, err := s.Group(ctx, groupID); err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return Message{}, err
	}
	if err := s.store.Set(ctx, messageKey(msg.ID), raw); err != nil {
		return Message{}, fmt.Errorf("failed to persist message: %w", err)
	}
	if err := s.store.ZAdd(ctx, groupMessagesKey(groupID), store.ScoredMember{
		Member: []byte(msg.ID),
		Score:  store.TimeScore(msg.CreatedAt),
	}); err != nil {
		return Message{}, fmt.Errorf("failed to index message: %w", err)
	}

	s.publish(ctx, TopicMessageAdded, msg)

	return msg, nil
}

// Group loads a single group by id.
func (s *Service) Group(ctx context.Context, id int64) (Group, error) {
	raw, err := s.store.Get(ctx, groupKey(id))
	if errors.Is(err, store.ErrKeyNotFound) {
		return Group{}, ErrGroupNotFound
	}
	if err != nil {
		return Group{}, err
	}
	var group Group
	if err := json.Unmarshal(raw, &group); err != nil {
		return Group{}, fmt.Errorf("corrupt group record %d: %w", id, err)
	}
	return group, nil
}

// Groups lists groups in creation order. If userID > 0 only groups the user
// is a member of are returned.
func (s *Service) Groups(ctx context.Context, userID int64) ([]Group, error) {
	members, err := s.store.ZRange(ctx, keyGroupsSet, store.ScoreRange{})
	if err != nil {
		return nil, err
	}

	groups := make([]Group, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(string(m.Member), 10, 64)
		if err != nil {
			continue
		}
		group, err := s.Group(ctx, id)
		if errors.Is(err, ErrGroupNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if userID > 0 && !group.HasMember(userID) {
			continue
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// Messages lists the most recent messages in a group, newest first.
// limit <= 0 means the default page size of 100.
func (s *Service) Messages(ctx context.Context, groupID int64, limit int64) ([]Message, error) {
	if _, err := s.Group(ctx, groupID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	members, err := s.store.ZRevRange(ctx, groupMessagesKey(groupID), store.ScoreRange{Count: limit})
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(members))
	for _, m := range members {
		raw, err := s.store.Get(ctx, messageKey(string(m.Member)))
		if errors.Is(err, store.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("corrupt message record %s: %w", m.Member, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// publish fires the event at the broker. Fire and forget: the write that
// triggered the event never fails because of listener state.
func (s *Service) publish(ctx context.Context, topic string, payload any) {
	if s.broker == nil {
		return
	}
	if err := s.broker.Publish(ctx, topic, payload); err != nil {
		s.logger.Error("publish failed", "topic", topic, "error", err)
	}
}
