package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/open-realtime/chat-stack/pkg/chat"
)

// RESTRefetcher loads authoritative state through the server's query path:
// the group list, then each group's recent messages.
type RESTRefetcher struct {
	// BaseURL is the API base, e.g. "http://localhost:8080/api".
	BaseURL string
	// UserID scopes the group list to the user's memberships.
	UserID int64
	// MessageLimit caps messages fetched per group (0 = server default).
	MessageLimit int64
}

// Fetch implements Refetcher.
func (r *RESTRefetcher) Fetch(ctx context.Context) (State, error) {
	state := State{Messages: make(map[int64][]chat.Message)}

	url := fmt.Sprintf("%s/groups?userId=%d", r.BaseURL, r.UserID)
	if err := getJSON(url, &state.Groups); err != nil {
		return State{}, fmt.Errorf("fetch groups: %w", err)
	}

	for _, group := range state.Groups {
		if ctx.Err() != nil {
			return State{}, ctx.Err()
		}
		url := fmt.Sprintf("%s/groups/%d/messages", r.BaseURL, group.ID)
		if r.MessageLimit > 0 {
			url = fmt.Sprintf("%s?limit=%d", url, r.MessageLimit)
		}
		var msgs []chat.Message
		if err := getJSON(url, &msgs); err != nil {
			return State{}, fmt.Errorf("fetch messages for group %d: %w", group.ID, err)
		}
		state.Messages[group.ID] = msgs
	}

	return state, nil
}

func getJSON(url string, out any) error {
	agent := fiber.Get(url)
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if code != fiber.StatusOK {
		return fmt.Errorf("unexpected status %d", code)
	}
	return json.Unmarshal(body, out)
}
