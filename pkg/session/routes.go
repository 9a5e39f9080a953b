package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/open-realtime/chat-stack/pkg/broker"
)

// Routes provides the realtime transport endpoints.
type Routes struct {
	hub    *Hub
	broker *broker.Broker
	cfg    *Config
	newFn  func(Conn) *Session
}

// NewRoutes creates a new Routes instance.
func NewRoutes(hub *Hub, b *broker.Broker, cfg *Config, newSession func(Conn) *Session) *Routes {
	return &Routes{hub: hub, broker: b, cfg: cfg, newFn: newSession}
}

// Register registers transport routes with a fiber router group.
func (r *Routes) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(r.handleWS))
	router.Get("/sse/:topics", r.handleSSE)
}

// handleWS services one multiplexed subscription connection.
// @Summary Subscription websocket
// @Description Full-duplex connection multiplexing many subscriptions via start/data/stop/error frames
// @Tags realtime
// @Router /realtime/ws [get]
func (r *Routes) handleWS(conn *websocket.Conn) {
	sess := r.newFn(conn)
	r.hub.add(sess)
	defer r.hub.remove(sess)

	sess.Run()
}

// handleSSE streams raw topic events without predicate filtering. This is a
// debugging/operations surface; application clients use the websocket.
// @Summary Tail topics over Server-Sent Events
// @Description Streams every event published to the given topics, unfiltered
// @Tags realtime
// @Produce text/event-stream
// @Param topics path string true "Comma-separated list of topics"
// @Success 200 {string} string "SSE stream"
// @Router /realtime/sse/{topics} [get]
func (r *Routes) handleSSE(c *fiber.Ctx) error {
	topics := strings.Split(c.Params("topics"), ",")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	ctx := c.Context()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		events := make(chan broker.Event, r.cfg.OutboundBuffer)
		done := ctx.Done()

		var subs []*broker.Subscription
		for _, topic := range topics {
			sub, err := r.broker.Subscribe(topic, nil, func(ev broker.Event) {
				select {
				case events <- ev:
				case <-done:
				}
			})
			if err != nil {
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", err)
				_ = w.Flush()
				continue
			}
			subs = append(subs, sub)
		}
		defer func() {
			for _, sub := range subs {
				r.broker.Unsubscribe(sub)
			}
		}()

		for {
			select {
			case <-done:
				return
			case ev := <-events:
				data, err := json.Marshal(ev.Payload)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})

	return nil
}
