// Package admin exposes operational introspection endpoints: active topics
// with listener counts, live transport sessions, and store-backed counters.
package admin

import (
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/open-realtime/chat-stack/pkg/broker"
	"github.com/open-realtime/chat-stack/pkg/session"
	"github.com/open-realtime/chat-stack/pkg/store"
)

// Routes handles admin HTTP routes
type Routes struct {
	broker *broker.Broker
	hub    *session.Hub
	store  store.Store
	logger *slog.Logger
}

// NewRoutes creates a new Routes instance
func NewRoutes(b *broker.Broker, hub *session.Hub, s store.Store, logger *slog.Logger) *Routes {
	if logger == nil {
		logger = slog.Default()
	}
	return &Routes{
		broker: b,
		hub:    hub,
		store:  s,
		logger: logger.With("component", "admin"),
	}
}

// Register registers admin routes on a Fiber app group
func (r *Routes) Register(group fiber.Router) {
	api := group.Group("/api")

	api.Get("/topics/active", r.handleGetActiveTopics)
	api.Get("/sessions", r.handleGetSessions)
	api.Get("/groups/:id/stats", r.handleGroupStats)

	r.logger.Debug("registered admin routes")
}

// handleGetActiveTopics returns topics that currently have listeners.
// @Summary Active topics
// @Description Returns every topic with at least one live listener and its listener count
// @Tags admin
// @Produce json
// @Success 200 {object} map[string]int
// @Router /admin/api/topics/active [get]
func (r *Routes) handleGetActiveTopics(c *fiber.Ctx) error {
	return c.JSON(r.broker.Topics())
}

// handleGetSessions returns live transport session counts.
// @Summary Live sessions
// @Description Returns the number of live connections and active subscriptions across them
// @Tags admin
// @Produce json
// @Success 200 {object} map[string]int
// @Router /admin/api/sessions [get]
func (r *Routes) handleGetSessions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"sessions":      r.hub.Count(),
		"subscriptions": r.hub.Subscriptions(),
	})
}

// handleGroupStats returns per-group message counts from the store.
// @Summary Group stats
// @Tags admin
// @Produce json
// @Param id path int true "Group id"
// @Success 200 {object} map[string]int64
// @Failure 400 {string} string "Invalid group id"
// @Router /admin/api/groups/{id}/stats [get]
func (r *Routes) handleGroupStats(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid group id")
	}

	count, err := r.store.ZCard(c.Context(), []byte("chat:messages:"+strconv.FormatInt(id, 10)))
	if err != nil {
		r.logger.Error("failed to count messages", "group", id, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to count messages",
		})
	}
	return c.JSON(fiber.Map{"messages": count})
}
