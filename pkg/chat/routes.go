package chat

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// Routes provides HTTP handlers for the chat query/mutation path. The
// reconnection supervisor refetches through these same endpoints.
type Routes struct {
	service *Service
}

// NewRoutes creates a new Routes instance.
func NewRoutes(service *Service) *Routes {
	return &Routes{service: service}
}

// Register registers chat routes on the given router.
func (r *Routes) Register(router fiber.Router) {
	router.Get("/groups", r.ListGroups)
	router.Post("/groups", r.CreateGroup)
	router.Get("/groups/:id", r.GetGroup)
	router.Get("/groups/:id/messages", r.ListMessages)
	router.Post("/groups/:id/messages", r.CreateMessage)
}

type createGroupRequest struct {
	Name      string  `json:"name"`
	CreatorID int64   `json:"creatorId"`
	MemberIDs []int64 `json:"memberIds"`
}

type createMessageRequest struct {
	SenderID int64  `json:"senderId"`
	Text     string `json:"text"`
}

// ListGroups returns groups, optionally filtered to a member.
// @Summary List groups
// @Description Lists groups in creation order, optionally filtered to those a user belongs to
// @Tags chat
// @Produce json
// @Param userId query int false "Only groups this user is a member of"
// @Success 200 {array} Group
// @Failure 500 {string} string "Internal server error"
// @Router /groups [get]
func (r *Routes) ListGroups(c *fiber.Ctx) error {
	userID, _ := strconv.ParseInt(c.Query("userId", "0"), 10, 64)
	groups, err := r.service.Groups(c.Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(groups)
}

// CreateGroup creates a new group.
// @Summary Create group
// @Description Creates a group; the creator is always the first member. Publishes a group-added event.
// @Tags chat
// @Accept json
// @Produce json
// @Param body body createGroupRequest true "Group to create"
// @Success 201 {object} Group
// @Failure 400 {string} string "Invalid request"
// @Router /groups [post]
func (r *Routes) CreateGroup(c *fiber.Ctx) error {
	var req createGroupRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid request body")
	}

	group, err := r.service.CreateGroup(c.Context(), req.Name, req.CreatorID, req.MemberIDs)
	if errors.Is(err, ErrInvalidInput) {
		return c.Status(fiber.StatusBadRequest).SendString(err.Error())
	}
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(group)
}

// GetGroup returns a single group.
// @Summary Get group
// @Tags chat
// @Produce json
// @Param id path int true "Group id"
// @Success 200 {object} Group
// @Failure 404 {string} string "Group not found"
// @Router /groups/{id} [get]
func (r *Routes) GetGroup(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid group id")
	}
	group, err := r.service.Group(c.Context(), id)
	if errors.Is(err, ErrGroupNotFound) {
		return c.Status(fiber.StatusNotFound).SendString("Group not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(group)
}

// ListMessages returns recent messages in a group, newest first.
// @Summary List messages
// @Tags chat
// @Produce json
// @Param id path int true "Group id"
// @Param limit query int false "Max messages to return (default 100)"
// @Success 200 {array} Message
// @Failure 404 {string} string "Group not found"
// @Router /groups/{id}/messages [get]
func (r *Routes) ListMessages(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid group id")
	}
	limit, _ := strconv.ParseInt(c.Query("limit", "0"), 10, 64)

	msgs, err := r.service.Messages(c.Context(), id, limit)
	if errors.Is(err, ErrGroupNotFound) {
		return c.Status(fiber.StatusNotFound).SendString("Group not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(msgs)
}

// CreateMessage creates a message in a group.
// @Summary Create message
// @Description Persists a message, then publishes a message-added event before responding.
// @Tags chat
// @Accept json
// @Produce json
// @Param id path int true "Group id"
// @Param body body createMessageRequest true "Message to create"
// @Success 201 {object} Message
// @Failure 400 {string} string "Invalid request"
// @Failure 404 {string} string "Group not found"
// @Router /groups/{id}/messages [post]
func (r *Routes) CreateMessage(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid group id")
	}

	var req createMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid request body")
	}

	msg, err := r.service.CreateMessage(c.Context(), id, req.SenderID, req.Text)
	if errors.Is(err, ErrGroupNotFound) {
		return c.Status(fiber.StatusNotFound).SendString("Group not found")
	}
	if errors.Is(err, ErrInvalidInput) {
		return c.Status(fiber.StatusBadRequest).SendString(err.Error())
	}
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}
