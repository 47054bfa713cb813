package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"connect-relay/internal/models"
	"connect-relay/internal/notify"
	"connect-relay/internal/relay"
	"connect-relay/internal/rooms"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const healthPingTimeout = 2 * time.Second

// health handles GET /health. It answers 503 when the store is unreachable.
func (h *handlers) health(c *gin.Context) {
	status := http.StatusOK
	resp := gin.H{"ok": true}
	if h.Stats != nil {
		stats := h.Stats.Stats()
		resp["connections"] = stats.Connections
		resp["rooms"] = stats.Rooms
	}
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		defer cancel()
		err := h.Store.Ping(ctx)
		resp["redis"] = err == nil
		if err != nil {
			h.logger.Warn("[API] Store unreachable", zap.Error(err))
			resp["ok"] = false
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, resp)
}

// listRooms handles GET /api/chat/rooms.
func (h *handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, []models.Room{{ID: rooms.Community, Name: "Community"}})
}

// history handles GET /api/chat/history/:roomId.
func (h *handlers) history(c *gin.Context) {
	roomID := rooms.OrDefault(c.Param("roomId"))

	limit := h.HistoryPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxHistoryPage {
		limit = maxHistoryPage
	}

	var before time.Time
	if raw := c.Query("before"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "before must be a unix timestamp in milliseconds"})
			return
		}
		before = time.UnixMilli(ms)
	}

	ctx := c.Request.Context()
	messages, err := h.Messages.History(ctx, roomID, limit, before)
	if err != nil {
		h.logger.Error("[API] Failed to load history", zap.String("room", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to load history"})
		return
	}

	pictures := make(map[string]*string)
	out := make([]models.OutboundMessage, 0, len(messages))
	for _, msg := range messages {
		picture, ok := pictures[msg.SenderID]
		if !ok {
			if user, err := h.Users.GetUser(ctx, msg.SenderID); err == nil && user.ProfilePicture != "" {
				p := user.ProfilePicture
				picture = &p
			}
			pictures[msg.SenderID] = picture
		}
		out = append(out, models.OutboundMessage{Message: *msg, SenderProfilePicture: picture})
	}

	c.JSON(http.StatusOK, out)
}

// deleteMessage handles DELETE /api/chat/message/:id. Only the sender or an
// admin may delete.
func (h *handlers) deleteMessage(c *gin.Context) {
	principal := principalFrom(c)
	id := c.Param("id")
	ctx := c.Request.Context()

	msg, err := h.Messages.GetMessage(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Not found"})
		return
	}
	if err != nil {
		h.logger.Error("[API] Failed to load message", zap.String("message", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to delete message"})
		return
	}

	if msg.SenderID != principal.ID && !principal.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"message": "You can only delete your own messages"})
		return
	}

	deleted, err := h.Messages.DeleteMessage(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Not found"})
		return
	}
	if err != nil {
		h.logger.Error("[API] Failed to delete message", zap.String("message", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to delete message"})
		return
	}

	h.Broadcaster.Emit(deleted.RoomID, models.EventChatMessageDeleted, models.MessageDeletedData{
		MessageID: deleted.ID,
		RoomID:    deleted.RoomID,
	})
	h.logger.Info("[API] Message deleted", zap.String("message", id), zap.String("room", deleted.RoomID), zap.String("by", principal.ID))

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// createAlert handles POST /api/alerts.
func (h *handlers) createAlert(c *gin.Context) {
	var in relay.RaiseAlertInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}

	alert, err := h.Alerter.RaiseAlert(c.Request.Context(), principalFrom(c), in)
	switch {
	case errors.Is(err, relay.ErrAlertForbidden):
		c.JSON(http.StatusForbidden, gin.H{"message": err.Error()})
		return
	case errors.Is(err, relay.ErrAlertInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to create alert"})
		return
	}

	c.JSON(http.StatusCreated, alert)
}

// listAlerts handles GET /api/alerts. Admins see every alert, residents
// only their own.
func (h *handlers) listAlerts(c *gin.Context) {
	principal := principalFrom(c)
	owner := principal.ID
	if principal.IsAdmin() {
		owner = ""
	}

	alerts, err := h.Alerts.ListAlerts(c.Request.Context(), owner, 0)
	if err != nil {
		h.logger.Error("[API] Failed to list alerts", zap.String("user", principal.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to list alerts"})
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	c.JSON(http.StatusOK, alerts)
}

type profilePictureRequest struct {
	ProfilePicture string `json:"profilePicture"`
}

// updateProfilePicture handles PUT /api/users/profile-picture. The picture
// must be a base64 data URL.
func (h *handlers) updateProfilePicture(c *gin.Context) {
	var req profilePictureRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ProfilePicture == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Profile picture is required"})
		return
	}
	if !strings.HasPrefix(req.ProfilePicture, "data:image/") {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid image format. Must be base64 encoded image"})
		return
	}

	principal := principalFrom(c)
	user, err := h.Users.SetProfilePicture(c.Request.Context(), principal.ID, req.ProfilePicture)
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "User not found"})
		return
	}
	if err != nil {
		h.logger.Error("[API] Failed to update profile picture", zap.String("user", principal.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to update profile picture"})
		return
	}

	h.logger.Info("[API] Profile picture updated", zap.String("user", principal.ID))
	c.JSON(http.StatusOK, gin.H{"message": "Profile picture updated successfully", "user": user})
}

type pushTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// registerPushToken handles PUT /api/users/fcm-token.
func (h *handlers) registerPushToken(c *gin.Context) {
	var req pushTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Valid push token is required"})
		return
	}

	principal := principalFrom(c)
	if err := h.Users.AddToken(c.Request.Context(), principal.ID, req.Token); err != nil {
		h.logger.Error("[API] Failed to register push token", zap.String("user", principal.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to register push token"})
		return
	}

	h.logger.Info("[API] Push token registered", zap.String("user", principal.ID))
	c.JSON(http.StatusOK, gin.H{"message": "Push token registered successfully"})
}

// unregisterPushToken handles DELETE /api/users/fcm-token.
func (h *handlers) unregisterPushToken(c *gin.Context) {
	var req pushTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Valid push token is required"})
		return
	}

	principal := principalFrom(c)
	if err := h.Users.RemoveTokens(c.Request.Context(), principal.ID, req.Token); err != nil {
		h.logger.Error("[API] Failed to remove push token", zap.String("user", principal.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to remove push token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Push token removed"})
}

// sendTestPush handles POST /api/users/fcm-test by pushing to the caller's
// own devices.
func (h *handlers) sendTestPush(c *gin.Context) {
	if h.Notifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "Push notifications are not configured"})
		return
	}

	principal := principalFrom(c)
	out := h.Notifier.NotifyUser(c.Request.Context(), principal.ID,
		notify.Notification{Title: "Test notification", Body: "Push notifications are working"},
		map[string]string{"type": "test"})

	resp := gin.H{
		"success":      out.Success,
		"successCount": out.SuccessCount,
		"failureCount": out.FailureCount,
	}
	if out.Reason != "" {
		resp["reason"] = out.Reason
	}
	c.JSON(http.StatusOK, resp)
}
