package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/notifications"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventNotification = "notification"
	streamEventHeartbeat    = "heartbeat"
)

type notificationPayload struct {
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
}

func (h *httpHandler) handlePollNotifications(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	since, ok := parseSince(c.Query("since"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}
	pending, err := h.notifications.Poll(c.Request.Context(), user.ID, since)
	if err != nil {
		h.logger.Error("failed to poll notifications", zap.Int64("user_id", user.ID), zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, "poll_failed", err)
		return
	}
	c.JSON(http.StatusOK, newNotificationPayloads(pending, h.logger))
}

func (h *httpHandler) handleMarkNotificationsRead(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.feed.MarkNotificationsRead(c.Request.Context(), user.ID); err != nil {
		h.respondFeedError(c, "mark_read_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleNotificationStream emits the notifications newer than the stream
// cursor on connect and after every wake-up of the user.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	cursor, ok := parseSince(c.Query("since"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}
	dispatcher := h.notifications.Dispatcher()
	if dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}

	ctx := c.Request.Context()
	wakeups, cleanup := dispatcher.Subscribe(ctx, user.ID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	cursor, ok = h.emitNotifications(c, user.ID, cursor)
	if !ok {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, open := <-wakeups:
			if !open {
				return
			}
			cursor, ok = h.emitNotifications(c, user.ID, cursor)
			if !ok {
				return
			}
		case now := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": now.UTC().Unix()})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) emitNotifications(c *gin.Context, userID int64, cursor float64) (float64, bool) {
	pending, err := h.notifications.Poll(c.Request.Context(), userID, cursor)
	if err != nil {
		h.logger.Error("notification stream poll failed", zap.Int64("user_id", userID), zap.Error(err))
		return cursor, false
	}
	for _, payload := range newNotificationPayloads(pending, h.logger) {
		c.SSEvent(streamEventNotification, payload)
		cursor = payload.Timestamp
	}
	if len(pending) > 0 {
		c.Writer.Flush()
	}
	return cursor, true
}

func newNotificationPayloads(pending []notifications.Notification, logger *zap.Logger) []notificationPayload {
	payload := make([]notificationPayload, 0, len(pending))
	for _, notification := range pending {
		data, err := notification.Data()
		if err != nil {
			logger.Warn("skipping malformed notification", zap.Int64("notification_id", notification.ID), zap.Error(err))
			continue
		}
		payload = append(payload, notificationPayload{
			Name:      notification.Name,
			Data:      data,
			Timestamp: notification.Timestamp,
		})
	}
	return payload
}

func parseSince(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	since, err := strconv.ParseFloat(raw, 64)
	if err != nil || since < 0 {
		return 0, false
	}
	return since, true
}
