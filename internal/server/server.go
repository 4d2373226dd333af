package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/attendkit/attendance-gateway/internal/store"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// NewRouter wires the gateway's HTTP surface.
//
// Public: /health, webhook push (token-authenticated per device).
// Operational: manual sync, user directory fetch, connection probe, status.
func NewRouter(svc SyncService, st DeviceStore, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{svc: svc, store: st, logger: logger}

	// Devices push punches here; the token identifies and authenticates the
	// device in one step.
	r.POST("/webhook/:token", h.receiveWebhook)
	r.GET("/webhook/:token/test", h.testWebhook)

	devices := r.Group("/devices")
	devices.POST("/:id/sync", h.syncDevice)
	devices.GET("/:id/users", h.listUsers)
	devices.GET("/:id/probe", h.probeDevice)
	devices.GET("/:id/status", h.deviceStatus)

	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
		)
	}
}

type handlers struct {
	svc    SyncService
	store  DeviceStore
	logger *zap.Logger
}

// receiveWebhook ingests a pushed punch payload. The body is handed to the
// sync core unparsed; the core validates the token and treats the payload as
// that device cycle's fetch result.
func (h *handlers) receiveWebhook(c *gin.Context) {
	token := c.Param("token")

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "unreadable body"})
		return
	}

	result, err := h.svc.RunWebhook(c.Request.Context(), token, payload)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "invalid token"})
			return
		}
		h.logger.Error("Webhook processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "processing failed"})
		return
	}

	if len(result.Errors) > 0 && result.Fetched == 0 {
		// Token matched the device row but failed the constant-time check,
		// or the payload was malformed.
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "errors": result.Errors})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "result": result})
}

// testWebhook lets an integrator verify a token without pushing data.
func (h *handlers) testWebhook(c *gin.Context) {
	desc, err := h.store.DeviceByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "device": desc.Name})
}

// syncDevice is the manual "sync now" action. It runs the same cycle the
// scheduler runs.
func (h *handlers) syncDevice(c *gin.Context) {
	result, err := h.svc.RunCycle(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) listUsers(c *gin.Context) {
	users, err := h.svc.ListUsers(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

func (h *handlers) probeDevice(c *gin.Context) {
	if err := h.svc.Probe(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"status": "unreachable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reachable"})
}

// deviceStatus reports the cursor and recent sync history for a device.
func (h *handlers) deviceStatus(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	desc, err := h.store.Device(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
		return
	}
	cur, err := h.store.Cursor(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logs, err := h.store.SyncLogs(ctx, id, 10)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device":  gin.H{"id": desc.ID, "name": desc.Name, "protocol": desc.Protocol, "active": desc.Active},
		"cursor":  cur,
		"history": logs,
	})
}
