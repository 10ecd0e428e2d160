package handler

import (
	"context"
	"os/exec"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// HealthHandler reports whether the dependencies a job needs are reachable
type HealthHandler struct {
	redis          redis.Cmdable
	llmConfigured  bool
	storage        string
	rendererBinary string
	lookPath       func(string) (string, error)
}

// NewHealthHandler creates a health handler. storage is the driver name, or
// "local" when artifacts are served from disk.
func NewHealthHandler(rdb redis.Cmdable, llmConfigured bool, storage, rendererBinary string) *HealthHandler {
	return &HealthHandler{
		redis:          rdb,
		llmConfigured:  llmConfigured,
		storage:        storage,
		rendererBinary: rendererBinary,
		lookPath:       exec.LookPath,
	}
}

// Health handles GET /health. Redis is the only hard dependency of the API
// process; it answers 503 when Redis is down.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	redisStatus := "connected"
	if err := h.redis.Ping(ctx).Err(); err != nil {
		redisStatus = "unavailable"
	}

	llmStatus := "not configured"
	if h.llmConfigured {
		llmStatus = "configured"
	}

	rendererStatus := "available"
	if _, err := h.lookPath(h.rendererBinary); err != nil {
		rendererStatus = "not found"
	}

	status := "ok"
	code := fiber.StatusOK
	switch {
	case redisStatus != "connected":
		status = "unavailable"
		code = fiber.StatusServiceUnavailable
	case !h.llmConfigured || rendererStatus != "available":
		status = "degraded"
	}

	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"services": fiber.Map{
			"redis":    redisStatus,
			"llm":      llmStatus,
			"storage":  h.storage,
			"renderer": rendererStatus,
		},
	})
}
