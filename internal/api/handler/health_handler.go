package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports the status of the service and its dependencies
type HealthHandler struct {
	service string
	checks  map[string]HealthChecker
}

// NewHealthHandler creates a HealthHandler
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{service: deps.Service, checks: deps.Checks}
}

// Health handles GET /health. Any failing dependency answers 503.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	dependencies := make(gin.H, len(names))
	for _, name := range names {
		if err := h.checks[name].HealthCheck(ctx); err != nil {
			status = http.StatusServiceUnavailable
			dependencies[name] = err.Error()
			continue
		}
		dependencies[name] = "ok"
	}

	healthy := "healthy"
	if status != http.StatusOK {
		healthy = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":       healthy,
		"service":      h.service,
		"dependencies": dependencies,
	})
}
