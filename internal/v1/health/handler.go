// Package health serves the liveness and readiness probe endpoints.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/driftline/landsync/internal/v1/logging"
	"github.com/driftline/landsync/internal/v1/types"
)

// StorePinger checks the rate-limit store. Implemented by
// ratelimit.RateLimiter; nil skips the check.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// RealmChecker fans a health check out over the land servers. Implemented by
// gateway.Realm.
type RealmChecker interface {
	HealthCheck(ctx context.Context) map[types.LandType]error
}

// Handler serves the probe endpoints.
type Handler struct {
	store StorePinger
	realm RealmChecker
}

// NewHandler builds a probe handler. Either dependency may be nil.
func NewHandler(store StorePinger, realm RealmChecker) *Handler {
	return &Handler{store: store, realm: realm}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 whenever the process is up;
// no dependencies are checked.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only when every dependency
// is healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	store := h.checkStore(ctx)
	checks["rate_limit_store"] = store
	if store != "healthy" {
		allHealthy = false
	}

	realm := h.checkRealm(ctx)
	checks["realm"] = realm
	if realm != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil {
		return "healthy"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "rate-limit store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkRealm(ctx context.Context) string {
	if h.realm == nil {
		return "healthy"
	}
	for landType, err := range h.realm.HealthCheck(ctx) {
		if err != nil {
			logging.Error(ctx, "land server health check failed",
				zap.String("land_type", string(landType)), zap.Error(err))
			return "unhealthy"
		}
	}
	return "healthy"
}
