package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/landsync/internal/v1/types"
)

type fakePinger struct{ err error }

func (p *fakePinger) Ping(context.Context) error { return p.err }

type fakeRealm struct{ results map[types.LandType]error }

func (r *fakeRealm) HealthCheck(context.Context) map[types.LandType]error { return r.results }

func performRequest(h *Handler, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health/live", h.Liveness)
	router.GET("/health/ready", h.Readiness)

	resp := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(resp, req)
	return resp
}

func TestLiveness_AlwaysOK(t *testing.T) {
	resp := performRequest(NewHandler(nil, nil), "/health/live")
	assert.Equal(t, http.StatusOK, resp.Code)

	var body LivenessResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "alive", body.Status)
	assert.NotEmpty(t, body.Timestamp)
}

func TestReadiness_AllHealthy(t *testing.T) {
	h := NewHandler(&fakePinger{}, &fakeRealm{results: map[types.LandType]error{"arena": nil}})
	resp := performRequest(h, "/health/ready")
	assert.Equal(t, http.StatusOK, resp.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "healthy", body.Checks["rate_limit_store"])
	assert.Equal(t, "healthy", body.Checks["realm"])
}

func TestReadiness_NilDependenciesAreHealthy(t *testing.T) {
	resp := performRequest(NewHandler(nil, nil), "/health/ready")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestReadiness_StoreFailure(t *testing.T) {
	h := NewHandler(&fakePinger{err: errors.New("connection refused")}, nil)
	resp := performRequest(h, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "unhealthy", body.Checks["rate_limit_store"])
}

func TestReadiness_RealmFailure(t *testing.T) {
	h := NewHandler(nil, &fakeRealm{results: map[types.LandType]error{
		"arena": nil,
		"lobby": errors.New("shut down"),
	}})
	resp := performRequest(h, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Checks["realm"])
}
