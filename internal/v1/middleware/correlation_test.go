package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/landsync/internal/v1/logging"
)

func newCorrelationRouter(captured *string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CorrelationID())
	router.GET("/", func(c *gin.Context) {
		*captured = c.GetString(string(logging.CorrelationIDKey))
		c.Status(http.StatusOK)
	})
	return router
}

func TestCorrelationID_MintsWhenAbsent(t *testing.T) {
	var captured string
	router := newCorrelationRouter(&captured)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))

	echoed := resp.Header().Get(HeaderXCorrelationID)
	require.NotEmpty(t, echoed)
	_, err := uuid.Parse(echoed)
	assert.NoError(t, err)
	assert.Equal(t, echoed, captured)
}

func TestCorrelationID_ReusesInboundHeader(t *testing.T) {
	var captured string
	router := newCorrelationRouter(&captured)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXCorrelationID, "corr-123")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, "corr-123", resp.Header().Get(HeaderXCorrelationID))
	assert.Equal(t, "corr-123", captured)
}
