package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftline/landsync/internal/v1/logging"
	"github.com/driftline/landsync/internal/v1/ratelimit"
	"github.com/driftline/landsync/internal/v1/types"
)

// ServeConfig carries the connection-time policy of the /ws endpoint.
type ServeConfig struct {
	// Resolver validates credentials into an AuthInfo. Nil skips
	// authentication entirely; connections arrive anonymous.
	Resolver types.AuthInfoResolver

	AllowedOrigins []string

	// RateLimiter guards connection attempts. Nil disables the check.
	RateLimiter *ratelimit.RateLimiter
}

// tokenExtraction holds where the credential came from, so the upgrade can
// echo the negotiated subprotocol back.
type tokenExtraction struct {
	Token                  string
	FromHeader             bool
	HasAccessTokenProtocol bool
}

// extractToken pulls a credential from the Sec-WebSocket-Protocol header or
// the token query parameter. Browsers cannot set arbitrary headers on
// WebSocket dials, so the subprotocol smuggle comes first.
func extractToken(c *gin.Context) *tokenExtraction {
	result := &tokenExtraction{}

	if headerVal := c.GetHeader("Sec-WebSocket-Protocol"); headerVal != "" {
		for _, p := range strings.Split(headerVal, ",") {
			p = strings.TrimSpace(p)
			if p == "access_token" {
				result.HasAccessTokenProtocol = true
				continue
			}
			if p != "" && result.Token == "" {
				result.Token = p
				result.FromHeader = true
			}
		}
	}
	if result.Token == "" {
		result.Token = c.Query("token")
	}
	return result
}

// validateOrigin checks the Origin header against the allowed list. Requests
// without an Origin header pass; non-browser clients do not send one.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// ServeWs returns the gin handler that upgrades connections and runs their
// read loops. Connections bind to lands later, via join messages, so the
// endpoint takes no land parameter.
func (t *WebSocketTransport) ServeWs(cfg ServeConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.RateLimiter != nil && !cfg.RateLimiter.CheckWebSocket(c) {
			return
		}

		token := extractToken(c)

		var auth *types.AuthInfo
		if cfg.Resolver != nil {
			if token.Token == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
				return
			}
			resolved, err := cfg.Resolver.Resolve(token.Token)
			if err != nil {
				logging.Warn(c.Request.Context(), "token validation failed", zap.Error(err))
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			auth = resolved

			if cfg.RateLimiter != nil {
				if err := cfg.RateLimiter.CheckWebSocketPlayer(c.Request.Context(), string(auth.PlayerID)); err != nil {
					c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
					return
				}
			}
		}

		if err := validateOrigin(c.Request, cfg.AllowedOrigins); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}

		conn, err := t.upgrade(c, cfg.AllowedOrigins, token)
		if err != nil {
			return
		}
		t.HandleConnection(conn, auth)
	}
}

// upgrade performs the WebSocket handshake, echoing the subprotocol the
// client negotiated for token smuggling.
func (t *WebSocketTransport) upgrade(c *gin.Context, allowedOrigins []string, token *tokenExtraction) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	responseHeader := http.Header{}
	if token.FromHeader {
		if token.HasAccessTokenProtocol {
			responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
		} else {
			responseHeader.Set("Sec-WebSocket-Protocol", token.Token)
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}

// HandleConnection registers an established connection and starts its read
// loop. Split from ServeWs so tests can drive fake connections.
func (t *WebSocketTransport) HandleConnection(conn wsConnection, auth *types.AuthInfo) *wsSession {
	sessionID := types.SessionID(uuid.NewString())
	clientID := types.ClientID(uuid.NewString()[:8])

	s := newSession(sessionID, clientID, conn)
	t.addSession(s)

	if delegate := t.getDelegate(); delegate != nil {
		delegate.OnConnect(sessionID, clientID, auth)
	}

	go t.readPump(s)
	return s
}

// readPump forwards inbound frames to the delegate until the connection
// dies, then runs the disconnect path.
func (t *WebSocketTransport) readPump(s *wsSession) {
	defer func() {
		s.close()
		s.wait()
		t.removeSession(s.id)
		if delegate := t.getDelegate(); delegate != nil {
			delegate.OnDisconnect(s.id, s.clientID)
		}
		logging.Debug(context.Background(), "session read loop ended",
			zap.String("session_id", string(s.id)))
	}()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if delegate := t.getDelegate(); delegate != nil {
			delegate.OnMessage(s.id, data)
		}
	}
}
