// Package notify announces land lifecycle changes to an external webhook.
// Deliveries are fire-and-forget and guarded by a circuit breaker so a dead
// webhook endpoint never slows land creation down.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/driftline/landsync/internal/v1/logging"
	"github.com/driftline/landsync/internal/v1/types"
)

const postTimeout = 5 * time.Second

// Event is the webhook payload.
type Event struct {
	Event     string    `json:"event"`
	LandID    string    `json:"landId"`
	LandType  string    `json:"landType"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier posts lifecycle events to one webhook URL. A nil Notifier is a
// valid no-op.
type Notifier struct {
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

// New builds a notifier for the webhook URL. An empty URL yields nil, which
// disables notifications.
func New(webhookURL string) *Notifier {
	if webhookURL == "" {
		return nil
	}
	st := gobreaker.Settings{
		Name:        "lifecycle-webhook",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn(context.Background(), "webhook circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Notifier{
		url:    webhookURL,
		client: &http.Client{Timeout: postTimeout},
		cb:     gobreaker.NewCircuitBreaker(st),
	}
}

// LandCreated announces a new land.
func (n *Notifier) LandCreated(ctx context.Context, landID types.LandID) {
	n.deliver(ctx, "land.created", landID)
}

// LandDestroyed announces a torn-down land.
func (n *Notifier) LandDestroyed(ctx context.Context, landID types.LandID) {
	n.deliver(ctx, "land.destroyed", landID)
}

// deliver posts asynchronously; callers hold land-manager locks.
func (n *Notifier) deliver(ctx context.Context, event string, landID types.LandID) {
	if n == nil {
		return
	}
	payload := Event{
		Event:     event,
		LandID:    landID.String(),
		LandType:  string(landID.Type),
		Timestamp: time.Now().UTC(),
	}
	go func() {
		if err := n.post(payload); err != nil {
			logging.Warn(ctx, "lifecycle notification failed",
				zap.String("event", event),
				zap.String("land_id", payload.LandID),
				zap.Error(err))
		}
	}()
}

func (n *Notifier) post(payload Event) error {
	_, err := n.cb.Execute(func() (any, error) {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notification: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}
