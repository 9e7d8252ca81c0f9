package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/landsync/internal/v1/logging"
	"github.com/driftline/landsync/internal/v1/metrics"
	"github.com/driftline/landsync/internal/v1/types"
)

const (
	// batchDrainSize is how many queued outbound frames the drain worker
	// routes per pass before yielding.
	batchDrainSize = 64

	// batchIdleSleep is how long the drain worker sleeps when its queue is
	// empty.
	batchIdleSleep = time.Millisecond
)

// warnLimiter throttles unknown-recipient warnings per recipient id: at most
// one every two seconds per id, with a cap on tracked ids so a misbehaving
// integration cannot grow the table without bound. Ids beyond the cap are
// dropped silently.
type warnLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
}

const (
	warnInterval = 2 * time.Second
	warnIDCap    = 5000
)

func (w *warnLimiter) allow(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if seen, ok := w.last[id]; ok {
		if now.Sub(seen) < warnInterval {
			return false
		}
		w.last[id] = now
		return true
	}
	if len(w.last) >= warnIDCap {
		return false
	}
	if w.last == nil {
		w.last = make(map[string]time.Time)
	}
	w.last[id] = now
	return true
}

// WebSocketTransport owns every live connection of the process and routes
// outbound frames to them. Inbound traffic flows to the registered delegate.
// It implements types.ConnectionTransport.
type WebSocketTransport struct {
	mu       sync.RWMutex
	sessions map[types.SessionID]*wsSession
	players  map[types.PlayerID]map[types.SessionID]struct{}

	delegate types.TransportDelegate

	// batch is the process-wide outbound queue fed by SendBatch and drained
	// in fixed-size passes by one worker.
	batchMu     sync.Mutex
	batch       []types.OutboundFrame
	batchWake   chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup
	warnUnknown warnLimiter
}

// NewWebSocketTransport builds the transport and starts its batch drain
// worker. The delegate must be set before the first connection arrives.
func NewWebSocketTransport() *WebSocketTransport {
	t := &WebSocketTransport{
		sessions:  make(map[types.SessionID]*wsSession),
		players:   make(map[types.PlayerID]map[types.SessionID]struct{}),
		batchWake: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	t.wg.Add(1)
	go t.drainWorker()
	return t
}

// SetDelegate wires the inbound side. Typically the land router.
func (t *WebSocketTransport) SetDelegate(delegate types.TransportDelegate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delegate = delegate
}

func (t *WebSocketTransport) getDelegate() types.TransportDelegate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.delegate
}

// --- types.ConnectionTransport ---

// Send deposits one frame into the session's queue. Unknown sessions are
// dropped with a throttled warning; disconnects race frame delivery by
// design.
func (t *WebSocketTransport) Send(sessionID types.SessionID, frame []byte) {
	t.mu.RLock()
	s, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		t.warnUnknownRecipient("session", string(sessionID))
		return
	}
	s.enqueue(frame)
}

// SendBatch deposits a sync cycle's frames into the process-wide queue; the
// drain worker spreads the routing work off the land domains.
func (t *WebSocketTransport) SendBatch(frames []types.OutboundFrame) {
	if len(frames) == 0 {
		return
	}
	t.batchMu.Lock()
	t.batch = append(t.batch, frames...)
	t.batchMu.Unlock()
	select {
	case t.batchWake <- struct{}{}:
	default:
	}
}

// SendTarget fans one frame out to the sessions an EventTarget selects.
func (t *WebSocketTransport) SendTarget(target types.EventTarget, frame []byte) {
	for _, s := range t.resolveTarget(target) {
		s.enqueue(frame)
	}
}

// RegisterPlayerSession binds a session to a player for target routing.
func (t *WebSocketTransport) RegisterPlayerSession(sessionID types.SessionID, playerID types.PlayerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.players[playerID]
	if !ok {
		set = make(map[types.SessionID]struct{})
		t.players[playerID] = set
	}
	set[sessionID] = struct{}{}
}

// UnregisterPlayerSession removes a player binding.
func (t *WebSocketTransport) UnregisterPlayerSession(sessionID types.SessionID, playerID types.PlayerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.players[playerID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(t.players, playerID)
		}
	}
}

// CloseSession closes one connection. The session's read loop observes the
// closed socket and runs the normal disconnect path.
func (t *WebSocketTransport) CloseSession(sessionID types.SessionID) {
	t.mu.RLock()
	s, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if ok {
		s.close()
	}
}

// --- Internals ---

func (t *WebSocketTransport) resolveTarget(target types.EventTarget) []*wsSession {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*wsSession
	switch target.Kind {
	case types.TargetSession:
		if s, ok := t.sessions[target.Session]; ok {
			out = append(out, s)
		} else {
			t.warnUnknownRecipient("session", string(target.Session))
		}
	case types.TargetPlayer:
		out = t.appendPlayerSessionsLocked(out, target.Player)
	case types.TargetPlayers:
		for _, p := range target.Players {
			out = t.appendPlayerSessionsLocked(out, p)
		}
	case types.TargetBroadcast:
		for _, s := range t.sessions {
			out = append(out, s)
		}
	case types.TargetBroadcastExcept:
		for id, s := range t.sessions {
			if id != target.Except {
				out = append(out, s)
			}
		}
	}
	return out
}

func (t *WebSocketTransport) appendPlayerSessionsLocked(out []*wsSession, playerID types.PlayerID) []*wsSession {
	set, ok := t.players[playerID]
	if !ok {
		t.warnUnknownRecipient("player", string(playerID))
		return out
	}
	for id := range set {
		if s, ok := t.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (t *WebSocketTransport) warnUnknownRecipient(kind, id string) {
	if t.warnUnknown.allow(kind + ":" + id) {
		logging.Warn(context.Background(), "dropping frame for unknown recipient",
			zap.String("kind", kind), zap.String("id", id))
	}
}

// drainWorker routes queued batch frames in fixed-size passes, sleeping
// briefly when idle.
func (t *WebSocketTransport) drainWorker() {
	defer t.wg.Done()
	for {
		t.batchMu.Lock()
		n := len(t.batch)
		if n > batchDrainSize {
			n = batchDrainSize
		}
		pass := t.batch[:n]
		t.batch = t.batch[n:]
		t.batchMu.Unlock()

		for _, f := range pass {
			t.Send(f.Session, f.Frame)
		}

		if n > 0 {
			continue
		}
		select {
		case <-t.done:
			return
		case <-t.batchWake:
		case <-time.After(batchIdleSleep):
		}
	}
}

// addSession registers a new connection.
func (t *WebSocketTransport) addSession(s *wsSession) {
	t.mu.Lock()
	t.sessions[s.id] = s
	t.mu.Unlock()
	metrics.IncConnection()
}

// removeSession drops a connection from the registry.
func (t *WebSocketTransport) removeSession(sessionID types.SessionID) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	metrics.DecConnection()
}

// SessionCount returns the number of live connections.
func (t *WebSocketTransport) SessionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Shutdown closes every connection and stops the drain worker.
func (t *WebSocketTransport) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "shutting down transport", zap.Int("sessions", t.SessionCount()))

	t.mu.Lock()
	sessions := make([]*wsSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	for _, s := range sessions {
		s.wait()
	}

	close(t.done)
	t.wg.Wait()
	return nil
}
