package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftline/landsync/internal/v1/codec"
	"github.com/driftline/landsync/internal/v1/land"
	"github.com/driftline/landsync/internal/v1/logging"
	"github.com/driftline/landsync/internal/v1/metrics"
	"github.com/driftline/landsync/internal/v1/types"
)

// routedSession is the router's bookkeeping for one connection.
type routedSession struct {
	clientID types.ClientID
	auth     *types.AuthInfo

	bound   bool
	landID  types.LandID
	adapter *land.TransportAdapter
}

// LandRouter is the front door for multi-land mode. It implements
// types.TransportDelegate: unbound sessions may only join; the first join
// picks or creates the land, binds the session, and every later frame is
// forwarded to the bound adapter.
type LandRouter struct {
	realm     *Realm
	transport types.ConnectionTransport

	// replyCodec frames router-level errors. Joins are always JSON, so
	// pre-bind replies are too.
	replyCodec codec.MessageCodec

	mu       sync.RWMutex
	sessions map[types.SessionID]*routedSession
}

// NewLandRouter wires a router over a realm and the shared transport.
func NewLandRouter(realm *Realm, transport types.ConnectionTransport) *LandRouter {
	replyCodec, err := codec.NewMessageCodec(codec.MessageEncodingJSON)
	if err != nil {
		// The JSON codec constructor cannot fail; keep the signature clean.
		panic(err)
	}
	return &LandRouter{
		realm:      realm,
		transport:  transport,
		replyCodec: replyCodec,
		sessions:   make(map[types.SessionID]*routedSession),
	}
}

// --- types.TransportDelegate ---

// OnConnect records the session. No land is chosen until the first join.
func (r *LandRouter) OnConnect(sessionID types.SessionID, clientID types.ClientID, auth *types.AuthInfo) {
	r.mu.Lock()
	r.sessions[sessionID] = &routedSession{clientID: clientID, auth: auth}
	r.mu.Unlock()
	logging.Debug(context.Background(), "session connected to router",
		zap.String("session_id", string(sessionID)),
		zap.Bool("authenticated", auth != nil))
}

// OnMessage routes one inbound frame: bound sessions forward to their
// adapter, unbound sessions must present a join.
func (r *LandRouter) OnMessage(sessionID types.SessionID, frame []byte) {
	r.mu.RLock()
	rs, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		r.sendErrorFrame(sessionID, types.NewGatewayError(types.ErrCodeJoinSessionNotConnected,
			"session is not connected"))
		return
	}

	if rs.bound {
		// The bound land may have been destroyed behind the session's back.
		if manager, mok := r.realm.ManagerFor(rs.landID.Type); mok {
			if _, lok := manager.GetLand(rs.landID); lok {
				rs.adapter.OnMessage(sessionID, frame)
				return
			}
		}
		r.clearBinding(sessionID, rs)
		r.sendErrorFrame(sessionID, types.NewGatewayError(types.ErrCodeJoinRoomNotFound,
			"land "+rs.landID.String()+" no longer exists"))
		return
	}

	join, isJoin := codec.DecodeJoinFrame(frame)
	if !isJoin {
		r.sendErrorFrame(sessionID, types.NewGatewayError(types.ErrCodeJoinSessionNotConnected,
			"join required before other messages"))
		return
	}
	r.dispatchJoin(sessionID, rs, join, frame)
}

// OnDisconnect forwards the teardown to the bound adapter, then drops the
// router-side mapping.
func (r *LandRouter) OnDisconnect(sessionID types.SessionID, clientID types.ClientID) {
	r.mu.Lock()
	rs, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if ok && rs.bound {
		rs.adapter.OnDisconnect(sessionID, clientID)
	}
}

// --- Join dispatch ---

// dispatchJoin picks or creates the target land, binds the session, and hands
// the join frame to the adapter for the protocol-level join sequence.
func (r *LandRouter) dispatchJoin(sessionID types.SessionID, rs *routedSession, join *types.Join, frame []byte) {
	landType := types.LandType(join.LandType)
	manager, ok := r.realm.ManagerFor(landType)
	if !ok {
		r.rejectJoin(sessionID, types.NewGatewayError(types.ErrCodeJoinRoomNotFound,
			"unknown land type "+join.LandType))
		return
	}

	var container *Container
	if join.LandInstanceID != "" {
		// Client named an instance: it must already exist.
		landID := types.NewLandID(landType, join.LandInstanceID)
		container, ok = manager.GetLand(landID)
		if !ok {
			r.rejectJoin(sessionID, types.NewGatewayError(types.ErrCodeJoinRoomNotFound,
				"land "+landID.String()+" not found"))
			return
		}
	} else {
		instance := ""
		if mm := manager.Definition().Matchmaking; mm != nil {
			if selected, picked := mm.SelectInstance(context.Background(), manager.LandIDs()); picked {
				instance = selected
			}
		}
		if instance == "" {
			instance = uuid.NewString()
		}
		var err error
		container, err = manager.GetOrCreateLand(types.NewLandID(landType, instance))
		if err != nil {
			logging.Error(context.Background(), "failed to create land",
				zap.String("land_type", join.LandType), zap.Error(err))
			r.rejectJoin(sessionID, types.NewGatewayError(types.ErrCodeJoinRoomNotFound,
				"failed to create land for type "+join.LandType))
			return
		}
	}

	r.mu.Lock()
	rs.bound = true
	rs.landID = container.ID
	rs.adapter = container.Adapter
	r.mu.Unlock()

	logging.Info(context.Background(), "session bound to land",
		zap.String("session_id", string(sessionID)),
		zap.String("land_id", container.ID.String()))

	// The adapter owns the rest of the join protocol; it needs the session
	// registered before it sees the join frame.
	container.Adapter.OnConnect(sessionID, rs.clientID, rs.auth)
	container.Adapter.OnMessage(sessionID, frame)
}

// SessionCount returns the number of sessions the router tracks.
func (r *LandRouter) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// BoundLand returns the land a session is bound to, if any.
func (r *LandRouter) BoundLand(sessionID types.SessionID) (types.LandID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rs, ok := r.sessions[sessionID]; ok && rs.bound {
		return rs.landID, true
	}
	return types.LandID{}, false
}

// --- Internals ---

func (r *LandRouter) clearBinding(sessionID types.SessionID, rs *routedSession) {
	r.mu.Lock()
	rs.bound = false
	rs.adapter = nil
	rs.landID = types.LandID{}
	r.mu.Unlock()
	logging.Debug(context.Background(), "cleared stale land binding",
		zap.String("session_id", string(sessionID)))
}

// rejectJoin reports a failed join as a single error frame carrying the
// code. A joinResponse is only ever sent for a successful join.
func (r *LandRouter) rejectJoin(sessionID types.SessionID, gw *types.GatewayError) {
	metrics.JoinOutcomes.WithLabelValues(string(gw.Code)).Inc()
	logging.Warn(context.Background(), "join rejected by router",
		zap.String("session_id", string(sessionID)),
		zap.String("code", string(gw.Code)),
		zap.String("reason", gw.Message))

	r.sendErrorFrame(sessionID, gw)
}

func (r *LandRouter) sendErrorFrame(sessionID types.SessionID, gw *types.GatewayError) {
	r.sendFrame(sessionID, &types.Message{Kind: types.KindError, Error: gw.AsErrorMessage()})
}

func (r *LandRouter) sendFrame(sessionID types.SessionID, msg *types.Message) {
	frame, err := r.replyCodec.Encode(msg)
	if err != nil {
		logging.Error(context.Background(), "failed to encode router reply",
			zap.String("kind", string(msg.Kind)), zap.Error(err))
		return
	}
	r.transport.Send(sessionID, frame)
}
