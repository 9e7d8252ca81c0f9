package land

import (
	"errors"

	"go.uber.org/zap"

	"github.com/driftline/landsync/internal/v1/codec"
	"github.com/driftline/landsync/internal/v1/logging"
	"github.com/driftline/landsync/internal/v1/metrics"
	"github.com/driftline/landsync/internal/v1/types"
)

// handleJoin runs the full join sequence for one session: validation,
// identity resolution, duplicate-login eviction, keeper admission, slot
// assignment, and the first-sync snapshot. Runs in the domain.
func (a *TransportAdapter) handleJoin(sessionID types.SessionID, join *types.Join) {
	if gw := a.validateJoin(sessionID, join); gw != nil {
		a.rejectJoin(sessionID, gw)
		return
	}

	auth := a.membership.AuthInfo(sessionID)
	clientID, _ := a.membership.ClientID(sessionID)
	session := a.resolvePlayerSession(sessionID, join, auth)

	a.evictDuplicateLogin(session.PlayerID, sessionID, clientID)

	ctx := a.logCtx(sessionID)
	decision, err := a.keeper.Join(ctx, session, clientID, sessionID)
	if err != nil {
		a.rejectJoin(sessionID, joinErrorToGateway(err))
		return
	}
	if !decision.Allow {
		a.rejectJoin(sessionID, types.NewGatewayError(types.ErrCodeJoinDenied, "join denied"))
		return
	}
	playerID := session.PlayerID
	if decision.PlayerID != "" {
		playerID = decision.PlayerID
	}

	stamp := a.membership.RegisterPlayer(sessionID, playerID, auth)
	slot, err := a.membership.AllocatePlayerSlot(string(playerID), playerID)
	if err != nil {
		a.membership.RemoveJoinedPlayer(sessionID)
		a.keeper.Leave(ctx, playerID, clientID)
		a.rejectJoin(sessionID, types.NewGatewayError(types.ErrCodeJoinRoomFull, "no player slots available"))
		return
	}
	a.transport.RegisterPlayerSession(sessionID, playerID)

	metrics.JoinOutcomes.WithLabelValues("success").Inc()
	metrics.LandPlayers.WithLabelValues(a.landID.String()).Set(float64(a.membership.JoinedPlayerCount()))
	logging.Info(ctx, "player joined",
		zap.String("player_id", string(playerID)),
		zap.Int32("player_slot", slot),
		zap.Uint64("membership_version", stamp.Version),
		zap.Bool("guest", session.Guest))

	a.sendMessage(sessionID, &types.Message{
		Kind: types.KindJoinResponse,
		JoinResponse: &types.JoinResponse{
			RequestID:      join.RequestID,
			Success:        true,
			LandType:       string(a.landID.Type),
			LandInstanceID: a.landID.Instance,
			PlayerSlot:     &slot,
			Encoding:       string(a.opts.Codec.StateUpdates),
		},
	})

	a.sendFirstSync(sessionID, playerID)
}

// validateJoin checks the protocol-level join preconditions in order.
func (a *TransportAdapter) validateJoin(sessionID types.SessionID, join *types.Join) *types.GatewayError {
	if !a.membership.IsConnected(sessionID) {
		return types.NewGatewayError(types.ErrCodeJoinSessionNotConnected, "session is not connected")
	}
	if a.membership.IsJoined(sessionID) {
		return types.NewGatewayError(types.ErrCodeJoinAlreadyJoined, "session has already joined")
	}

	requested := types.NewLandID(types.LandType(join.LandType), join.LandInstanceID)
	if requested.Type != a.landID.Type ||
		(requested.Instance != "" && requested.Instance != a.landID.Instance) {
		return types.NewGatewayError(types.ErrCodeJoinLandIDMismatch, "join addressed to a different land").
			WithDetails(map[string]any{
				"requested": requested.String(),
				"actual":    a.landID.String(),
			})
	}

	// An omitted client hash does not bypass a configured expectation.
	if a.opts.ExpectedSchemaHash != "" && join.SchemaHash != a.opts.ExpectedSchemaHash {
		return types.NewGatewayError(types.ErrCodeJoinSchemaHashMismatch, "client schema does not match").
			WithDetails(map[string]any{
				"expected": a.opts.ExpectedSchemaHash,
				"received": join.SchemaHash,
			})
	}
	return nil
}

// resolvePlayerSession builds the keeper-facing identity. Precedence: the
// explicitly requested player id, then the authenticated identity, then a
// minted guest session, then the raw session id.
func (a *TransportAdapter) resolvePlayerSession(sessionID types.SessionID, join *types.Join, auth *types.AuthInfo) *types.PlayerSession {
	session := &types.PlayerSession{
		DeviceID: join.DeviceID,
		Metadata: join.Metadata,
	}
	switch {
	case join.PlayerID != "":
		session.PlayerID = types.PlayerID(join.PlayerID)
	case auth != nil && auth.PlayerID != "":
		session.PlayerID = auth.PlayerID
	case a.opts.GuestSessions != nil:
		guest := a.opts.GuestSessions(sessionID)
		session.PlayerID = guest.PlayerID
		session.Guest = true
		if session.DeviceID == "" {
			session.DeviceID = guest.DeviceID
		}
		if session.Metadata == nil {
			session.Metadata = guest.Metadata
		}
	default:
		session.PlayerID = types.PlayerID(sessionID)
	}
	return session
}

// evictDuplicateLogin displaces an existing session of the same player: the
// keeper sees a leave, stamps issued to the old episode are voided, and the
// old connection is closed. The displaced session's disconnect callback then
// finds nothing joined and cleans up only its connection entry.
func (a *TransportAdapter) evictDuplicateLogin(playerID types.PlayerID, newSession types.SessionID, _ types.ClientID) {
	oldSession, ok := a.membership.SessionForPlayer(playerID)
	if !ok || oldSession == newSession {
		return
	}
	oldClient, _ := a.membership.ClientID(oldSession)

	logging.Info(a.logCtx(oldSession), "duplicate login, evicting previous session",
		zap.String("player_id", string(playerID)),
		zap.String("new_session_id", string(newSession)))

	a.keeper.Leave(a.logCtx(oldSession), playerID, oldClient)
	a.membership.RemoveJoinedPlayer(oldSession)
	a.engine.ClearPlayer(playerID)
	a.stateEnc.ResetScope(codec.PlayerScope(playerID))
	a.transport.UnregisterPlayerSession(oldSession, playerID)
	a.transport.CloseSession(oldSession)
}

// sendFirstSync delivers the complete initial state exactly once per join
// episode. The in-flight guard covers keepers whose Join triggers a
// re-entrant sync request.
func (a *TransportAdapter) sendFirstSync(sessionID types.SessionID, playerID types.PlayerID) {
	if !a.engine.BeginInitialSync(playerID) {
		return
	}
	defer a.engine.EndInitialSync(playerID)

	state := a.keeper.CurrentState()
	broadcast := extractBroadcastSnapshot(state, types.AllFields())
	perPlayer := extractPerPlayerSnapshot(state, playerID, types.AllFields())
	update := a.engine.FirstSyncUpdate(playerID, broadcast, perPlayer)

	frame, err := a.stateEnc.Encode(update, codec.PlayerScope(playerID))
	if err != nil {
		logging.Error(a.logCtx(sessionID), "failed to encode first sync", zap.Error(err))
		return
	}
	metrics.EncodedFrameBytes.WithLabelValues(string(a.stateEnc.Encoding())).Observe(float64(len(frame)))
	a.transport.Send(sessionID, frame)
	a.engine.MarkFirstSyncDone(playerID)
}

// rejectJoin reports a failed join as a single error frame carrying the
// code. A joinResponse is only ever sent for a successful join.
func (a *TransportAdapter) rejectJoin(sessionID types.SessionID, gw *types.GatewayError) {
	metrics.JoinOutcomes.WithLabelValues(string(gw.Code)).Inc()
	logging.Warn(a.logCtx(sessionID), "join rejected",
		zap.String("code", string(gw.Code)),
		zap.String("reason", gw.Message))

	a.sendError(sessionID, gw)
}

// joinErrorToGateway maps keeper join failures onto wire codes.
func joinErrorToGateway(err error) *types.GatewayError {
	if errors.Is(err, types.ErrRoomFull) {
		return types.NewGatewayError(types.ErrCodeJoinRoomFull, "room is full")
	}
	var denied *types.JoinDeniedError
	if errors.As(err, &denied) {
		return types.NewGatewayError(types.ErrCodeJoinDenied, denied.Error())
	}
	return types.NewGatewayError(types.ErrCodeJoinDenied, err.Error())
}
