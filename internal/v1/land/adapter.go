package land

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/landsync/internal/v1/codec"
	"github.com/driftline/landsync/internal/v1/logging"
	"github.com/driftline/landsync/internal/v1/metrics"
	"github.com/driftline/landsync/internal/v1/types"
)

// taskQueue is an unbounded FIFO feeding the adapter's domain goroutine.
// Producers never block; the wake channel has capacity 1 so repeated pushes
// coalesce into one wakeup.
type taskQueue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

func (q *taskQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *taskQueue) drain() []func() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// TransportAdapter bridges one land keeper to the connection transport. It
// owns the land's serialized domain: a single goroutine consumes connection
// callbacks, inbound frames, server events, and the sync tick in FIFO order,
// so the keeper, membership tables, diff caches, and pending events never
// see concurrent access.
type TransportAdapter struct {
	landID    types.LandID
	keeper    types.LandKeeper
	transport types.ConnectionTransport
	opts      Options

	msgCodec codec.MessageCodec
	stateEnc codec.StateUpdateEncoder

	membership *MembershipCoordinator
	pending    *PendingEventManager
	engine     *SyncEngine
	autoDirty  *autoDirtyTracker

	tasks *taskQueue
	done  chan struct{}
	wg    sync.WaitGroup

	// conns mirrors the membership's connection count for readers outside the
	// domain goroutine (cleanup timers, stats).
	conns atomic.Int64

	createdAt time.Time

	// onEmpty fires in the domain when the last session disconnects.
	onEmpty func()
}

// NewTransportAdapter wires a keeper to the transport and starts the land's
// domain goroutine.
func NewTransportAdapter(landID types.LandID, keeper types.LandKeeper, transport types.ConnectionTransport, opts Options) (*TransportAdapter, error) {
	msgCodec, err := codec.NewMessageCodec(opts.Codec.Messages)
	if err != nil {
		return nil, err
	}
	stateEnc, err := codec.NewStateUpdateEncoder(opts.Codec)
	if err != nil {
		return nil, err
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 100 * time.Millisecond
	}

	a := &TransportAdapter{
		landID:     landID,
		keeper:     keeper,
		transport:  transport,
		opts:       opts,
		msgCodec:   msgCodec,
		stateEnc:   stateEnc,
		membership: NewMembershipCoordinator(),
		pending:    NewPendingEventManager(),
		engine:     NewSyncEngine(),
		tasks:      newTaskQueue(),
		done:       make(chan struct{}),
		createdAt:  time.Now(),
	}
	if opts.AutoDirty.Enabled {
		a.autoDirty = newAutoDirtyTracker(
			opts.AutoDirty.OnThreshold,
			opts.AutoDirty.OffThreshold,
			opts.AutoDirty.Samples,
			opts.EnableDirtyTracking,
		)
	}

	keeper.SetLandID(landID.String())
	keeper.SetTransport(a)

	a.wg.Add(1)
	go a.run()
	return a, nil
}

// run is the land's domain goroutine.
func (a *TransportAdapter) run() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-a.tasks.wake:
			for _, task := range a.tasks.drain() {
				task()
			}
		case <-ticker.C:
			a.syncNow()
		}
	}
}

// Close stops the domain goroutine. Queued tasks that have not run yet are
// discarded.
func (a *TransportAdapter) Close() {
	select {
	case <-a.done:
		return
	default:
	}
	close(a.done)
	a.wg.Wait()
	metrics.LandPlayers.DeleteLabelValues(a.landID.String())
}

// SetOnEmpty registers the callback fired when the last session leaves.
func (a *TransportAdapter) SetOnEmpty(fn func()) {
	a.tasks.push(func() { a.onEmpty = fn })
}

// LandID returns the identity of the land this adapter serves.
func (a *TransportAdapter) LandID() types.LandID { return a.landID }

// CreatedAt returns the adapter's construction time.
func (a *TransportAdapter) CreatedAt() time.Time { return a.createdAt }

// ConnectionCount reports the number of sessions attached to this land. Safe
// to call from outside the domain goroutine.
func (a *TransportAdapter) ConnectionCount() int { return int(a.conns.Load()) }

// --- TransportDelegate ---

// OnConnect records a connected-not-joined session.
func (a *TransportAdapter) OnConnect(sessionID types.SessionID, clientID types.ClientID, auth *types.AuthInfo) {
	a.tasks.push(func() {
		a.membership.RegisterClient(sessionID, clientID, auth)
		a.conns.Store(int64(a.membership.ConnectionCount()))
		logging.Debug(a.logCtx(sessionID), "session connected",
			zap.String("client_id", string(clientID)))
	})
}

// OnMessage decodes and routes one inbound frame.
func (a *TransportAdapter) OnMessage(sessionID types.SessionID, frame []byte) {
	a.tasks.push(func() { a.handleFrame(sessionID, frame) })
}

// OnDisconnect tears a session down: the keeper's leave hook runs, the
// membership stamp is invalidated, the slot is released, and every cache
// keyed by the player is dropped.
func (a *TransportAdapter) OnDisconnect(sessionID types.SessionID, clientID types.ClientID) {
	a.tasks.push(func() {
		playerID, joined := a.membership.PlayerID(sessionID)
		a.membership.UnregisterSession(sessionID)
		if joined {
			a.keeper.Leave(a.logCtx(sessionID), playerID, clientID)
			a.membership.InvalidateMembership(playerID)
			// A duplicate-login successor may still hold this player.
			if _, stillJoined := a.membership.SessionForPlayer(playerID); !stillJoined {
				a.membership.ReleasePlayerSlot(playerID)
				a.engine.ClearPlayer(playerID)
				a.stateEnc.ResetScope(codec.PlayerScope(playerID))
			}
			a.transport.UnregisterPlayerSession(sessionID, playerID)
			metrics.LandPlayers.WithLabelValues(a.landID.String()).Set(float64(a.membership.JoinedPlayerCount()))
		}
		a.conns.Store(int64(a.membership.ConnectionCount()))
		logging.Debug(a.logCtx(sessionID), "session disconnected",
			zap.Bool("was_joined", joined))
		if a.membership.ConnectionCount() == 0 && a.onEmpty != nil {
			a.onEmpty()
		}
	})
}

// --- ServerEventSender ---

// SendEvent delivers a server event. Under a pure-MessagePack configuration
// the event is stamped and queued for the next merged sync frame; under any
// other configuration it is framed and sent immediately.
func (a *TransportAdapter) SendEvent(event *types.EventBody, target types.EventTarget) {
	a.tasks.push(func() {
		if a.opts.Codec.MergedEventsEnabled() {
			if body, ok := codec.EncodeEventBodyMsgpack(event); ok {
				a.queuePendingEvent(body, target)
				return
			}
			logging.Warn(a.logCtx(""), "event body not MessagePack-encodable, sending standalone",
				zap.String("event_type", event.Type))
		}
		a.sendEventNow(event, target)
	})
}

// queuePendingEvent stamps a targeted event with the current membership
// version of its player so a leave/rejoin between queue and flush voids it.
func (a *TransportAdapter) queuePendingEvent(body []byte, target types.EventTarget) {
	switch target.Kind {
	case types.TargetBroadcast:
		a.pending.QueueBroadcast(body)
	case types.TargetSession:
		var stamp *types.MembershipStamp
		if playerID, ok := a.membership.PlayerID(target.Session); ok {
			if v, ok := a.membership.SessionVersion(target.Session); ok {
				stamp = &types.MembershipStamp{Player: playerID, Version: v}
			}
		}
		a.pending.QueueTargeted(target, body, stamp)
	case types.TargetPlayer:
		var stamp *types.MembershipStamp
		if sid, ok := a.membership.SessionForPlayer(target.Player); ok {
			if v, ok := a.membership.SessionVersion(sid); ok {
				stamp = &types.MembershipStamp{Player: target.Player, Version: v}
			}
		}
		a.pending.QueueTargeted(target, body, stamp)
	default:
		a.pending.QueueTargeted(target, body, nil)
	}
}

// sendEventNow frames an event message and routes it through the transport.
func (a *TransportAdapter) sendEventNow(event *types.EventBody, target types.EventTarget) {
	frame, err := a.msgCodec.Encode(&types.Message{
		Kind:  types.KindEvent,
		Event: &types.Event{FromServer: event},
	})
	if err != nil {
		logging.Error(a.logCtx(""), "failed to encode server event",
			zap.String("event_type", event.Type), zap.Error(err))
		return
	}
	metrics.EncodedFrameBytes.WithLabelValues(string(a.msgCodec.Encoding())).Observe(float64(len(frame)))
	a.transport.SendTarget(target, frame)
}

// --- Inbound routing ---

// handleFrame decodes one inbound frame and dispatches by kind. Joins are
// always JSON-decodable, so a frame the negotiated codec rejects gets one
// more chance as a JSON join before the session sees an error.
func (a *TransportAdapter) handleFrame(sessionID types.SessionID, frame []byte) {
	msg, err := a.msgCodec.Decode(frame)
	if err != nil {
		if join, ok := codec.DecodeJoinFrame(frame); ok {
			a.handleJoin(sessionID, join)
			return
		}
		a.replyDecodeError(sessionID, err)
		return
	}

	switch msg.Kind {
	case types.KindJoin:
		a.handleJoin(sessionID, msg.Join)
	case types.KindAction:
		a.handleAction(sessionID, msg.Action)
	case types.KindEvent:
		a.handleClientEvent(sessionID, msg.Event)
	default:
		metrics.MessagesProcessed.WithLabelValues(string(msg.Kind), "rejected").Inc()
		a.sendError(sessionID, types.NewGatewayError(types.ErrCodeInvalidMessageFormat,
			"unexpected message kind "+string(msg.Kind)))
	}
}

func (a *TransportAdapter) replyDecodeError(sessionID types.SessionID, err error) {
	metrics.MessagesProcessed.WithLabelValues("unknown", "decode_error").Inc()
	var gw *types.GatewayError
	if !errors.As(err, &gw) {
		gw = types.NewGatewayError(types.ErrCodeInvalidMessageFormat, err.Error())
	}
	a.sendError(sessionID, gw)
}

// handleAction runs a client action through the keeper. The session's stamp
// is captured before the handler runs; if the handler (or anything it
// triggered) displaced this session's membership, the response is dropped
// instead of leaking into the new join episode.
func (a *TransportAdapter) handleAction(sessionID types.SessionID, action *types.Action) {
	playerID, joined := a.membership.PlayerID(sessionID)
	if !joined {
		metrics.MessagesProcessed.WithLabelValues(string(types.KindAction), "rejected").Inc()
		a.sendError(sessionID, types.NewGatewayError(types.ErrCodeInvalidMessageFormat,
			"action before join"))
		return
	}
	clientID, _ := a.membership.ClientID(sessionID)
	version, _ := a.membership.SessionVersion(sessionID)

	ctx := a.logCtx(sessionID)
	response, err := a.keeper.HandleAction(ctx, action, playerID, clientID, sessionID)

	if !a.membership.IsSessionCurrent(sessionID, version) {
		metrics.StaleEventsDropped.Inc()
		logging.Debug(ctx, "dropping action response for displaced session",
			zap.String("type_identifier", action.TypeIdentifier))
		return
	}

	if err != nil {
		metrics.MessagesProcessed.WithLabelValues(string(types.KindAction), "error").Inc()
		code := types.ErrCodeActionHandlerError
		if errors.Is(err, types.ErrActionNotRegistered) {
			code = types.ErrCodeActionNotRegistered
		}
		a.sendError(sessionID, types.NewGatewayError(code, err.Error()).WithDetails(map[string]any{
			"requestID":      action.RequestID,
			"typeIdentifier": action.TypeIdentifier,
		}))
		return
	}

	metrics.MessagesProcessed.WithLabelValues(string(types.KindAction), "ok").Inc()
	a.sendMessage(sessionID, &types.Message{
		Kind:           types.KindActionResponse,
		ActionResponse: &types.ActionResponse{RequestID: action.RequestID, Response: response},
	})
}

// handleClientEvent runs a client event through the keeper. Events are
// fire-and-forget; failures come back as error frames.
func (a *TransportAdapter) handleClientEvent(sessionID types.SessionID, event *types.Event) {
	if event == nil || event.FromClient == nil {
		metrics.MessagesProcessed.WithLabelValues(string(types.KindEvent), "rejected").Inc()
		a.sendError(sessionID, types.NewGatewayError(types.ErrCodeInvalidMessageFormat,
			"event message missing fromClient body"))
		return
	}
	playerID, joined := a.membership.PlayerID(sessionID)
	if !joined {
		metrics.MessagesProcessed.WithLabelValues(string(types.KindEvent), "rejected").Inc()
		a.sendError(sessionID, types.NewGatewayError(types.ErrCodeInvalidMessageFormat,
			"event before join"))
		return
	}
	clientID, _ := a.membership.ClientID(sessionID)

	if err := a.keeper.HandleClientEvent(a.logCtx(sessionID), event.FromClient, playerID, clientID, sessionID); err != nil {
		metrics.MessagesProcessed.WithLabelValues(string(types.KindEvent), "error").Inc()
		a.sendError(sessionID, types.NewGatewayError(types.ErrCodeEventHandlerError, err.Error()).
			WithDetails(map[string]any{"eventType": event.FromClient.Type}))
		return
	}
	metrics.MessagesProcessed.WithLabelValues(string(types.KindEvent), "ok").Inc()
}

// --- Outbound helpers ---

func (a *TransportAdapter) sendMessage(sessionID types.SessionID, msg *types.Message) {
	frame, err := a.msgCodec.Encode(msg)
	if err != nil {
		logging.Error(a.logCtx(sessionID), "failed to encode outbound message",
			zap.String("kind", string(msg.Kind)), zap.Error(err))
		return
	}
	metrics.EncodedFrameBytes.WithLabelValues(string(a.msgCodec.Encoding())).Observe(float64(len(frame)))
	a.transport.Send(sessionID, frame)
}

func (a *TransportAdapter) sendError(sessionID types.SessionID, gw *types.GatewayError) {
	a.sendMessage(sessionID, &types.Message{Kind: types.KindError, Error: gw.AsErrorMessage()})
}

// logCtx builds a context carrying the land id and, when known, session and
// player ids for structured logging.
func (a *TransportAdapter) logCtx(sessionID types.SessionID) context.Context {
	ctx := context.WithValue(context.Background(), logging.LandIDKey, a.landID.String())
	if sessionID == "" {
		return ctx
	}
	ctx = context.WithValue(ctx, logging.SessionIDKey, string(sessionID))
	if playerID, ok := a.membership.PlayerID(sessionID); ok {
		ctx = context.WithValue(ctx, logging.PlayerIDKey, string(playerID))
	}
	return ctx
}
