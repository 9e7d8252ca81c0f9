package land

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/driftline/landsync/internal/v1/codec"
	"github.com/driftline/landsync/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- Mocks ---

type mockState struct {
	mu        sync.Mutex
	fields    []types.SyncField
	broadcast map[string]any
	perPlayer map[string]map[types.PlayerID]any
	dirty     map[string]struct{}

	perPlayerExtracts int
}

func newMockState() *mockState {
	return &mockState{
		fields: []types.SyncField{
			{Name: "board", Policy: types.PolicyBroadcast},
			{Name: "hand", Policy: types.PolicyPerPlayer},
			{Name: "secrets", Policy: types.PolicyServerOnly},
		},
		broadcast: map[string]any{"board": map[string]any{"turn": int64(1)}},
		perPlayer: map[string]map[types.PlayerID]any{"hand": {}},
		dirty:     map[string]struct{}{},
	}
}

func (s *mockState) setBoard(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast["board"] = v
	s.dirty["board"] = struct{}{}
}

func (s *mockState) setHand(p types.PlayerID, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perPlayer["hand"][p] = v
	s.dirty["hand"] = struct{}{}
}

func (s *mockState) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty) > 0
}

func (s *mockState) DirtyFields() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.dirty))
	for k := range s.dirty {
		out[k] = struct{}{}
	}
	return out
}

func (s *mockState) SyncFields() []types.SyncField { return s.fields }

func (s *mockState) ExtractField(name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcast[name]
}

func (s *mockState) ExtractFieldForPlayer(name string, p types.PlayerID) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perPlayerExtracts++
	if views, ok := s.perPlayer[name]; ok {
		return views[p]
	}
	return nil
}

func (s *mockState) perPlayerExtractCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perPlayerExtracts
}

func (s *mockState) clearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = map[string]struct{}{}
}

type mockKeeper struct {
	mu       sync.Mutex
	state    *mockState
	joinErr  error
	deny     bool
	actionFn func(*types.Action) (json.RawMessage, error)
	eventErr error
	leaves   []types.PlayerID
	sender   types.ServerEventSender
	landID   string
	players  int
}

func newMockKeeper() *mockKeeper {
	return &mockKeeper{state: newMockState()}
}

func (k *mockKeeper) Join(_ context.Context, session *types.PlayerSession, _ types.ClientID, _ types.SessionID) (types.JoinDecision, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.joinErr != nil {
		return types.DenyJoin(), k.joinErr
	}
	if k.deny {
		return types.DenyJoin(), nil
	}
	k.players++
	return types.AllowJoin(session.PlayerID), nil
}

func (k *mockKeeper) Leave(_ context.Context, playerID types.PlayerID, _ types.ClientID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.leaves = append(k.leaves, playerID)
	k.players--
}

func (k *mockKeeper) HandleAction(_ context.Context, action *types.Action, _ types.PlayerID, _ types.ClientID, _ types.SessionID) (json.RawMessage, error) {
	k.mu.Lock()
	fn := k.actionFn
	k.mu.Unlock()
	if fn != nil {
		return fn(action)
	}
	return json.RawMessage(`{"echo":"` + action.TypeIdentifier + `"}`), nil
}

func (k *mockKeeper) HandleClientEvent(_ context.Context, _ *types.EventBody, _ types.PlayerID, _ types.ClientID, _ types.SessionID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.eventErr
}

func (k *mockKeeper) CurrentState() types.KeeperState { return k.state }
func (k *mockKeeper) BeginSync() types.KeeperState    { return k.state }
func (k *mockKeeper) EndSync(clear bool) {
	if clear {
		k.state.clearDirty()
	}
}
func (k *mockKeeper) PlayerCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.players
}
func (k *mockKeeper) SetTransport(sender types.ServerEventSender) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sender = sender
}
func (k *mockKeeper) SetLandID(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.landID = id
}

func (k *mockKeeper) leaveCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.leaves)
}

func (k *mockKeeper) sendEvent(event *types.EventBody, target types.EventTarget) {
	k.mu.Lock()
	sender := k.sender
	k.mu.Unlock()
	sender.SendEvent(event, target)
}

type targetedFrame struct {
	target types.EventTarget
	frame  []byte
}

type mockTransport struct {
	mu       sync.Mutex
	frames   map[types.SessionID][][]byte
	targeted []targetedFrame
	closed   []types.SessionID
}

func newMockTransport() *mockTransport {
	return &mockTransport{frames: make(map[types.SessionID][][]byte)}
}

func (t *mockTransport) Send(sessionID types.SessionID, frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames[sessionID] = append(t.frames[sessionID], frame)
}

func (t *mockTransport) SendBatch(frames []types.OutboundFrame) {
	for _, f := range frames {
		t.Send(f.Session, f.Frame)
	}
}

func (t *mockTransport) SendTarget(target types.EventTarget, frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targeted = append(t.targeted, targetedFrame{target: target, frame: frame})
}

func (t *mockTransport) RegisterPlayerSession(types.SessionID, types.PlayerID)   {}
func (t *mockTransport) UnregisterPlayerSession(types.SessionID, types.PlayerID) {}

func (t *mockTransport) CloseSession(sessionID types.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = append(t.closed, sessionID)
}

func (t *mockTransport) framesFor(sessionID types.SessionID) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.frames[sessionID]))
	copy(out, t.frames[sessionID])
	return out
}

func (t *mockTransport) closedSessions() []types.SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.SessionID, len(t.closed))
	copy(out, t.closed)
	return out
}

func (t *mockTransport) targetedFrames() []targetedFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]targetedFrame, len(t.targeted))
	copy(out, t.targeted)
	return out
}

// --- Helpers ---

func testOptions() Options {
	opts := DefaultOptions()
	// Long interval keeps the ticker out of tests that drive sync manually.
	opts.SyncInterval = time.Hour
	return opts
}

func newTestAdapter(t *testing.T, keeper *mockKeeper, transport *mockTransport, opts Options) *TransportAdapter {
	t.Helper()
	a, err := NewTransportAdapter(types.NewLandID("arena", "i1"), keeper, transport, opts)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func encodeMessage(t *testing.T, msg *types.Message) []byte {
	t.Helper()
	mc, err := codec.NewMessageCodec(codec.MessageEncodingJSON)
	require.NoError(t, err)
	frame, err := mc.Encode(msg)
	require.NoError(t, err)
	return frame
}

func joinFrame(t *testing.T, join *types.Join) []byte {
	t.Helper()
	return encodeMessage(t, &types.Message{Kind: types.KindJoin, Join: join})
}

func decodeMessages(t *testing.T, frames [][]byte) []*types.Message {
	t.Helper()
	mc, err := codec.NewMessageCodec(codec.MessageEncodingJSON)
	require.NoError(t, err)
	var out []*types.Message
	for _, frame := range frames {
		if msg, err := mc.Decode(frame); err == nil {
			out = append(out, msg)
			continue
		}
		out = append(out, nil) // state-update frame
	}
	return out
}

func decodeStateUpdate(t *testing.T, frame []byte) types.StateUpdate {
	t.Helper()
	dec, err := codec.NewStateUpdateDecoder(codec.Config{StateUpdates: codec.StateEncodingJSON})
	require.NoError(t, err)
	update, err := dec.Decode(frame, codec.BroadcastScope())
	require.NoError(t, err)
	return update
}

func connectAndJoin(t *testing.T, a *TransportAdapter, sessionID types.SessionID, playerID string) {
	t.Helper()
	a.OnConnect(sessionID, types.ClientID("c-"+string(sessionID)), nil)
	a.OnMessage(sessionID, joinFrame(t, &types.Join{
		RequestID: "req-" + string(sessionID),
		LandType:  "arena",
		PlayerID:  playerID,
	}))
}

func waitForFrames(t *testing.T, transport *mockTransport, sessionID types.SessionID, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(transport.framesFor(sessionID)) >= n
	}, 2*time.Second, 2*time.Millisecond)
	return transport.framesFor(sessionID)
}

// --- Tests ---

func TestAdapter_JoinSuccess(t *testing.T) {
	keeper := newMockKeeper()
	keeper.state.setHand("alice", []any{"card-1"})
	keeper.state.clearDirty()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	connectAndJoin(t, a, "s1", "alice")

	frames := waitForFrames(t, transport, "s1", 2)
	msgs := decodeMessages(t, frames)

	require.NotNil(t, msgs[0])
	require.Equal(t, types.KindJoinResponse, msgs[0].Kind)
	resp := msgs[0].JoinResponse
	assert.True(t, resp.Success)
	assert.Equal(t, "req-s1", resp.RequestID)
	assert.Equal(t, "arena", resp.LandType)
	assert.Equal(t, "i1", resp.LandInstanceID)
	require.NotNil(t, resp.PlayerSlot)
	assert.Equal(t, "json", resp.Encoding)

	update := decodeStateUpdate(t, frames[1])
	assert.Equal(t, types.UpdateFirstSync, update.Kind)

	paths := make(map[string]bool)
	for _, p := range update.Patches {
		paths[p.Path] = true
	}
	assert.True(t, paths["/board"])
	assert.True(t, paths["/hand"])
	assert.False(t, paths["/secrets"], "server-only fields never leave the keeper")
}

func TestAdapter_JoinBeforeConnectRejected(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	a.OnMessage("ghost", joinFrame(t, &types.Join{RequestID: "r1", LandType: "arena"}))

	frames := waitForFrames(t, transport, "ghost", 1)
	msgs := decodeMessages(t, frames)
	require.Equal(t, types.KindError, msgs[0].Kind)
	assert.Equal(t, types.ErrCodeJoinSessionNotConnected, msgs[0].Error.Code)

	// A rejection is the error frame alone; only a successful join ever
	// produces a joinResponse.
	a.OnConnect("ghost", "c1", nil)
	a.OnMessage("ghost", joinFrame(t, &types.Join{RequestID: "r2", LandType: "arena", PlayerID: "alice"}))
	frames = waitForFrames(t, transport, "ghost", 3)
	msgs = decodeMessages(t, frames)
	responses := 0
	for _, m := range msgs {
		if m != nil && m.Kind == types.KindJoinResponse {
			responses++
			assert.True(t, m.JoinResponse.Success)
		}
	}
	assert.Equal(t, 1, responses)
}

func TestAdapter_DoubleJoinRejected(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	connectAndJoin(t, a, "s1", "alice")
	waitForFrames(t, transport, "s1", 2)

	a.OnMessage("s1", joinFrame(t, &types.Join{RequestID: "r2", LandType: "arena", PlayerID: "alice"}))

	frames := waitForFrames(t, transport, "s1", 3)
	msgs := decodeMessages(t, frames)
	require.Equal(t, types.KindError, msgs[2].Kind)
	assert.Equal(t, types.ErrCodeJoinAlreadyJoined, msgs[2].Error.Code)
	for _, m := range msgs[1:] {
		if m != nil {
			assert.NotEqual(t, types.KindJoinResponse, m.Kind)
		}
	}
}

func TestAdapter_JoinLandMismatch(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	a.OnConnect("s1", "c1", nil)
	a.OnMessage("s1", joinFrame(t, &types.Join{RequestID: "r1", LandType: "lobby"}))

	frames := waitForFrames(t, transport, "s1", 1)
	msgs := decodeMessages(t, frames)
	require.Equal(t, types.KindError, msgs[0].Kind)
	assert.Equal(t, types.ErrCodeJoinLandIDMismatch, msgs[0].Error.Code)
}

func TestAdapter_JoinSchemaHashMismatch(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	opts := testOptions()
	opts.ExpectedSchemaHash = "abc123"
	a := newTestAdapter(t, keeper, transport, opts)

	a.OnConnect("s1", "c1", nil)
	a.OnMessage("s1", joinFrame(t, &types.Join{
		RequestID:  "r1",
		LandType:   "arena",
		SchemaHash: "zzz999",
	}))

	frames := waitForFrames(t, transport, "s1", 1)
	msgs := decodeMessages(t, frames)
	require.Equal(t, types.KindError, msgs[0].Kind)
	assert.Equal(t, types.ErrCodeJoinSchemaHashMismatch, msgs[0].Error.Code)
	assert.Equal(t, "abc123", msgs[0].Error.Details["expected"])
	assert.Equal(t, "zzz999", msgs[0].Error.Details["received"])

	// An omitted hash does not slip past a configured expectation.
	a.OnConnect("s2", "c2", nil)
	a.OnMessage("s2", joinFrame(t, &types.Join{
		RequestID: "r2",
		LandType:  "arena",
		PlayerID:  "alice",
	}))
	frames = waitForFrames(t, transport, "s2", 1)
	msgs = decodeMessages(t, frames)
	require.Equal(t, types.KindError, msgs[0].Kind)
	assert.Equal(t, types.ErrCodeJoinSchemaHashMismatch, msgs[0].Error.Code)

	// A matching hash goes through.
	a.OnConnect("s3", "c3", nil)
	a.OnMessage("s3", joinFrame(t, &types.Join{
		RequestID:  "r3",
		LandType:   "arena",
		PlayerID:   "alice",
		SchemaHash: "abc123",
	}))
	frames = waitForFrames(t, transport, "s3", 2)
	msgs = decodeMessages(t, frames)
	assert.True(t, msgs[0].JoinResponse.Success)
}

func TestAdapter_JoinDeniedAndRoomFull(t *testing.T) {
	keeper := newMockKeeper()
	keeper.deny = true
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	connectAndJoin(t, a, "s1", "alice")
	frames := waitForFrames(t, transport, "s1", 1)
	msgs := decodeMessages(t, frames)
	assert.Equal(t, types.ErrCodeJoinDenied, msgs[0].Error.Code)

	keeper.mu.Lock()
	keeper.deny = false
	keeper.joinErr = types.ErrRoomFull
	keeper.mu.Unlock()

	connectAndJoin(t, a, "s2", "bob")
	frames = waitForFrames(t, transport, "s2", 1)
	msgs = decodeMessages(t, frames)
	assert.Equal(t, types.ErrCodeJoinRoomFull, msgs[0].Error.Code)
}

func TestAdapter_GuestFallbackToSessionID(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	a.OnConnect("s1", "c1", nil)
	a.OnMessage("s1", joinFrame(t, &types.Join{RequestID: "r1", LandType: "arena"}))

	frames := waitForFrames(t, transport, "s1", 2)
	msgs := decodeMessages(t, frames)
	assert.True(t, msgs[0].JoinResponse.Success)
}

func TestAdapter_GuestSessionFactory(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	opts := testOptions()
	opts.GuestSessions = func(sessionID types.SessionID) *types.PlayerSession {
		return &types.PlayerSession{PlayerID: "guest-" + types.PlayerID(sessionID), Guest: true}
	}
	a := newTestAdapter(t, keeper, transport, opts)

	a.OnConnect("s1", "c1", nil)
	a.OnMessage("s1", joinFrame(t, &types.Join{RequestID: "r1", LandType: "arena"}))

	waitForFrames(t, transport, "s1", 2)

	// The guest identity, not the raw session id, reaches the keeper.
	done := make(chan types.PlayerID, 1)
	a.tasks.push(func() {
		pid, _ := a.membership.PlayerID("s1")
		done <- pid
	})
	assert.Equal(t, types.PlayerID("guest-s1"), <-done)
}

func TestAdapter_AuthInfoIdentity(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	a.OnConnect("s1", "c1", &types.AuthInfo{Subject: "sub-1", PlayerID: "alice"})
	a.OnMessage("s1", joinFrame(t, &types.Join{RequestID: "r1", LandType: "arena"}))

	waitForFrames(t, transport, "s1", 2)

	done := make(chan types.PlayerID, 1)
	a.tasks.push(func() {
		pid, _ := a.membership.PlayerID("s1")
		done <- pid
	})
	assert.Equal(t, types.PlayerID("alice"), <-done)
}

func TestAdapter_DuplicateLoginEvictsOldSession(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	connectAndJoin(t, a, "s1", "alice")
	waitForFrames(t, transport, "s1", 2)

	connectAndJoin(t, a, "s2", "alice")
	waitForFrames(t, transport, "s2", 2)

	require.Eventually(t, func() bool {
		closed := transport.closedSessions()
		return len(closed) == 1 && closed[0] == types.SessionID("s1")
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, keeper.leaveCount())

	// The evicted session's disconnect must not double-leave.
	a.OnDisconnect("s1", "c-s1")
	done := make(chan struct{})
	a.tasks.push(func() { close(done) })
	<-done
	assert.Equal(t, 1, keeper.leaveCount())
}

func TestAdapter_ActionRoundTrip(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	connectAndJoin(t, a, "s1", "alice")
	waitForFrames(t, transport, "s1", 2)

	a.OnMessage("s1", encodeMessage(t, &types.Message{
		Kind:   types.KindAction,
		Action: &types.Action{RequestID: "a1", TypeIdentifier: "MovePiece"},
	}))

	frames := waitForFrames(t, transport, "s1", 3)
	msgs := decodeMessages(t, frames)
	require.Equal(t, types.KindActionResponse, msgs[2].Kind)
	assert.Equal(t, "a1", msgs[2].ActionResponse.RequestID)
	assert.JSONEq(t, `{"echo":"MovePiece"}`, string(msgs[2].ActionResponse.Response))
}

func TestAdapter_ActionErrors(t *testing.T) {
	keeper := newMockKeeper()
	keeper.actionFn = func(*types.Action) (json.RawMessage, error) {
		return nil, types.ErrActionNotRegistered
	}
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	connectAndJoin(t, a, "s1", "alice")
	waitForFrames(t, transport, "s1", 2)

	a.OnMessage("s1", encodeMessage(t, &types.Message{
		Kind:   types.KindAction,
		Action: &types.Action{RequestID: "a1", TypeIdentifier: "Nope"},
	}))

	frames := waitForFrames(t, transport, "s1", 3)
	msgs := decodeMessages(t, frames)
	require.Equal(t, types.KindError, msgs[2].Kind)
	assert.Equal(t, types.ErrCodeActionNotRegistered, msgs[2].Error.Code)
	assert.Equal(t, "a1", msgs[2].Error.Details["requestID"])
}

func TestAdapter_ActionBeforeJoinRejected(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	a.OnConnect("s1", "c1", nil)
	a.OnMessage("s1", encodeMessage(t, &types.Message{
		Kind:   types.KindAction,
		Action: &types.Action{RequestID: "a1", TypeIdentifier: "MovePiece"},
	}))

	frames := waitForFrames(t, transport, "s1", 1)
	msgs := decodeMessages(t, frames)
	require.Equal(t, types.KindError, msgs[0].Kind)
	assert.Equal(t, types.ErrCodeInvalidMessageFormat, msgs[0].Error.Code)
}

func TestAdapter_ClientEventError(t *testing.T) {
	keeper := newMockKeeper()
	keeper.eventErr = assert.AnError
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	connectAndJoin(t, a, "s1", "alice")
	waitForFrames(t, transport, "s1", 2)

	a.OnMessage("s1", encodeMessage(t, &types.Message{
		Kind:  types.KindEvent,
		Event: &types.Event{FromClient: &types.EventBody{Type: "ping"}},
	}))

	frames := waitForFrames(t, transport, "s1", 3)
	msgs := decodeMessages(t, frames)
	require.Equal(t, types.KindError, msgs[2].Kind)
	assert.Equal(t, types.ErrCodeEventHandlerError, msgs[2].Error.Code)
}

func TestAdapter_MalformedFrame(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	a.OnConnect("s1", "c1", nil)
	a.OnMessage("s1", []byte("{not json"))

	frames := waitForFrames(t, transport, "s1", 1)
	msgs := decodeMessages(t, frames)
	require.Equal(t, types.KindError, msgs[0].Kind)
	assert.Equal(t, types.ErrCodeInvalidJSON, msgs[0].Error.Code)
}

func TestAdapter_SyncCycleDeliversDiffs(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	connectAndJoin(t, a, "s1", "alice")
	waitForFrames(t, transport, "s1", 2)

	keeper.state.setBoard(map[string]any{"turn": int64(2)})
	a.SyncNow()

	frames := waitForFrames(t, transport, "s1", 3)
	update := decodeStateUpdate(t, frames[2])
	assert.Equal(t, types.UpdateDiff, update.Kind)
	require.Len(t, update.Patches, 1)
	assert.Equal(t, "/board/turn", update.Patches[0].Path)

	// Clean cycle produces no frame.
	a.SyncNow()
	done := make(chan struct{})
	a.tasks.push(func() { close(done) })
	<-done
	assert.Len(t, transport.framesFor("s1"), 3)
}

func TestAdapter_PerPlayerDiffsStayPrivate(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	connectAndJoin(t, a, "s1", "alice")
	connectAndJoin(t, a, "s2", "bob")
	waitForFrames(t, transport, "s1", 2)
	waitForFrames(t, transport, "s2", 2)

	keeper.state.setHand("alice", []any{"ace"})
	a.SyncNow()

	frames := waitForFrames(t, transport, "s1", 3)
	update := decodeStateUpdate(t, frames[2])
	require.Len(t, update.Patches, 1)
	assert.Equal(t, "/hand", update.Patches[0].Path)
	assert.Equal(t, []any{"ace"}, update.Patches[0].Value)

	// Bob gets a hand diff too, but with his own (empty) view, and only
	// because the hand field went dirty globally.
	bobFrames := transport.framesFor("s2")
	if len(bobFrames) > 2 {
		bobUpdate := decodeStateUpdate(t, bobFrames[2])
		for _, p := range bobUpdate.Patches {
			assert.NotEqual(t, []any{"ace"}, p.Value)
		}
	}
}

func TestAdapter_SyncSkipsSessionThatFailsToEncode(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	connectAndJoin(t, a, "s1", "alice")
	connectAndJoin(t, a, "s2", "bob")
	waitForFrames(t, transport, "s1", 2)
	waitForFrames(t, transport, "s2", 2)

	// Bob's hand cannot be marshalled; the broadcast change must still reach
	// alice.
	keeper.state.setBoard(map[string]any{"turn": int64(2)})
	keeper.state.setHand("bob", make(chan int))
	a.SyncNow()

	frames := waitForFrames(t, transport, "s1", 3)
	update := decodeStateUpdate(t, frames[2])
	assert.Equal(t, types.UpdateDiff, update.Kind)
	paths := make(map[string]bool)
	for _, p := range update.Patches {
		paths[p.Path] = true
	}
	assert.True(t, paths["/board/turn"])

	done := make(chan struct{})
	a.tasks.push(func() { close(done) })
	<-done
	assert.Len(t, transport.framesFor("s2"), 2, "the failing session is skipped, not sent a broken frame")
}

func TestAdapter_FailedCycleRetainsChangesForNextSync(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	connectAndJoin(t, a, "s1", "bob")
	waitForFrames(t, transport, "s1", 2)

	keeper.state.setBoard(map[string]any{"turn": int64(2)})
	keeper.state.setHand("bob", make(chan int))
	a.SyncNow()

	done := make(chan struct{})
	a.tasks.push(func() { close(done) })
	<-done
	assert.Len(t, transport.framesFor("s1"), 2)

	// Once the value is encodable again, the held-back changes go out; the
	// caches only advanced for delivered frames.
	keeper.state.setHand("bob", []any{"ace"})
	a.SyncNow()

	frames := waitForFrames(t, transport, "s1", 3)
	update := decodeStateUpdate(t, frames[2])
	assert.Equal(t, types.UpdateDiff, update.Kind)
	paths := make(map[string]any)
	for _, p := range update.Patches {
		paths[p.Path] = p.Value
	}
	assert.Contains(t, paths, "/board/turn")
	assert.Equal(t, []any{"ace"}, paths["/hand"])
}

func TestAdapter_OnePassExtractionKeepsDirtyFiltering(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	opts := testOptions()
	opts.UseSnapshotForSync = true
	a := newTestAdapter(t, keeper, transport, opts)

	connectAndJoin(t, a, "s1", "alice")
	waitForFrames(t, transport, "s1", 2)
	base := keeper.state.perPlayerExtractCount()

	// Clean cycle: dirty filtering short-circuits before any extraction.
	a.SyncNow()
	done := make(chan struct{})
	a.tasks.push(func() { close(done) })
	<-done
	assert.Len(t, transport.framesFor("s1"), 2)
	assert.Equal(t, base, keeper.state.perPlayerExtractCount())

	// A broadcast-only change syncs without touching per-player fields.
	keeper.state.setBoard(map[string]any{"turn": int64(2)})
	a.SyncNow()
	frames := waitForFrames(t, transport, "s1", 3)
	update := decodeStateUpdate(t, frames[2])
	require.Len(t, update.Patches, 1)
	assert.Equal(t, "/board/turn", update.Patches[0].Path)
	assert.Equal(t, base, keeper.state.perPlayerExtractCount())
}

func TestAdapter_ServerEventImmediateUnderJSON(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	connectAndJoin(t, a, "s1", "alice")
	waitForFrames(t, transport, "s1", 2)

	keeper.sendEvent(&types.EventBody{Type: "announce"}, types.Broadcast())

	require.Eventually(t, func() bool {
		return len(transport.targetedFrames()) == 1
	}, 2*time.Second, 2*time.Millisecond)

	tf := transport.targetedFrames()[0]
	assert.Equal(t, types.TargetBroadcast, tf.target.Kind)

	msgs := decodeMessages(t, [][]byte{tf.frame})
	require.Equal(t, types.KindEvent, msgs[0].Kind)
	require.NotNil(t, msgs[0].Event.FromServer)
	assert.Equal(t, "announce", msgs[0].Event.FromServer.Type)
}

func TestAdapter_MergedFrameUnderMsgpack(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	opts := testOptions()
	opts.Codec = codec.Config{
		Messages:     codec.MessageEncodingMsgpack,
		StateUpdates: codec.StateEncodingMsgpack,
	}
	a := newTestAdapter(t, keeper, transport, opts)

	// Joins stay JSON-decodable under the msgpack codec.
	connectAndJoin(t, a, "s1", "alice")
	waitForFrames(t, transport, "s1", 2)

	keeper.sendEvent(&types.EventBody{Type: "announce"}, types.Broadcast())
	keeper.state.setBoard(map[string]any{"turn": int64(3)})
	a.SyncNow()

	frames := waitForFrames(t, transport, "s1", 3)
	stateFrame, events, err := codec.DecodeMergedFrame(frames[2])
	require.NoError(t, err)
	require.Len(t, events, 1)

	dec, err := codec.NewStateUpdateDecoder(codec.Config{StateUpdates: codec.StateEncodingMsgpack})
	require.NoError(t, err)
	update, err := dec.Decode(stateFrame, codec.BroadcastScope())
	require.NoError(t, err)
	assert.Equal(t, types.UpdateDiff, update.Kind)
}

func TestAdapter_DisconnectCleanupAndOnEmpty(t *testing.T) {
	keeper := newMockKeeper()
	transport := newMockTransport()
	a := newTestAdapter(t, keeper, transport, testOptions())

	empty := make(chan struct{}, 1)
	a.SetOnEmpty(func() { empty <- struct{}{} })

	connectAndJoin(t, a, "s1", "alice")
	waitForFrames(t, transport, "s1", 2)

	a.OnDisconnect("s1", "c-s1")

	select {
	case <-empty:
	case <-time.After(2 * time.Second):
		t.Fatal("onEmpty callback never fired")
	}
	assert.Equal(t, 1, keeper.leaveCount())
	assert.Equal(t, 0, keeper.PlayerCount())
}
