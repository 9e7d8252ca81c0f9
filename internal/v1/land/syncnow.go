package land

import (
	"time"

	"go.uber.org/zap"

	"github.com/driftline/landsync/internal/v1/codec"
	"github.com/driftline/landsync/internal/v1/logging"
	"github.com/driftline/landsync/internal/v1/metrics"
	"github.com/driftline/landsync/internal/v1/types"
)

// syncNow runs one sync cycle in the domain: snapshot extraction, diffing
// against the caches, per-session encoding, pending-event flush, and the
// batched handoff to the transport.
func (a *TransportAdapter) syncNow() {
	state := a.keeper.BeginSync()
	if state == nil {
		return
	}
	start := time.Now()
	clearDirty := false
	defer func() {
		a.keeper.EndSync(clearDirty)
		metrics.SyncCycles.WithLabelValues(string(a.landID.Type)).Inc()
		metrics.SyncDuration.WithLabelValues(string(a.landID.Type)).Observe(time.Since(start).Seconds())
	}()

	if a.autoDirty != nil {
		a.autoDirty.observe(len(state.DirtyFields()), len(state.SyncFields()))
	}

	var mode types.SnapshotMode
	if a.useDirtyExtraction() {
		if !state.IsDirty() && !a.pending.HasPending() {
			return
		}
		mode = types.DirtyFields(state.DirtyFields())
	} else {
		mode = types.AllFields()
	}

	onePass := a.opts.UseSnapshotForSync
	var broadcast types.Snapshot
	var perPlayerNames []string
	if onePass {
		broadcast, perPlayerNames = extractSyncSnapshot(state, mode)
	} else {
		broadcast = extractBroadcastSnapshot(state, mode)
	}
	broadcastPatches := a.engine.DiffBroadcast(broadcast)

	merged := a.opts.Codec.MergedEventsEnabled()
	broadcastBodies := a.pending.PendingBroadcastBodies()

	type playerCommit struct {
		player types.PlayerID
		snap   types.Snapshot
	}
	var jobs []encodeJob
	eventsFor := make(map[types.SessionID][][]byte)
	commits := make(map[types.SessionID]playerCommit)

	for _, js := range a.membership.JoinedSessions() {
		if !a.engine.FirstSyncDone(js.Player) {
			continue
		}

		var perSnap types.Snapshot
		if onePass {
			if len(perPlayerNames) > 0 {
				perSnap = extractNamedPerPlayer(state, perPlayerNames, js.Player)
			}
		} else {
			perSnap = extractPerPlayerSnapshot(state, js.Player, mode)
		}

		patches := broadcastPatches
		if len(perSnap) > 0 {
			if perPatches := a.engine.DiffPlayer(js.Player, perSnap); len(perPatches) > 0 {
				patches = append(append([]types.StatePatch{}, broadcastPatches...), perPatches...)
			}
		}

		var events [][]byte
		if merged {
			targeted, dropped := a.pending.PendingTargetedBodies(js.Session, js.Player, a.stampCurrent)
			if dropped > 0 {
				metrics.StaleEventsDropped.Add(float64(dropped))
			}
			events = append(append([][]byte{}, broadcastBodies...), targeted...)
		}

		if len(patches) == 0 && len(events) == 0 {
			continue
		}

		update := types.NoChange()
		if len(patches) > 0 {
			update = types.Diff(patches)
		}
		jobs = append(jobs, encodeJob{
			Session: js.Session,
			Update:  update,
			Scope:   codec.PlayerScope(js.Player),
		})
		if len(perSnap) > 0 {
			commits[js.Session] = playerCommit{player: js.Player, snap: perSnap}
		}
		if len(events) > 0 {
			eventsFor[js.Session] = events
		}
	}

	a.pending.ClearAll()
	if len(jobs) == 0 {
		// Nothing to fan out: with zero eligible recipients the cache may
		// advance so a quiet land does not replay old changes forever.
		a.engine.CommitBroadcast(broadcast)
		clearDirty = true
		return
	}

	frames, encodeErrs := encodeUpdates(a.stateEnc, jobs, a.opts.Parallel)

	// Caches commit only for sessions whose frame made it into the outbound
	// batch; a session that fails to encode is skipped this cycle and the
	// rest of the fan-out proceeds.
	out := make([]types.OutboundFrame, 0, len(frames))
	encoding := string(a.stateEnc.Encoding())
	for i, f := range frames {
		if encodeErrs[i] != nil {
			logging.Error(a.logCtx(jobs[i].Session), "skipping session after encode failure",
				zap.Error(encodeErrs[i]))
			continue
		}
		frame := f.Frame
		if events := eventsFor[f.Session]; len(events) > 0 {
			mergedFrame, err := codec.BuildMergedFrame(f.Frame, events)
			if err != nil {
				logging.Error(a.logCtx(f.Session), "failed to build merged frame", zap.Error(err))
				continue
			}
			frame = mergedFrame
		}
		metrics.EncodedFrameBytes.WithLabelValues(encoding).Observe(float64(len(frame)))
		out = append(out, types.OutboundFrame{Session: f.Session, Frame: frame})
		if pc, ok := commits[f.Session]; ok {
			a.engine.CommitPlayer(pc.player, pc.snap)
		}
	}
	if len(out) > 0 {
		a.engine.CommitBroadcast(broadcast)
		clearDirty = true
	}
	a.transport.SendBatch(out)
}

// useDirtyExtraction resolves the extraction mode for this cycle.
func (a *TransportAdapter) useDirtyExtraction() bool {
	if a.autoDirty != nil {
		return a.autoDirty.useDirtyTracking()
	}
	return a.opts.EnableDirtyTracking
}

// stampCurrent reports whether a queued event's membership stamp still
// matches the delivering session.
func (a *TransportAdapter) stampCurrent(stamp types.MembershipStamp, sessionID types.SessionID) bool {
	playerID, ok := a.membership.PlayerID(sessionID)
	if !ok || playerID != stamp.Player {
		return false
	}
	return a.membership.IsSessionCurrent(sessionID, stamp.Version)
}

// SyncNow schedules an immediate sync cycle ahead of the next tick.
func (a *TransportAdapter) SyncNow() {
	a.tasks.push(a.syncNow)
}
