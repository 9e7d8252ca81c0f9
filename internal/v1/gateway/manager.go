package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/landsync/internal/v1/land"
	"github.com/driftline/landsync/internal/v1/logging"
	"github.com/driftline/landsync/internal/v1/metrics"
	"github.com/driftline/landsync/internal/v1/types"
)

// DefaultDestroyGrace is how long an empty land lingers before it is torn
// down. A quick reconnect within the window reuses the live land.
const DefaultDestroyGrace = 30 * time.Second

// LifecycleNotifier is told when lands are created and destroyed. Implemented
// by notify.Notifier; nil disables notifications.
type LifecycleNotifier interface {
	LandCreated(ctx context.Context, landID types.LandID)
	LandDestroyed(ctx context.Context, landID types.LandID)
}

// Container bundles one live land instance.
type Container struct {
	ID        types.LandID
	Keeper    types.LandKeeper
	Adapter   *land.TransportAdapter
	CreatedAt time.Time
	Metadata  map[string]any
}

// LandStats is the read-only view of one land for the stats surface.
type LandStats struct {
	LandID      string         `json:"landId"`
	LandType    string         `json:"landType"`
	PlayerCount int            `json:"playerCount"`
	Connections int            `json:"connections"`
	CreatedAt   time.Time      `json:"createdAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// LandManager owns the live lands of one land type: creation on demand,
// lookup, stats, and delayed destruction of empty lands.
type LandManager struct {
	def       LandDefinition
	transport types.ConnectionTransport
	notifier  LifecycleNotifier

	destroyGrace time.Duration

	mu       sync.Mutex
	lands    map[types.LandID]*Container
	cleanups map[types.LandID]*time.Timer
	closed   bool
}

// NewLandManager builds a manager for one land definition. A non-positive
// grace uses DefaultDestroyGrace.
func NewLandManager(def LandDefinition, transport types.ConnectionTransport, grace time.Duration, notifier LifecycleNotifier) *LandManager {
	if grace <= 0 {
		grace = DefaultDestroyGrace
	}
	return &LandManager{
		def:          def,
		transport:    transport,
		notifier:     notifier,
		destroyGrace: grace,
		lands:        make(map[types.LandID]*Container),
		cleanups:     make(map[types.LandID]*time.Timer),
	}
}

// GetOrCreateLand returns the live land for the id, creating it on first
// request. Idempotent; concurrent callers share one container. A pending
// destroy timer for the id is cancelled.
func (m *LandManager) GetOrCreateLand(landID types.LandID) (*Container, error) {
	if landID.BaseType() != m.def.Type && landID.Type != m.def.Type {
		return nil, fmt.Errorf("land type %q not served by this manager", landID.Type)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("land manager for %q is shut down", m.def.Type)
	}

	if timer, ok := m.cleanups[landID]; ok {
		timer.Stop()
		delete(m.cleanups, landID)
	}
	if c, ok := m.lands[landID]; ok {
		return c, nil
	}

	keeper := m.def.NewKeeper(landID)
	adapter, err := land.NewTransportAdapter(landID, keeper, m.transport, m.def.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter for %s: %w", landID, err)
	}

	metadata := make(map[string]any, len(m.def.Metadata))
	for k, v := range m.def.Metadata {
		metadata[k] = v
	}
	c := &Container{
		ID:        landID,
		Keeper:    keeper,
		Adapter:   adapter,
		CreatedAt: adapter.CreatedAt(),
		Metadata:  metadata,
	}
	m.lands[landID] = c
	adapter.SetOnEmpty(func() { m.scheduleDestroy(landID) })

	metrics.ActiveLands.Inc()
	logging.Info(context.Background(), "land created", zap.String("land_id", landID.String()))
	if m.notifier != nil {
		m.notifier.LandCreated(context.Background(), landID)
	}
	return c, nil
}

// Definition returns the land definition this manager serves.
func (m *LandManager) Definition() LandDefinition { return m.def }

// GetLand returns the live land for the id, if any.
func (m *LandManager) GetLand(landID types.LandID) (*Container, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.lands[landID]
	return c, ok
}

// RemoveLand tears one land down: its adapter stops, the container leaves the
// map, and the destroy notification fires. Removing an absent land is a no-op.
func (m *LandManager) RemoveLand(landID types.LandID) {
	m.mu.Lock()
	c, ok := m.lands[landID]
	if ok {
		delete(m.lands, landID)
	}
	if timer, tok := m.cleanups[landID]; tok {
		timer.Stop()
		delete(m.cleanups, landID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	c.Adapter.Close()
	metrics.ActiveLands.Dec()
	logging.Info(context.Background(), "land destroyed", zap.String("land_id", landID.String()))
	if m.notifier != nil {
		m.notifier.LandDestroyed(context.Background(), landID)
	}
}

// ListLands returns stats for every live land, sorted by land id.
func (m *LandManager) ListLands() []LandStats {
	m.mu.Lock()
	containers := make([]*Container, 0, len(m.lands))
	for _, c := range m.lands {
		containers = append(containers, c)
	}
	m.mu.Unlock()

	out := make([]LandStats, 0, len(containers))
	for _, c := range containers {
		out = append(out, statsFor(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LandID < out[j].LandID })
	return out
}

// GetLandStats returns the stats of one land.
func (m *LandManager) GetLandStats(landID types.LandID) (LandStats, bool) {
	c, ok := m.GetLand(landID)
	if !ok {
		return LandStats{}, false
	}
	return statsFor(c), true
}

// LandIDs returns the ids of every live land.
func (m *LandManager) LandIDs() []types.LandID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.LandID, 0, len(m.lands))
	for id := range m.lands {
		out = append(out, id)
	}
	return out
}

func statsFor(c *Container) LandStats {
	return LandStats{
		LandID:      c.ID.String(),
		LandType:    string(c.ID.Type),
		PlayerCount: c.Keeper.PlayerCount(),
		Connections: c.Adapter.ConnectionCount(),
		CreatedAt:   c.CreatedAt,
		Metadata:    c.Metadata,
	}
}

// scheduleDestroy arms the grace timer for a land that just went empty. The
// timer re-checks occupancy when it fires; a reconnect in the meantime keeps
// the land alive.
func (m *LandManager) scheduleDestroy(landID types.LandID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.lands[landID]; !ok {
		return
	}
	if timer, ok := m.cleanups[landID]; ok {
		timer.Stop()
	}
	m.cleanups[landID] = time.AfterFunc(m.destroyGrace, func() {
		m.mu.Lock()
		delete(m.cleanups, landID)
		c, ok := m.lands[landID]
		m.mu.Unlock()
		if !ok || c.Adapter.ConnectionCount() > 0 {
			return
		}
		m.RemoveLand(landID)
	})
}

// Healthy reports whether the manager is accepting lands.
func (m *LandManager) Healthy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("land manager for %q is shut down", m.def.Type)
	}
	return nil
}

// Shutdown stops every land and refuses further creations.
func (m *LandManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, timer := range m.cleanups {
		timer.Stop()
		delete(m.cleanups, id)
	}
	ids := make([]types.LandID, 0, len(m.lands))
	for id := range m.lands {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.RemoveLand(id)
	}
	logging.Info(ctx, "land manager shut down",
		zap.String("land_type", string(m.def.Type)), zap.Int("lands_closed", len(ids)))
	return nil
}
