package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftline/landsync/internal/v1/logging"
	"github.com/driftline/landsync/internal/v1/types"
)

// LandServer runs the lands of one type: a LandManager plus its lifecycle.
type LandServer struct {
	def     LandDefinition
	manager *LandManager
}

// NewLandServer builds a server for one land definition.
func NewLandServer(def LandDefinition, transport types.ConnectionTransport, grace time.Duration, notifier LifecycleNotifier) *LandServer {
	return &LandServer{
		def:     def,
		manager: NewLandManager(def, transport, grace, notifier),
	}
}

// LandType returns the type this server owns.
func (s *LandServer) LandType() types.LandType { return s.def.Type }

// Manager exposes the server's land manager.
func (s *LandServer) Manager() *LandManager { return s.manager }

// Run blocks until the context ends, then shuts the server's lands down.
func (s *LandServer) Run(ctx context.Context) error {
	logging.Info(ctx, "land server running", zap.String("land_type", string(s.def.Type)))
	<-ctx.Done()
	return s.Shutdown(context.Background())
}

// Shutdown closes every land of this server.
func (s *LandServer) Shutdown(ctx context.Context) error {
	return s.manager.Shutdown(ctx)
}

// HealthCheck reports whether the server can serve joins.
func (s *LandServer) HealthCheck(ctx context.Context) error {
	return s.manager.Healthy()
}

// Realm composes the land servers of one process, keyed by land type.
type Realm struct {
	mu      sync.RWMutex
	servers map[types.LandType]*LandServer
}

// NewRealm builds an empty realm.
func NewRealm() *Realm {
	return &Realm{servers: make(map[types.LandType]*LandServer)}
}

// NewRealmFromRegistry builds a realm with one land server per registered
// definition, all sharing one transport.
func NewRealmFromRegistry(registry *LandTypeRegistry, transport types.ConnectionTransport, grace time.Duration, notifier LifecycleNotifier) (*Realm, error) {
	realm := NewRealm()
	for _, landType := range registry.Types() {
		def, _ := registry.Resolve(landType)
		if err := realm.Register(NewLandServer(def, transport, grace, notifier)); err != nil {
			return nil, err
		}
	}
	return realm, nil
}

// Register adds a land server. Empty types and duplicates are rejected.
func (r *Realm) Register(server *LandServer) error {
	if server == nil || server.LandType() == "" {
		return fmt.Errorf("land server must have a non-empty land type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[server.LandType()]; exists {
		return fmt.Errorf("land server for %q already registered", server.LandType())
	}
	r.servers[server.LandType()] = server
	return nil
}

// ServerFor resolves the server owning a land type. Replay types fall back to
// the primary type's server.
func (r *Realm) ServerFor(landType types.LandType) (*LandServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.servers[landType]; ok {
		return s, true
	}
	base := types.LandID{Type: landType}.BaseType()
	if base != landType {
		if s, ok := r.servers[base]; ok {
			return s, true
		}
	}
	return nil, false
}

// ManagerFor resolves the land manager owning a land type.
func (r *Realm) ManagerFor(landType types.LandType) (*LandManager, bool) {
	s, ok := r.ServerFor(landType)
	if !ok {
		return nil, false
	}
	return s.Manager(), true
}

func (r *Realm) snapshot() []*LandServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*LandServer, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	return out
}

// Run runs every land server concurrently. A failing server cancels the rest.
func (r *Realm) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, server := range r.snapshot() {
		g.Go(func() error { return server.Run(ctx) })
	}
	return g.Wait()
}

// Shutdown closes every land server concurrently. Failures are logged, not
// propagated; shutdown keeps going.
func (r *Realm) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, server := range r.snapshot() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Shutdown(ctx); err != nil {
				logging.Error(ctx, "land server shutdown failed",
					zap.String("land_type", string(server.LandType())), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// HealthCheck fans out to every land server and collects the results.
func (r *Realm) HealthCheck(ctx context.Context) map[types.LandType]error {
	out := make(map[types.LandType]error)
	for _, server := range r.snapshot() {
		out[server.LandType()] = server.HealthCheck(ctx)
	}
	return out
}

// Stats aggregates land stats across every server, sorted by land id.
func (r *Realm) Stats() []LandStats {
	var out []LandStats
	for _, server := range r.snapshot() {
		out = append(out, server.Manager().ListLands()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LandID < out[j].LandID })
	return out
}
