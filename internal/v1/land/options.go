package land

import (
	"time"

	"github.com/driftline/landsync/internal/v1/codec"
	"github.com/driftline/landsync/internal/v1/config"
	"github.com/driftline/landsync/internal/v1/types"
)

// AutoDirtyOptions tunes the adaptive extraction-mode switch.
type AutoDirtyOptions struct {
	Enabled      bool
	OnThreshold  float64
	OffThreshold float64
	Samples      int
}

// Options is the per-land configuration of a TransportAdapter. The zero
// value is unusable; start from DefaultOptions or OptionsFromConfig.
type Options struct {
	Codec        codec.Config
	SyncInterval time.Duration

	// EnableDirtyTracking selects dirty-field extraction. UseSnapshotForSync
	// selects the one-pass walk that yields the broadcast view and the
	// per-player field list together; it is independent of dirty tracking.
	EnableDirtyTracking bool
	UseSnapshotForSync  bool

	// ExpectedSchemaHash, when set, must be matched by the join request's
	// schemaHash; joins that omit the hash are rejected. Empty disables the
	// check.
	ExpectedSchemaHash string

	Parallel  ParallelEncodeConfig
	AutoDirty AutoDirtyOptions

	// GuestSessions mints identities for unauthenticated connections. Nil
	// means anonymous joins fall back to the raw session id.
	GuestSessions types.GuestSessionFactory
}

// DefaultOptions is a JSON-everything land syncing at 100ms.
func DefaultOptions() Options {
	return Options{
		Codec: codec.Config{
			Messages:     codec.MessageEncodingJSON,
			StateUpdates: codec.StateEncodingJSON,
		},
		SyncInterval:        100 * time.Millisecond,
		EnableDirtyTracking: true,
		AutoDirty: AutoDirtyOptions{
			OnThreshold:  0.30,
			OffThreshold: 0.55,
			Samples:      30,
		},
	}
}

// OptionsFromConfig maps the validated process environment onto per-land
// options. Path hashes are per land type and are filled in by the caller.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Codec: codec.Config{
			Messages:     codec.MessageEncoding(cfg.MessageEncoding),
			StateUpdates: codec.StateUpdateEncoding(cfg.StateUpdateEncoding),
		},
		SyncInterval:        cfg.SyncInterval,
		EnableDirtyTracking: cfg.EnableDirtyTracking,
		UseSnapshotForSync:  cfg.UseSnapshotForSync,
		ExpectedSchemaHash:  cfg.ExpectedSchemaHash,
		Parallel: ParallelEncodeConfig{
			Enabled:    cfg.ParallelEncodingEnabled,
			MinPlayers: cfg.ParallelEncodingMinPlayers,
			BatchSize:  cfg.ParallelEncodingBatchSize,
		},
		AutoDirty: AutoDirtyOptions{
			Enabled:      cfg.AutoDirtyEnabled,
			OnThreshold:  cfg.AutoDirtyOnThreshold,
			OffThreshold: cfg.AutoDirtyOffThreshold,
			Samples:      cfg.AutoDirtySamples,
		},
	}
}
