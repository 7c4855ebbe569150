package chain

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/resi-labs-ai/resi-labs-api/async"
)

var log = logrus.WithField("prefix", "chain")

var (
	syncSuccessCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "broker",
		Name:      "metagraph_sync_success_total",
		Help:      "Successful metagraph syncs.",
	})
	syncFailureCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "broker",
		Name:      "metagraph_sync_failure_total",
		Help:      "Failed metagraph syncs.",
	})
	snapshotHotkeys = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "broker",
		Name:      "metagraph_hotkeys",
		Help:      "Hotkeys in the current metagraph snapshot.",
	})
	snapshotAgeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "broker",
		Name:      "metagraph_snapshot_age_seconds",
		Help:      "Age of the published metagraph snapshot.",
	})
)

// SyncerConfig tunes the background metagraph sync.
type SyncerConfig struct {
	NetUID          int
	SyncPeriod      time.Duration
	MaxStale        time.Duration
	FallbackEnabled bool
	QueryTimeout    time.Duration
}

// Syncer periodically fetches the metagraph and publishes immutable
// snapshots through an atomic pointer. Readers are lock free; they either
// observe the whole previous snapshot or the whole new one.
type Syncer struct {
	cfg      *SyncerConfig
	client   Client
	ctx      context.Context
	cancel   context.CancelFunc
	snapshot atomic.Pointer[Snapshot]
	now      func() time.Time
}

// NewSyncer constructs the sync service.
func NewSyncer(ctx context.Context, client Client, cfg *SyncerConfig) *Syncer {
	ctx, cancel := context.WithCancel(ctx)
	return &Syncer{
		cfg:    cfg,
		client: client,
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// InitialSync performs the first fetch. The broker does not accept
// authenticated requests until this has succeeded, unless the direct query
// fallback is explicitly enabled.
func (s *Syncer) InitialSync(ctx context.Context) error {
	if err := s.syncOnce(ctx); err != nil {
		if s.cfg.FallbackEnabled {
			log.WithError(err).Warn("Initial metagraph sync failed, continuing with direct query fallback")
			return nil
		}
		return errors.Wrap(err, "initial metagraph sync")
	}
	return nil
}

// Start begins the periodic sync loop.
func (s *Syncer) Start() {
	async.RunEvery(s.ctx, s.cfg.SyncPeriod, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.QueryTimeout)
		defer cancel()
		if err := s.syncOnce(ctx); err != nil {
			syncFailureCount.Inc()
			log.WithError(err).Error("Metagraph sync failed, retaining previous snapshot")
		}
	})
}

// Stop terminates the sync loop.
func (s *Syncer) Stop() error {
	s.cancel()
	return nil
}

// Status reports an error when the snapshot is older than the staleness
// bound.
func (s *Syncer) Status() error {
	snap := s.snapshot.Load()
	if snap == nil {
		return errors.New("no metagraph snapshot")
	}
	if age := snap.Age(s.now()); age > s.cfg.MaxStale {
		return errors.Errorf("metagraph snapshot stale by %s", age)
	}
	return nil
}

func (s *Syncer) syncOnce(ctx context.Context) error {
	m, err := s.client.Metagraph(ctx, s.cfg.NetUID)
	if err != nil {
		return errors.Wrap(err, "fetch metagraph")
	}
	snap, err := NewSnapshot(m, s.now())
	if err != nil {
		return err
	}
	s.snapshot.Store(snap)
	syncSuccessCount.Inc()
	snapshotHotkeys.Set(float64(snap.Count()))
	snapshotAgeSeconds.Set(0)
	log.WithFields(logrus.Fields{
		"netuid":  s.cfg.NetUID,
		"hotkeys": snap.Count(),
	}).Debug("Published metagraph snapshot")
	return nil
}

// Snapshot returns the current snapshot, or nil before the first sync.
func (s *Syncer) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Lookup resolves a hotkey against the freshest available view. A stale or
// missing snapshot falls back to a direct, timeout guarded chain query when
// that is enabled, and reports ErrUnavailable otherwise.
func (s *Syncer) Lookup(ctx context.Context, hotkey KeyID) (Info, error) {
	snap := s.snapshot.Load()
	if snap != nil && snap.Age(s.now()) <= s.cfg.MaxStale {
		snapshotAgeSeconds.Set(snap.Age(s.now()).Seconds())
		info, ok := snap.Lookup(hotkey)
		if !ok {
			return Info{}, ErrNotFound
		}
		return info, nil
	}
	if !s.cfg.FallbackEnabled {
		return Info{}, ErrUnavailable
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	m, err := s.client.Metagraph(queryCtx, s.cfg.NetUID)
	if err != nil {
		return Info{}, ErrUnavailable
	}
	fresh, err := NewSnapshot(m, s.now())
	if err != nil {
		return Info{}, ErrUnavailable
	}
	s.snapshot.Store(fresh)
	info, ok := fresh.Lookup(hotkey)
	if !ok {
		return Info{}, ErrNotFound
	}
	return info, nil
}
