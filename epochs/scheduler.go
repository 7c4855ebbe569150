package epochs

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/resi-labs-ai/resi-labs-api/async"
	"github.com/resi-labs-ai/resi-labs-api/zipcodes"
	"github.com/resi-labs-ai/resi-labs-api/zipcodes/store"
)

var log = logrus.WithField("prefix", "epochs")

var (
	epochsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "broker",
		Name:      "epochs_published_total",
		Help:      "Epochs generated and persisted.",
	})
	epochGenFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "broker",
		Name:      "epoch_generation_failures_total",
		Help:      "Epoch generation attempts that failed.",
	})
	epochsDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "broker",
		Name:      "epochs_degraded_total",
		Help:      "Published epochs whose budget fell outside tolerance.",
	})
)

// Storage is the store surface the scheduler needs. *store.Store satisfies
// it; tests substitute fakes.
type Storage interface {
	EligibleZipcodes(ctx context.Context, now time.Time, f *store.EligibilityFilter) ([]zipcodes.Zipcode, error)
	HoneypotPool(ctx context.Context, threshold int, states []string) ([]zipcodes.Zipcode, error)
	InsertEpoch(ctx context.Context, epoch *zipcodes.Epoch, assignments []zipcodes.Assignment) error
	PromoteEpochs(ctx context.Context, now time.Time) error
	ActiveEpoch(ctx context.Context, now time.Time) (*zipcodes.Epoch, error)
	EpochByID(ctx context.Context, id string) (*zipcodes.Epoch, error)
	Assignments(ctx context.Context, epochID string) ([]zipcodes.Assignment, error)
	RecentEpochs(ctx context.Context, limit int) ([]zipcodes.Epoch, error)
	ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config tunes the scheduler.
type Config struct {
	Duration    time.Duration
	PregenLead  time.Duration
	Retention   time.Duration
	Selection   *zipcodes.Params
	Eligibility *store.EligibilityFilter
	DBTimeout   time.Duration
}

// Scheduler drives the epoch lifecycle on a one minute tick. It never
// backfills: a slot whose generation failed past its start simply has no
// epoch, and current() reports none.
type Scheduler struct {
	cfg     *Config
	storage Storage
	ctx     context.Context
	cancel  context.CancelFunc
	now     func() time.Time

	mu      sync.Mutex
	lastErr error
}

// NewScheduler constructs the scheduler service.
func NewScheduler(ctx context.Context, storage Storage, cfg *Config) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		cfg:     cfg,
		storage: storage,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// Start launches the tick and retention loops.
func (s *Scheduler) Start() {
	// Run one tick on boot so a restart just before a boundary still
	// promotes the pending epoch on time.
	s.tick()
	async.RunEvery(s.ctx, time.Minute, s.tick)
	async.RunEvery(s.ctx, time.Hour, s.sweep)
}

// Stop terminates the background loops.
func (s *Scheduler) Stop() error {
	s.cancel()
	return nil
}

// Status reports the error of the last tick, if any.
func (s *Scheduler) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Scheduler) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

func (s *Scheduler) tick() {
	now := s.now()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DBTimeout+30*time.Second)
	defer cancel()

	var tickErr error
	if err := s.storage.PromoteEpochs(ctx, now); err != nil {
		log.WithError(err).Error("Epoch promotion failed")
		tickErr = err
	}

	// Pre-generate the next slot once inside the lead window. Slots whose
	// start passed without a pending row are left empty rather than
	// backfilled, so assignments are never computed after their reveal
	// time.
	next := NextSlotStart(now, s.cfg.Duration)
	if next.Sub(now) <= s.cfg.PregenLead {
		if err := s.ensureEpoch(ctx, next); err != nil {
			tickErr = err
		}
	}
	s.setErr(tickErr)
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DBTimeout)
	defer cancel()
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.storage.ArchiveOlderThan(ctx, cutoff)
	if err != nil {
		log.WithError(err).Error("Retention sweep failed")
		return
	}
	if n > 0 {
		log.WithField("archived", n).Info("Archived old epochs")
	}
}

// ensureEpoch generates and persists the epoch starting at start when it
// does not already exist. Generation failures are retried with bounded
// exponential backoff; the next tick retries again.
func (s *Scheduler) ensureEpoch(ctx context.Context, start time.Time) error {
	id := zipcodes.EpochID(start)
	existing, err := s.storage.EpochByID(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "look up epoch %s", id)
	}
	if existing != nil {
		return nil
	}

	backoff := time.Second
	var genErr error
	for attempt := 0; attempt < 3; attempt++ {
		if genErr = s.generate(ctx, id, start); genErr == nil {
			return nil
		}
		epochGenFailures.Inc()
		log.WithError(genErr).WithField("epoch", id).Error("Epoch generation failed")
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return genErr
}

func (s *Scheduler) generate(ctx context.Context, id string, start time.Time) error {
	now := s.now()
	eligible, err := s.storage.EligibleZipcodes(ctx, now, s.cfg.Eligibility)
	if err != nil {
		return errors.Wrap(err, "load eligible zipcodes")
	}
	honeypots, err := s.storage.HoneypotPool(ctx, s.cfg.Selection.HoneypotThreshold, s.cfg.Eligibility.States)
	if err != nil {
		return errors.Wrap(err, "load honeypot pool")
	}

	sel, err := zipcodes.Select(eligible, honeypots, id, now, s.cfg.Selection)
	if err != nil {
		return errors.Wrap(err, "select zipcodes")
	}

	zips := make([]string, len(sel.Assignments))
	for i, a := range sel.Assignments {
		zips[i] = a.Zipcode
	}
	epoch := &zipcodes.Epoch{
		ID:               id,
		Start:            start,
		End:              start.Add(s.cfg.Duration),
		Nonce:            zipcodes.Nonce(s.cfg.Selection.Secret, id, start, zips),
		TargetListings:   s.cfg.Selection.Target,
		TolerancePercent: int(s.cfg.Selection.Tolerance * 100),
		Status:           zipcodes.StatusPending,
		SelectionSeed:    int64(sel.Seed),
		AlgorithmVersion: zipcodes.AlgorithmVersion,
		Degraded:         sel.Degraded,
	}
	if err := s.storage.InsertEpoch(ctx, epoch, sel.Assignments); err != nil {
		return errors.Wrapf(err, "persist epoch %s", id)
	}
	epochsPublished.Inc()
	if epoch.Degraded {
		epochsDegraded.Inc()
	}
	log.WithFields(logrus.Fields{
		"epoch":    id,
		"zipcodes": len(sel.Assignments),
		"expected": sel.TotalExpected,
	}).Info("Pre-generated epoch")
	return nil
}

// Current returns the epoch whose window contains now and its
// assignments. Pre-generated epochs stay invisible until their start has
// passed; after the boundary they are served immediately, whether or not
// the promotion tick has flipped them to active yet.
func (s *Scheduler) Current(ctx context.Context) (*zipcodes.Epoch, []zipcodes.Assignment, error) {
	now := s.now()
	epoch, err := s.storage.ActiveEpoch(ctx, now)
	if err != nil {
		return nil, nil, err
	}
	if epoch == nil || now.Before(epoch.Start) {
		return nil, nil, nil
	}
	assignments, err := s.storage.Assignments(ctx, epoch.ID)
	if err != nil {
		return nil, nil, err
	}
	return epoch, assignments, nil
}

// Historical returns a past epoch by id. Epochs that have not started,
// including pending pre-generated rows, read as missing.
func (s *Scheduler) Historical(ctx context.Context, id string) (*zipcodes.Epoch, []zipcodes.Assignment, error) {
	epoch, err := s.storage.EpochByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if epoch == nil || s.now().Before(epoch.Start) || epoch.Status == zipcodes.StatusPending {
		return nil, nil, nil
	}
	assignments, err := s.storage.Assignments(ctx, epoch.ID)
	if err != nil {
		return nil, nil, err
	}
	return epoch, assignments, nil
}

// EpochSummary is one row of the scheduler stats.
type EpochSummary struct {
	ID       string
	Status   zipcodes.EpochStatus
	Start    time.Time
	End      time.Time
	Degraded bool
}

// SchedulerStats summarizes the epoch state machine for monitoring.
type SchedulerStats struct {
	CurrentEpochID   string
	NextEpochStart   time.Time
	SecondsUntilNext int64
	Recent           []EpochSummary
}

// Stats reports the current and recent epoch state.
func (s *Scheduler) Stats(ctx context.Context) (*SchedulerStats, error) {
	now := s.now()
	stats := &SchedulerStats{
		NextEpochStart: NextSlotStart(now, s.cfg.Duration),
	}
	stats.SecondsUntilNext = int64(stats.NextEpochStart.Sub(now).Seconds())

	current, err := s.storage.ActiveEpoch(ctx, now)
	if err != nil {
		return nil, err
	}
	if current != nil {
		stats.CurrentEpochID = current.ID
	}
	recent, err := s.storage.RecentEpochs(ctx, 5)
	if err != nil {
		return nil, err
	}
	for _, e := range recent {
		stats.Recent = append(stats.Recent, EpochSummary{
			ID:       e.ID,
			Status:   e.Status,
			Start:    e.Start,
			End:      e.End,
			Degraded: e.Degraded,
		})
	}
	return stats, nil
}
