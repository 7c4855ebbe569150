package epochs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resi-labs-ai/resi-labs-api/zipcodes"
	"github.com/resi-labs-ai/resi-labs-api/zipcodes/store"
)

type fakeStorage struct {
	mu          sync.Mutex
	eligible    []zipcodes.Zipcode
	honeypots   []zipcodes.Zipcode
	epochs      map[string]*zipcodes.Epoch
	assignments map[string][]zipcodes.Assignment
	promotions  int
	insertErr   error
}

func newFakeStorage() *fakeStorage {
	eligible := make([]zipcodes.Zipcode, 0, 100)
	for i := 0; i < 100; i++ {
		eligible = append(eligible, zipcodes.Zipcode{
			Zipcode:          string(rune('a'+i/26)) + string(rune('a'+i%26)) + "000",
			State:            "PA",
			City:             "City",
			ExpectedListings: 400,
			MarketTier:       zipcodes.TierStandard,
			BaseWeight:       1,
		})
	}
	return &fakeStorage{
		eligible:    eligible,
		epochs:      make(map[string]*zipcodes.Epoch),
		assignments: make(map[string][]zipcodes.Assignment),
	}
}

func (f *fakeStorage) EligibleZipcodes(context.Context, time.Time, *store.EligibilityFilter) ([]zipcodes.Zipcode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eligible, nil
}

func (f *fakeStorage) HoneypotPool(context.Context, int, []string) ([]zipcodes.Zipcode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.honeypots, nil
}

func (f *fakeStorage) InsertEpoch(_ context.Context, epoch *zipcodes.Epoch, assignments []zipcodes.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.epochs[epoch.ID] = epoch
	f.assignments[epoch.ID] = assignments
	return nil
}

func (f *fakeStorage) PromoteEpochs(_ context.Context, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promotions++
	for _, e := range f.epochs {
		if e.Status == zipcodes.StatusActive && !now.Before(e.End) {
			e.Status = zipcodes.StatusCompleted
		}
	}
	for _, e := range f.epochs {
		if e.Status == zipcodes.StatusPending && !now.Before(e.Start) && now.Before(e.End) {
			e.Status = zipcodes.StatusActive
		}
	}
	return nil
}

func (f *fakeStorage) ActiveEpoch(_ context.Context, now time.Time) (*zipcodes.Epoch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.epochs {
		if e.Status != zipcodes.StatusActive && e.Status != zipcodes.StatusPending {
			continue
		}
		if !now.Before(e.Start) && now.Before(e.End) {
			return e, nil
		}
	}
	return nil, nil
}

func (f *fakeStorage) EpochByID(_ context.Context, id string) (*zipcodes.Epoch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epochs[id], nil
}

func (f *fakeStorage) Assignments(_ context.Context, epochID string) ([]zipcodes.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assignments[epochID], nil
}

func (f *fakeStorage) RecentEpochs(context.Context, int) ([]zipcodes.Epoch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]zipcodes.Epoch, 0, len(f.epochs))
	for _, e := range f.epochs {
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeStorage) ArchiveOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func testConfig() *Config {
	return &Config{
		Duration:   4 * time.Hour,
		PregenLead: 5 * time.Minute,
		Retention:  7 * 24 * time.Hour,
		Selection: &zipcodes.Params{
			Target:    10000,
			Tolerance: 0.1,
			TierWeights: map[zipcodes.MarketTier]float64{
				zipcodes.TierStandard: 1.0,
			},
			StatePriorities: map[string]int{"PA": 1},
			Cooldown:        24 * time.Hour,
			Secret:          []byte("scheduler-test-secret"),
		},
		Eligibility: &store.EligibilityFilter{MinListings: 200, MaxListings: 3000},
		DBTimeout:   time.Second,
	}
}

func testScheduler(storage Storage, now time.Time) *Scheduler {
	s := NewScheduler(context.Background(), storage, testConfig())
	s.now = func() time.Time { return now }
	return s
}

func TestSlotStart(t *testing.T) {
	d := 4 * time.Hour
	at := func(h, m int) time.Time {
		return time.Date(2025, 8, 12, h, m, 0, 0, time.UTC)
	}
	assert.Equal(t, at(0, 0), SlotStart(at(0, 0), d))
	assert.Equal(t, at(4, 0), SlotStart(at(7, 59), d))
	assert.Equal(t, at(20, 0), SlotStart(at(23, 30), d))
	assert.Equal(t, at(8, 0), NextSlotStart(at(7, 59), d))
	assert.Equal(t, at(4, 0), NextSlotStart(at(0, 0), d))
}

func TestTick_PregeneratesInsideLeadWindow(t *testing.T) {
	storage := newFakeStorage()
	now := time.Date(2025, 8, 12, 11, 57, 0, 0, time.UTC)
	s := testScheduler(storage, now)

	s.tick()

	epoch := storage.epochs["2025-08-12-12:00"]
	require.NotNil(t, epoch)
	assert.Equal(t, zipcodes.StatusPending, epoch.Status)
	assert.Equal(t, time.Date(2025, 8, 12, 12, 0, 0, 0, time.UTC), epoch.Start)
	assert.Equal(t, time.Date(2025, 8, 12, 16, 0, 0, 0, time.UTC), epoch.End)
	assert.NotEmpty(t, epoch.Nonce)
	require.NotEmpty(t, storage.assignments[epoch.ID])
}

func TestTick_DoesNotPregenerateOutsideLeadWindow(t *testing.T) {
	storage := newFakeStorage()
	now := time.Date(2025, 8, 12, 11, 30, 0, 0, time.UTC)
	s := testScheduler(storage, now)

	s.tick()

	assert.Empty(t, storage.epochs)
	assert.Equal(t, 1, storage.promotions, "promotion still runs every tick")
}

func TestTick_MissedSlotIsNotBackfilled(t *testing.T) {
	storage := newFakeStorage()
	// Mid-slot with no pending row for the current slot: the scheduler
	// must not create one after its start has passed.
	now := time.Date(2025, 8, 12, 13, 0, 0, 0, time.UTC)
	s := testScheduler(storage, now)

	s.tick()

	assert.Nil(t, storage.epochs["2025-08-12-12:00"])
	epoch, rows, err := s.Current(context.Background())
	require.NoError(t, err)
	assert.Nil(t, epoch)
	assert.Nil(t, rows)
}

func TestTick_IdempotentWithinLeadWindow(t *testing.T) {
	storage := newFakeStorage()
	now := time.Date(2025, 8, 12, 11, 56, 0, 0, time.UTC)
	s := testScheduler(storage, now)

	s.tick()
	first := storage.epochs["2025-08-12-12:00"]
	require.NotNil(t, first)

	s.tick()
	assert.Same(t, first, storage.epochs["2025-08-12-12:00"])
}

func TestCurrent_PendingEpochInvisibleBeforeStart(t *testing.T) {
	storage := newFakeStorage()
	pregenAt := time.Date(2025, 8, 12, 11, 56, 0, 0, time.UTC)
	s := testScheduler(storage, pregenAt)
	s.tick()

	// One minute before the boundary nothing is visible.
	epoch, _, err := s.Current(context.Background())
	require.NoError(t, err)
	assert.Nil(t, epoch)

	// Just after the boundary the promoted epoch appears with its nonce.
	after := time.Date(2025, 8, 12, 12, 0, 1, 0, time.UTC)
	s.now = func() time.Time { return after }
	s.tick()

	epoch, rows, err := s.Current(context.Background())
	require.NoError(t, err)
	require.NotNil(t, epoch)
	assert.Equal(t, zipcodes.StatusActive, epoch.Status)
	assert.NotEmpty(t, epoch.Nonce)
	assert.NotEmpty(t, rows)
}

func TestCurrent_ServesStartedEpochBeforePromotionTick(t *testing.T) {
	storage := newFakeStorage()
	pregenAt := time.Date(2025, 8, 12, 11, 56, 0, 0, time.UTC)
	s := testScheduler(storage, pregenAt)
	s.tick()

	// Just past the boundary, with no promotion tick in between, the
	// persisted epoch is already current.
	s.now = func() time.Time { return time.Date(2025, 8, 12, 12, 0, 1, 0, time.UTC) }
	epoch, rows, err := s.Current(context.Background())
	require.NoError(t, err)
	require.NotNil(t, epoch)
	assert.Equal(t, "2025-08-12-12:00", epoch.ID)
	assert.NotEmpty(t, epoch.Nonce)
	assert.NotEmpty(t, rows)
}

func TestHistorical_HidesPendingEpochs(t *testing.T) {
	storage := newFakeStorage()
	now := time.Date(2025, 8, 12, 11, 56, 0, 0, time.UTC)
	s := testScheduler(storage, now)
	s.tick()

	epoch, _, err := s.Historical(context.Background(), "2025-08-12-12:00")
	require.NoError(t, err)
	assert.Nil(t, epoch, "pending pre-generated epochs must read as missing")

	epoch, _, err = s.Historical(context.Background(), "2025-08-11-12:00")
	require.NoError(t, err)
	assert.Nil(t, epoch)
}

func TestHistorical_ReturnsCompletedEpoch(t *testing.T) {
	storage := newFakeStorage()
	start := time.Date(2025, 8, 12, 8, 0, 0, 0, time.UTC)
	storage.epochs["2025-08-12-08:00"] = &zipcodes.Epoch{
		ID:     "2025-08-12-08:00",
		Start:  start,
		End:    start.Add(4 * time.Hour),
		Status: zipcodes.StatusCompleted,
		Nonce:  "deadbeef",
	}
	storage.assignments["2025-08-12-08:00"] = []zipcodes.Assignment{{Zipcode: "19103"}}

	s := testScheduler(storage, start.Add(6*time.Hour))
	epoch, rows, err := s.Historical(context.Background(), "2025-08-12-08:00")
	require.NoError(t, err)
	require.NotNil(t, epoch)
	assert.Equal(t, "deadbeef", epoch.Nonce)
	assert.Len(t, rows, 1)
}

func TestGenerate_NonceMatchesRecomputation(t *testing.T) {
	storage := newFakeStorage()
	now := time.Date(2025, 8, 12, 11, 56, 0, 0, time.UTC)
	s := testScheduler(storage, now)
	s.tick()

	epoch := storage.epochs["2025-08-12-12:00"]
	require.NotNil(t, epoch)

	zips := make([]string, 0, len(storage.assignments[epoch.ID]))
	for _, a := range storage.assignments[epoch.ID] {
		zips = append(zips, a.Zipcode)
	}
	recomputed := zipcodes.Nonce(testConfig().Selection.Secret, epoch.ID, epoch.Start, zips)
	assert.Equal(t, epoch.Nonce, recomputed)
}

func TestTick_InsertFailureSurfacesInStatus(t *testing.T) {
	storage := newFakeStorage()
	storage.insertErr = errors.New("db down")
	now := time.Date(2025, 8, 12, 11, 59, 0, 0, time.UTC)
	s := testScheduler(storage, now)

	s.tick()
	require.Error(t, s.Status())
	assert.Empty(t, storage.epochs)
}

func TestStats_ReportsNextBoundary(t *testing.T) {
	storage := newFakeStorage()
	now := time.Date(2025, 8, 12, 11, 0, 0, 0, time.UTC)
	s := testScheduler(storage, now)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 12, 12, 0, 0, 0, time.UTC), stats.NextEpochStart)
	assert.Equal(t, int64(3600), stats.SecondsUntilNext)
	assert.Empty(t, stats.CurrentEpochID)
}
