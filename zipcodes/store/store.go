// Package store persists the zipcode master table, epochs, and epoch
// assignments in Postgres. The scheduler is the only writer; epoch
// publication and promotion are serialized through a transaction-scoped
// advisory lock so two scheduler replicas cannot both publish a slot.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/resi-labs-ai/resi-labs-api/zipcodes"
)

var log = logrus.WithField("prefix", "store")

// Lock id for epoch publication; arbitrary but stable.
const epochPublishLockID = int64(0x7a695063)

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and prepares the pool.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database url")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect database")
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping probes database health.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.pool.Ping(ctx), "database ping")
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return errors.Wrap(err, "apply schema")
}

// UpsertZipcodes writes a batch of master rows, replacing market data on
// conflict but preserving assignment history.
func (s *Store) UpsertZipcodes(ctx context.Context, rows []zipcodes.Zipcode) error {
	batch := &pgx.Batch{}
	for _, z := range rows {
		batch.Queue(`
			INSERT INTO zipcodes (
				zipcode, state, city, county, population, median_home_value,
				expected_listings, market_tier, base_weight, data_updated_at, is_active
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (zipcode) DO UPDATE SET
				state = EXCLUDED.state,
				city = EXCLUDED.city,
				county = EXCLUDED.county,
				population = EXCLUDED.population,
				median_home_value = EXCLUDED.median_home_value,
				expected_listings = EXCLUDED.expected_listings,
				market_tier = EXCLUDED.market_tier,
				base_weight = EXCLUDED.base_weight,
				data_updated_at = EXCLUDED.data_updated_at,
				is_active = EXCLUDED.is_active,
				updated_at = now()`,
			z.Zipcode, z.State, z.City, z.County, z.Population, z.MedianHomeValue,
			z.ExpectedListings, z.MarketTier, z.BaseWeight, z.DataUpdatedAt, z.IsActive,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer func() {
		if err := br.Close(); err != nil {
			log.WithError(err).Error("Could not close upsert batch")
		}
	}()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return errors.Wrap(err, "upsert zipcode batch")
		}
	}
	return nil
}

// EligibilityFilter bounds the eligible set for an epoch draw.
type EligibilityFilter struct {
	MinListings int
	MaxListings int
	Cooldown    time.Duration
	MaxDataAge  time.Duration
	States      []string
}

// EligibleZipcodes returns active rows inside the listings band, outside
// the cooldown window, with sufficiently fresh market data, in priority
// states.
func (s *Store) EligibleZipcodes(ctx context.Context, now time.Time, f *EligibilityFilter) ([]zipcodes.Zipcode, error) {
	cooldownCutoff := now.Add(-f.Cooldown)
	dataCutoff := now.Add(-f.MaxDataAge)
	rows, err := s.pool.Query(ctx, `
		SELECT zipcode, state, city, COALESCE(county, ''), COALESCE(population, 0),
		       COALESCE(median_home_value, 0), expected_listings, market_tier,
		       last_assigned, assignment_count, base_weight, data_updated_at, is_active
		FROM zipcodes
		WHERE is_active
		  AND expected_listings BETWEEN $1 AND $2
		  AND (last_assigned IS NULL OR last_assigned < $3)
		  AND data_updated_at >= $4
		  AND state = ANY($5)`,
		f.MinListings, f.MaxListings, cooldownCutoff, dataCutoff, f.States,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query eligible zipcodes")
	}
	return scanZipcodes(rows)
}

// HoneypotPool returns active low-activity rows below the threshold, the
// disjoint pool honeypots are drawn from.
func (s *Store) HoneypotPool(ctx context.Context, threshold int, states []string) ([]zipcodes.Zipcode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT zipcode, state, city, COALESCE(county, ''), COALESCE(population, 0),
		       COALESCE(median_home_value, 0), expected_listings, market_tier,
		       last_assigned, assignment_count, base_weight, data_updated_at, is_active
		FROM zipcodes
		WHERE is_active AND expected_listings < $1 AND state = ANY($2)`,
		threshold, states,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query honeypot pool")
	}
	return scanZipcodes(rows)
}

func scanZipcodes(rows pgx.Rows) ([]zipcodes.Zipcode, error) {
	defer rows.Close()
	var out []zipcodes.Zipcode
	for rows.Next() {
		var z zipcodes.Zipcode
		if err := rows.Scan(
			&z.Zipcode, &z.State, &z.City, &z.County, &z.Population,
			&z.MedianHomeValue, &z.ExpectedListings, &z.MarketTier,
			&z.LastAssigned, &z.AssignmentCount, &z.BaseWeight, &z.DataUpdatedAt, &z.IsActive,
		); err != nil {
			return nil, errors.Wrap(err, "scan zipcode row")
		}
		out = append(out, z)
	}
	return out, errors.Wrap(rows.Err(), "iterate zipcode rows")
}

// InsertEpoch writes an epoch, its assignments, and the last_assigned
// bumps in a single transaction under the publication advisory lock.
func (s *Store) InsertEpoch(ctx context.Context, epoch *zipcodes.Epoch, assignments []zipcodes.Assignment) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin epoch insert")
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			log.WithError(err).Error("Could not roll back epoch insert")
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, epochPublishLockID); err != nil {
		return errors.Wrap(err, "acquire publish lock")
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO epochs (
			id, start_time, end_time, nonce, target_listings,
			tolerance_percent, status, selection_seed, algorithm_version, degraded
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		epoch.ID, epoch.Start, epoch.End, epoch.Nonce, epoch.TargetListings,
		epoch.TolerancePercent, epoch.Status, epoch.SelectionSeed,
		epoch.AlgorithmVersion, epoch.Degraded,
	); err != nil {
		return errors.Wrap(err, "insert epoch")
	}
	for _, a := range assignments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO epoch_assignments (
				epoch_id, zipcode, expected_listings, state, city, county,
				market_tier, selection_weight, is_honeypot
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			a.EpochID, a.Zipcode, a.ExpectedListings, a.State, a.City, a.County,
			a.MarketTier, a.SelectionWeight, a.IsHoneypot,
		); err != nil {
			return errors.Wrapf(err, "insert assignment %s", a.Zipcode)
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE zipcodes SET
			last_assigned = $2,
			assignment_count = assignment_count + 1,
			updated_at = now()
		WHERE zipcode IN (SELECT zipcode FROM epoch_assignments WHERE epoch_id = $1)`,
		epoch.ID, epoch.Start,
	); err != nil {
		return errors.Wrap(err, "update assignment history")
	}
	return errors.Wrap(tx.Commit(ctx), "commit epoch insert")
}

// PromoteEpochs advances epoch statuses for the given instant in one
// transaction: active epochs past their end become completed, and the
// pending epoch whose window contains now becomes active. No observer can
// see two active epochs.
func (s *Store) PromoteEpochs(ctx context.Context, now time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin promotion")
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			log.WithError(err).Error("Could not roll back promotion")
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, epochPublishLockID); err != nil {
		return errors.Wrap(err, "acquire publish lock")
	}
	if _, err := tx.Exec(ctx, `
		UPDATE epochs SET status = 'completed'
		WHERE status = 'active' AND end_time <= $1`, now,
	); err != nil {
		return errors.Wrap(err, "complete ended epochs")
	}
	if _, err := tx.Exec(ctx, `
		UPDATE epochs SET status = 'active'
		WHERE status = 'pending' AND start_time <= $1 AND end_time > $1`, now,
	); err != nil {
		return errors.Wrap(err, "activate pending epoch")
	}
	return errors.Wrap(tx.Commit(ctx), "commit promotion")
}

// ActiveEpoch returns the epoch whose window contains now, or nil. Pending
// rows qualify once their start has passed: promotion runs on a coarse
// tick, and a started epoch must be readable before that tick lands.
func (s *Store) ActiveEpoch(ctx context.Context, now time.Time) (*zipcodes.Epoch, error) {
	return s.queryEpoch(ctx, `
		SELECT id, start_time, end_time, nonce, target_listings, tolerance_percent,
		       status, selection_seed, algorithm_version, degraded
		FROM epochs
		WHERE status IN ('active', 'pending') AND start_time <= $1 AND end_time > $1`, now)
}

// EpochByID returns an epoch by identifier, or nil when unknown.
func (s *Store) EpochByID(ctx context.Context, id string) (*zipcodes.Epoch, error) {
	return s.queryEpoch(ctx, `
		SELECT id, start_time, end_time, nonce, target_listings, tolerance_percent,
		       status, selection_seed, algorithm_version, degraded
		FROM epochs WHERE id = $1`, id)
}

func (s *Store) queryEpoch(ctx context.Context, sql string, args ...interface{}) (*zipcodes.Epoch, error) {
	var e zipcodes.Epoch
	err := s.pool.QueryRow(ctx, sql, args...).Scan(
		&e.ID, &e.Start, &e.End, &e.Nonce, &e.TargetListings, &e.TolerancePercent,
		&e.Status, &e.SelectionSeed, &e.AlgorithmVersion, &e.Degraded,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query epoch")
	}
	return &e, nil
}

// Assignments returns the committed rows of an epoch joined with the
// master table's last assignment time.
func (s *Store) Assignments(ctx context.Context, epochID string) ([]zipcodes.Assignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.epoch_id, a.zipcode, a.expected_listings, a.state, a.city,
		       COALESCE(a.county, ''), a.market_tier, COALESCE(a.selection_weight, 0),
		       a.is_honeypot, z.last_assigned
		FROM epoch_assignments a
		LEFT JOIN zipcodes z ON z.zipcode = a.zipcode
		WHERE a.epoch_id = $1
		ORDER BY a.zipcode`, epochID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query assignments")
	}
	defer rows.Close()
	var out []zipcodes.Assignment
	for rows.Next() {
		var a zipcodes.Assignment
		if err := rows.Scan(
			&a.EpochID, &a.Zipcode, &a.ExpectedListings, &a.State, &a.City,
			&a.County, &a.MarketTier, &a.SelectionWeight, &a.IsHoneypot, &a.LastAssigned,
		); err != nil {
			return nil, errors.Wrap(err, "scan assignment row")
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "iterate assignment rows")
}

// RecentEpochs lists the latest epochs by start time.
func (s *Store) RecentEpochs(ctx context.Context, limit int) ([]zipcodes.Epoch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, start_time, end_time, nonce, target_listings, tolerance_percent,
		       status, selection_seed, algorithm_version, degraded
		FROM epochs ORDER BY start_time DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query recent epochs")
	}
	defer rows.Close()
	var out []zipcodes.Epoch
	for rows.Next() {
		var e zipcodes.Epoch
		if err := rows.Scan(
			&e.ID, &e.Start, &e.End, &e.Nonce, &e.TargetListings, &e.TolerancePercent,
			&e.Status, &e.SelectionSeed, &e.AlgorithmVersion, &e.Degraded,
		); err != nil {
			return nil, errors.Wrap(err, "scan epoch row")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate epoch rows")
}

// ArchiveOlderThan marks epochs ended before the cutoff as archived and
// returns how many were archived. Rows are never deleted.
func (s *Store) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE epochs SET status = 'archived'
		WHERE end_time < $1 AND status <> 'archived'`, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "archive epochs")
	}
	return tag.RowsAffected(), nil
}

// InsertValidatorResult records a validator upload audit row, updating the
// existing row on re-request.
func (s *Store) InsertValidatorResult(ctx context.Context, r *zipcodes.ValidatorResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO validator_results (
			epoch_id, validator_hotkey, validation_time, miners_evaluated,
			total_listings, top_3_miners, upload_path, status
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::jsonb, $7, $8)
		ON CONFLICT (epoch_id, validator_hotkey) DO UPDATE SET
			validation_time = EXCLUDED.validation_time,
			upload_path = EXCLUDED.upload_path,
			status = EXCLUDED.status`,
		r.EpochID, r.ValidatorHotkey, r.ValidationTime, r.MinersEvaluated,
		r.TotalListings, r.Top3MinersJSON, r.UploadPath, r.Status,
	)
	return errors.Wrap(err, "insert validator result")
}

// TierStat aggregates zipcodes in one market tier.
type TierStat struct {
	Count       int     `json:"count"`
	AvgListings float64 `json:"avg_listings"`
}

// StateStat aggregates zipcodes in one state.
type StateStat struct {
	Count         int `json:"count"`
	TotalListings int `json:"total_listings"`
}

// Stats summarizes the master table for the public stats endpoint.
type Stats struct {
	TotalZipcodes  int                  `json:"total_zipcodes"`
	ActiveZipcodes int                  `json:"active_zipcodes"`
	ByState        map[string]StateStat `json:"by_state"`
	ByTier         map[string]TierStat  `json:"by_tier"`
}

// ZipcodeStats aggregates the master table by state and market tier.
func (s *Store) ZipcodeStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByState: make(map[string]StateStat),
		ByTier:  make(map[string]TierStat),
	}
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE is_active) FROM zipcodes`,
	).Scan(&stats.TotalZipcodes, &stats.ActiveZipcodes); err != nil {
		return nil, errors.Wrap(err, "count zipcodes")
	}

	stateRows, err := s.pool.Query(ctx, `
		SELECT state, count(*), COALESCE(sum(expected_listings), 0)
		FROM zipcodes WHERE is_active GROUP BY state`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query state distribution")
	}
	defer stateRows.Close()
	for stateRows.Next() {
		var state string
		var st StateStat
		if err := stateRows.Scan(&state, &st.Count, &st.TotalListings); err != nil {
			return nil, errors.Wrap(err, "scan state row")
		}
		stats.ByState[state] = st
	}
	if err := stateRows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate state rows")
	}

	tierRows, err := s.pool.Query(ctx, `
		SELECT market_tier, count(*), COALESCE(avg(expected_listings), 0)
		FROM zipcodes WHERE is_active GROUP BY market_tier`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query tier distribution")
	}
	defer tierRows.Close()
	for tierRows.Next() {
		var tier string
		var ts TierStat
		if err := tierRows.Scan(&tier, &ts.Count, &ts.AvgListings); err != nil {
			return nil, errors.Wrap(err, "scan tier row")
		}
		stats.ByTier[tier] = ts
	}
	return stats, errors.Wrap(tierRows.Err(), "iterate tier rows")
}
