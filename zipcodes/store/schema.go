package store

// Schema is a faithful projection of the data model: a zipcode master
// table, epochs, per-epoch assignments, and validator result audit rows.
// Assignment deletion is archival-only; rows cascade only with their epoch.
const schema = `
CREATE TABLE IF NOT EXISTS zipcodes (
    zipcode            TEXT PRIMARY KEY,
    state              TEXT NOT NULL,
    city               TEXT NOT NULL,
    county             TEXT,
    population         INTEGER,
    median_home_value  INTEGER,
    expected_listings  INTEGER NOT NULL,
    market_tier        TEXT NOT NULL CHECK (market_tier IN ('premium', 'standard', 'emerging')),
    last_assigned      TIMESTAMPTZ,
    assignment_count   INTEGER NOT NULL DEFAULT 0,
    base_weight        DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    data_updated_at    TIMESTAMPTZ,
    is_active          BOOLEAN NOT NULL DEFAULT TRUE,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ix_zipcodes_state ON zipcodes (state);
CREATE INDEX IF NOT EXISTS ix_zipcodes_expected_listings ON zipcodes (expected_listings);
CREATE INDEX IF NOT EXISTS ix_zipcodes_last_assigned ON zipcodes (last_assigned);
CREATE INDEX IF NOT EXISTS ix_zipcodes_state_tier ON zipcodes (state, market_tier);

CREATE TABLE IF NOT EXISTS epochs (
    id                 TEXT PRIMARY KEY,
    start_time         TIMESTAMPTZ NOT NULL,
    end_time           TIMESTAMPTZ NOT NULL,
    nonce              TEXT NOT NULL UNIQUE,
    target_listings    INTEGER NOT NULL,
    tolerance_percent  INTEGER NOT NULL,
    status             TEXT NOT NULL CHECK (status IN ('pending', 'active', 'completed', 'archived')),
    selection_seed     BIGINT NOT NULL,
    algorithm_version  TEXT NOT NULL,
    degraded           BOOLEAN NOT NULL DEFAULT FALSE,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ix_epochs_start_time ON epochs (start_time);
CREATE INDEX IF NOT EXISTS ix_epochs_status ON epochs (status);

CREATE TABLE IF NOT EXISTS epoch_assignments (
    epoch_id           TEXT NOT NULL REFERENCES epochs (id) ON DELETE CASCADE,
    zipcode            TEXT NOT NULL,
    expected_listings  INTEGER NOT NULL,
    state              TEXT NOT NULL,
    city               TEXT NOT NULL,
    county             TEXT,
    market_tier        TEXT NOT NULL CHECK (market_tier IN ('premium', 'standard', 'emerging')),
    selection_weight   DOUBLE PRECISION,
    is_honeypot        BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (epoch_id, zipcode)
);
CREATE INDEX IF NOT EXISTS ix_epoch_assignments_zipcode ON epoch_assignments (zipcode);

CREATE TABLE IF NOT EXISTS validator_results (
    epoch_id           TEXT NOT NULL REFERENCES epochs (id) ON DELETE CASCADE,
    validator_hotkey   TEXT NOT NULL,
    validation_time    TIMESTAMPTZ NOT NULL,
    miners_evaluated   INTEGER NOT NULL DEFAULT 0,
    total_listings     INTEGER NOT NULL DEFAULT 0,
    top_3_miners       JSONB,
    upload_path        TEXT,
    status             TEXT NOT NULL CHECK (status IN ('in_progress', 'completed', 'failed')),
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (epoch_id, validator_hotkey)
);
`
