package warehouse

// Warehouse schema DDL. Fact tables are range-partitioned by their event
// date column; partitions are created by the partition manager, not here.
// The partition key is part of each fact's primary key, as PostgreSQL
// requires for partitioned tables.
const createSchemaSQL = `
-- Dimensions
CREATE TABLE IF NOT EXISTS branch_dim (
    branch_id      TEXT PRIMARY KEY,
    branch_name    TEXT NOT NULL,
    city           TEXT,
    state          TEXT,
    region         TEXT,
    source_updated TIMESTAMPTZ,
    last_updated   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS product_dim (
    product_id     TEXT PRIMARY KEY,
    product_name   TEXT NOT NULL,
    category       TEXT,
    source_updated TIMESTAMPTZ,
    last_updated   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS channel_dim (
    channel_id     TEXT PRIMARY KEY,
    channel_name   TEXT NOT NULL,
    source_updated TIMESTAMPTZ,
    last_updated   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS customer_dim (
    customer_id           TEXT PRIMARY KEY,
    first_name            TEXT NOT NULL,
    last_name             TEXT NOT NULL,
    date_of_birth         DATE,
    address               TEXT,
    city                  TEXT,
    state                 TEXT,
    zip_code              TEXT,
    email                 TEXT NOT NULL,
    phone                 TEXT,
    segment               TEXT,
    acquisition_date      DATE,
    last_interaction_date TIMESTAMPTZ,
    satisfaction_score    INTEGER,
    nps_score             INTEGER,
    status                TEXT NOT NULL,
    source_updated        TIMESTAMPTZ,
    last_updated          TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Facts
CREATE TABLE IF NOT EXISTS transaction_fact (
    transaction_id TEXT NOT NULL,
    txn_date       DATE NOT NULL,
    branch_id      TEXT NOT NULL,
    customer_id    TEXT NOT NULL,
    product_id     TEXT NOT NULL,
    channel_id     TEXT,
    txn_type       TEXT NOT NULL,
    amount         NUMERIC(14,2) NOT NULL,
    status         TEXT NOT NULL,
    is_weekend     BOOLEAN,
    last_updated   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (transaction_id, txn_date)
) PARTITION BY RANGE (txn_date);

CREATE TABLE IF NOT EXISTS customer_fact (
    snapshot_id        TEXT NOT NULL,
    snapshot_date      DATE NOT NULL,
    customer_id        TEXT NOT NULL,
    satisfaction_score INTEGER,
    nps_score          INTEGER,
    txn_count          INTEGER,
    total_amount       NUMERIC(16,2),
    last_updated       TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (snapshot_id, snapshot_date)
) PARTITION BY RANGE (snapshot_date);

CREATE TABLE IF NOT EXISTS loan_fact (
    loan_id          TEXT NOT NULL,
    origination_date DATE NOT NULL,
    customer_id      TEXT NOT NULL,
    branch_id        TEXT NOT NULL,
    principal        NUMERIC(14,2) NOT NULL,
    interest_rate    NUMERIC(6,4) NOT NULL,
    term_months      INTEGER NOT NULL,
    status           TEXT NOT NULL,
    last_updated     TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (loan_id, origination_date)
) PARTITION BY RANGE (origination_date);

-- ETL bookkeeping
CREATE TABLE IF NOT EXISTS dw_watermark (
    source     TEXT NOT NULL,
    table_name TEXT NOT NULL,
    watermark  TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (source, table_name)
);

CREATE TABLE IF NOT EXISTS dw_partition (
    table_name     TEXT NOT NULL,
    partition_name TEXT NOT NULL,
    range_start    DATE NOT NULL,
    range_end      DATE NOT NULL,
    detached       BOOLEAN NOT NULL DEFAULT false,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (table_name, range_start)
);

CREATE TABLE IF NOT EXISTS dw_reject (
    id          BIGSERIAL PRIMARY KEY,
    table_name  TEXT NOT NULL,
    batch_id    UUID NOT NULL,
    record_key  TEXT NOT NULL,
    rule        TEXT NOT NULL,
    reason      TEXT NOT NULL,
    payload     JSONB,
    rejected_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_dw_reject_table_time ON dw_reject (table_name, rejected_at);

CREATE TABLE IF NOT EXISTS dw_refresh (
    aggregate    TEXT PRIMARY KEY,
    watermark    TIMESTAMPTZ NOT NULL,
    refreshed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Derived aggregates, rebuilt by the refresher and never hand-edited
CREATE TABLE IF NOT EXISTS branch_monthly_summary (
    branch_id    TEXT NOT NULL,
    month        DATE NOT NULL,
    txn_count    BIGINT NOT NULL,
    total_amount NUMERIC(16,2) NOT NULL,
    PRIMARY KEY (branch_id, month)
);

CREATE TABLE IF NOT EXISTS customer_monthly_summary (
    customer_id  TEXT NOT NULL,
    month        DATE NOT NULL,
    txn_count    BIGINT NOT NULL,
    total_amount NUMERIC(16,2) NOT NULL,
    PRIMARY KEY (customer_id, month)
);

CREATE INDEX IF NOT EXISTS idx_transaction_fact_updated ON transaction_fact (last_updated);
CREATE INDEX IF NOT EXISTS idx_transaction_fact_branch ON transaction_fact (branch_id);
CREATE INDEX IF NOT EXISTS idx_transaction_fact_customer ON transaction_fact (customer_id);
CREATE INDEX IF NOT EXISTS idx_loan_fact_customer ON loan_fact (customer_id);
`
