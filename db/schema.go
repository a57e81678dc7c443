package db

// schema defines the SQL statements to create the application's database
// schema for SQLite. It is designed to be idempotent using
// `CREATE TABLE IF NOT EXISTS`.
const schema = `
CREATE TABLE IF NOT EXISTS employees (
    source_id   INTEGER PRIMARY KEY,   -- assigned by the upstream CRM
    first_name  TEXT NOT NULL DEFAULT '',
    last_name   TEXT NOT NULL DEFAULT '',
    full_name   TEXT NOT NULL DEFAULT '',
    email       TEXT NOT NULL DEFAULT '',
    phone       TEXT NOT NULL DEFAULT '',
    department  TEXT NOT NULL DEFAULT '',
    position    TEXT NOT NULL DEFAULT '',
    active      INTEGER NOT NULL DEFAULT 1,
    synced_at   DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS invoices (
    source_id        INTEGER PRIMARY KEY,   -- assigned by the upstream CRM
    invoice_number   TEXT NOT NULL DEFAULT '',
    invoice_date     DATETIME NOT NULL,
    created_at       DATETIME NOT NULL,
    customer_name    TEXT NOT NULL DEFAULT 'Unknown Customer',
    total            REAL NOT NULL DEFAULT 0,
    currency         TEXT NOT NULL DEFAULT 'USD',
    salesperson_id   INTEGER,               -- weak reference to employees.source_id, not enforced
    salesperson_name TEXT NOT NULL DEFAULT '',
    description      TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT '',
    synced_at        DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoices_salesperson ON invoices(salesperson_id);
CREATE INDEX IF NOT EXISTS idx_invoices_date        ON invoices(invoice_date);
CREATE INDEX IF NOT EXISTS idx_invoices_currency    ON invoices(currency);

CREATE TABLE IF NOT EXISTS sync_logs (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    sync_type           TEXT NOT NULL DEFAULT 'invoices',
    status              TEXT NOT NULL DEFAULT 'running',
    start_time          DATETIME NOT NULL,
    end_time            DATETIME,
    duration_seconds    INTEGER,
    total_records       INTEGER NOT NULL DEFAULT 0,
    processed_records   INTEGER NOT NULL DEFAULT 0,
    api_calls           INTEGER NOT NULL DEFAULT 0,
    last_page_processed INTEGER NOT NULL DEFAULT 0,
    error               TEXT NOT NULL DEFAULT '',
    notes               TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_logs_status ON sync_logs(status, start_time);
`

// invoiceUpsertSQL inserts or updates an invoice keyed by its upstream id.
const invoiceUpsertSQL = `
INSERT INTO invoices (
    source_id, invoice_number, invoice_date, created_at, customer_name,
    total, currency, salesperson_id, salesperson_name, description, status,
    synced_at, updated_at
)
VALUES (
    :source_id, :invoice_number, :invoice_date, :created_at, :customer_name,
    :total, :currency, :salesperson_id, :salesperson_name, :description, :status,
    :synced_at, :updated_at
)
ON CONFLICT (source_id) DO UPDATE SET
    invoice_number   = excluded.invoice_number,
    invoice_date     = excluded.invoice_date,
    created_at       = excluded.created_at,
    customer_name    = excluded.customer_name,
    total            = excluded.total,
    currency         = excluded.currency,
    salesperson_id   = excluded.salesperson_id,
    salesperson_name = excluded.salesperson_name,
    description      = excluded.description,
    status           = excluded.status,
    synced_at        = excluded.synced_at,
    updated_at       = excluded.updated_at;
`

// employeeUpsertSQL inserts or updates an employee keyed by its upstream id.
const employeeUpsertSQL = `
INSERT INTO employees (
    source_id, first_name, last_name, full_name, email, phone,
    department, position, active, synced_at, updated_at
)
VALUES (
    :source_id, :first_name, :last_name, :full_name, :email, :phone,
    :department, :position, :active, :synced_at, :updated_at
)
ON CONFLICT (source_id) DO UPDATE SET
    first_name  = excluded.first_name,
    last_name   = excluded.last_name,
    full_name   = excluded.full_name,
    email       = excluded.email,
    phone       = excluded.phone,
    department  = excluded.department,
    position    = excluded.position,
    active      = excluded.active,
    synced_at   = excluded.synced_at,
    updated_at  = excluded.updated_at;
`

// syncLogStartSQL creates a "running" log entry only when no other running
// entry younger than the lease cutoff exists. The conditional insert is a
// single statement so two concurrent triggers cannot both succeed.
const syncLogStartSQL = `
INSERT INTO sync_logs (sync_type, status, start_time, notes)
SELECT :sync_type, 'running', :start_time, :notes
WHERE NOT EXISTS (
    SELECT 1 FROM sync_logs
    WHERE status = 'running' AND start_time > :lease_cutoff
);
`

// syncLogCheckpointSQL records per-page progress mid-run.
const syncLogCheckpointSQL = `
UPDATE sync_logs SET
    total_records       = :total_records,
    processed_records   = :processed_records,
    api_calls           = :api_calls,
    last_page_processed = :last_page_processed
WHERE id = :id;
`

// syncLogFinishSQL finalizes a log entry exactly once.
const syncLogFinishSQL = `
UPDATE sync_logs SET
    status           = :status,
    end_time         = :end_time,
    duration_seconds = :duration_seconds,
    error            = :error
WHERE id = :id AND status = 'running';
`
