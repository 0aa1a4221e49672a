package store

// Schema DDL. Types are chosen to mean the same thing to SQLite and Postgres.
const (
	createTables = `CREATE TABLE IF NOT EXISTS grid_tables (
    table_id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    created_at TEXT NOT NULL
)`

	createColumns = `CREATE TABLE IF NOT EXISTS grid_columns (
    column_id TEXT PRIMARY KEY,
    table_id TEXT NOT NULL REFERENCES grid_tables(table_id),
    name TEXT NOT NULL,
    col_type TEXT NOT NULL,
    ordinal INTEGER NOT NULL,
    width INTEGER NOT NULL,
    client_id TEXT
)`

	createRecords = `CREATE TABLE IF NOT EXISTS grid_records (
    record_id TEXT PRIMARY KEY,
    table_id TEXT NOT NULL REFERENCES grid_tables(table_id),
    ordinal INTEGER NOT NULL,
    client_id TEXT
)`

	createCells = `CREATE TABLE IF NOT EXISTS grid_cells (
    cell_id TEXT PRIMARY KEY,
    record_id TEXT NOT NULL REFERENCES grid_records(record_id),
    column_id TEXT NOT NULL REFERENCES grid_columns(column_id),
    value_kind TEXT NOT NULL,
    text_value TEXT,
    number_value DOUBLE PRECISION,
    UNIQUE (record_id, column_id)
)`
)

// Ordinals are not unique-indexed: shifting a block of rows with one UPDATE
// passes through duplicate values.
const (
	idxColumnsTable   = `CREATE INDEX IF NOT EXISTS idx_grid_columns_table ON grid_columns(table_id, ordinal)`
	idxColumnsClient  = `CREATE INDEX IF NOT EXISTS idx_grid_columns_client ON grid_columns(table_id, client_id)`
	idxRecordsOrdinal = `CREATE INDEX IF NOT EXISTS idx_grid_records_ordinal ON grid_records(table_id, ordinal)`
	idxRecordsClient  = `CREATE INDEX IF NOT EXISTS idx_grid_records_client ON grid_records(table_id, client_id)`
	idxCellsColumn    = `CREATE INDEX IF NOT EXISTS idx_grid_cells_column ON grid_cells(column_id)`
)

// schemaDDL lists the statements applied on Attach, in dependency order.
var schemaDDL = []string{
	createTables,
	createColumns,
	createRecords,
	createCells,
	idxColumnsTable,
	idxColumnsClient,
	idxRecordsOrdinal,
	idxRecordsClient,
	idxCellsColumn,
}
