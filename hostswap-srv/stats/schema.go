package stats

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/codefionn/hostswap/hostswap-srv/logger"
)

// ColumnType represents the type of a database column
type ColumnType string

const (
	ColumnTypeSerial    ColumnType = "SERIAL"    // auto-increment primary key
	ColumnTypeInteger   ColumnType = "INTEGER"   // SQLite/PostgreSQL integer
	ColumnTypeBigint    ColumnType = "BIGINT"    // Large integers
	ColumnTypeText      ColumnType = "TEXT"      // Text/VARCHAR
	ColumnTypeBoolean   ColumnType = "BOOLEAN"   // true/false
	ColumnTypeTimestamp ColumnType = "TIMESTAMP" // Timestamp
)

// ColumnDefinition defines a database column
type ColumnDefinition struct {
	Name       string
	Type       ColumnType
	NotNull    bool
	PrimaryKey bool
	Default    string
	References string // table(column), cascades on delete
}

// IndexDefinition defines a database index
type IndexDefinition struct {
	Name    string
	Columns []string
}

// TableDefinition defines a complete database table
type TableDefinition struct {
	Name    string
	Columns []ColumnDefinition
	Indexes []IndexDefinition
}

// ExpectedTables returns the tables every collector backend writes to.
func ExpectedTables() []TableDefinition {
	return []TableDefinition{
		{
			Name: "connections",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true},
				{Name: "connection_uuid", Type: ColumnTypeText},
				{Name: "client_ip", Type: ColumnTypeText, NotNull: true},
				{Name: "target_host", Type: ColumnTypeText, NotNull: true},
				{Name: "target_port", Type: ColumnTypeInteger, NotNull: true},
				{Name: "protocol", Type: ColumnTypeText, NotNull: true},
				{Name: "redirected", Type: ColumnTypeBoolean, NotNull: true, Default: "FALSE"},
				{Name: "started_at", Type: ColumnTypeTimestamp, NotNull: true},
				{Name: "ended_at", Type: ColumnTypeTimestamp},
				{Name: "bytes_sent", Type: ColumnTypeBigint, NotNull: true, Default: "0"},
				{Name: "bytes_received", Type: ColumnTypeBigint, NotNull: true, Default: "0"},
				{Name: "duration_ms", Type: ColumnTypeBigint},
				{Name: "close_reason", Type: ColumnTypeText},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_connections_started_at", Columns: []string{"started_at"}},
				{Name: "idx_connections_target_host", Columns: []string{"target_host"}},
			},
		},
		{
			Name: "http_requests",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true},
				{Name: "connection_id", Type: ColumnTypeBigint, NotNull: true, References: "connections(id)"},
				{Name: "method", Type: ColumnTypeText, NotNull: true},
				{Name: "url", Type: ColumnTypeText, NotNull: true},
				{Name: "host", Type: ColumnTypeText, NotNull: true},
				{Name: "user_agent", Type: ColumnTypeText},
				{Name: "content_length", Type: ColumnTypeBigint},
				{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_http_requests_connection_id", Columns: []string{"connection_id"}},
			},
		},
		{
			Name: "http_responses",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true},
				{Name: "connection_id", Type: ColumnTypeBigint, NotNull: true, References: "connections(id)"},
				{Name: "status_code", Type: ColumnTypeInteger, NotNull: true},
				{Name: "content_length", Type: ColumnTypeBigint},
				{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_http_responses_connection_id", Columns: []string{"connection_id"}},
			},
		},
		{
			Name: "errors",
			Columns: []ColumnDefinition{
				{Name: "id", Type: ColumnTypeSerial, PrimaryKey: true},
				{Name: "connection_id", Type: ColumnTypeBigint},
				{Name: "error_type", Type: ColumnTypeText, NotNull: true},
				{Name: "error_message", Type: ColumnTypeText},
				{Name: "timestamp", Type: ColumnTypeTimestamp, NotNull: true},
			},
			Indexes: []IndexDefinition{
				{Name: "idx_errors_error_type", Columns: []string{"error_type"}},
			},
		},
	}
}

// SchemaInitializer creates the expected tables and indexes for a driver.
type SchemaInitializer struct {
	db     *sql.DB
	driver string
	tables []TableDefinition
}

// NewSchemaInitializer creates a new schema initializer
func NewSchemaInitializer(db *sql.DB, driver string) *SchemaInitializer {
	return &SchemaInitializer{
		db:     db,
		driver: driver,
		tables: ExpectedTables(),
	}
}

// InitializeSchema creates all missing tables and indexes. It is idempotent.
func (si *SchemaInitializer) InitializeSchema() error {
	if si.driver != driverSQLite && si.driver != driverPostgres {
		return fmt.Errorf("unsupported driver: %s", si.driver)
	}
	logger.Debug("Initializing database schema (driver: %s)", si.driver)

	for _, table := range si.tables {
		if _, err := si.db.Exec(si.generateCreateTableSQL(table)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.Name, err)
		}
	}
	for _, table := range si.tables {
		for _, index := range table.Indexes {
			stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
				index.Name, table.Name, strings.Join(index.Columns, ", "))
			if _, err := si.db.Exec(stmt); err != nil {
				return fmt.Errorf("failed to create index %s: %w", index.Name, err)
			}
		}
	}
	return nil
}

// generateCreateTableSQL generates CREATE TABLE SQL for the specific driver
func (si *SchemaInitializer) generateCreateTableSQL(table TableDefinition) string {
	columnDefs := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		columnDefs = append(columnDefs, "  "+si.generateColumnSQL(column))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", table.Name, strings.Join(columnDefs, ",\n"))
}

// generateColumnSQL generates column definition SQL
func (si *SchemaInitializer) generateColumnSQL(column ColumnDefinition) string {
	parts := []string{column.Name}

	switch {
	case column.Type == ColumnTypeSerial && si.driver == driverSQLite:
		parts = append(parts, "INTEGER PRIMARY KEY AUTOINCREMENT")
	case column.Type == ColumnTypeSerial:
		parts = append(parts, "BIGSERIAL PRIMARY KEY")
	case column.Type == ColumnTypeTimestamp && si.driver == driverSQLite:
		parts = append(parts, "DATETIME")
	case column.Type == ColumnTypeTimestamp:
		parts = append(parts, "TIMESTAMP WITH TIME ZONE")
	default:
		parts = append(parts, string(column.Type))
	}

	if column.NotNull && !column.PrimaryKey {
		parts = append(parts, "NOT NULL")
	}
	if column.Default != "" {
		parts = append(parts, "DEFAULT "+column.Default)
	}
	if column.References != "" {
		parts = append(parts, "REFERENCES "+column.References+" ON DELETE CASCADE")
	}
	return strings.Join(parts, " ")
}
