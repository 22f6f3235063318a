// Package database provides read-only introspection and query execution
// against the target SQLite database the agent reasons about.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/orbitalops/dbagent/internal/domain"
	"github.com/orbitalops/dbagent/internal/shared"
	_ "modernc.org/sqlite"
)

// Inspector wraps the target database connection. All methods are read-only
// and bounded by the configured per-query timeout.
type Inspector struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// Open connects to the target database.
func Open(dbPath string, queryTimeout time.Duration) (*Inspector, error) {
	// WAL mode so concurrent readers never block each other.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open target database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping target database: %w", err)
	}

	if queryTimeout <= 0 {
		queryTimeout = 15 * time.Second
	}
	return &Inspector{db: db, queryTimeout: queryTimeout}, nil
}

// Ping verifies connectivity.
func (i *Inspector) Ping(ctx context.Context) error {
	return i.db.PingContext(ctx)
}

// Close closes the connection.
func (i *Inspector) Close() error {
	if err := i.db.Close(); err != nil {
		return fmt.Errorf("close target database: %w", err)
	}
	return nil
}

// ListTables returns all visible table names, sorted.
func (i *Inspector) ListTables(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, i.queryTimeout)
	defer cancel()

	rows, err := i.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, classify(ctx, err, "list tables")
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err, "iterate tables")
	}
	return tables, nil
}

// HasTable reports whether a table exists.
func (i *Inspector) HasTable(ctx context.Context, table string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, i.queryTimeout)
	defer cancel()

	var n int
	err := i.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, classify(ctx, err, "check table")
	}
	return n > 0, nil
}

// DescribeTable returns name/type/nullable triples for a table's columns.
// Returns a NOT_FOUND error for unknown tables.
func (i *Inspector) DescribeTable(ctx context.Context, table string) ([]domain.ColumnInfo, error) {
	ok, err := i.HasTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, shared.NewError(shared.CodeNotFound, "no such table: %s", table)
	}

	ctx, cancel := context.WithTimeout(ctx, i.queryTimeout)
	defer cancel()

	rows, err := i.db.QueryContext(ctx, `SELECT name, type, "notnull" FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, classify(ctx, err, "describe table")
	}
	defer rows.Close()

	var cols []domain.ColumnInfo
	for rows.Next() {
		var (
			name, typ string
			notNull   int
		)
		if err := rows.Scan(&name, &typ, &notNull); err != nil {
			return nil, fmt.Errorf("scan column info: %w", err)
		}
		cols = append(cols, domain.ColumnInfo{Name: name, Type: typ, Nullable: notNull == 0})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err, "iterate columns")
	}
	return cols, nil
}

// QueryResult holds the rows and metadata of one executed statement.
type QueryResult struct {
	Columns  []string
	Rows     []map[string]any
	RowCount int
	// Truncated is set when the row cap cut off further results.
	Truncated bool
}

// Query executes an already-guarded statement and returns at most limit
// rows. The caller is responsible for passing SQL through the Guard first.
func (i *Inspector) Query(ctx context.Context, sqlText string, limit int) (*QueryResult, error) {
	if limit <= 0 {
		limit = 1000
	}
	ctx, cancel := context.WithTimeout(ctx, i.queryTimeout)
	defer cancel()

	rows, err := i.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, classify(ctx, err, "execute query")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read result columns: %w", err)
	}

	result := &QueryResult{Columns: columns}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for idx := range values {
		ptrs[idx] = &values[idx]
	}

	for rows.Next() {
		if len(result.Rows) >= limit {
			result.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for idx, col := range columns {
			row[col] = normalizeValue(values[idx])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err, "iterate result rows")
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

// SampleRows returns up to limit rows from a table using an identifier-safe
// quoted table name. Returns NOT_FOUND for unknown tables.
func (i *Inspector) SampleRows(ctx context.Context, table string, limit int) (*QueryResult, error) {
	ok, err := i.HasTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, shared.NewError(shared.CodeNotFound, "no such table: %s", table)
	}
	sqlText := fmt.Sprintf("SELECT * FROM %s LIMIT %d", QuoteIdentifier(table), limit)
	return i.Query(ctx, sqlText, limit)
}

// TableStats returns row and column counts for a table.
func (i *Inspector) TableStats(ctx context.Context, table string) (rowCount int64, columns []domain.ColumnInfo, err error) {
	columns, err = i.DescribeTable(ctx, table)
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, i.queryTimeout)
	defer cancel()

	err = i.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+QuoteIdentifier(table)).Scan(&rowCount)
	if err != nil {
		return 0, nil, classify(ctx, err, "count rows")
	}
	return rowCount, columns, nil
}

// QuoteIdentifier wraps a table name in double quotes, doubling embedded
// quotes, so sampled table names cannot inject SQL.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// classify maps driver errors onto the shared taxonomy: deadline overruns
// become TIMEOUT_ERROR, everything else EXECUTION_ERROR.
func classify(ctx context.Context, err error, op string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return shared.NewError(shared.CodeTimeout, "%s: query exceeded timeout", op)
	}
	return shared.WrapError(shared.CodeExecution, fmt.Errorf("%s: %w", op, err))
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		return v
	}
}
