package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitalops/dbagent/internal/shared"
)

func openTestInspector(t *testing.T) *Inspector {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "target.db")

	seed, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = seed.Exec(`
		CREATE TABLE aircraft_info (
			id INTEGER PRIMARY KEY,
			aircraft_code TEXT NOT NULL,
			publicity_name TEXT,
			aircraft_name TEXT
		);
		CREATE TABLE aircraft_team (
			id INTEGER PRIMARY KEY,
			aircraft_id INTEGER NOT NULL,
			manage_leader TEXT,
			manage_leader_phone TEXT,
			overall_contact TEXT,
			overall_contact_phone TEXT,
			center_contact TEXT,
			center_contact_phone TEXT
		);
		INSERT INTO aircraft_info (id, aircraft_code, publicity_name, aircraft_name)
		VALUES (1, 'PRSS-1', 'Pathfinder', 'PRSS-1 Pathfinder'),
		       (2, 'GF-7', 'Surveyor', 'GF-7 Surveyor');
		INSERT INTO aircraft_team (id, aircraft_id, manage_leader, manage_leader_phone,
			overall_contact, overall_contact_phone, center_contact, center_contact_phone)
		VALUES (1, 1, 'Li Wei', '555-0101', 'Chen Jing', '555-0102', 'Zhao Lan', '555-0103');
	`)
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	insp, err := Open(dbPath, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = insp.Close() })
	return insp
}

func TestListTables(t *testing.T) {
	insp := openTestInspector(t)

	tables, err := insp.ListTables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"aircraft_info", "aircraft_team"}, tables)
}

func TestDescribeTable(t *testing.T) {
	insp := openTestInspector(t)

	cols, err := insp.DescribeTable(context.Background(), "aircraft_info")
	require.NoError(t, err)
	require.Len(t, cols, 4)
	assert.Equal(t, "aircraft_code", cols[1].Name)
	assert.Equal(t, "TEXT", cols[1].Type)
	assert.False(t, cols[1].Nullable)
	assert.True(t, cols[2].Nullable)
}

func TestDescribeTableNotFound(t *testing.T) {
	insp := openTestInspector(t)

	_, err := insp.DescribeTable(context.Background(), "no_such_table")
	require.Error(t, err)
	var ae *shared.AgentError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, shared.CodeNotFound, ae.Code)
}

func TestQueryReturnsRows(t *testing.T) {
	insp := openTestInspector(t)

	res, err := insp.Query(context.Background(),
		"SELECT aircraft_code, publicity_name FROM aircraft_info ORDER BY id LIMIT 10", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"aircraft_code", "publicity_name"}, res.Columns)
	require.Equal(t, 2, res.RowCount)
	assert.Equal(t, "PRSS-1", res.Rows[0]["aircraft_code"])
	assert.False(t, res.Truncated)
}

func TestQueryTruncatesAtLimit(t *testing.T) {
	insp := openTestInspector(t)

	res, err := insp.Query(context.Background(), "SELECT id FROM aircraft_info", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount)
	assert.True(t, res.Truncated)
}

func TestSampleRows(t *testing.T) {
	insp := openTestInspector(t)

	res, err := insp.SampleRows(context.Background(), "aircraft_team", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount)
	assert.Equal(t, "Li Wei", res.Rows[0]["manage_leader"])

	_, err = insp.SampleRows(context.Background(), "missing", 5)
	assert.Error(t, err)
}

func TestTableStats(t *testing.T) {
	insp := openTestInspector(t)

	rows, cols, err := insp.TableStats(context.Background(), "aircraft_info")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)
	assert.Len(t, cols, 4)
}

func TestQuerySyntaxErrorIsExecutionError(t *testing.T) {
	insp := openTestInspector(t)

	_, err := insp.Query(context.Background(), "SELECT FROM WHERE", 10)
	require.Error(t, err)
	assert.Equal(t, shared.CodeExecution, shared.CodeOf(err))
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"aircraft_info"`, QuoteIdentifier("aircraft_info"))
	assert.Equal(t, `"a""b"`, QuoteIdentifier(`a"b`))
}
