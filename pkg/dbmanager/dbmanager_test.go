package dbmanager

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every pooled connection would get its own in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAddAndQuery(t *testing.T) {
	ctx := context.Background()
	m := NewDBManager()
	db := memoryDB(t)
	require.NoError(t, m.AddDB("default", "sqlite", db))

	_, err := db.Exec(`CREATE TABLE r_data_main (data_id INTEGER, data_name TEXT, data_size INTEGER)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO r_data_main VALUES (1, 'a.txt', 10), (2, 'b.txt', 20)`)
	require.NoError(t, err)

	rows, err := m.QueryRows(ctx, "default", `SELECT data_name, data_size FROM r_data_main ORDER BY data_id`)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a.txt", rows[0]["data_name"])
	assert.EqualValues(t, 20, rows[1]["data_size"])

	_, err = m.QueryRows(ctx, "missing", "SELECT 1")
	assert.Error(t, err)
}

func TestConnectionBookkeeping(t *testing.T) {
	m := NewDBManager()
	require.NoError(t, m.AddDB("icat", "sqlite3", memoryDB(t)))
	assert.Error(t, m.AddDB("icat", "sqlite3", memoryDB(t)))
	assert.Error(t, m.SetDefault("nope"))
	require.NoError(t, m.SetDefault("icat"))

	db, d := m.GetDefault()
	assert.NotNil(t, db)
	assert.Equal(t, "sqlite", d.Name())
	assert.Equal(t, []string{"icat"}, m.GetConnectionNames())
	require.NoError(t, m.Close())
	assert.Empty(t, m.GetConnectionNames())
}

func TestAddConnection(t *testing.T) {
	m := NewDBManager()
	require.NoError(t, m.AddConnection(context.Background(), "default", "sqlite", ":memory:", 1, 1))
	assert.NotNil(t, m.GetConnection("default"))
	assert.Error(t, m.AddConnection(context.Background(), "bad", "nosuchdriver", "", 0, 0))
}

func TestDialects(t *testing.T) {
	tests := []struct {
		driver string
		quote  string
		ph     string
		limit  string
	}{
		{"mysql", "`rule_base`", "?", " LIMIT 5, 10"},
		{"sqlite", `"rule_base"`, "?", " LIMIT 10 OFFSET 5"},
		{"postgres", `"rule_base"`, "$2", " LIMIT 10 OFFSET 5"},
		{"sqlserver", "[rule_base]", "@p2", " OFFSET 5 ROWS FETCH NEXT 10 ROWS ONLY"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d := GetDialect(tt.driver)
			assert.Equal(t, tt.quote, d.QuoteIdentifier("rule_base"))
			assert.Equal(t, tt.ph, d.Placeholder(2))
			assert.Equal(t, tt.limit, d.Limit(10, 5))
			assert.NotEmpty(t, d.BlobType())
		})
	}
	assert.Equal(t, "$1, $2, $3", Placeholders(PostgreSQLDialect{}, 1, 3))
}
