package dbmanager

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DBManager holds the named catalog connections used by microservices, the
// rule base loader and the delayed execution queue.
type DBManager struct {
	mu          sync.RWMutex
	connections map[string]*sql.DB
	dialects    map[string]Dialect
	defaultName string
}

func NewDBManager() *DBManager {
	return &DBManager{
		connections: make(map[string]*sql.DB),
		dialects:    make(map[string]Dialect),
		defaultName: "default",
	}
}

// AddConnection opens and pings a connection.
// driverName is a database/sql driver ("sqlite", "sqlite3", "mysql", "postgres", "sqlserver").
func (m *DBManager) AddConnection(ctx context.Context, name, driverName, dsn string, maxOpen, maxIdle int) error {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database '%s': %w", name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database '%s': %w", name, err)
	}
	configurePool(db, maxOpen, maxIdle)

	if err := m.AddDB(name, driverName, db); err != nil {
		db.Close()
		return err
	}
	return nil
}

// AddDB registers an already opened handle.
func (m *DBManager) AddDB(name, driverName string, db *sql.DB) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.connections[name]; exists {
		return fmt.Errorf("database connection '%s' already exists", name)
	}
	m.connections[name] = db
	m.dialects[name] = GetDialect(driverName)
	return nil
}

// GetConnection returns nil when name is unknown.
func (m *DBManager) GetConnection(name string) *sql.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[name]
}

func (m *DBManager) GetDialect(name string) Dialect {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dialects[name]
}

func (m *DBManager) GetDefault() (*sql.DB, Dialect) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connections[m.defaultName], m.dialects[m.defaultName]
}

func (m *DBManager) DefaultName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultName
}

func (m *DBManager) SetDefault(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.connections[name]; !exists {
		return fmt.Errorf("database connection '%s' not found", name)
	}
	m.defaultName = name
	return nil
}

// GetConnectionNames returns the registered names, sorted.
func (m *DBManager) GetConnectionNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// QueryRows runs a query on the named connection and returns every row as a
// column -> value map. Byte slices are returned as strings.
func (m *DBManager) QueryRows(ctx context.Context, name, query string, args ...interface{}) ([]map[string]interface{}, error) {
	db := m.GetConnection(name)
	if db == nil {
		return nil, fmt.Errorf("database connection '%s' not found", name)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func configurePool(db *sql.DB, maxOpen, maxIdle int) {
	if maxOpen == 0 {
		maxOpen = 100
	}
	if maxIdle == 0 {
		maxIdle = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)
}

func (m *DBManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for name, db := range m.connections {
		if err := db.Close(); err != nil {
			lastErr = fmt.Errorf("failed to close database '%s': %w", name, err)
		}
	}
	m.connections = make(map[string]*sql.DB)
	m.dialects = make(map[string]Dialect)
	return lastErr
}
