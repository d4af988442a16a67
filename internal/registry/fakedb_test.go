package registry_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// fakeDB is a minimal in-memory stand-in for the *sql.DB surface the
// Jobs Registry writes through (registry.execer), covering the
// statement shapes Reserve/Complete/ErrorOut/Ignore issue. It lets
// reservation-contention tests run without a live MySQL-family
// server; read paths that return *sql.Row/*sql.Rows (HasRecord, List)
// need a real driver and are not exercised by this package's tests.
type fakeDB struct {
	mu   sync.Mutex
	rows map[string]string // rowKey -> status
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: map[string]string{}}
}

func rowKey(target, hash string) string { return target + "\x00" + hash }

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(query, "VALUES (?, ?, 'reserved'"):
		key := rowKey(args[0].(string), args[1].(string))
		if _, exists := f.rows[key]; exists {
			return nil, fmt.Errorf("Error 1062: Duplicate entry '%s' for key 'PRIMARY'", key)
		}
		f.rows[key] = "reserved"
		return driverResult{}, nil

	case strings.Contains(query, "ON DUPLICATE KEY UPDATE"):
		f.rows[rowKey(args[0].(string), args[1].(string))] = "error"
		return driverResult{}, nil

	case strings.Contains(query, "VALUES (?, ?, 'ignore'"):
		key := rowKey(args[0].(string), args[1].(string))
		if _, exists := f.rows[key]; exists {
			return nil, fmt.Errorf("Error 1062: Duplicate entry '%s' for key 'PRIMARY'", key)
		}
		f.rows[key] = "ignore"
		return driverResult{}, nil

	case strings.HasPrefix(strings.TrimSpace(query), "DELETE"):
		delete(f.rows, rowKey(args[0].(string), args[1].(string)))
		return driverResult{}, nil
	}
	return nil, fmt.Errorf("fakeDB: unrecognized exec query: %s", query)
}

func (f *fakeDB) QueryRowContext(_ context.Context, _ string, _ ...any) *sql.Row {
	panic("fakeDB does not support QueryRowContext; HasRecord needs a real driver")
}

func (f *fakeDB) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, fmt.Errorf("fakeDB does not support QueryContext")
}

func (f *fakeDB) statusOf(target, hash string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[rowKey(target, hash)]
	return s, ok
}

type driverResult struct{}

func (driverResult) LastInsertId() (int64, error) { return 0, nil }
func (driverResult) RowsAffected() (int64, error) { return 1, nil }
