// Package registry implements the Jobs Registry (spec §4.3): a
// schema-global table enforcing at-most-one-worker-per-key via a
// uniqueness constraint, plus error/ignore bookkeeping. Grounded on
// the teacher's internal/storage/dolt upsert idiom
// ("INSERT ... ON DUPLICATE KEY UPDATE") and its RunInTransaction
// retry-on-serialization-conflict loop.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/datajoint/populate/internal/hashing"
	"github.com/datajoint/populate/internal/types"
)

// TableName is the jobs table name, schema-qualified by the caller.
// The sigil prefix follows the teacher's convention of marking
// internal bookkeeping tables distinctly from user tables.
const TableName = "~jobs"

// Registry wraps a *sql.DB (or test double) implementing the minimal
// surface the Jobs Registry needs.
type Registry struct {
	db       execer
	identity Identity
}

// Identity stamps a reservation record with the reserving worker's
// provenance (spec §3, §6).
type Identity struct {
	User string
	Host string
	PID  int
}

// CurrentIdentity reads the ambient process identity, analogous to the
// teacher's connection-id stamping on dolt transactions.
func CurrentIdentity() Identity {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	host, _ := os.Hostname()
	return Identity{User: user, Host: host, PID: os.Getpid()}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// New returns a Registry over db, stamping reservations with identity.
// db need only satisfy execer (Exec/QueryRow/Query with context) — a
// *sql.DB, a *sql.Tx, or a test double all qualify, the same narrow
// dependency shape the teacher's storage layer takes on *sql.DB.
func New(db execer, identity Identity) *Registry {
	return &Registry{db: db, identity: identity}
}

// Schema returns the DDL for the jobs table, for callers that manage
// their own migrations.
func Schema() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		target_table_name VARCHAR(255) NOT NULL,
		key_hash CHAR(32) NOT NULL,
		status ENUM('reserved','error','ignore') NOT NULL,
		` + "`key`" + ` BLOB,
		error_message VARCHAR(2047),
		error_stack BLOB,
		user VARCHAR(255),
		host VARCHAR(255),
		pid INT UNSIGNED,
		connection_id BIGINT UNSIGNED,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		PRIMARY KEY (target_table_name, key_hash)
	)`, TableName)
}

// Reserve inserts a status=reserved record for (target, key). Returns
// true on insert success, false iff the uniqueness constraint rejected
// the insert (spec §4.3). Any other error is wrapped as
// types.ErrRegistry.
func (r *Registry) Reserve(ctx context.Context, targetName string, heading types.Heading, key types.Key) (bool, error) {
	hash, err := hashing.KeyHash(heading, key)
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrRegistry, err)
	}
	blob, err := yaml.Marshal(key)
	if err != nil {
		return false, fmt.Errorf("%w: failed to serialize key: %v", types.ErrRegistry, err)
	}
	connID := connectionID()

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 25 * time.Millisecond
	boff.MaxElapsedTime = 2 * time.Second

	duplicate := false
	err = backoff.Retry(func() error {
		_, execErr := r.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (target_table_name, key_hash, status, `+"`key`"+`, user, host, pid, connection_id)
			VALUES (?, ?, 'reserved', ?, ?, ?, ?, ?)
		`, TableName), targetName, hash, blob, r.identity.User, r.identity.Host, r.identity.PID, connID)
		if execErr == nil {
			return nil
		}
		if isDuplicateKey(execErr) {
			duplicate = true
			return nil // terminal: the reservation is lost, not a registry failure
		}
		if isTransient(execErr) {
			return execErr // retry-worthy
		}
		return backoff.Permanent(execErr)
	}, boff)

	if duplicate {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrRegistry, err)
	}
	return true, nil
}

// Complete deletes the record for (target, key). Idempotent.
func (r *Registry) Complete(ctx context.Context, targetName string, heading types.Heading, key types.Key) error {
	hash, err := hashing.KeyHash(heading, key)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrRegistry, err)
	}
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE target_table_name = ? AND key_hash = ?", TableName),
		targetName, hash); err != nil {
		return fmt.Errorf("%w: %v", types.ErrRegistry, err)
	}
	return nil
}

// ErrorOut upserts a status=error record with a truncated message and
// full stack blob (spec §4.3, §6).
func (r *Registry) ErrorOut(ctx context.Context, targetName string, heading types.Heading, key types.Key, message string, stack []byte) error {
	hash, err := hashing.KeyHash(heading, key)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrRegistry, err)
	}
	blob, err := yaml.Marshal(key)
	if err != nil {
		return fmt.Errorf("%w: failed to serialize key: %v", types.ErrRegistry, err)
	}
	truncated := types.TruncateError(message)
	connID := connectionID()

	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (target_table_name, key_hash, status, `+"`key`"+`, error_message, error_stack, user, host, pid, connection_id)
		VALUES (?, ?, 'error', ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE status = 'error', `+"`key`"+` = VALUES(`+"`key`"+`),
			error_message = VALUES(error_message), error_stack = VALUES(error_stack),
			user = VALUES(user), host = VALUES(host), pid = VALUES(pid), connection_id = VALUES(connection_id)
	`, TableName), targetName, hash, blob, truncated, stack, r.identity.User, r.identity.Host, r.identity.PID, connID)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrRegistry, err)
	}
	return nil
}

// Ignore inserts a status=ignore record, never overwriting an
// existing one. Returns false on duplicate-key rejection.
func (r *Registry) Ignore(ctx context.Context, targetName string, heading types.Heading, key types.Key) (bool, error) {
	hash, err := hashing.KeyHash(heading, key)
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrRegistry, err)
	}
	blob, err := yaml.Marshal(key)
	if err != nil {
		return false, fmt.Errorf("%w: failed to serialize key: %v", types.ErrRegistry, err)
	}
	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (target_table_name, key_hash, status, `+"`key`"+`)
		VALUES (?, ?, 'ignore', ?)
	`, TableName), targetName, hash, blob)
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", types.ErrRegistry, err)
	}
	return true, nil
}

// HasRecord reports whether any record (any status) exists for
// (target, key).
func (r *Registry) HasRecord(ctx context.Context, targetName string, heading types.Heading, key types.Key) (bool, error) {
	hash, err := hashing.KeyHash(heading, key)
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrRegistry, err)
	}
	var exists bool
	err = r.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT EXISTS(SELECT 1 FROM %s WHERE target_table_name = ? AND key_hash = ?)", TableName),
		targetName, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrRegistry, err)
	}
	return exists, nil
}

// List returns every job record for targetName, for the CLI status
// surface (SPEC_FULL §12).
func (r *Registry) List(ctx context.Context, targetName string) ([]types.JobRecord, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT target_table_name, key_hash, status, `+"`key`"+`, error_message, error_stack,
		       user, host, pid, connection_id, timestamp
		FROM %s WHERE target_table_name = ?
	`, TableName), targetName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrRegistry, err)
	}
	defer rows.Close()

	var out []types.JobRecord
	for rows.Next() {
		var rec types.JobRecord
		var errMsg, stack, user, host sql.NullString
		var pid sql.NullInt64
		var connID sql.Null[uint64]
		if err := rows.Scan(&rec.TargetTableName, &rec.KeyHash, &rec.Status, &rec.KeyBlob,
			&errMsg, &stack, &user, &host, &pid, &connID, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrRegistry, err)
		}
		rec.ErrorMessage = errMsg.String
		rec.ErrorStack = []byte(stack.String)
		rec.User = user.String
		rec.Host = host.String
		rec.PID = int(pid.Int64)
		rec.ConnectionID = connID.V
		out = append(out, rec)
	}
	return out, rows.Err()
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "1062") ||
		strings.Contains(msg, "unique constraint")
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "1213") || strings.Contains(msg, "1105") ||
		strings.Contains(msg, "try restarting transaction") ||
		strings.Contains(msg, "connection refused")
}

func connectionID() uint64 {
	id := uuid.New()
	var n uint64
	for _, b := range id[:8] {
		n = n<<8 | uint64(b)
	}
	return n
}
