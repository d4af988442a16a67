// Package sqlrel is a MySQL-family relation.Collaborator backed by
// database/sql and github.com/go-sql-driver/mysql, the way the
// teacher's internal/storage/dolt package opens a Dolt server over the
// MySQL wire protocol (storage/dolt/store.go's buildServerDSN /
// openServerConnection). It is deliberately thin SQL generation, not a
// general query planner — the relational algebra itself is named but
// not specified by spec §1/§6.
package sqlrel

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"

	"github.com/datajoint/populate/internal/relation"
	"github.com/datajoint/populate/internal/types"
)

// Config describes how to reach the MySQL-family server.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool
}

// DSN builds a go-sql-driver/mysql data source name, mirroring
// storage/dolt/store.go's buildServerDSN.
func (c Config) DSN() string {
	var userPart string
	if c.Password != "" {
		userPart = fmt.Sprintf("%s:%s", c.User, c.Password)
	} else {
		userPart = c.User
	}
	params := "parseTime=true"
	if c.TLS {
		params += "&tls=true"
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?%s", userPart, c.Host, c.Port, c.Database, params)
}

// Store holds the shared *sql.DB and the transaction-nesting guard
// described in spec §5 ("Track in_transaction as a per-connection
// boolean; refuse to start a new transaction when set").
type Store struct {
	db       *sql.DB
	inTxFlag bool
	guarded  map[string]*types.PopulateGuard
}

// GuardTable registers the populate guard for a target so that
// Collaborator.Insert can reject direct inserts outside make (spec
// §4.4's insertion guard).
func (s *Store) GuardTable(fullName string, g *types.PopulateGuard) {
	if s.guarded == nil {
		s.guarded = make(map[string]*types.PopulateGuard)
	}
	s.guarded[fullName] = g
}

// Open connects to the MySQL-family server and verifies reachability
// with a retried ping, matching the teacher's catalog-race retry in
// storage/dolt/store.go.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(func() error {
		pingErr := db.PingContext(ctx)
		if pingErr != nil && isRetryable(pingErr) {
			return pingErr
		}
		if pingErr != nil {
			return backoff.Permanent(pingErr)
		}
		return nil
	}, bo); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool. The parent's Store is
// not closed or reopened around a parallel fan-out: it stays open while
// each worker opens and closes its own Store through its ConnFactory.
func (s *Store) Close() error {
	return s.db.Close()
}

func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown database") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "try restarting transaction")
}

// Collaborator adapts a Store (or an in-flight *sql.Tx) to
// relation.Collaborator.
type Collaborator struct {
	store *Store
	exec  execer // either *sql.DB or *sql.Tx
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewCollaborator returns a relation.Collaborator over the store's
// shared connection pool (no transaction open).
func NewCollaborator(store *Store) *Collaborator {
	return &Collaborator{store: store, exec: store.db}
}

func (c *Collaborator) Table(ctx context.Context, fullName string) (relation.Expression, error) {
	return &tableExpr{exec: c.exec, fullName: fullName}, nil
}

func (c *Collaborator) Insert(ctx context.Context, fullName string, rows []types.Key) error {
	if g, ok := c.store.guarded[fullName]; ok && !g.Allowed() {
		return types.ErrDirectInsert
	}
	for _, row := range rows {
		cols := row.SortedAttributes()
		placeholders := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, col := range cols {
			placeholders[i] = "?"
			args[i] = row[col]
		}
		quoted := make([]string, len(cols))
		for i, col := range cols {
			quoted[i] = "`" + col + "`"
		}
		// nolint:gosec // G201: column names come from the declared heading, not user input
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", fullName,
			strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
		if _, err := c.exec.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", fullName, err)
		}
	}
	return nil
}

func (c *Collaborator) Exists(ctx context.Context, fullName string, key types.Key) (bool, error) {
	cols := key.SortedAttributes()
	where := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		where[i] = "`" + col + "` = ?"
		args[i] = key[col]
	}
	// nolint:gosec // G201: column names come from the declared heading, not user input
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE %s)", fullName, strings.Join(where, " AND "))
	var exists bool
	if err := c.exec.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check existence in %s: %w", fullName, err)
	}
	return exists, nil
}

func (c *Collaborator) BeginTx(ctx context.Context) (relation.Tx, error) {
	if c.store.inTxFlag {
		return nil, types.ErrNestedTransaction
	}
	sqlTx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	c.store.inTxFlag = true
	return &txCollaborator{
		Collaborator: Collaborator{store: c.store, exec: sqlTx},
		sqlTx:        sqlTx,
	}, nil
}

type txCollaborator struct {
	Collaborator
	sqlTx *sql.Tx
	done  bool
}

func (t *txCollaborator) Commit(_ context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	t.store.inTxFlag = false
	if err := t.sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *txCollaborator) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.inTxFlag = false
	// Per spec §4.4 edge cases: if rollback itself fails (e.g. the
	// connection dropped), swallow it and let error reporting proceed.
	_ = t.sqlTx.Rollback()
	return nil
}

// tableExpr is a relation.Expression over one or more SQL tables.
// Restrict/Project/Join/Subtract compose simple queries rather than a
// full algebraic rewrite, matching the "narrow interface" framing in
// spec §6. Join accumulates every joined-in table in joins (in
// declared order) rather than nesting, so a chain of N.Join(N+1) calls
// — keysource.Resolve's default construction for a target with more
// than two primary parents — combines all of them, not just the last
// pair.
//
// Project's rename map is tracked only in the declared heading, not
// applied as a SQL column alias: a renamed parent's physical columns
// keep their source names in the generated query, same as before this
// type grew join support. Targets that rename a foreign-key attribute
// rather than joining on a literal shared column name need a
// KeySourceOverride.
type tableExpr struct {
	exec     execer
	fullName string
	where    []string
	args     []any
	heading  types.Heading
	joins    []*tableExpr
}

// tables returns e and every table accumulated via Join, in order.
func (e *tableExpr) tables() []*tableExpr {
	return append([]*tableExpr{e}, e.joins...)
}

// physicalHeading always introspects e's live physical table, ignoring
// any Project-applied rename or narrowing: it is what an actual
// "SELECT * FROM e.fullName" returns, which is what a join condition
// must match column names against regardless of what a declared
// heading claims.
func (e *tableExpr) physicalHeading(ctx context.Context) (types.Heading, error) {
	rows, err := e.exec.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", e.fullName))
	if err != nil {
		return nil, fmt.Errorf("failed to introspect heading of %s: %w", e.fullName, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	return types.Heading(cols), nil
}

// ownHeading reports e's declared heading: its Project-cached heading
// if one was set, else its live physical columns.
func (e *tableExpr) ownHeading(ctx context.Context) (types.Heading, error) {
	if e.heading != nil {
		return e.heading, nil
	}
	return e.physicalHeading(ctx)
}

// Heading reports the attributes Fetch will return: e's own attributes
// when unjoined, or the union of every joined table's attributes
// otherwise (SELECT * across a multi-table FROM clause, per fetchJoin).
func (e *tableExpr) Heading(ctx context.Context) (types.Heading, error) {
	if len(e.joins) == 0 {
		return e.ownHeading(ctx)
	}
	seen := map[string]bool{}
	var out types.Heading
	for _, t := range e.tables() {
		h, err := t.ownHeading(ctx)
		if err != nil {
			return nil, err
		}
		for _, col := range h {
			if !seen[col] {
				seen[col] = true
				out = append(out, col)
			}
		}
	}
	return out, nil
}

func (e *tableExpr) Fetch(ctx context.Context) ([]types.Key, error) {
	if len(e.joins) == 0 {
		query := fmt.Sprintf("SELECT * FROM %s", e.fullName)
		if len(e.where) > 0 {
			query += " WHERE " + strings.Join(e.where, " AND ")
		}
		return runFetch(ctx, e.exec, e.fullName, query, e.args)
	}

	tables := e.tables()
	headings := make([]types.Heading, len(tables))
	for i, t := range tables {
		h, err := t.physicalHeading(ctx)
		if err != nil {
			return nil, err
		}
		headings[i] = h
	}
	query, args, err := buildJoinQuery(namesOf(tables), headings, wheresOf(tables), argsOf(tables))
	if err != nil {
		return nil, err
	}
	return runFetch(ctx, e.exec, e.fullName, query, args)
}

// buildJoinQuery generates the SQL for a natural join of tables named
// in names, aliased t0..tn in order, matched on every column name
// shared between two or more of them — the same naive same-named-
// column heuristic subtractCondition uses for NOT EXISTS subqueries.
// It is pure (no DB access) so it can be unit tested directly against
// hand-built headings instead of a live server. wheres[i]/args[i] are
// table i's own Restrict clauses, qualified with that table's alias.
func buildJoinQuery(names []string, headings []types.Heading, wheres [][]string, args [][]any) (string, []any, error) {
	if len(names) != len(headings) || len(names) != len(wheres) || len(names) != len(args) {
		return "", nil, fmt.Errorf("%w: mismatched table metadata building join query", types.ErrConfiguration)
	}

	from := make([]string, len(names))
	var joinConds, whereConds []string
	var flatArgs []any
	firstSeen := map[string]int{}
	for i, name := range names {
		from[i] = fmt.Sprintf("%s AS t%d", name, i)
		for _, col := range headings[i] {
			if j, ok := firstSeen[col]; ok {
				joinConds = append(joinConds, fmt.Sprintf("t%d.`%s` = t%d.`%s`", j, col, i, col))
			} else {
				firstSeen[col] = i
			}
		}
		for _, w := range wheres[i] {
			whereConds = append(whereConds, fmt.Sprintf("t%d.%s", i, w))
		}
		flatArgs = append(flatArgs, args[i]...)
	}
	if len(names) > 1 && len(joinConds) == 0 {
		// No column name was shared by any pair of tables: a natural
		// join with nothing to join on would silently degrade into a
		// cross product, which is never what a primary-parent join
		// means. Fail loudly instead of returning wrong data.
		return "", nil, fmt.Errorf("%w: tables %v share no column to join on", types.ErrConfiguration, names)
	}

	query := fmt.Sprintf("SELECT * FROM %s", strings.Join(from, ", "))
	conds := append(joinConds, whereConds...)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	return query, flatArgs, nil
}

func namesOf(tables []*tableExpr) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.fullName
	}
	return out
}

func wheresOf(tables []*tableExpr) [][]string {
	out := make([][]string, len(tables))
	for i, t := range tables {
		out[i] = t.where
	}
	return out
}

func argsOf(tables []*tableExpr) [][]any {
	out := make([][]any, len(tables))
	for i, t := range tables {
		out[i] = t.args
	}
	return out
}

func runFetch(ctx context.Context, exec execer, fullName, query string, args []any) ([]types.Key, error) {
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", fullName, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []types.Key
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row from %s: %w", fullName, err)
		}
		key := types.Key{}
		for i, col := range cols {
			key[col] = vals[i]
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (e *tableExpr) Restrict(restrictions ...any) relation.Expression {
	clone := *e
	for _, r := range restrictions {
		if kv, ok := r.(types.Key); ok {
			for col, val := range kv {
				clone.where = append(clone.where, "`"+col+"` = ?")
				clone.args = append(clone.args, val)
			}
		}
	}
	return &clone
}

func (e *tableExpr) Project(attrs types.Heading, rename map[string]string) relation.Expression {
	clone := *e
	clone.heading = append(types.Heading{}, attrs...)
	return &clone
}

// Join appends other to e's join list. The combined heading cache is
// invalidated since Fetch now spans every joined table's physical
// columns, not e's prior (possibly Project-narrowed) heading.
func (e *tableExpr) Join(other relation.Expression) relation.Expression {
	o, ok := other.(*tableExpr)
	if !ok {
		return e
	}
	clone := *e
	clone.joins = append(append([]*tableExpr{}, e.joins...), o)
	clone.heading = nil
	return &clone
}

func (e *tableExpr) Subtract(other relation.Expression) relation.Expression {
	o, ok := other.(*tableExpr)
	if !ok {
		return e
	}
	clone := *e
	clone.where = append(append([]string{}, clone.where...),
		fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s WHERE %s)", o.fullName, subtractCondition(e.fullName, o.fullName, sharedColumns(e.heading, o.heading))))
	return &clone
}

// subtractCondition joins left and right on shared, on the same
// naive same-named-column heuristic buildJoinQuery uses. shared comes
// from each side's cached Project heading, since Subtract's interface
// has no context to introspect the live schema with; callers that
// never call Project first (so neither heading is known) fall back to
// the conventional single-column "id" primary key.
func subtractCondition(left, right string, shared []string) string {
	if len(shared) == 0 {
		return fmt.Sprintf("%s.`id` = %s.`id`", right, left)
	}
	conds := make([]string, len(shared))
	for i, col := range shared {
		conds[i] = fmt.Sprintf("%s.`%s` = %s.`%s`", right, col, left, col)
	}
	return strings.Join(conds, " AND ")
}

func sharedColumns(a, b types.Heading) []string {
	if a == nil || b == nil {
		return nil
	}
	bset := map[string]bool{}
	for _, x := range b {
		bset[x] = true
	}
	var out []string
	for _, x := range a {
		if bset[x] {
			out = append(out, x)
		}
	}
	return out
}
