// Package memrel is an in-memory relation.Collaborator used by tests
// that exercise reservation contention, three-phase verification, and
// orchestrator behavior without a live MySQL-family database.
package memrel

import (
	"context"
	"fmt"
	"sync"

	"github.com/datajoint/populate/internal/relation"
	"github.com/datajoint/populate/internal/types"
)

// Store is a tiny in-memory multi-table database: a set of named
// tables, each a slice of rows keyed by their full attribute set.
type Store struct {
	mu      sync.Mutex
	tables  map[string][]types.Key
	inTx    bool
	guarded map[string]*types.PopulateGuard
}

// New returns an empty store.
func New() *Store {
	return &Store{tables: make(map[string][]types.Key), guarded: make(map[string]*types.PopulateGuard)}
}

// Seed replaces the contents of a table.
func (s *Store) Seed(table string, rows []types.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]types.Key, len(rows))
	copy(cp, rows)
	s.tables[table] = cp
}

// Rows returns a snapshot of a table's current contents.
func (s *Store) Rows(table string) []types.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]types.Key, len(s.tables[table]))
	copy(cp, s.tables[table])
	return cp
}

// Guard registers a populate guard for a table; Insert checks it.
func (s *Store) Guard(table string, g *types.PopulateGuard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guarded[table] = g
}

// Collaborator adapts a Store to relation.Collaborator.
type Collaborator struct {
	store *Store
}

// NewCollaborator returns a relation.Collaborator backed by store.
func NewCollaborator(store *Store) *Collaborator {
	return &Collaborator{store: store}
}

func (c *Collaborator) Table(_ context.Context, fullName string) (relation.Expression, error) {
	return &expr{store: c.store, table: fullName, rows: c.store.Rows(fullName)}, nil
}

func (c *Collaborator) Insert(_ context.Context, fullName string, rows []types.Key) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if g, ok := c.store.guarded[fullName]; ok && !g.Allowed() {
		return types.ErrDirectInsert
	}
	c.store.tables[fullName] = append(c.store.tables[fullName], rows...)
	return nil
}

func (c *Collaborator) Exists(_ context.Context, fullName string, key types.Key) (bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	for _, row := range c.store.tables[fullName] {
		if sameKey(row, key) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Collaborator) BeginTx(_ context.Context) (relation.Tx, error) {
	c.store.mu.Lock()
	if c.store.inTx {
		c.store.mu.Unlock()
		return nil, types.ErrNestedTransaction
	}
	c.store.inTx = true
	// Snapshot every table so rollback can restore it.
	snapshot := make(map[string][]types.Key, len(c.store.tables))
	for t, rows := range c.store.tables {
		cp := make([]types.Key, len(rows))
		copy(cp, rows)
		snapshot[t] = cp
	}
	c.store.mu.Unlock()
	return &tx{Collaborator: *c, snapshot: snapshot}, nil
}

type tx struct {
	Collaborator
	snapshot map[string][]types.Key
	done     bool
}

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	t.store.mu.Lock()
	t.store.inTx = false
	t.store.mu.Unlock()
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	t.store.tables = t.snapshot
	t.store.inTx = false
	t.store.mu.Unlock()
	return nil
}

// expr is a minimal relation.Expression over an in-memory row slice,
// enough to exercise restrict/project/join/subtract without a real
// query planner.
type expr struct {
	store *Store
	table string
	rows  []types.Key
	head  types.Heading
}

func (e *expr) Heading(_ context.Context) (types.Heading, error) {
	if e.head != nil {
		return e.head, nil
	}
	seen := map[string]bool{}
	var h types.Heading
	for _, r := range e.rows {
		for a := range r {
			if !seen[a] {
				seen[a] = true
				h = append(h, a)
			}
		}
	}
	return h, nil
}

func (e *expr) Fetch(_ context.Context) ([]types.Key, error) {
	out := make([]types.Key, len(e.rows))
	copy(out, e.rows)
	return out, nil
}

func (e *expr) Restrict(restrictions ...any) relation.Expression {
	if len(restrictions) == 0 {
		return e
	}
	var out []types.Key
	for _, r := range e.rows {
		ok := true
		for _, restriction := range restrictions {
			pred, isPred := restriction.(func(types.Key) bool)
			if isPred && !pred(r) {
				ok = false
				break
			}
			if m, isMap := restriction.(types.Key); isMap {
				for a, v := range m {
					if fmt.Sprint(r[a]) != fmt.Sprint(v) {
						ok = false
						break
					}
				}
			}
		}
		if ok {
			out = append(out, r)
		}
	}
	return &expr{store: e.store, table: e.table, rows: out}
}

func (e *expr) Project(attrs types.Heading, rename map[string]string) relation.Expression {
	out := make([]types.Key, 0, len(e.rows))
	for _, r := range e.rows {
		projected := types.Key{}
		for _, a := range attrs {
			src := a
			for parentAttr, targetAttr := range rename {
				if targetAttr == a {
					src = parentAttr
				}
			}
			if v, ok := r[src]; ok {
				projected[a] = v
			}
		}
		out = append(out, projected)
	}
	return &expr{store: e.store, table: e.table, rows: out, head: append(types.Heading{}, attrs...)}
}

func (e *expr) Join(other relation.Expression) relation.Expression {
	o, ok := other.(*expr)
	if !ok {
		return e
	}
	oh, _ := o.Heading(context.Background())
	eh, _ := e.Heading(context.Background())
	shared := intersect(eh, oh)

	var out []types.Key
	for _, lr := range e.rows {
		for _, rr := range o.rows {
			if matches(lr, rr, shared) {
				merged := lr.Clone()
				for a, v := range rr {
					merged[a] = v
				}
				out = append(out, merged)
			}
		}
	}
	return &expr{store: e.store, table: e.table + "*" + o.table, rows: out}
}

func (e *expr) Subtract(other relation.Expression) relation.Expression {
	o, ok := other.(*expr)
	if !ok {
		return e
	}
	oh, _ := o.Heading(context.Background())
	eh, _ := e.Heading(context.Background())
	shared := intersect(eh, oh)

	var out []types.Key
	for _, lr := range e.rows {
		found := false
		for _, rr := range o.rows {
			if matches(lr, rr, shared) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, lr)
		}
	}
	return &expr{store: e.store, table: e.table, rows: out}
}

func intersect(a, b types.Heading) types.Heading {
	bset := map[string]bool{}
	for _, x := range b {
		bset[x] = true
	}
	var out types.Heading
	for _, x := range a {
		if bset[x] {
			out = append(out, x)
		}
	}
	return out
}

func matches(a, b types.Key, on types.Heading) bool {
	for _, attr := range on {
		if fmt.Sprint(a[attr]) != fmt.Sprint(b[attr]) {
			return false
		}
	}
	return true
}

func sameKey(a, b types.Key) bool {
	for attr, v := range b {
		if fmt.Sprint(a[attr]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}
