// Package relation defines the narrow interface the populate engine
// uses to talk to the relational query layer. Per spec §1 and §6, the
// query algebra itself (restriction, natural join, projection with
// renaming, subtraction, and its transpilation to SQL) is an external
// collaborator — this package names the operations the populate core
// depends on and nothing more.
package relation

import (
	"context"

	"github.com/datajoint/populate/internal/types"
)

// Expression is a lazily-evaluated relational expression. It extends
// types.Expression with the algebra operations the Key-Source Resolver
// and Todo Computer need to build up a key source from primary
// parents and user restrictions.
type Expression interface {
	types.Expression

	// Restrict returns a new expression containing only rows matching
	// every restriction in the conjunction. An empty conjunction
	// restricts nothing.
	Restrict(restrictions ...any) Expression

	// Project returns a new expression over the given attributes,
	// renaming per rename (old name -> new name) where present.
	Project(attrs types.Heading, rename map[string]string) Expression

	// Join returns the natural join of this expression with other, in
	// declared order.
	Join(other Expression) Expression

	// Subtract returns the rows of this expression whose key does not
	// appear in other (by other's heading intersected with this
	// expression's heading).
	Subtract(other Expression) Expression
}

// Collaborator is the full relational query layer surface the Make
// Invoker and Todo Computer depend on in addition to Expression
// construction: per-transaction query/commit/rollback and insert
// against a concrete target table.
type Collaborator interface {
	// Table returns a base expression over the named table.
	Table(ctx context.Context, fullName string) (Expression, error)

	// Insert writes rows into fullName. Outside of a make invocation
	// this must be rejected for populate-guarded targets; see
	// types.PopulateGuard.
	Insert(ctx context.Context, fullName string, rows []types.Key) error

	// Exists reports whether a row with the given key already exists
	// in fullName (used for the pre-check in spec §4.4 steps 2/5).
	Exists(ctx context.Context, fullName string, key types.Key) (bool, error)

	// BeginTx opens a snapshot-isolated transaction. It must fail with
	// ErrNestedTransaction if one is already open on this collaborator.
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is an in-flight transaction handle. All relational operations
// performed through a Tx are scoped to that transaction's snapshot.
type Tx interface {
	Collaborator

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
