// Package makeinvoke implements the Make Invoker (spec §4.4): the
// single-phase and three-phase make-execution protocols, the
// insertion guard, and the three-phase referential-integrity
// verification. Per the Design Notes in spec §9, the tripartite
// protocol is expressed as an explicit interface with three methods
// rather than a cooperative resumable generator, and the insertion
// guard is threaded through as a capability value (Inserter) instead
// of process-wide state.
package makeinvoke

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/datajoint/populate/internal/hashing"
	"github.com/datajoint/populate/internal/relation"
	"github.com/datajoint/populate/internal/types"
)

// Inserter is the capability a make procedure is handed to write rows
// into its target. It cannot be constructed outside this package, so
// a make implementation can only insert through the channel the
// Invoker opens for it — the Go-idiomatic reading of spec §9's
// "pass an insert capability token into make rather than relying on
// process-wide state."
type Inserter struct {
	tx     relation.Tx
	target *types.TargetTable
}

// Insert writes rows into the target table under the current
// transaction.
func (ins *Inserter) Insert(ctx context.Context, rows []types.Key) error {
	return ins.tx.Insert(ctx, ins.target.FullName, rows)
}

// SinglePhase is the one-callable make contract (spec §4.4).
type SinglePhase interface {
	Make(ctx context.Context, key types.Key, ins *Inserter) error
}

// ThreePhase is the tripartite make contract (spec §4.4, §9).
type ThreePhase interface {
	MakeFetch(ctx context.Context, key types.Key) (any, error)
	MakeCompute(ctx context.Context, key types.Key, data any) (any, error)
	MakeInsert(ctx context.Context, key types.Key, result any, ins *Inserter) error
}

// LegacyMaker is the backward-compatible single alternative name
// (spec §6, §9 Open Questions). If a make procedure implements both
// LegacyMaker and SinglePhase/ThreePhase, the canonical interface
// wins.
type LegacyMaker interface {
	MakeTuples(ctx context.Context, key types.Key, ins *Inserter) error
}

// resolved pairs a make procedure with the protocol it will run
// under.
type resolved struct {
	single SinglePhase
	triple ThreePhase
}

func resolve(proc any) (resolved, error) {
	if t, ok := proc.(ThreePhase); ok {
		return resolved{triple: t}, nil
	}
	if s, ok := proc.(SinglePhase); ok {
		return resolved{single: s}, nil
	}
	if l, ok := proc.(LegacyMaker); ok {
		return resolved{single: legacyAdapter{l}}, nil
	}
	return resolved{}, fmt.Errorf("%w: make procedure implements none of ThreePhase, SinglePhase, LegacyMaker", types.ErrConfiguration)
}

type legacyAdapter struct{ l LegacyMaker }

func (a legacyAdapter) Make(ctx context.Context, key types.Key, ins *Inserter) error {
	return a.l.MakeTuples(ctx, key, ins)
}

// Invoke runs the make procedure for key against target, choosing the
// single-phase or three-phase protocol per spec §4.4. coll is the
// collaborator the transaction is opened on; the three-phase fetch and
// compute steps run before that transaction is opened (spec §5).
func Invoke(ctx context.Context, coll relation.Collaborator, target *types.TargetTable, proc any, key types.Key) error {
	r, err := resolve(proc)
	if err != nil {
		return err
	}
	if r.triple != nil {
		return invokeThreePhase(ctx, coll, target, r.triple, key)
	}
	return invokeSinglePhase(ctx, coll, target, r.single, key)
}

func invokeSinglePhase(ctx context.Context, coll relation.Collaborator, target *types.TargetTable, proc SinglePhase, key types.Key) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrShutdownRequested, err)
	}
	tx, err := coll.BeginTx(ctx)
	if err != nil {
		return err // types.ErrNestedTransaction propagates as-is
	}

	present, err := tx.Exists(ctx, target.FullName, key)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("failed to pre-check existence: %w", err)
	}
	if present {
		_ = tx.Rollback(ctx)
		return types.ErrAlreadyPresent
	}

	guard := types.NewPopulateGuard(target)
	lower := guard.Raise()
	ins := &Inserter{tx: tx, target: target}

	makeErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("make panicked: %v\n%s", r, debug.Stack())
			}
		}()
		return proc.Make(ctx, key, ins)
	}()
	lower()

	if makeErr != nil {
		_ = tx.Rollback(ctx)
		return types.NewMakeFailure(key, makeErr)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func invokeThreePhase(ctx context.Context, coll relation.Collaborator, target *types.TargetTable, proc ThreePhase, key types.Key) error {
	// Step 1-3: fetch and compute entirely outside any transaction.
	data1, err := proc.MakeFetch(ctx, key)
	if err != nil {
		return types.NewMakeFailure(key, fmt.Errorf("fetch failed: %w", err))
	}
	fetchHash1 := hashing.DeepHash(data1)

	result, err := proc.MakeCompute(ctx, key, data1)
	if err != nil {
		return types.NewMakeFailure(key, fmt.Errorf("compute failed: %w", err))
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrShutdownRequested, err)
	}

	// Step 4-8: open the transaction only for re-fetch, verify, and insert.
	tx, err := coll.BeginTx(ctx)
	if err != nil {
		return err
	}

	present, err := tx.Exists(ctx, target.FullName, key)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("failed to pre-check existence: %w", err)
	}
	if present {
		_ = tx.Rollback(ctx)
		return types.ErrAlreadyPresent
	}

	data2, err := proc.MakeFetch(ctx, key)
	if err != nil {
		_ = tx.Rollback(ctx)
		return types.NewMakeFailure(key, fmt.Errorf("re-fetch failed: %w", err))
	}
	fetchHash2 := hashing.DeepHash(data2)

	if fetchHash1 != fetchHash2 {
		_ = tx.Rollback(ctx)
		return types.ErrReferentialIntegrityViolation
	}

	guard := types.NewPopulateGuard(target)
	lower := guard.Raise()
	ins := &Inserter{tx: tx, target: target}

	insertErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("make_insert panicked: %v\n%s", r, debug.Stack())
			}
		}()
		return proc.MakeInsert(ctx, key, result, ins)
	}()
	lower()

	if insertErr != nil {
		_ = tx.Rollback(ctx)
		return types.NewMakeFailure(key, insertErr)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
