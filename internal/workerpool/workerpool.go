// Package workerpool implements the Worker Pool Driver (spec §4.6):
// optional multi-worker fan-out over an ordered key stream, preserving
// the Todo Computer's ordering as a best-effort observable property
// while the Jobs Registry's uniqueness constraint remains the ultimate
// arbiter of at-most-once population.
//
// The source's process-fork model is re-expressed as goroutines each
// holding an independent connection handle (spec §9's "connection
// lifecycle across worker pool" design note, adapted to Go: no
// process boundary exists in-process, so "re-establish a connection
// per worker" becomes "hand each worker its own *sql.DB/registry
// handle rather than sharing one across goroutines").
package workerpool

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/datajoint/populate/internal/registry"
	"github.com/datajoint/populate/internal/relation"
	"github.com/datajoint/populate/internal/types"
)

// ConnFactory opens a fresh relation.Collaborator and Registry for one
// worker, mirroring the teacher's per-process connection
// re-establishment (spec §4.6, §5 "Database connections are per-worker
// and not shared").
type ConnFactory func(ctx context.Context) (relation.Collaborator, *registry.Registry, func(), error)

// Invoker runs the Make Invoker + Jobs Registry reconciliation for one
// key; it is the same per-key body the single-worker orchestrator
// loop runs, parameterized so the pool can call it with a
// worker-local collaborator/registry pair.
type Invoker func(ctx context.Context, coll relation.Collaborator, reg *registry.Registry, key types.Key) error

// Result is one key's outcome from the pool.
type Result struct {
	Key types.Key
	Err error
}

// Run dispatches keys (in order) across n workers, each with its own
// connection obtained from factory. Keys are consumed in chunks of
// size one, preserving the Todo Computer's ordering as the dispatch
// order of the shared channel; which worker actually processes a
// given key is not coordinated beyond that ordering (spec §4.6).
//
// Run returns one Result per key, in key order; a key that could not
// be dispatched because ctx was canceled gets an ErrShutdownRequested
// Result. A key is dispatched even if its reservation is later lost —
// invoker reports a lost reservation through its returned error (the
// orchestrator uses its own skip sentinel and filters it out), and Run
// records that error as the key's Err like any other (callers filtering
// failures should check Err rather than assuming every Result is an
// attempt that ran to completion).
func Run(ctx context.Context, n int, keys []types.Key, factory ConnFactory, invoker Invoker) ([]Result, error) {
	if n < 1 {
		n = 1
	}

	results := make([]Result, len(keys))
	sem := semaphore.NewWeighted(int64(n))
	g, gctx := errgroup.WithContext(ctx)

	for i, key := range keys {
		i, key := i, key
		if err := sem.Acquire(gctx, 1); err != nil {
			// Context canceled while waiting for a slot: record the
			// remaining keys as shutdown-skipped and stop dispatching.
			results[i] = Result{Key: key, Err: fmt.Errorf("%w: %v", types.ErrShutdownRequested, err)}
			continue
		}

		g.Go(func() error {
			defer sem.Release(1)

			coll, reg, closeConn, err := factory(gctx)
			if err != nil {
				results[i] = Result{Key: key, Err: fmt.Errorf("failed to establish worker connection: %w", err)}
				return nil
			}
			defer closeConn()

			err = invoker(gctx, coll, reg, key)
			results[i] = Result{Key: key, Err: err}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
