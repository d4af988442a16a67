// Package populate implements the Populate Orchestrator (spec §4.5):
// the top-level populate loop driving the Key-Source Resolver, Todo
// Computer, Jobs Registry, and Make Invoker per key, enforcing
// max_calls, handling cancellation, and aggregating results.
package populate

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/datajoint/populate/internal/makeinvoke"
	"github.com/datajoint/populate/internal/registry"
	"github.com/datajoint/populate/internal/relation"
	"github.com/datajoint/populate/internal/todo"
	"github.com/datajoint/populate/internal/types"
	"github.com/datajoint/populate/internal/workerpool"
)

// Order re-exports todo.Order so callers of this package need not
// import internal/todo directly.
type Order = todo.Order

const (
	OrderOriginal = todo.OrderOriginal
	OrderReverse  = todo.OrderReverse
	OrderRandom   = todo.OrderRandom
)

// Options are the parameters enumerated in spec §4.5.
type Options struct {
	Restrictions        []any
	Keys                []types.Key // explicit key list; bypasses the Todo Computer when non-nil
	SuppressErrors      bool
	ReturnExceptionObjs bool
	ReserveJobs         bool
	Order               Order
	Limit               int
	MaxCalls            int // 0 means unlimited
	Processes           int // 1 = in-process, no fan-out

	// ConnFactory is required when Processes > 1: it opens a
	// worker-local collaborator/registry pair, per spec §4.6's
	// per-worker connection re-establishment.
	ConnFactory workerpool.ConnFactory
}

// ErrorEntry is one (key, error) pair in a Summary's error list.
type ErrorEntry struct {
	Key types.Key
	Err error
}

// Summary is the result of a populate invocation (spec §4.5 step 5).
type Summary struct {
	SuccessCount int
	ErrorList    []ErrorEntry
}

// inFlight tracks targets currently being populated in this process,
// enforcing the re-entrance ban in spec §4.5's preconditions.
var inFlight = map[string]bool{}

// Populate runs the top-level populate loop for target (spec §4.5).
// ctx carries cancellation: the caller is expected to derive ctx from
// signal.NotifyContext(ctx, syscall.SIGTERM) so that SIGTERM is
// observed as ctx.Done() at the suspension points named in spec §5,
// per the Design Notes substitution in spec §9 (cancellation token
// rather than an asynchronous exception).
func Populate(ctx context.Context, coll relation.Collaborator, reg *registry.Registry, target *types.TargetTable, proc any, opts Options) (Summary, error) {
	if inFlight[target.FullName] {
		return Summary{}, fmt.Errorf("%w: target %s is already being populated in this process", types.ErrConfiguration, target.FullName)
	}
	inFlight[target.FullName] = true
	defer delete(inFlight, target.FullName)

	keys, err := resolveKeys(ctx, coll, reg, target, opts)
	if err != nil {
		return Summary{}, err
	}

	if opts.Processes > 1 {
		return populateParallel(ctx, target, proc, keys, opts)
	}

	summary := Summary{}
	calls := 0

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return finishOnShutdown(ctx, coll, reg, target, key, summary)
		}

		if opts.MaxCalls > 0 && calls >= opts.MaxCalls {
			break
		}

		skipped, outcome := attempt(ctx, coll, reg, target, proc, key, opts)
		if skipped {
			continue
		}
		calls++
		summary = applyOutcome(summary, key, outcome, opts)
		if outcome != nil && !errors.Is(outcome, types.ErrAlreadyPresent) && !opts.SuppressErrors {
			return summary, outcome
		}
		if errors.Is(outcome, types.ErrShutdownRequested) {
			return summary, outcome
		}
	}

	return summary, nil
}

// attempt runs the reserve + invoke + registry-reconcile sequence for
// one key, shared by the sequential loop and the worker pool's
// per-key invoker. skipped reports a lost reservation (spec §4.5 step
// 3b), which counts neither as a success nor a failure.
func attempt(ctx context.Context, coll relation.Collaborator, reg *registry.Registry, target *types.TargetTable, proc any, key types.Key, opts Options) (skipped bool, outcome error) {
	if opts.ReserveJobs {
		ok, err := reg.Reserve(ctx, target.FullName, target.PrimaryKey, key)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil // reservation lost: another worker owns or previously recorded this key
		}
	}
	return false, invokeOne(ctx, coll, reg, target, proc, key, opts)
}

// populateParallel fans out the already-computed key list across
// opts.Processes workers via internal/workerpool, per spec §4.6.
func populateParallel(ctx context.Context, target *types.TargetTable, proc any, keys []types.Key, opts Options) (Summary, error) {
	if opts.ConnFactory == nil {
		return Summary{}, fmt.Errorf("%w: Processes > 1 requires a ConnFactory", types.ErrConfiguration)
	}
	if opts.MaxCalls > 0 && len(keys) > opts.MaxCalls {
		// Dispatch is capped up front; the pool does not coordinate a
		// running call count the way the single-worker loop does, so
		// max_calls here bounds how many keys are ever dispatched.
		keys = keys[:opts.MaxCalls]
	}

	invoker := func(ctx context.Context, coll relation.Collaborator, reg *registry.Registry, key types.Key) error {
		skipped, outcome := attempt(ctx, coll, reg, target, proc, key, opts)
		if skipped {
			return errSkipped
		}
		return outcome
	}

	results, err := workerpool.Run(ctx, opts.Processes, keys, opts.ConnFactory, invoker)

	summary := Summary{}
	for _, r := range results {
		if errors.Is(r.Err, errSkipped) {
			continue
		}
		summary = applyOutcome(summary, r.Key, r.Err, opts)
	}
	if err != nil {
		return summary, err
	}
	if !opts.SuppressErrors {
		for _, entry := range summary.ErrorList {
			if !errors.Is(entry.Err, types.ErrAlreadyPresent) {
				return summary, entry.Err
			}
		}
	}
	return summary, nil
}

var errSkipped = errors.New("reservation lost")

func resolveKeys(ctx context.Context, coll relation.Collaborator, reg *registry.Registry, target *types.TargetTable, opts Options) ([]types.Key, error) {
	if opts.Keys != nil {
		return opts.Keys, nil
	}
	var r *registry.Registry
	if opts.ReserveJobs {
		r = reg
	}
	return todo.Compute(ctx, coll, r, target, todo.Options{
		Restrictions: opts.Restrictions,
		Order:        opts.Order,
		Limit:        opts.Limit,
		ReserveJobs:  opts.ReserveJobs,
	})
}

// invokeOne runs the Make Invoker for one key and reconciles the
// outcome with the Jobs Registry, per spec §4.4 and §4.5 step 3d.
func invokeOne(ctx context.Context, coll relation.Collaborator, reg *registry.Registry, target *types.TargetTable, proc any, key types.Key, opts Options) error {
	err := makeinvoke.Invoke(ctx, coll, target, proc, key)

	if err == nil {
		if opts.ReserveJobs {
			if cErr := reg.Complete(ctx, target.FullName, target.PrimaryKey, key); cErr != nil {
				fmt.Fprintf(os.Stderr, "populate: warning: failed to clear job record for %v: %v\n", key, cErr)
			}
		}
		return nil
	}

	if errors.Is(err, types.ErrAlreadyPresent) {
		if opts.ReserveJobs {
			if cErr := reg.Complete(ctx, target.FullName, target.PrimaryKey, key); cErr != nil {
				fmt.Fprintf(os.Stderr, "populate: warning: failed to clear job record for %v: %v\n", key, cErr)
			}
		}
		return err
	}

	if opts.ReserveJobs {
		message, stack := errorDetail(err)
		if rErr := reg.ErrorOut(ctx, target.FullName, target.PrimaryKey, key, message, stack); rErr != nil {
			fmt.Fprintf(os.Stderr, "populate: warning: failed to record error for %v: %v\n", key, rErr)
		}
	}
	return err
}

func errorDetail(err error) (string, []byte) {
	var mf *types.MakeFailure
	if errors.As(err, &mf) {
		return mf.Error(), []byte(mf.Error())
	}
	return err.Error(), []byte(err.Error())
}

func applyOutcome(summary Summary, key types.Key, err error, opts Options) Summary {
	switch {
	case err == nil:
		summary.SuccessCount++
	case errors.Is(err, types.ErrAlreadyPresent):
		// no-op per spec §4.5 step 3d
	default:
		summary = recordFailure(summary, key, err, opts)
	}
	return summary
}

func recordFailure(summary Summary, key types.Key, err error, opts Options) Summary {
	if opts.ReturnExceptionObjs {
		summary.ErrorList = append(summary.ErrorList, ErrorEntry{Key: key, Err: err})
	} else {
		summary.ErrorList = append(summary.ErrorList, ErrorEntry{Key: key, Err: errors.New(err.Error())})
	}
	return summary
}

// finishOnShutdown records an error entry for the in-flight key (if
// any) citing termination and returns ErrShutdownRequested, which
// always propagates regardless of SuppressErrors (spec §5, §7).
func finishOnShutdown(ctx context.Context, coll relation.Collaborator, reg *registry.Registry, target *types.TargetTable, key types.Key, summary Summary) (Summary, error) {
	shutdownErr := fmt.Errorf("%w: %v", types.ErrShutdownRequested, ctx.Err())
	if reg != nil {
		if rErr := reg.ErrorOut(context.Background(), target.FullName, target.PrimaryKey, key,
			shutdownErr.Error(), []byte(shutdownErr.Error())); rErr != nil {
			fmt.Fprintf(os.Stderr, "populate: warning: failed to record shutdown error for %v: %v\n", key, rErr)
		}
	}
	summary.ErrorList = append(summary.ErrorList, ErrorEntry{Key: key, Err: shutdownErr})
	return summary, shutdownErr
}
