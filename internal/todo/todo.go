// Package todo implements the Todo Computer (spec §4.2): turning a
// key source, restrictions, ordering, and limits into the finite
// ordered sequence of keys eligible for population.
package todo

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/datajoint/populate/internal/keysource"
	"github.com/datajoint/populate/internal/registry"
	"github.com/datajoint/populate/internal/relation"
	"github.com/datajoint/populate/internal/types"
)

// Order is the client-side ordering policy for a todo set.
type Order string

const (
	OrderOriginal Order = "original"
	OrderReverse  Order = "reverse"
	OrderRandom   Order = "random"
)

// Options configures Compute. Limit truncates the fetched list (step 4,
// before ordering and the reserve-based filter); it is not pushed to
// the server, so the full todo set is fetched first. ReserveJobs
// governs step 6. This
// mirrors the ordering spec §4.2 names explicitly, including the
// documented surprise that Limit precedes the reserve filter while the
// Orchestrator's max_calls (applied later, per spec §4.5) does not.
type Options struct {
	Restrictions []any
	Order        Order
	Limit        int // 0 means unlimited
	ReserveJobs  bool
	Rand         *rand.Rand // nil uses a package-level default
}

// Compute materializes the todo set for target, per spec §4.2 steps
// 1-6.
func Compute(ctx context.Context, coll relation.Collaborator, reg *registry.Registry, target *types.TargetTable, opts Options) ([]types.Key, error) {
	source, err := keysource.Resolve(ctx, coll, target)
	if err != nil {
		return nil, err
	}

	restricted := source.Restrict(opts.Restrictions...)
	projected := restricted.Project(target.PrimaryKey, nil)

	targetExpr, err := coll.Table(ctx, target.FullName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target table %s: %w", target.FullName, err)
	}
	targetKeysOnly := targetExpr.Project(target.PrimaryKey, nil)

	remaining := projected.Subtract(targetKeysOnly)

	keys, err := remaining.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch todo set: %w", err)
	}

	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	keys = applyOrder(keys, opts.Order, opts.Rand)

	if opts.ReserveJobs && reg != nil {
		keys, err = filterReserved(ctx, reg, target, keys)
		if err != nil {
			return nil, err
		}
	}

	return keys, nil
}

func applyOrder(keys []types.Key, order Order, r *rand.Rand) []types.Key {
	switch order {
	case OrderReverse:
		out := make([]types.Key, len(keys))
		for i, k := range keys {
			out[len(keys)-1-i] = k
		}
		return out
	case OrderRandom:
		out := make([]types.Key, len(keys))
		copy(out, keys)
		if r == nil {
			r = rand.New(rand.NewSource(rand.Int63())) //nolint:gosec // shuffling order, not security-sensitive
		}
		r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	default: // OrderOriginal and unset
		return keys
	}
}

// filterReserved removes any key whose hash already has a record in
// the jobs registry for target, under any status (spec §4.2 step 6).
func filterReserved(ctx context.Context, reg *registry.Registry, target *types.TargetTable, keys []types.Key) ([]types.Key, error) {
	out := make([]types.Key, 0, len(keys))
	for _, k := range keys {
		has, err := reg.HasRecord(ctx, target.FullName, target.PrimaryKey, k)
		if err != nil {
			return nil, err
		}
		if !has {
			out = append(out, k)
		}
	}
	return out, nil
}
