package makeinvoke_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datajoint/populate/internal/makeinvoke"
	"github.com/datajoint/populate/internal/relation/memrel"
	"github.com/datajoint/populate/internal/types"
)

func newTarget() *types.TargetTable {
	return &types.TargetTable{
		FullName:   "analysis.score",
		PrimaryKey: types.Heading{"session_id"},
	}
}

type singlePhaseProc struct {
	insertErr error
	inserted  []types.Key
}

func (p *singlePhaseProc) Make(_ context.Context, key types.Key, ins *makeinvoke.Inserter) error {
	if p.insertErr != nil {
		return p.insertErr
	}
	row := key.Clone()
	row["value"] = 42
	if err := ins.Insert(context.Background(), []types.Key{row}); err != nil {
		return err
	}
	p.inserted = append(p.inserted, row)
	return nil
}

func TestInvokeSinglePhaseCommitsOnSuccess(t *testing.T) {
	store := memrel.New()
	target := newTarget()
	store.Guard(target.FullName, types.NewPopulateGuard(target))
	coll := memrel.NewCollaborator(store)

	proc := &singlePhaseProc{}
	err := makeinvoke.Invoke(context.Background(), coll, target, proc, types.Key{"session_id": 1})
	require.NoError(t, err)
	assert.Len(t, store.Rows(target.FullName), 1)
}

func TestInvokeSinglePhaseRollsBackOnMakeError(t *testing.T) {
	store := memrel.New()
	target := newTarget()
	store.Guard(target.FullName, types.NewPopulateGuard(target))
	coll := memrel.NewCollaborator(store)

	proc := &singlePhaseProc{insertErr: errors.New("boom")}
	err := makeinvoke.Invoke(context.Background(), coll, target, proc, types.Key{"session_id": 1})

	var mf *types.MakeFailure
	require.ErrorAs(t, err, &mf)
	assert.Empty(t, store.Rows(target.FullName))
}

func TestInvokeSinglePhaseAlreadyPresent(t *testing.T) {
	store := memrel.New()
	target := newTarget()
	store.Seed(target.FullName, []types.Key{{"session_id": 1}})
	coll := memrel.NewCollaborator(store)

	proc := &singlePhaseProc{}
	err := makeinvoke.Invoke(context.Background(), coll, target, proc, types.Key{"session_id": 1})
	assert.ErrorIs(t, err, types.ErrAlreadyPresent)
}

func TestInsertRejectedOutsideMake(t *testing.T) {
	store := memrel.New()
	target := newTarget()
	store.Guard(target.FullName, types.NewPopulateGuard(target))
	coll := memrel.NewCollaborator(store)

	err := coll.Insert(context.Background(), target.FullName, []types.Key{{"session_id": 1}})
	assert.ErrorIs(t, err, types.ErrDirectInsert)
}

type threePhaseProc struct {
	fetchCalls int
	data       any
}

func (p *threePhaseProc) MakeFetch(_ context.Context, _ types.Key) (any, error) {
	p.fetchCalls++
	return p.data, nil
}

func (p *threePhaseProc) MakeCompute(_ context.Context, _ types.Key, data any) (any, error) {
	return data, nil
}

func (p *threePhaseProc) MakeInsert(ctx context.Context, key types.Key, result any, ins *makeinvoke.Inserter) error {
	row := key.Clone()
	row["value"] = result
	return ins.Insert(ctx, []types.Key{row})
}

func TestInvokeThreePhaseFetchesTwice(t *testing.T) {
	store := memrel.New()
	target := newTarget()
	store.Guard(target.FullName, types.NewPopulateGuard(target))
	coll := memrel.NewCollaborator(store)

	proc := &threePhaseProc{data: 7}
	err := makeinvoke.Invoke(context.Background(), coll, target, proc, types.Key{"session_id": 1})
	require.NoError(t, err)
	assert.Equal(t, 2, proc.fetchCalls, "three-phase protocol re-fetches inside the transaction to detect drift")
}

type driftingFetchProc struct {
	calls int
}

func (p *driftingFetchProc) MakeFetch(_ context.Context, _ types.Key) (any, error) {
	p.calls++
	return p.calls, nil // value changes between the two fetches
}

func (p *driftingFetchProc) MakeCompute(_ context.Context, _ types.Key, data any) (any, error) {
	return data, nil
}

func (p *driftingFetchProc) MakeInsert(ctx context.Context, key types.Key, result any, ins *makeinvoke.Inserter) error {
	return ins.Insert(ctx, []types.Key{key.Clone()})
}

func TestInvokeThreePhaseDetectsReferentialDrift(t *testing.T) {
	store := memrel.New()
	target := newTarget()
	store.Guard(target.FullName, types.NewPopulateGuard(target))
	coll := memrel.NewCollaborator(store)

	err := makeinvoke.Invoke(context.Background(), coll, target, &driftingFetchProc{}, types.Key{"session_id": 1})
	assert.ErrorIs(t, err, types.ErrReferentialIntegrityViolation)
	assert.Empty(t, store.Rows(target.FullName))
}

func TestInvokeRejectsShutdownContext(t *testing.T) {
	store := memrel.New()
	target := newTarget()
	coll := memrel.NewCollaborator(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := makeinvoke.Invoke(ctx, coll, target, &singlePhaseProc{}, types.Key{"session_id": 1})
	assert.ErrorIs(t, err, types.ErrShutdownRequested)
}

type legacyProc struct{ called bool }

func (p *legacyProc) MakeTuples(_ context.Context, key types.Key, ins *makeinvoke.Inserter) error {
	p.called = true
	return ins.Insert(context.Background(), []types.Key{key.Clone()})
}

func TestInvokeFallsBackToLegacyMaker(t *testing.T) {
	store := memrel.New()
	target := newTarget()
	store.Guard(target.FullName, types.NewPopulateGuard(target))
	coll := memrel.NewCollaborator(store)

	proc := &legacyProc{}
	err := makeinvoke.Invoke(context.Background(), coll, target, proc, types.Key{"session_id": 1})
	require.NoError(t, err)
	assert.True(t, proc.called)
}
