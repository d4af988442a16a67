package keysource_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datajoint/populate/internal/keysource"
	"github.com/datajoint/populate/internal/relation/memrel"
	"github.com/datajoint/populate/internal/types"
)

func TestResolveJoinsSinglePrimaryParent(t *testing.T) {
	store := memrel.New()
	store.Seed("exp.session", []types.Key{
		{"session_id": 1, "subject_id": 10},
		{"session_id": 2, "subject_id": 11},
	})
	coll := memrel.NewCollaborator(store)

	target := &types.TargetTable{
		FullName:   "analysis.score",
		PrimaryKey: types.Heading{"session_id"},
		PrimaryParents: []types.ParentRef{
			{FullName: "exp.session"},
		},
	}

	expr, err := keysource.Resolve(context.Background(), coll, target)
	require.NoError(t, err)

	rows, err := expr.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestResolveJoinsMultiplePrimaryParents(t *testing.T) {
	store := memrel.New()
	store.Seed("exp.session", []types.Key{
		{"session_id": 1, "subject_id": 10},
		{"session_id": 2, "subject_id": 11},
	})
	store.Seed("exp.subject", []types.Key{
		{"subject_id": 10, "species": "mouse"},
		{"subject_id": 11, "species": "rat"},
		{"subject_id": 12, "species": "mouse"}, // no matching session: must not appear
	})
	store.Seed("exp.equipment", []types.Key{
		{"session_id": 1, "rig": "rig-a"},
		{"session_id": 2, "rig": "rig-b"},
	})
	coll := memrel.NewCollaborator(store)

	// Three primary parents chained via successive .Join() calls, run
	// through memrel; sqlrel's SQL for the same chain is covered by
	// sqlrel_test.go's buildJoinQuery tests.
	target := &types.TargetTable{
		FullName:   "analysis.session_subject_rig",
		PrimaryKey: types.Heading{"session_id", "subject_id"},
		PrimaryParents: []types.ParentRef{
			{FullName: "exp.session"},
			{FullName: "exp.subject"},
			{FullName: "exp.equipment"},
		},
	}

	expr, err := keysource.Resolve(context.Background(), coll, target)
	require.NoError(t, err)

	heading, err := expr.Heading(context.Background())
	require.NoError(t, err)
	assert.Contains(t, heading, "session_id")
	assert.Contains(t, heading, "subject_id")
	assert.Contains(t, heading, "species")
	assert.Contains(t, heading, "rig")

	rows, err := expr.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2, "subject 12 has no matching session and must not appear; every joined parent's restriction must apply, not just the first")

	bySession := map[any]types.Key{}
	for _, row := range rows {
		bySession[row["session_id"]] = row
	}
	assert.Equal(t, "mouse", bySession[1]["species"])
	assert.Equal(t, "rig-a", bySession[1]["rig"])
	assert.Equal(t, "rat", bySession[2]["species"])
	assert.Equal(t, "rig-b", bySession[2]["rig"])
}

func TestResolveAppliesRenaming(t *testing.T) {
	store := memrel.New()
	store.Seed("exp.subject", []types.Key{{"id": 1}, {"id": 2}})
	coll := memrel.NewCollaborator(store)

	target := &types.TargetTable{
		FullName:   "analysis.subject_score",
		PrimaryKey: types.Heading{"subject_id"},
		PrimaryParents: []types.ParentRef{
			{FullName: "exp.subject", AttributeMap: map[string]string{"id": "subject_id"}},
		},
	}

	expr, err := keysource.Resolve(context.Background(), coll, target)
	require.NoError(t, err)

	heading, err := expr.Heading(context.Background())
	require.NoError(t, err)
	assert.Contains(t, heading, "subject_id")
}

func TestResolveFailsWithoutParentsOrOverride(t *testing.T) {
	store := memrel.New()
	coll := memrel.NewCollaborator(store)

	target := &types.TargetTable{FullName: "analysis.orphan", PrimaryKey: types.Heading{"id"}}

	_, err := keysource.Resolve(context.Background(), coll, target)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestResolveOverrideMissingPrimaryKeyAttribute(t *testing.T) {
	store := memrel.New()
	store.Seed("exp.session", []types.Key{{"session_id": 1}})
	coll := memrel.NewCollaborator(store)

	override, err := coll.Table(context.Background(), "exp.session")
	require.NoError(t, err)

	target := &types.TargetTable{
		FullName:          "analysis.score",
		PrimaryKey:        types.Heading{"session_id", "repeat_id"},
		KeySourceOverride: override,
	}

	_, err = keysource.Resolve(context.Background(), coll, target)
	assert.ErrorIs(t, err, types.ErrSchema)
}
