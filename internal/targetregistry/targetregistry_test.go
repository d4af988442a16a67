package targetregistry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datajoint/populate/internal/targetregistry"
	"github.com/datajoint/populate/internal/types"
)

func TestRegisterAndLookup(t *testing.T) {
	name := "test.unique_target_for_lookup"
	target := &types.TargetTable{FullName: "x.y"}
	targetregistry.Register(name, targetregistry.Entry{Target: target, Proc: struct{}{}})

	entry, err := targetregistry.Lookup(name)
	require.NoError(t, err)
	assert.Same(t, target, entry.Target)
}

func TestLookupUnknownName(t *testing.T) {
	_, err := targetregistry.Lookup("test.does_not_exist_xyz")
	assert.Error(t, err)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	name := "test.unique_target_for_duplicate_check"
	targetregistry.Register(name, targetregistry.Entry{Target: &types.TargetTable{}, Proc: nil})

	assert.Panics(t, func() {
		targetregistry.Register(name, targetregistry.Entry{Target: &types.TargetTable{}, Proc: nil})
	})
}

func TestNamesIncludesRegistered(t *testing.T) {
	name := "test.unique_target_for_names_check"
	targetregistry.Register(name, targetregistry.Entry{Target: &types.TargetTable{}, Proc: nil})

	assert.Contains(t, targetregistry.Names(), name)
}
