package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datajoint/populate/internal/hashing"
	"github.com/datajoint/populate/internal/registry"
	"github.com/datajoint/populate/internal/types"
)

func testIdentity() registry.Identity {
	return registry.Identity{User: "alice", Host: "build01", PID: 4242}
}

func TestReserveSucceedsOnce(t *testing.T) {
	db := newFakeDB()
	reg := registry.New(db, testIdentity())
	heading := types.Heading{"session_id"}
	key := types.Key{"session_id": 1}

	ok, err := reg.Reserve(context.Background(), "analysis.score", heading, key)
	require.NoError(t, err)
	assert.True(t, ok)

	hash, err := hashing.KeyHash(heading, key)
	require.NoError(t, err)
	status, exists := db.statusOf("analysis.score", hash)
	require.True(t, exists)
	assert.Equal(t, "reserved", status)
}

func TestReserveSecondCallerLosesRace(t *testing.T) {
	db := newFakeDB()
	reg := registry.New(db, testIdentity())
	heading := types.Heading{"session_id"}
	key := types.Key{"session_id": 1}

	ok1, err := reg.Reserve(context.Background(), "analysis.score", heading, key)
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := reg.Reserve(context.Background(), "analysis.score", heading, key)
	require.NoError(t, err)
	assert.False(t, ok2, "a second reservation for the same key must lose, not error")
}

func TestCompleteIsIdempotent(t *testing.T) {
	db := newFakeDB()
	reg := registry.New(db, testIdentity())
	heading := types.Heading{"session_id"}
	key := types.Key{"session_id": 1}

	_, err := reg.Reserve(context.Background(), "analysis.score", heading, key)
	require.NoError(t, err)

	require.NoError(t, reg.Complete(context.Background(), "analysis.score", heading, key))
	require.NoError(t, reg.Complete(context.Background(), "analysis.score", heading, key))

	hash, err := hashing.KeyHash(heading, key)
	require.NoError(t, err)
	_, exists := db.statusOf("analysis.score", hash)
	assert.False(t, exists)
}

func TestErrorOutUpsertsOverExistingReservation(t *testing.T) {
	db := newFakeDB()
	reg := registry.New(db, testIdentity())
	heading := types.Heading{"session_id"}
	key := types.Key{"session_id": 1}

	_, err := reg.Reserve(context.Background(), "analysis.score", heading, key)
	require.NoError(t, err)

	require.NoError(t, reg.ErrorOut(context.Background(), "analysis.score", heading, key, "boom", []byte("stack")))

	hash, err := hashing.KeyHash(heading, key)
	require.NoError(t, err)
	status, exists := db.statusOf("analysis.score", hash)
	require.True(t, exists)
	assert.Equal(t, "error", status)
}

func TestIgnoreRejectsDuplicate(t *testing.T) {
	db := newFakeDB()
	reg := registry.New(db, testIdentity())
	heading := types.Heading{"session_id"}
	key := types.Key{"session_id": 1}

	ok1, err := reg.Ignore(context.Background(), "analysis.score", heading, key)
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := reg.Ignore(context.Background(), "analysis.score", heading, key)
	require.NoError(t, err)
	assert.False(t, ok2)
}
