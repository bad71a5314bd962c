// Package journaltest provides conformance tests for journal.Store implementations.
package journaltest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokencollector/collector-backend/internal/journal"
)

// StoreFactory creates a Store for one subtest.
type StoreFactory func(t *testing.T) journal.Store

func RunConformanceTests(t *testing.T, factory StoreFactory) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, factory(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, factory(t)) })
	t.Run("AppendBurn", func(t *testing.T) { testAppendBurn(t, factory(t)) })
	t.Run("UpdateState", func(t *testing.T) { testUpdateState(t, factory(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, factory(t)) })
	t.Run("ListNewestFirst", func(t *testing.T) { testList(t, factory(t)) })
}

func newRecord() journal.Record {
	return journal.Record{
		ID:                 uuid.NewString(),
		SourceChainIDs:     []uint64{1, 137},
		Amounts:            []string{"100", "2.5"},
		DestinationChainID: 8453,
		DestinationAddress: "0x000000000000000000000000000000000000aBc1",
		State:              "idle",
	}
}

func testCreateGet(t *testing.T, s journal.Store) {
	ctx := context.Background()
	rec := newRecord()
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.SourceChainIDs, got.SourceChainIDs)
	assert.Equal(t, rec.Amounts, got.Amounts)
	assert.Equal(t, rec.DestinationChainID, got.DestinationChainID)
	assert.Equal(t, rec.DestinationAddress, got.DestinationAddress)
	assert.Equal(t, "idle", got.State)
	assert.Empty(t, got.Burns)
	assert.False(t, got.CreatedAt.IsZero())
}

func testCreateDuplicate(t *testing.T, s journal.Store) {
	ctx := context.Background()
	rec := newRecord()
	require.NoError(t, s.Create(ctx, rec))
	assert.ErrorIs(t, s.Create(ctx, rec), journal.ErrExists)
}

func testAppendBurn(t *testing.T, s journal.Store) {
	ctx := context.Background()
	rec := newRecord()
	require.NoError(t, s.Create(ctx, rec))

	burn := journal.Burn{SourceChainID: 1, Amount: "100000000", TransactionHash: "0xaaa"}
	require.NoError(t, s.AppendBurn(ctx, rec.ID, burn))
	assert.ErrorIs(t, s.AppendBurn(ctx, rec.ID, burn), journal.ErrDuplicateBurn)
	require.NoError(t, s.AppendBurn(ctx, rec.ID, journal.Burn{SourceChainID: 137, Amount: "2500000", TransactionHash: "0xbbb"}))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, got.Burns, 2)

	b, ok := got.BurnFor(1)
	require.True(t, ok)
	assert.Equal(t, "0xaaa", b.TransactionHash)
	assert.Equal(t, "100000000", b.Amount)
	assert.False(t, b.CreatedAt.IsZero())

	_, ok = got.BurnFor(10)
	assert.False(t, ok)
}

func testUpdateState(t *testing.T, s journal.Store) {
	ctx := context.Background()
	rec := newRecord()
	require.NoError(t, s.Create(ctx, rec))

	require.NoError(t, s.UpdateState(ctx, rec.ID, journal.StateUpdate{State: "error", Error: "boom"}))
	require.NoError(t, s.UpdateState(ctx, rec.ID, journal.StateUpdate{State: "completed", MintTxHash: "0xmint"}))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.State)
	assert.Equal(t, "boom", got.Error, "empty update fields keep previous values")
	assert.Equal(t, "0xmint", got.MintTxHash)
}

func testNotFound(t *testing.T, s journal.Store) {
	ctx := context.Background()
	missing := uuid.NewString()

	_, err := s.Get(ctx, missing)
	assert.ErrorIs(t, err, journal.ErrNotFound)
	assert.ErrorIs(t, s.AppendBurn(ctx, missing, journal.Burn{SourceChainID: 1}), journal.ErrNotFound)
	assert.ErrorIs(t, s.UpdateState(ctx, missing, journal.StateUpdate{State: "error"}), journal.ErrNotFound)
}

func testList(t *testing.T, s journal.Store) {
	ctx := context.Background()
	first, second := newRecord(), newRecord()
	require.NoError(t, s.Create(ctx, first))
	require.NoError(t, s.Create(ctx, second))

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(all), 2)

	pos := map[string]int{}
	for i, r := range all {
		pos[r.ID] = i
	}
	assert.Less(t, pos[second.ID], pos[first.ID])

	one, err := s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}
