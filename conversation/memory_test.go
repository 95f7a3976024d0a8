package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entity(entityType, key string, age time.Duration) Entity {
	return Entity{
		Type:        entityType,
		Key:         key,
		Data:        json.RawMessage(`{"source":"test"}`),
		ExtractedAt: time.Now().UTC().Add(-age),
	}
}

func TestInMemoryUpsertAndRecall(t *testing.T) {
	m := NewInMemoryEntityMemory(10)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "user-1", []Entity{
		entity("ticket", "INC-1", time.Hour),
		entity("ticket", "INC-2", time.Minute),
		entity("account", "acme", time.Second),
	}))

	tickets, err := m.Recall(ctx, "user-1", "ticket")
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, "INC-1", tickets[0].Key, "recall is oldest first")

	all, err := m.RecallAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	other, err := m.Recall(ctx, "user-2", "ticket")
	require.NoError(t, err)
	assert.Empty(t, other, "memory is per user")
}

func TestInMemoryDedupeByKey(t *testing.T) {
	m := NewInMemoryEntityMemory(10)
	ctx := context.Background()

	old := entity("ticket", "INC-1", time.Hour)
	old.Data = json.RawMessage(`{"status":"open"}`)
	require.NoError(t, m.Upsert(ctx, "user-1", []Entity{old}))

	updated := entity("ticket", "INC-1", 0)
	updated.Data = json.RawMessage(`{"status":"resolved"}`)
	require.NoError(t, m.Upsert(ctx, "user-1", []Entity{updated}))

	tickets, err := m.Recall(ctx, "user-1", "ticket")
	require.NoError(t, err)
	require.Len(t, tickets, 1, "same key overwrites")
	assert.JSONEq(t, `{"status":"resolved"}`, string(tickets[0].Data))
}

func TestInMemoryEvictsOldestPastBound(t *testing.T) {
	m := NewInMemoryEntityMemory(3)
	ctx := context.Background()

	var batch []Entity
	for i := 0; i < 5; i++ {
		batch = append(batch, entity("ticket", fmt.Sprintf("INC-%d", i), time.Duration(10-i)*time.Minute))
	}
	require.NoError(t, m.Upsert(ctx, "user-1", batch))

	tickets, err := m.Recall(ctx, "user-1", "ticket")
	require.NoError(t, err)
	require.Len(t, tickets, 3)
	assert.Equal(t, "INC-2", tickets[0].Key, "the two oldest entries were evicted")
	assert.Equal(t, "INC-4", tickets[2].Key)
}

func TestInMemorySkipsInvalidEntities(t *testing.T) {
	m := NewInMemoryEntityMemory(10)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "user-1", []Entity{
		{Type: "", Key: "x"},
		{Type: "ticket", Key: ""},
		entity("ticket", "INC-1", 0),
	}))

	all, err := m.RecallAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestInMemoryForget(t *testing.T) {
	m := NewInMemoryEntityMemory(10)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "user-1", []Entity{entity("ticket", "INC-1", 0)}))
	require.NoError(t, m.Upsert(ctx, "user-2", []Entity{entity("ticket", "INC-2", 0)}))

	require.NoError(t, m.Forget(ctx, "user-1"))

	gone, err := m.RecallAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := m.RecallAll(ctx, "user-2")
	require.NoError(t, err)
	assert.Len(t, kept, 1, "forgetting one user leaves others intact")
}
