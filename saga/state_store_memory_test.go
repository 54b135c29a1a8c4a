package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryStateStore_CreateDuplicate 测试关联 ID 冲突
func TestMemoryStateStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()

	require.NoError(t, store.Create(ctx, NewState("id-1", "order.place", "order-1", nil)))
	err := store.Create(ctx, NewState("id-2", "order.place", "order-1", nil))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

// TestMemoryStateStore_LoadIsolation 测试读取返回克隆
func TestMemoryStateStore_LoadIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	require.NoError(t, store.Create(ctx, NewState("id-1", "order.place", "order-1", nil)))

	loaded, err := store.Load(ctx, "order-1")
	require.NoError(t, err)
	loaded.MarkStepCompleted("reserve-inventory")

	again, err := store.Load(ctx, "order-1")
	require.NoError(t, err)
	assert.Empty(t, again.CompletedSteps)

	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestMemoryStateStore_UpdateVersionConflict 测试乐观版本冲突
func TestMemoryStateStore_UpdateVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()
	require.NoError(t, store.Create(ctx, NewState("id-1", "order.place", "order-1", nil)))

	a, err := store.Load(ctx, "order-1")
	require.NoError(t, err)
	b, err := store.Load(ctx, "order-1")
	require.NoError(t, err)

	a.SetStatus(StatusInProgress)
	require.NoError(t, store.Update(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	// 基于过期版本的更新被拒绝
	b.SetStatus(StatusFailed)
	assert.ErrorIs(t, store.Update(ctx, b), ErrVersionConflict)

	loaded, err := store.Load(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, loaded.Status)

	assert.ErrorIs(t, store.Update(ctx, NewState("id-x", "order.place", "missing", nil)), ErrNotFound)
}

// TestMemoryStateStore_FindByStatus 测试按状态查询
func TestMemoryStateStore_FindByStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()

	inProgress := NewState("id-1", "order.place", "order-1", nil)
	inProgress.SetStatus(StatusInProgress)
	require.NoError(t, store.Create(ctx, inProgress))
	require.NoError(t, store.Create(ctx, NewState("id-2", "order.place", "order-2", nil)))

	states, err := store.FindByStatus(ctx, StatusInProgress, 10)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "order-1", states[0].CorrelationID)
}

// TestMemoryStateStore_FindStuck 测试停滞扫描
func TestMemoryStateStore_FindStuck(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()

	stale := NewState("id-1", "order.place", "order-1", nil)
	stale.SetStatus(StatusInProgress)
	stale.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, stale))

	fresh := NewState("id-2", "order.place", "order-2", nil)
	fresh.SetStatus(StatusInProgress)
	require.NoError(t, store.Create(ctx, fresh))

	done := NewState("id-3", "order.place", "order-3", nil)
	done.SetStatus(StatusCompleted)
	done.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, done))

	statuses := []Status{StatusNotStarted, StatusInProgress, StatusCompensating}
	states, err := store.FindStuck(ctx, statuses, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "order-1", states[0].CorrelationID)
}

// TestMemoryStateStore_DeleteTerminal 测试终态压缩
func TestMemoryStateStore_DeleteTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStateStore()

	old := NewState("id-1", "order.place", "order-1", nil)
	old.SetStatus(StatusCompleted)
	old.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, old))

	active := NewState("id-2", "order.place", "order-2", nil)
	active.SetStatus(StatusInProgress)
	active.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, active))

	deleted, err := store.DeleteTerminal(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.Load(ctx, "order-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Load(ctx, "order-2")
	assert.NoError(t, err)
}
