package saga

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"sagaflow/storage/database"
)

func openSQLStateStore(t *testing.T) *SQLStateStore {
	t.Helper()
	dsn := fmt.Sprintf("file:saga_%s?mode=memory&cache=shared", t.Name())
	db, err := database.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLStateStore(db)
	require.NoError(t, store.EnsureTable(context.Background()))
	return store
}

// TestSQLStateStore_CreateAndLoad 测试创建与加载
func TestSQLStateStore_CreateAndLoad(t *testing.T) {
	ctx := context.Background()
	store := openSQLStateStore(t)

	state := NewState("id-1", "order.place", "order-1", []byte(`{"amount":10}`))
	state.MarkStepCompleted("reserve-inventory")
	state.SetStatus(StatusInProgress)
	require.NoError(t, store.Create(ctx, state))

	loaded, err := store.Load(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "id-1", loaded.ID)
	assert.Equal(t, "order.place", loaded.Name)
	assert.Equal(t, StatusInProgress, loaded.Status)
	assert.Equal(t, 1, loaded.CurrentStep)
	assert.Equal(t, []string{"reserve-inventory"}, loaded.CompletedSteps)
	assert.Empty(t, loaded.CompensatedSteps)
	assert.Equal(t, `{"amount":10}`, string(loaded.StateData))
	assert.Equal(t, int64(1), loaded.Version)
}

// TestSQLStateStore_CreateDuplicate 测试关联 ID 冲突
func TestSQLStateStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	store := openSQLStateStore(t)

	require.NoError(t, store.Create(ctx, NewState("id-1", "order.place", "order-1", nil)))
	err := store.Create(ctx, NewState("id-2", "order.place", "order-1", nil))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

// TestSQLStateStore_LoadMissing 测试加载不存在的实例
func TestSQLStateStore_LoadMissing(t *testing.T) {
	store := openSQLStateStore(t)
	_, err := store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestSQLStateStore_Update 测试乐观更新
func TestSQLStateStore_Update(t *testing.T) {
	ctx := context.Background()
	store := openSQLStateStore(t)
	require.NoError(t, store.Create(ctx, NewState("id-1", "order.place", "order-1", nil)))

	state, err := store.Load(ctx, "order-1")
	require.NoError(t, err)
	state.SetStatus(StatusInProgress)
	state.MarkStepCompleted("reserve-inventory")
	state.StateData = []byte(`{"transaction_id":"tx-1"}`)
	require.NoError(t, store.Update(ctx, state))
	assert.Equal(t, int64(2), state.Version)

	loaded, err := store.Load(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, loaded.Status)
	assert.Equal(t, []string{"reserve-inventory"}, loaded.CompletedSteps)
	assert.Equal(t, `{"transaction_id":"tx-1"}`, string(loaded.StateData))
	assert.Equal(t, int64(2), loaded.Version)
}

// TestSQLStateStore_UpdateVersionConflict 测试版本冲突与不存在的区分
func TestSQLStateStore_UpdateVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := openSQLStateStore(t)
	require.NoError(t, store.Create(ctx, NewState("id-1", "order.place", "order-1", nil)))

	a, err := store.Load(ctx, "order-1")
	require.NoError(t, err)
	b, err := store.Load(ctx, "order-1")
	require.NoError(t, err)

	a.SetStatus(StatusInProgress)
	require.NoError(t, store.Update(ctx, a))

	b.SetStatus(StatusFailed)
	assert.ErrorIs(t, store.Update(ctx, b), ErrVersionConflict)

	assert.ErrorIs(t, store.Update(ctx, NewState("id-x", "order.place", "missing", nil)), ErrNotFound)
}

// TestSQLStateStore_FindByStatus 测试按状态查询
func TestSQLStateStore_FindByStatus(t *testing.T) {
	ctx := context.Background()
	store := openSQLStateStore(t)

	inProgress := NewState("id-1", "order.place", "order-1", nil)
	inProgress.SetStatus(StatusInProgress)
	require.NoError(t, store.Create(ctx, inProgress))
	require.NoError(t, store.Create(ctx, NewState("id-2", "order.place", "order-2", nil)))

	states, err := store.FindByStatus(ctx, StatusInProgress, 10)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "order-1", states[0].CorrelationID)
}

// TestSQLStateStore_FindStuck 测试停滞扫描只返回过期的非终态实例
func TestSQLStateStore_FindStuck(t *testing.T) {
	ctx := context.Background()
	store := openSQLStateStore(t)

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

	states, err = store.FindStuck(ctx, nil, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, states)
}

// TestSQLStateStore_DeleteTerminal 测试终态压缩
func TestSQLStateStore_DeleteTerminal(t *testing.T) {
	ctx := context.Background()
	store := openSQLStateStore(t)

	old := NewState("id-1", "order.place", "order-1", nil)
	old.SetStatus(StatusCompensated)
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

// TestSQLStateStore_Delete 测试删除
func TestSQLStateStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := openSQLStateStore(t)
	require.NoError(t, store.Create(ctx, NewState("id-1", "order.place", "order-1", nil)))

	require.NoError(t, store.Delete(ctx, "order-1"))
	_, err := store.Load(ctx, "order-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
