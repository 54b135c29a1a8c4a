package inbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/eventing"
	"sagaflow/eventing/dlq"
	"sagaflow/messaging"
	"sagaflow/storage/database"
)

func openTestDLQ(t *testing.T, db database.IDatabase) *dlq.SQLStore {
	t.Helper()
	store := dlq.NewSQLStore(db, "filter-test")
	require.NoError(t, store.EnsureTable(context.Background()))
	return store
}

func testEnvelope(eventID string) eventing.Envelope {
	return eventing.NewEnvelopeWithID(eventID, "inventory.reserve", "order-1", "order-1", []byte(`{"sku":"A"}`))
}

// fakeDelivery 记录确认状态的投递替身
type fakeDelivery struct {
	rec   messaging.Record
	acked bool
	naked bool
}

func (d *fakeDelivery) Record() messaging.Record { return d.rec }
func (d *fakeDelivery) Topic() string            { return "inventory" }
func (d *fakeDelivery) Partition() int           { return 0 }
func (d *fakeDelivery) Ack() error               { d.acked = true; return nil }
func (d *fakeDelivery) Nak() error               { d.naked = true; return nil }

// TestFilter_AcceptProcessesOnce 测试处理与去重
func TestFilter_AcceptProcessesOnce(t *testing.T) {
	ctx := context.Background()
	db, store := openTestStore(t)

	calls := 0
	filter := NewFilter(db, store, openTestDLQ(t, db), Config{}, func(ctx context.Context, tx database.ITransaction, env eventing.Envelope) error {
		calls++
		return nil
	})

	env := testEnvelope("evt-1")
	require.NoError(t, filter.Accept(ctx, env))
	assert.Equal(t, 1, calls)

	// 重复投递：处理器不再被调用
	require.NoError(t, filter.Accept(ctx, env))
	assert.Equal(t, 1, calls)

	entries, err := store.FindUnprocessed(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestFilter_HandlerTxAtomicity 测试处理器事务与标记原子提交
func TestFilter_HandlerTxAtomicity(t *testing.T) {
	ctx := context.Background()
	db, store := openTestStore(t)
	_, err := db.Exec(ctx, `CREATE TABLE reservations (order_id TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	boom := errors.New("domain write failed")
	failing := true
	filter := NewFilter(db, store, openTestDLQ(t, db), Config{}, func(ctx context.Context, tx database.ITransaction, env eventing.Envelope) error {
		if _, err := tx.Exec(ctx, `INSERT INTO reservations (order_id) VALUES (?)`, env.CorrelationID); err != nil {
			return err
		}
		if failing {
			return boom
		}
		return nil
	})

	env := testEnvelope("evt-1")
	require.Error(t, filter.Accept(ctx, env))

	// 失败回滚：领域写入不可见，条目未处理且计数 +1
	var count int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM reservations`).Scan(&count))
	assert.Equal(t, 0, count)
	entries, err := store.FindUnprocessed(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)

	// 恢复重试成功：领域写入与标记一起提交
	failing = false
	require.NoError(t, filter.Retry(ctx, entries[0]))
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM reservations`).Scan(&count))
	assert.Equal(t, 1, count)
	entries, err = store.FindUnprocessed(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestFilter_QuarantineAfterMaxAttempts 测试尝试耗尽隔离
func TestFilter_QuarantineAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	db, store := openTestStore(t)
	dlqStore := openTestDLQ(t, db)

	boom := errors.New("handler always fails")
	filter := NewFilter(db, store, dlqStore, Config{MaxAttempts: 2}, func(ctx context.Context, tx database.ITransaction, env eventing.Envelope) error {
		return boom
	})

	env := testEnvelope("evt-1")
	require.Error(t, filter.Accept(ctx, env))

	entries, err := store.FindUnprocessed(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// 第二次失败达到阈值：隔离并返回 nil（调用方 Ack 停止重投）
	require.NoError(t, filter.Retry(ctx, entries[0]))

	dlqEntries, err := dlqStore.List(ctx, dlq.Filter{})
	require.NoError(t, err)
	require.Len(t, dlqEntries, 1)
	assert.Equal(t, dlq.ReasonMaxAttemptsExceeded, dlqEntries[0].FailureReason)
	assert.Equal(t, "evt-1", dlqEntries[0].OriginalEventID)
	assert.Equal(t, 2, dlqEntries[0].TotalAttempts)

	// 强制标记已处理：不再出现在恢复扫描中
	entries, err = store.FindUnprocessed(ctx, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestFilter_DeliveryHandler 测试传输层投递处理器
func TestFilter_DeliveryHandler(t *testing.T) {
	ctx := context.Background()
	db, store := openTestStore(t)
	dlqStore := openTestDLQ(t, db)

	var handlerErr error
	filter := NewFilter(db, store, dlqStore, Config{}, func(ctx context.Context, tx database.ITransaction, env eventing.Envelope) error {
		return handlerErr
	})
	handle := filter.DeliveryHandler()

	// 正常消息：Ack
	rec, err := eventing.Encode(testEnvelope("evt-ok"))
	require.NoError(t, err)
	d := &fakeDelivery{rec: rec}
	require.NoError(t, handle(ctx, d))
	assert.True(t, d.acked)
	assert.False(t, d.naked)

	// 处理失败：Nak 等待重投
	handlerErr = errors.New("boom")
	rec, err = eventing.Encode(testEnvelope("evt-fail"))
	require.NoError(t, err)
	d = &fakeDelivery{rec: rec}
	require.NoError(t, handle(ctx, d))
	assert.True(t, d.naked)
	assert.False(t, d.acked)
}

// TestFilter_DeliveryHandlerMalformed 测试非法消息隔离
func TestFilter_DeliveryHandlerMalformed(t *testing.T) {
	ctx := context.Background()
	db, store := openTestStore(t)
	dlqStore := openTestDLQ(t, db)

	calls := 0
	filter := NewFilter(db, store, dlqStore, Config{}, func(ctx context.Context, tx database.ITransaction, env eventing.Envelope) error {
		calls++
		return nil
	})
	handle := filter.DeliveryHandler()

	rec, err := eventing.Encode(testEnvelope("evt-bad"))
	require.NoError(t, err)
	delete(rec.Headers, eventing.HeaderEventType)

	d := &fakeDelivery{rec: rec}
	require.NoError(t, handle(ctx, d))

	// 立即 Ack，处理器不被调用，记录进入 DLQ
	assert.True(t, d.acked)
	assert.Equal(t, 0, calls)

	entries, err := dlqStore.List(ctx, dlq.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.ReasonMalformed, entries[0].FailureReason)
	assert.Equal(t, "evt-bad", entries[0].OriginalEventID)
}
