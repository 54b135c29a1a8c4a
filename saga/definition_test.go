package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewStep 测试创建步骤
func TestNewStep(t *testing.T) {
	execute := func(ctx context.Context, exec *Execution) StepResult {
		return StepCompleted(nil)
	}

	step := NewStep("reserve-inventory", execute)
	assert.Equal(t, "reserve-inventory", step.Name)
	assert.NotNil(t, step.Execute)
	assert.False(t, step.HasCompensation())

	step = step.WithCompensation(func(ctx context.Context, exec *Execution) error { return nil })
	assert.True(t, step.HasCompensation())
}

// TestStepResult 测试步骤结果
func TestStepResult(t *testing.T) {
	ok := StepCompleted(map[string]any{"transaction_id": "tx-1"})
	assert.True(t, ok.Ok())
	assert.Equal(t, "tx-1", ok.Delta()["transaction_id"])

	boom := errors.New("boom")
	failed := StepFailed("card_declined", boom)
	assert.False(t, failed.Ok())
	assert.Equal(t, "card_declined", failed.Reason())
	assert.Equal(t, boom, failed.Cause())

	// 无底层错误时 Cause 落到原因描述
	failed = StepFailed("card_declined", nil)
	assert.EqualError(t, failed.Cause(), "card_declined")
	failed = StepFailed("", nil)
	assert.EqualError(t, failed.Cause(), "step failed")
}

// TestDefinition 测试定义
func TestDefinition(t *testing.T) {
	execute := func(ctx context.Context, exec *Execution) StepResult {
		return StepCompleted(nil)
	}
	def := NewDefinition("order.place",
		NewStep("a", execute),
		NewStep("b", execute),
	)
	assert.Equal(t, "order.place", def.Name())
	require.Len(t, def.Steps(), 2)
	assert.Equal(t, "a", def.Steps()[0].Name)
}

// TestExecution_Data 测试业务数据文档
func TestExecution_Data(t *testing.T) {
	state := NewState("id-1", "order.place", "order-1", []byte(`{"order_id":"o-1","amount":10}`))
	exec, err := NewExecution(state)
	require.NoError(t, err)

	assert.Equal(t, "order-1", exec.CorrelationID())
	assert.Equal(t, "o-1", exec.GetString("order_id"))
	assert.Equal(t, "", exec.GetString("missing"))

	v, ok := exec.Get("amount")
	assert.True(t, ok)
	assert.Equal(t, float64(10), v)

	var doc struct {
		OrderID string  `json:"order_id"`
		Amount  float64 `json:"amount"`
	}
	require.NoError(t, exec.Decode(&doc))
	assert.Equal(t, "o-1", doc.OrderID)
	assert.Equal(t, float64(10), doc.Amount)
}

// TestExecution_MergeDelta 测试数据增量合并与持久化同步
func TestExecution_MergeDelta(t *testing.T) {
	state := NewState("id-1", "order.place", "order-1", []byte(`{"order_id":"o-1"}`))
	exec, err := NewExecution(state)
	require.NoError(t, err)

	require.NoError(t, exec.MergeDelta(map[string]any{"transaction_id": "tx-1"}))
	assert.Equal(t, "tx-1", exec.GetString("transaction_id"))

	// 增量已同步到待持久化的 StateData
	fresh, err := NewExecution(state)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", fresh.GetString("transaction_id"))
	assert.Equal(t, "o-1", fresh.GetString("order_id"))

	// 空增量不改动文档
	before := string(state.StateData)
	require.NoError(t, exec.MergeDelta(nil))
	assert.Equal(t, before, string(state.StateData))
}

// TestExecution_InvalidStateData 测试非法业务数据
func TestExecution_InvalidStateData(t *testing.T) {
	state := NewState("id-1", "order.place", "order-1", []byte(`not json`))
	_, err := NewExecution(state)
	assert.Error(t, err)
}

// TestExecution_EventIDs 测试确定性命令 ID
func TestExecution_EventIDs(t *testing.T) {
	state := NewState("id-1", "order.place", "order-1", nil)
	exec, err := NewExecution(state)
	require.NoError(t, err)

	a := exec.StepEventID("reserve-inventory")
	assert.Equal(t, a, exec.StepEventID("reserve-inventory"))
	assert.NotEqual(t, a, exec.StepEventID("charge-payment"))
	assert.NotEqual(t, a, exec.CompensationEventID("reserve-inventory"))

	other := NewState("id-2", "order.place", "order-2", nil)
	otherExec, err := NewExecution(other)
	require.NoError(t, err)
	assert.NotEqual(t, a, otherExec.StepEventID("reserve-inventory"))
}
