package commerce

import (
	"context"
	"encoding/json"

	"sagaflow/eventing"
	"sagaflow/eventing/outbox"
	"sagaflow/logging"
	"sagaflow/participant"
	"sagaflow/saga"
)

// 步骤名
const (
	StepReserveInventory = "reserve-inventory"
	StepChargePayment    = "charge-payment"
	StepCreateShipment   = "create-shipment"
)

// NewOrderDefinition 构建下单 Saga 定义
//
// 步骤：预占库存 → 扣款 → 创建发货单。扣款或发货失败时释放
// 库存并退款。所有命令的事件 ID 由步骤名确定性派生，重试不会
// 产生重复的领域效应。
func NewOrderDefinition(caller *participant.Caller) *saga.Definition {
	return saga.NewDefinition("order.place",
		saga.NewStep(StepReserveInventory, func(ctx context.Context, exec *saga.Execution) saga.StepResult {
			var order Order
			if err := exec.Decode(&order); err != nil {
				return saga.StepFailed("bad order data", err)
			}
			cmd := commandEnvelope(exec, exec.StepEventID(StepReserveInventory), CmdReserveInventory,
				mustJSON(ReserveInventoryCmd{OrderID: order.OrderID, SKU: order.SKU, Quantity: order.Quantity}))
			return call(ctx, caller, cmd, nil)
		}).WithCompensation(func(ctx context.Context, exec *saga.Execution) error {
			var order Order
			if err := exec.Decode(&order); err != nil {
				return err
			}
			cmd := commandEnvelope(exec, exec.CompensationEventID(StepReserveInventory), CmdReleaseInventory,
				mustJSON(ReleaseInventoryCmd{OrderID: order.OrderID, SKU: order.SKU, Quantity: order.Quantity}))
			return compensateCall(ctx, caller, cmd)
		}),

		saga.NewStep(StepChargePayment, func(ctx context.Context, exec *saga.Execution) saga.StepResult {
			var order Order
			if err := exec.Decode(&order); err != nil {
				return saga.StepFailed("bad order data", err)
			}
			cmd := commandEnvelope(exec, exec.StepEventID(StepChargePayment), CmdChargePayment,
				mustJSON(ChargePaymentCmd{
					OrderID: order.OrderID, CustomerID: order.CustomerID,
					Amount: order.Amount, Card: order.Card,
				}))
			// 应答携带支付流水号，补偿（退款）需要
			return call(ctx, caller, cmd, []string{"transaction_id"})
		}).WithCompensation(func(ctx context.Context, exec *saga.Execution) error {
			var order Order
			if err := exec.Decode(&order); err != nil {
				return err
			}
			cmd := commandEnvelope(exec, exec.CompensationEventID(StepChargePayment), CmdRefundPayment,
				mustJSON(RefundPaymentCmd{
					OrderID:       order.OrderID,
					TransactionID: exec.GetString("transaction_id"),
				}))
			return compensateCall(ctx, caller, cmd)
		}),

		saga.NewStep(StepCreateShipment, func(ctx context.Context, exec *saga.Execution) saga.StepResult {
			var order Order
			if err := exec.Decode(&order); err != nil {
				return saga.StepFailed("bad order data", err)
			}
			cmd := commandEnvelope(exec, exec.StepEventID(StepCreateShipment), CmdCreateShipment,
				mustJSON(CreateShipmentCmd{OrderID: order.OrderID, Address: order.Address}))
			return call(ctx, caller, cmd, []string{"tracking_number"})
		}),
	)
}

// commandEnvelope 构造步骤命令信封（聚合 Key 用 correlation-id，
// 同一订单的命令在传输层严格有序）
func commandEnvelope(exec *saga.Execution, eventID, eventType string, payload json.RawMessage) eventing.Envelope {
	return eventing.NewEnvelopeWithID(eventID, eventType, exec.CorrelationID(), exec.CorrelationID(), payload)
}

// call 发出命令并把应答转换为步骤结果
//
// keep 列出应答数据中需要并入 Saga 业务数据的键。
func call(ctx context.Context, caller *participant.Caller, cmd eventing.Envelope, keep []string) saga.StepResult {
	reply, err := caller.Call(ctx, cmd)
	if err != nil {
		return saga.StepFailed("command delivery failed", err)
	}
	if !reply.Ok {
		return saga.StepFailed(reply.Reason, nil)
	}
	if len(keep) == 0 || len(reply.Data) == 0 {
		return saga.StepCompleted(nil)
	}
	var data map[string]any
	if err := json.Unmarshal(reply.Data, &data); err != nil {
		return saga.StepFailed("bad reply data", err)
	}
	delta := make(map[string]any, len(keep))
	for _, key := range keep {
		if v, ok := data[key]; ok {
			delta[key] = v
		}
	}
	return saga.StepCompleted(delta)
}

// compensateCall 发出补偿命令；业务性拒绝也视为补偿失败
func compensateCall(ctx context.Context, caller *participant.Caller, cmd eventing.Envelope) error {
	reply, err := caller.Call(ctx, cmd)
	if err != nil {
		return err
	}
	if !reply.Ok {
		return &saga.Error{
			Code:    saga.ErrCodeCompensationFailed,
			Message: reply.Reason,
		}
	}
	return nil
}

// OrderNotifier 把 Saga 终态转换为订单结果事件
//
// order.confirmed / order.cancelled 经 Outbox 发出，事件 ID 由
// correlation-id 确定性派生：同一订单的结果事件至多发出一次。
type OrderNotifier struct {
	outboxStore outbox.IStore
	logger      logging.Logger
}

// NewOrderNotifier 创建订单结果通知器
func NewOrderNotifier(outboxStore outbox.IStore) *OrderNotifier {
	return &OrderNotifier{
		outboxStore: outboxStore,
		logger:      logging.ComponentLogger("commerce.order_notifier"),
	}
}

// SagaEvent 实现 saga.INotifier
func (n *OrderNotifier) SagaEvent(ctx context.Context, event string, state *saga.State) {
	var eventType string
	result := OrderResult{OrderID: state.CorrelationID}
	switch event {
	case saga.EventCompleted:
		eventType = EventOrderConfirmed
		var data map[string]any
		if len(state.StateData) > 0 && json.Unmarshal(state.StateData, &data) == nil {
			if tn, ok := data["tracking_number"].(string); ok {
				result.TrackingNumber = tn
			}
		}
	case saga.EventCompensated:
		eventType = EventOrderCancelled
		result.Reason = state.LastError
	default:
		return
	}

	env := eventing.NewEnvelopeWithID(
		eventing.DeriveEventID(state.CorrelationID, eventType),
		eventType,
		state.CorrelationID,
		state.CorrelationID,
		mustJSON(result),
	)
	if err := n.outboxStore.Append(ctx, nil, env); err != nil {
		n.logger.Error(ctx, "append order result event failed",
			logging.String("order_id", state.CorrelationID),
			logging.Error(err))
	}
}
