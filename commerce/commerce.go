// Package commerce 提供订单处理的参考接线
//
// 以协调核心实现下单流程：预占库存 → 扣款 → 创建发货单，
// 任一步失败则倒序补偿（释放库存、退款）。参与方是进程内的
// 示例服务，端到端测试用它们覆盖完整的消息路径。
package commerce

import (
	"encoding/json"
	"fmt"

	"sagaflow/eventing"
	"sagaflow/eventing/registry"
)

// 命令事件类型（按首段路由到对应 topic）
const (
	CmdReserveInventory = "inventory.reserve"
	CmdReleaseInventory = "inventory.release"
	CmdChargePayment    = "payment.charge"
	CmdRefundPayment    = "payment.refund"
	CmdCreateShipment   = "shipping.create"
)

// 订单结果事件类型
const (
	EventOrderConfirmed = "order.confirmed"
	EventOrderCancelled = "order.cancelled"
)

// 命令与结果 topic
const (
	TopicInventory = "inventory"
	TopicPayment   = "payment"
	TopicShipping  = "shipping"
	TopicOrder     = "order"
)

// Order 下单请求（Saga 的初始业务数据）
type Order struct {
	OrderID    string  `json:"order_id"`
	CustomerID string  `json:"customer_id"`
	SKU        string  `json:"sku"`
	Quantity   int     `json:"quantity"`
	Amount     float64 `json:"amount"`
	Card       string  `json:"card"`
	Address    string  `json:"address"`
}

// ReserveInventoryCmd 预占库存命令
type ReserveInventoryCmd struct {
	OrderID  string `json:"order_id"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// ReleaseInventoryCmd 释放库存命令
type ReleaseInventoryCmd struct {
	OrderID  string `json:"order_id"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// ChargePaymentCmd 扣款命令
type ChargePaymentCmd struct {
	OrderID    string  `json:"order_id"`
	CustomerID string  `json:"customer_id"`
	Amount     float64 `json:"amount"`
	Card       string  `json:"card"`
}

// RefundPaymentCmd 退款命令
type RefundPaymentCmd struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
}

// CreateShipmentCmd 创建发货单命令
type CreateShipmentCmd struct {
	OrderID string `json:"order_id"`
	Address string `json:"address"`
}

// OrderResult 订单结果事件载荷
type OrderResult struct {
	OrderID        string `json:"order_id"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// commands 命令载荷注册表：事件类型 → 模式版本与解码器
var commands = newCommandRegistry()

func newCommandRegistry() *registry.Registry {
	r := registry.NewRegistry()
	r.MustRegister(CmdReserveInventory, 1, registry.JSONDecoder[ReserveInventoryCmd]())
	r.MustRegister(CmdReleaseInventory, 1, registry.JSONDecoder[ReleaseInventoryCmd]())
	r.MustRegister(CmdChargePayment, 1, registry.JSONDecoder[ChargePaymentCmd]())
	r.MustRegister(CmdRefundPayment, 1, registry.JSONDecoder[RefundPaymentCmd]())
	r.MustRegister(CmdCreateShipment, 1, registry.JSONDecoder[CreateShipmentCmd]())
	return r
}

// decodeCommand 经注册表解码命令载荷
func decodeCommand[T any](cmd eventing.Envelope) (*T, error) {
	v, err := commands.Decode(cmd.EventType, cmd.Payload)
	if err != nil {
		return nil, err
	}
	req, ok := v.(*T)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T for %s", v, cmd.EventType)
	}
	return req, nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
