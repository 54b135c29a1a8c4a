package commerce

import (
	"context"
	"fmt"
	"sync"

	"sagaflow/eventing"
	"sagaflow/participant"
	"sagaflow/storage/database"
)

// DeclinedCard 触发扣款拒绝的测试卡号
const DeclinedCard = "4000-0000-0000-0002"

// PaymentService 进程内支付服务
type PaymentService struct {
	mu       sync.Mutex
	charges  map[string]float64 // order_id → amount
	refunded map[string]bool
}

// NewPaymentService 创建支付服务
func NewPaymentService() *PaymentService {
	return &PaymentService{
		charges:  make(map[string]float64),
		refunded: make(map[string]bool),
	}
}

// Register 把命令处理函数挂到端点上
func (s *PaymentService) Register(e *participant.Endpoint) {
	e.Handle(CmdChargePayment, s.charge)
	e.Handle(CmdRefundPayment, s.refund)
}

// Charged 订单已扣金额（测试用）
func (s *PaymentService) Charged(orderID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refunded[orderID] {
		return 0
	}
	return s.charges[orderID]
}

// Refunded 订单是否已退款（测试用）
func (s *PaymentService) Refunded(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refunded[orderID]
}

func (s *PaymentService) charge(ctx context.Context, tx database.ITransaction, cmd eventing.Envelope) (participant.Reply, error) {
	req, err := decodeCommand[ChargePaymentCmd](cmd)
	if err != nil {
		return participant.Reply{}, fmt.Errorf("decode charge command: %w", err)
	}
	if req.Card == DeclinedCard {
		return participant.Fail("card_declined"), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges[req.OrderID] = req.Amount
	txID := "tx-" + req.OrderID
	return participant.Okay(mustJSON(map[string]string{"transaction_id": txID})), nil
}

func (s *PaymentService) refund(ctx context.Context, tx database.ITransaction, cmd eventing.Envelope) (participant.Reply, error) {
	req, err := decodeCommand[RefundPaymentCmd](cmd)
	if err != nil {
		return participant.Reply{}, fmt.Errorf("decode refund command: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.charges[req.OrderID]; !ok {
		return participant.Fail("no_charge_found"), nil
	}
	s.refunded[req.OrderID] = true
	return participant.Okay(nil), nil
}
