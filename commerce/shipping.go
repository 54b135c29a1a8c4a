package commerce

import (
	"context"
	"fmt"
	"sync"

	"sagaflow/eventing"
	"sagaflow/participant"
	"sagaflow/storage/database"
)

// ShippingService 进程内发货服务
type ShippingService struct {
	mu        sync.Mutex
	shipments map[string]string // order_id → tracking number
	seq       int
}

// NewShippingService 创建发货服务
func NewShippingService() *ShippingService {
	return &ShippingService{shipments: make(map[string]string)}
}

// Register 把命令处理函数挂到端点上
func (s *ShippingService) Register(e *participant.Endpoint) {
	e.Handle(CmdCreateShipment, s.create)
}

// Tracking 订单的发货单号（测试用）
func (s *ShippingService) Tracking(orderID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shipments[orderID]
}

func (s *ShippingService) create(ctx context.Context, tx database.ITransaction, cmd eventing.Envelope) (participant.Reply, error) {
	req, err := decodeCommand[CreateShipmentCmd](cmd)
	if err != nil {
		return participant.Reply{}, fmt.Errorf("decode shipment command: %w", err)
	}
	if req.Address == "" {
		return participant.Fail("missing_address"), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tn, ok := s.shipments[req.OrderID]; ok {
		return participant.Okay(mustJSON(map[string]string{"tracking_number": tn})), nil
	}
	s.seq++
	tn := fmt.Sprintf("TRK-%06d", s.seq)
	s.shipments[req.OrderID] = tn
	return participant.Okay(mustJSON(map[string]string{"tracking_number": tn})), nil
}
