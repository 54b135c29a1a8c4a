package commerce

import (
	"context"
	"fmt"
	"sync"

	"sagaflow/eventing"
	"sagaflow/participant"
	"sagaflow/storage/database"
)

// InventoryService 进程内库存服务
//
// 幂等性由消费路径的 Inbox 保证：同一命令事件只会到达处理函数
// 一次，这里可以安全地做简单的增减。
type InventoryService struct {
	mu    sync.Mutex
	stock map[string]int
}

// NewInventoryService 创建库存服务
func NewInventoryService(stock map[string]int) *InventoryService {
	s := &InventoryService{stock: make(map[string]int, len(stock))}
	for sku, qty := range stock {
		s.stock[sku] = qty
	}
	return s
}

// Register 把命令处理函数挂到端点上
func (s *InventoryService) Register(e *participant.Endpoint) {
	e.Handle(CmdReserveInventory, s.reserve)
	e.Handle(CmdReleaseInventory, s.release)
}

// Stock 当前库存（测试用）
func (s *InventoryService) Stock(sku string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[sku]
}

func (s *InventoryService) reserve(ctx context.Context, tx database.ITransaction, cmd eventing.Envelope) (participant.Reply, error) {
	req, err := decodeCommand[ReserveInventoryCmd](cmd)
	if err != nil {
		return participant.Reply{}, fmt.Errorf("decode reserve command: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stock[req.SKU] < req.Quantity {
		return participant.Fail("insufficient_stock"), nil
	}
	s.stock[req.SKU] -= req.Quantity
	return participant.Okay(nil), nil
}

func (s *InventoryService) release(ctx context.Context, tx database.ITransaction, cmd eventing.Envelope) (participant.Reply, error) {
	req, err := decodeCommand[ReleaseInventoryCmd](cmd)
	if err != nil {
		return participant.Reply{}, fmt.Errorf("decode release command: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[req.SKU] += req.Quantity
	return participant.Okay(nil), nil
}
