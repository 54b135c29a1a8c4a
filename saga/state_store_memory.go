package saga

import (
	"context"
	"sync"
	"time"
)

// MemoryStateStore 内存状态存储
//
// 用于测试和单进程场景。所有读写返回克隆，外部修改不会
// 污染存储内的状态。
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewMemoryStateStore 创建内存状态存储
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		states: make(map[string]*State),
	}
}

// Create 创建状态
func (m *MemoryStateStore) Create(ctx context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.states[state.CorrelationID]; exists {
		return NewAlreadyExistsError(state.CorrelationID)
	}
	m.states[state.CorrelationID] = state.Clone()
	return nil
}

// Load 加载状态
func (m *MemoryStateStore) Load(ctx context.Context, correlationID string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, exists := m.states[correlationID]
	if !exists {
		return nil, NewNotFoundError(correlationID)
	}
	return state.Clone(), nil
}

// Update 乐观更新状态
func (m *MemoryStateStore) Update(ctx context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.states[state.CorrelationID]
	if !exists {
		return NewNotFoundError(state.CorrelationID)
	}
	if current.Version != state.Version {
		return NewVersionConflictError(state.CorrelationID, state.Version)
	}
	state.Version++
	state.UpdatedAt = time.Now()
	m.states[state.CorrelationID] = state.Clone()
	return nil
}

// FindByStatus 按状态查询
func (m *MemoryStateStore) FindByStatus(ctx context.Context, status Status, limit int) ([]*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*State
	for _, state := range m.states {
		if state.Status == status {
			result = append(result, state.Clone())
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// FindStuck 查找停滞的非终态实例
func (m *MemoryStateStore) FindStuck(ctx context.Context, statuses []Status, olderThan time.Time, limit int) ([]*State, error) {
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*State
	for _, state := range m.states {
		if want[state.Status] && state.UpdatedAt.Before(olderThan) {
			result = append(result, state.Clone())
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Delete 删除状态
func (m *MemoryStateStore) Delete(ctx context.Context, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, correlationID)
	return nil
}

// DeleteTerminal 删除早于 olderThan 的终态实例
func (m *MemoryStateStore) DeleteTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, state := range m.states {
		if state.IsTerminal() && state.UpdatedAt.Before(olderThan) {
			delete(m.states, id)
			deleted++
		}
	}
	return deleted, nil
}
