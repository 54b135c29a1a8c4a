package saga

import (
	"context"
	"time"
)

// IStateStore Saga 状态存储接口
//
// 乐观并发约定：Update 以 state.Version 为前置条件，版本不匹配
// 返回 ErrVersionConflict（调用方应重新 Load 后重放变更），
// 匹配则原子地持久化并将 Version +1。
type IStateStore interface {
	// Create 创建状态；CorrelationID 冲突返回 ErrAlreadyExists
	Create(ctx context.Context, state *State) error

	// Load 按 CorrelationID 加载状态；不存在返回 ErrNotFound
	Load(ctx context.Context, correlationID string) (*State, error)

	// Update 乐观更新状态
	//
	// 版本不匹配返回 ErrVersionConflict；成功后 state.Version 已自增。
	Update(ctx context.Context, state *State) error

	// FindByStatus 按状态查询（按 updated_at 升序）
	FindByStatus(ctx context.Context, status Status, limit int) ([]*State, error)

	// FindStuck 查找更新时间早于 olderThan 的非终态实例（恢复扫描用）
	FindStuck(ctx context.Context, statuses []Status, olderThan time.Time, limit int) ([]*State, error)

	// Delete 删除状态
	Delete(ctx context.Context, correlationID string) error

	// DeleteTerminal 删除早于 olderThan 的终态实例（压缩）
	DeleteTerminal(ctx context.Context, olderThan time.Time) (int64, error)
}
