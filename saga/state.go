package saga

import (
	"encoding/json"
	"time"
)

// Status Saga 状态枚举
type Status string

const (
	// StatusNotStarted 未开始
	StatusNotStarted Status = "not_started"

	// StatusInProgress 正向执行中
	StatusInProgress Status = "in_progress"

	// StatusCompleted 全部步骤成功
	StatusCompleted Status = "completed"

	// StatusFailed 失败且补偿未能全部完成（需人工介入）
	StatusFailed Status = "failed"

	// StatusCompensating 补偿中
	StatusCompensating Status = "compensating"

	// StatusCompensated 已全部补偿
	StatusCompensated Status = "compensated"
)

// State Saga 持久化状态
//
// CorrelationID 是业务唯一键（如订单号），同时作为乐观锁定位键：
// 同一业务流程只会有一个 Saga 实例。Version 在每次成功更新后 +1，
// 并发更新通过版本比对检测冲突。
type State struct {
	// ID 实例标识
	ID string `json:"id"`

	// Name Saga 定义名称
	Name string `json:"name"`

	// CorrelationID 业务唯一键
	CorrelationID string `json:"correlation_id"`

	// Status 当前状态
	Status Status `json:"status"`

	// CurrentStep 当前步骤索引（从 0 开始）
	CurrentStep int `json:"current_step"`

	// CompletedSteps 已完成的步骤名称（按执行顺序）
	CompletedSteps []string `json:"completed_steps"`

	// CompensatedSteps 已补偿的步骤名称
	CompensatedSteps []string `json:"compensated_steps"`

	// StateData 业务数据（JSON）
	StateData json.RawMessage `json:"state_data,omitempty"`

	// LastError 最近一次失败的错误信息
	LastError string `json:"last_error,omitempty"`

	// Version 乐观锁版本号
	Version int64 `json:"version"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt 最近更新时间
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState 创建新的 Saga 状态
func NewState(id, name, correlationID string, data json.RawMessage) *State {
	now := time.Now()
	return &State{
		ID:            id,
		Name:          name,
		CorrelationID: correlationID,
		Status:        StatusNotStarted,
		CurrentStep:   0,
		StateData:     data,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// MarkStepCompleted 标记步骤完成并前移游标
//
// 幂等：已记录的步骤不会重复追加，游标不会越位。并发写入者
// （恢复扫描续跑同一实例）先一步完成同一步骤时，冲突重载后的
// 重放不产生重复记录。
func (s *State) MarkStepCompleted(stepName string) {
	if s.HasCompleted(stepName) {
		return
	}
	s.CompletedSteps = append(s.CompletedSteps, stepName)
	s.CurrentStep++
	s.UpdatedAt = time.Now()
}

// MarkStepCompensated 标记步骤已补偿（幂等）
func (s *State) MarkStepCompensated(stepName string) {
	if s.HasCompensated(stepName) {
		return
	}
	s.CompensatedSteps = append(s.CompensatedSteps, stepName)
	s.UpdatedAt = time.Now()
}

// HasCompleted 检查步骤是否已完成
func (s *State) HasCompleted(stepName string) bool {
	for _, name := range s.CompletedSteps {
		if name == stepName {
			return true
		}
	}
	return false
}

// HasCompensated 检查步骤是否已补偿
func (s *State) HasCompensated(stepName string) bool {
	for _, name := range s.CompensatedSteps {
		if name == stepName {
			return true
		}
	}
	return false
}

// SetStatus 变更状态
func (s *State) SetStatus(status Status) {
	s.Status = status
	s.UpdatedAt = time.Now()
}

// IsTerminal 检查是否处于终态
func (s *State) IsTerminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCompensated:
		return true
	}
	return false
}

// Clone 克隆状态
func (s *State) Clone() *State {
	clone := *s
	clone.CompletedSteps = append([]string(nil), s.CompletedSteps...)
	clone.CompensatedSteps = append([]string(nil), s.CompensatedSteps...)
	clone.StateData = append(json.RawMessage(nil), s.StateData...)
	return &clone
}
