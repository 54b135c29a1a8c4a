// Package saga 提供持久化的 Saga 编排，用于管理分布式长时事务
//
// Saga 将长时事务拆分为一串本地事务，每个步骤配有补偿动作。
// 某步骤失败后，编排器按倒序补偿所有已完成的步骤；补偿过程中
// 单个步骤失败不会中断后续补偿。状态持久化到 IStateStore，
// 进程崩溃后可由恢复扫描续跑。
//
// 并发模型：同一 CorrelationID 的状态更新通过乐观版本号保护，
// 冲突时重新加载后重放本次变更。不同 CorrelationID 的 Saga
// 可以任意并发。
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"sagaflow/eventing"
)

// IDefinition Saga 定义
//
// 描述一个业务流程的步骤序列。定义本身无状态，可被多个
// 编排器实例共享。
type IDefinition interface {
	// Name 定义名称（如 "order.place"）
	Name() string

	// Steps 步骤列表（按执行顺序）
	Steps() []*Step
}

// StepResult 步骤执行结果（值而非错误）
//
// 业务性失败是 Saga 的正常分支，用值表达；error 只留给
// 基础设施异常。
type StepResult struct {
	ok     bool
	delta  map[string]any
	reason string
	cause  error
}

// StepCompleted 创建成功结果
//
// delta 会合并进 Saga 的业务数据，随状态一起持久化。
func StepCompleted(delta map[string]any) StepResult {
	return StepResult{ok: true, delta: delta}
}

// StepFailed 创建失败结果
func StepFailed(reason string, cause error) StepResult {
	return StepResult{ok: false, reason: reason, cause: cause}
}

// Ok 是否成功
func (r StepResult) Ok() bool { return r.ok }

// Delta 成功结果携带的数据增量
func (r StepResult) Delta() map[string]any { return r.delta }

// Reason 失败原因
func (r StepResult) Reason() string { return r.reason }

// Cause 失败的底层错误（可为 nil）
func (r StepResult) Cause() error {
	if r.cause != nil {
		return r.cause
	}
	if r.reason != "" {
		return errors.New(r.reason)
	}
	return errors.New("step failed")
}

// ExecuteFunc 正向动作函数
type ExecuteFunc func(ctx context.Context, exec *Execution) StepResult

// CompensateFunc 补偿动作函数
type CompensateFunc func(ctx context.Context, exec *Execution) error

// Step Saga 步骤
//
// 特性：
//   - Name 在同一定义内唯一，用于记录执行与补偿进度
//   - Compensation 可选：只读步骤无需补偿
type Step struct {
	// Name 步骤名称（唯一标识）
	Name string

	// Execute 正向动作
	Execute ExecuteFunc

	// Compensation 补偿动作（可选）
	Compensation CompensateFunc
}

// NewStep 创建步骤
func NewStep(name string, execute ExecuteFunc) *Step {
	return &Step{Name: name, Execute: execute}
}

// WithCompensation 添加补偿动作（支持链式调用）
func (s *Step) WithCompensation(compensate CompensateFunc) *Step {
	s.Compensation = compensate
	return s
}

// HasCompensation 检查是否有补偿动作
func (s *Step) HasCompensation() bool {
	return s.Compensation != nil
}

// Definition IDefinition 的通用实现
type Definition struct {
	name  string
	steps []*Step
}

// NewDefinition 创建定义
func NewDefinition(name string, steps ...*Step) *Definition {
	return &Definition{name: name, steps: steps}
}

// Name 定义名称
func (d *Definition) Name() string { return d.name }

// Steps 步骤列表
func (d *Definition) Steps() []*Step { return d.steps }

// Execution 一次 Saga 执行的上下文
//
// 包装当前状态并暴露业务数据文档（JSON 对象）。步骤成功返回的
// delta 由编排器合并进文档并随状态持久化。
type Execution struct {
	// State 当前持久化状态
	State *State

	data map[string]any
}

// NewExecution 创建执行上下文（解码业务数据文档）
func NewExecution(state *State) (*Execution, error) {
	exec := &Execution{State: state, data: make(map[string]any)}
	if len(state.StateData) > 0 {
		if err := json.Unmarshal(state.StateData, &exec.data); err != nil {
			return nil, fmt.Errorf("decode saga state data: %w", err)
		}
	}
	return exec, nil
}

// CorrelationID 业务唯一键
func (e *Execution) CorrelationID() string {
	return e.State.CorrelationID
}

// Get 读取业务数据
func (e *Execution) Get(key string) (any, bool) {
	v, ok := e.data[key]
	return v, ok
}

// GetString 读取字符串业务数据（缺失或类型不符返回空串）
func (e *Execution) GetString(key string) string {
	if v, ok := e.data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Decode 把业务数据文档整体解码到结构体
func (e *Execution) Decode(v any) error {
	data, err := json.Marshal(e.data)
	if err != nil {
		return fmt.Errorf("marshal saga state data: %w", err)
	}
	return json.Unmarshal(data, v)
}

// Set 写入业务数据并同步到待持久化的状态
func (e *Execution) Set(key string, value any) error {
	e.data[key] = value
	return e.flush()
}

// MergeDelta 合并数据增量并同步到待持久化的状态
func (e *Execution) MergeDelta(delta map[string]any) error {
	if len(delta) == 0 {
		return nil
	}
	for k, v := range delta {
		e.data[k] = v
	}
	return e.flush()
}

func (e *Execution) flush() error {
	data, err := json.Marshal(e.data)
	if err != nil {
		return fmt.Errorf("marshal saga state data: %w", err)
	}
	e.State.StateData = data
	return nil
}

// StepEventID 步骤命令事件的确定性 ID
//
// 由 (correlation-id, step-name) 派生：同一步骤无论重试多少次，
// 发出的命令事件 ID 恒定，下游 Inbox 据此去重。
func (e *Execution) StepEventID(stepName string) string {
	return eventing.DeriveEventID(e.State.CorrelationID, stepName)
}

// CompensationEventID 补偿命令事件的确定性 ID
func (e *Execution) CompensationEventID(stepName string) string {
	return eventing.DeriveEventID(e.State.CorrelationID, stepName+".compensate")
}
