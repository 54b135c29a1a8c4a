package saga

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"sagaflow/logging"
	"sagaflow/monitoring"
)

// Config 编排器配置
type Config struct {
	// StepTimeout 单步执行超时（正向与补偿相同）
	StepTimeout time.Duration `json:"step_timeout" yaml:"step_timeout"`

	// UpdateRetries 版本冲突时的重试次数
	UpdateRetries int `json:"update_retries" yaml:"update_retries"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		StepTimeout:   30 * time.Second,
		UpdateRetries: 3,
	}
}

// 生命周期事件名（Notifier 回调用）
const (
	EventStarted       = "started"
	EventStepCompleted = "step_completed"
	EventCompensating  = "compensating"
	EventCompleted     = "completed"
	EventCompensated   = "compensated"
	EventFailed        = "failed"
)

// INotifier 生命周期通知钩子（可选）
type INotifier interface {
	SagaEvent(ctx context.Context, event string, state *State)
}

// Orchestrator Saga 编排器
//
// 顺序执行定义的步骤；某步骤失败后按倒序补偿所有已完成的步骤。
// 补偿过程中单个步骤失败不会中断后续补偿：全部补偿成功进入
// Compensated，有任一补偿失败进入 Failed（需人工介入）。
//
// 每次状态变迁都先持久化再继续：进程在任意点崩溃后，恢复扫描
// 都能从持久化状态精确续跑。状态更新遇到版本冲突时重新加载
// 并重放本次变更。
type Orchestrator struct {
	store    IStateStore
	cfg      Config
	metrics  *monitoring.Metrics
	notifier INotifier
	logger   logging.Logger
}

// OrchestratorOption 编排器可选项
type OrchestratorOption func(*Orchestrator)

// WithMetrics 挂接指标
func WithMetrics(m *monitoring.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithNotifier 挂接生命周期通知
func WithNotifier(n INotifier) OrchestratorOption {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithLogger 自定义日志
func WithLogger(logger logging.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// NewOrchestrator 创建编排器
func NewOrchestrator(store IStateStore, cfg Config, opts ...OrchestratorOption) *Orchestrator {
	def := DefaultConfig()
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.UpdateRetries <= 0 {
		cfg.UpdateRetries = def.UpdateRetries
	}
	o := &Orchestrator{
		store:  store,
		cfg:    cfg,
		logger: logging.ComponentLogger("saga.orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start 启动新的 Saga 实例并执行到终态
//
// CorrelationID 是业务唯一键：重复启动返回 ErrAlreadyExists，
// 不会产生第二个实例。返回的 State 是执行结束后的终态快照。
func (o *Orchestrator) Start(ctx context.Context, def IDefinition, correlationID string, data json.RawMessage) (*State, error) {
	if len(def.Steps()) == 0 {
		return nil, ErrNoSteps
	}

	state := NewState(uuid.NewString(), def.Name(), correlationID, data)
	state.Status = StatusInProgress
	if err := o.store.Create(ctx, state); err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.SagaStarted.Inc()
	}
	o.notify(ctx, EventStarted, state)
	o.logger.Info(ctx, "saga started",
		logging.String("saga", def.Name()),
		logging.String("correlation_id", correlationID),
		logging.Int("steps", len(def.Steps())))

	err := o.run(ctx, def, state)
	return state, err
}

// Resume 从持久化状态续跑
//
// InProgress 从 CurrentStep 继续正向执行；Compensating 继续补偿
// 尚未补偿的已完成步骤。终态实例返回 ErrInvalidState。
func (o *Orchestrator) Resume(ctx context.Context, def IDefinition, correlationID string) (*State, error) {
	state, err := o.store.Load(ctx, correlationID)
	if err != nil {
		return nil, err
	}

	switch state.Status {
	case StatusNotStarted, StatusInProgress:
		if state.Status == StatusNotStarted {
			if err := o.persist(ctx, state, func(s *State) {
				s.SetStatus(StatusInProgress)
			}); err != nil {
				return state, err
			}
		}
		o.logger.Info(ctx, "resuming saga",
			logging.String("correlation_id", correlationID),
			logging.Int("current_step", state.CurrentStep))
		return state, o.run(ctx, def, state)

	case StatusCompensating:
		o.logger.Info(ctx, "resuming saga compensation",
			logging.String("correlation_id", correlationID))
		cause := errors.New(state.LastError)
		return state, o.runCompensation(ctx, def, state, cause)

	default:
		return state, NewInvalidStateError(correlationID, state.Status)
	}
}

// run 从 state.CurrentStep 开始顺序执行剩余步骤
//
// 游标驱动：每轮取 steps[state.CurrentStep]。持久化遇到版本冲突
// 重载后游标可能已被并发写入者推进，下一轮自然跳过对应步骤。
func (o *Orchestrator) run(ctx context.Context, def IDefinition, state *State) error {
	steps := def.Steps()

	for state.CurrentStep < len(steps) {
		step := steps[state.CurrentStep]
		exec, err := NewExecution(state)
		if err != nil {
			return NewStoreFailedError(state.CorrelationID, err)
		}

		o.logger.Info(ctx, "executing saga step",
			logging.String("correlation_id", state.CorrelationID),
			logging.Int("step_index", state.CurrentStep),
			logging.String("step", step.Name))

		res := o.executeStep(ctx, step, exec)
		if !res.Ok() {
			o.logger.Error(ctx, "saga step failed",
				logging.String("correlation_id", state.CorrelationID),
				logging.String("step", step.Name),
				logging.String("reason", res.Reason()),
				logging.Error(res.Cause()))
			return o.compensate(ctx, def, state, step.Name, res.Cause())
		}

		if err := exec.MergeDelta(res.Delta()); err != nil {
			return NewStoreFailedError(state.CorrelationID, err)
		}
		data := state.StateData
		if err := o.persist(ctx, state, func(s *State) {
			// 重载后的状态可能已包含本步骤，重放时不覆盖更新的数据
			if s.HasCompleted(step.Name) {
				return
			}
			s.StateData = data
			s.MarkStepCompleted(step.Name)
		}); err != nil {
			return err
		}
		o.notify(ctx, EventStepCompleted, state)
	}

	if err := o.persist(ctx, state, func(s *State) {
		s.SetStatus(StatusCompleted)
	}); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.SagaCompleted.Inc()
	}
	o.notify(ctx, EventCompleted, state)
	o.logger.Info(ctx, "saga completed",
		logging.String("correlation_id", state.CorrelationID))
	return nil
}

// executeStep 带超时执行正向动作
//
// 步骤动作应尊重 ctx：超时后返回失败结果（原因 "timeout"）。
func (o *Orchestrator) executeStep(ctx context.Context, step *Step, exec *Execution) StepResult {
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	res := step.Execute(stepCtx, exec)
	if !res.Ok() && stepCtx.Err() != nil && res.cause == nil {
		return StepFailed("timeout", stepCtx.Err())
	}
	return res
}

// compensate 进入补偿流程
func (o *Orchestrator) compensate(ctx context.Context, def IDefinition, state *State, failedStep string, cause error) error {
	if err := o.persist(ctx, state, func(s *State) {
		s.SetStatus(StatusCompensating)
		s.LastError = cause.Error()
	}); err != nil {
		return err
	}
	o.notify(ctx, EventCompensating, state)
	if err := o.runCompensation(ctx, def, state, cause); err != nil {
		return err
	}
	return NewStepFailedError(state.CorrelationID, failedStep, cause)
}

// runCompensation 倒序补偿已完成且未补偿的步骤
//
// 单个补偿失败只记录，不中断后续补偿：尽可能多地回滚。
func (o *Orchestrator) runCompensation(ctx context.Context, def IDefinition, state *State, cause error) error {
	steps := def.Steps()
	var failed []string

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if !state.HasCompleted(step.Name) || state.HasCompensated(step.Name) {
			continue
		}

		if !step.HasCompensation() {
			// 无补偿动作的步骤视为已回滚
			if err := o.persist(ctx, state, func(s *State) {
				s.MarkStepCompensated(step.Name)
			}); err != nil {
				return err
			}
			continue
		}

		exec, err := NewExecution(state)
		if err != nil {
			return NewStoreFailedError(state.CorrelationID, err)
		}

		o.logger.Info(ctx, "compensating saga step",
			logging.String("correlation_id", state.CorrelationID),
			logging.String("step", step.Name))

		if err := o.compensateStep(ctx, step, exec); err != nil {
			o.logger.Error(ctx, "saga compensation step failed",
				logging.String("correlation_id", state.CorrelationID),
				logging.String("step", step.Name),
				logging.Error(err))
			failed = append(failed, step.Name)
			continue
		}

		if err := o.persist(ctx, state, func(s *State) {
			s.MarkStepCompensated(step.Name)
		}); err != nil {
			return err
		}
	}

	if len(failed) > 0 {
		if err := o.persist(ctx, state, func(s *State) {
			s.SetStatus(StatusFailed)
		}); err != nil {
			return err
		}
		if o.metrics != nil {
			o.metrics.SagaFailed.Inc()
		}
		o.notify(ctx, EventFailed, state)
		o.logger.Error(ctx, "saga failed: compensation incomplete",
			logging.String("correlation_id", state.CorrelationID),
			logging.Any("failed_steps", failed))
		return NewCompensationFailedError(state.CorrelationID, failed[0], cause)
	}

	if err := o.persist(ctx, state, func(s *State) {
		s.SetStatus(StatusCompensated)
	}); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.SagaCompensated.Inc()
	}
	o.notify(ctx, EventCompensated, state)
	o.logger.Info(ctx, "saga compensated",
		logging.String("correlation_id", state.CorrelationID))
	return nil
}

// compensateStep 带超时执行补偿动作
func (o *Orchestrator) compensateStep(ctx context.Context, step *Step, exec *Execution) error {
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	return step.Compensation(stepCtx, exec)
}

// persist 应用变更并持久化，版本冲突时重新加载后重放
//
// apply 会在重载后的状态上再次执行，必须对已生效的变更幂等。
func (o *Orchestrator) persist(ctx context.Context, state *State, apply func(*State)) error {
	apply(state)
	for attempt := 0; ; attempt++ {
		err := o.store.Update(ctx, state)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= o.cfg.UpdateRetries {
			return err
		}
		o.logger.Warn(ctx, "saga version conflict, reloading",
			logging.String("correlation_id", state.CorrelationID),
			logging.Int("attempt", attempt+1))
		fresh, loadErr := o.store.Load(ctx, state.CorrelationID)
		if loadErr != nil {
			return loadErr
		}
		apply(fresh)
		*state = *fresh
	}
}

func (o *Orchestrator) notify(ctx context.Context, event string, state *State) {
	if o.notifier == nil {
		return
	}
	o.notifier.SagaEvent(ctx, event, state)
}
