package saga

import "fmt"

// ErrorCode Saga 错误码
type ErrorCode string

const (
	ErrCodeNotFound           ErrorCode = "SAGA_NOT_FOUND"
	ErrCodeAlreadyExists      ErrorCode = "SAGA_ALREADY_EXISTS"
	ErrCodeVersionConflict    ErrorCode = "SAGA_VERSION_CONFLICT"
	ErrCodeInvalidState       ErrorCode = "SAGA_INVALID_STATE"
	ErrCodeStepFailed         ErrorCode = "SAGA_STEP_FAILED"
	ErrCodeCompensationFailed ErrorCode = "SAGA_COMPENSATION_FAILED"
	ErrCodeNoSteps            ErrorCode = "SAGA_NO_STEPS"
	ErrCodeStoreFailed        ErrorCode = "SAGA_STORE_FAILED"
)

// Error Saga 错误
type Error struct {
	Code          ErrorCode
	Message       string
	CorrelationID string
	StepName      string
	Cause         error
}

func (e *Error) Error() string {
	var base string
	switch {
	case e.CorrelationID != "" && e.StepName != "":
		base = fmt.Sprintf("%s: %s (saga=%s, step=%s)", e.Code, e.Message, e.CorrelationID, e.StepName)
	case e.CorrelationID != "":
		base = fmt.Sprintf("%s: %s (saga=%s)", e.Code, e.Message, e.CorrelationID)
	default:
		base = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", base, e.Cause)
	}
	return base
}

func (e *Error) Unwrap() error { return e.Cause }

// Is 实现 errors.Is，基于错误码匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// 哨兵错误（仅用于 errors.Is 比较）
var (
	ErrNotFound           = &Error{Code: ErrCodeNotFound, Message: "saga not found"}
	ErrAlreadyExists      = &Error{Code: ErrCodeAlreadyExists, Message: "saga already exists"}
	ErrVersionConflict    = &Error{Code: ErrCodeVersionConflict, Message: "saga version conflict"}
	ErrInvalidState       = &Error{Code: ErrCodeInvalidState, Message: "saga in invalid state"}
	ErrStepFailed         = &Error{Code: ErrCodeStepFailed, Message: "saga step failed"}
	ErrCompensationFailed = &Error{Code: ErrCodeCompensationFailed, Message: "saga compensation failed"}
	ErrNoSteps            = &Error{Code: ErrCodeNoSteps, Message: "saga has no steps"}
)

// NewNotFoundError 创建未找到错误
func NewNotFoundError(correlationID string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: "saga not found", CorrelationID: correlationID}
}

// NewAlreadyExistsError 创建重复创建错误
func NewAlreadyExistsError(correlationID string) *Error {
	return &Error{Code: ErrCodeAlreadyExists, Message: "saga already exists", CorrelationID: correlationID}
}

// NewVersionConflictError 创建版本冲突错误
func NewVersionConflictError(correlationID string, expected int64) *Error {
	return &Error{
		Code:          ErrCodeVersionConflict,
		Message:       fmt.Sprintf("stale version %d", expected),
		CorrelationID: correlationID,
	}
}

// NewInvalidStateError 创建状态无效错误
func NewInvalidStateError(correlationID string, current Status) *Error {
	return &Error{
		Code:          ErrCodeInvalidState,
		Message:       fmt.Sprintf("unexpected status %q", current),
		CorrelationID: correlationID,
	}
}

// NewStepFailedError 创建步骤失败错误
func NewStepFailedError(correlationID, stepName string, cause error) *Error {
	return &Error{
		Code:          ErrCodeStepFailed,
		Message:       "step execution failed",
		CorrelationID: correlationID,
		StepName:      stepName,
		Cause:         cause,
	}
}

// NewCompensationFailedError 创建补偿失败错误
func NewCompensationFailedError(correlationID, stepName string, cause error) *Error {
	return &Error{
		Code:          ErrCodeCompensationFailed,
		Message:       "compensation failed",
		CorrelationID: correlationID,
		StepName:      stepName,
		Cause:         cause,
	}
}

// NewStoreFailedError 创建存储失败错误
func NewStoreFailedError(correlationID string, cause error) *Error {
	return &Error{
		Code:          ErrCodeStoreFailed,
		Message:       "state store operation failed",
		CorrelationID: correlationID,
		Cause:         cause,
	}
}
