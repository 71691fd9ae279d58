package worker

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/hotworker/internal/timeout"
	"github.com/ChuLiYu/hotworker/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotStarted 表示 Supervisor 尚未啟動，無法提交操作
	ErrNotStarted = errors.New("worker: supervisor not started")
	// ErrAlreadyStarted 表示 Start 被重複呼叫
	ErrAlreadyStarted = errors.New("worker: supervisor already started")
	// ErrStopped 表示 Supervisor 已關閉，無法提交新操作
	ErrStopped = errors.New("worker: supervisor stopped")
	// ErrFatal 由應用程式包裝回傳，要求該 worker 退役
	ErrFatal = errors.New("worker: fatal application error")
	// ErrAbandoned 表示逾時的操作在寬限期內沒有返回
	ErrAbandoned = errors.New("worker: execution abandoned after grace period")
)

// OperationError is the failure reported for an operation that did not
// complete normally.
type OperationError struct {
	OperationID types.OperationID
	Kind        types.OperationKind
	Cause       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s (%s) failed: %v", e.OperationID, e.Kind, e.Cause)
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// TimedOut distinguishes slow-operation termination from logic errors.
func (e *OperationError) TimedOut() bool {
	return errors.Is(e.Cause, timeout.ErrExpired)
}

// PanicError wraps a value recovered from the application.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("application panic: %v", e.Value)
}

// Fatal marks err so the default retirement policy retires the worker.
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}
