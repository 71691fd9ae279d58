// Package types 定義了 hotworker 系統中使用的核心領域模型
package types

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// OperationID 操作唯一識別碼（ULID，依時間排序）
type OperationID string

// OperationKind 操作種類
type OperationKind string

// 定義操作種類常數
const (
	KindRequest OperationKind = "request" // 請求：由傳輸層送入
	KindTask    OperationKind = "task"    // 背景任務
	KindTick    OperationKind = "tick"    // 週期性 tick
)

// Valid reports whether k is one of the three known kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case KindRequest, KindTask, KindTick:
		return true
	}
	return false
}

// Outcome 操作完成結果
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded" // 正常完成
	OutcomeFailed    Outcome = "failed"    // 應用程式或 listener 失敗
	OutcomeTimedOut  Outcome = "timed_out" // 超過 max_execution_time
)

// Operation 代表一個工作單元，由傳輸層或排程器建立
type Operation struct {
	ID      OperationID   `json:"id"`
	Kind    OperationKind `json:"kind"`
	Payload any           `json:"payload,omitempty"` // 對核心而言不透明

	// 由 worker 在開始執行時設定，設定後不可變
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline,omitempty"` // 零值表示無限制
}

// NewOperation 建立新的操作，ID 為 ULID
func NewOperation(kind OperationKind, payload any) *Operation {
	return &Operation{
		ID:      OperationID(ulid.Make().String()),
		Kind:    kind,
		Payload: payload,
	}
}

// Completion 代表回傳給傳輸層的完成訊號
type Completion struct {
	OperationID OperationID   `json:"operation_id"`
	Kind        OperationKind `json:"kind"`
	Outcome     Outcome       `json:"outcome"`
	Result      any           `json:"result,omitempty"`
	Err         error         `json:"-"`
	Duration    time.Duration `json:"duration"`
	WorkerID    string        `json:"worker_id,omitempty"`
}

// Succeeded reports whether the operation completed normally.
func (c Completion) Succeeded() bool {
	return c.Outcome == OutcomeSucceeded
}

// WorkerState worker 生命週期狀態
type WorkerState int

const (
	StateStarting WorkerState = iota
	StateIdle
	StateRunning
	StateErrorHandling
	StateStopping
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateErrorHandling:
		return "error_handling"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerStatus worker 狀態快照，用於 status 輸出與 admin API
type WorkerStatus struct {
	ID        string      `json:"id"`
	State     WorkerState `json:"-"`
	StateName string      `json:"state"`
	Handled   int         `json:"handled"`
	Errors    int         `json:"errors"`
	StartedAt time.Time   `json:"started_at"`
}
