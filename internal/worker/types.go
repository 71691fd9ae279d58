package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/hotworker/pkg/types"
)

// Application executes operations on behalf of one worker. An instance is
// never shared between workers and lives as long as its worker.
type Application interface {
	Handle(ctx context.Context, op *types.Operation) (any, error)
}

// ApplicationFunc adapts a function to Application.
type ApplicationFunc func(ctx context.Context, op *types.Operation) (any, error)

func (f ApplicationFunc) Handle(ctx context.Context, op *types.Operation) (any, error) {
	return f(ctx, op)
}

// ApplicationFactory builds the application instance owned by a new worker.
type ApplicationFactory func(workerID string) (Application, error)

// Config 控制 Supervisor 的 pool 大小與每個操作的限制
type Config struct {
	Workers          int           // 目標 worker 數
	QueueSize        int           // 共享操作佇列的緩衝大小
	MaxExecutionTime time.Duration // 0 表示不限制
	TimeoutGrace     time.Duration // 逾時後等待應用程式返回的時間，0 使用 DefaultTimeoutGrace
	MaxRequests      int           // 每個 worker 處理多少操作後退役，0 表示不限制
	RespawnInterval  time.Duration // pool 不足額時的補充間隔
	RespawnBurst     int           // 補充 worker 的 token bucket 容量
}

// DefaultTimeoutGrace is used when Config.TimeoutGrace is zero.
const DefaultTimeoutGrace = 5 * time.Second

func (c Config) withDefaults() Config {
	if c.TimeoutGrace <= 0 {
		c.TimeoutGrace = DefaultTimeoutGrace
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 4
	}
	if c.RespawnInterval <= 0 {
		c.RespawnInterval = time.Second
	}
	if c.RespawnBurst <= 0 {
		c.RespawnBurst = c.Workers
	}
	return c
}

// envelope 佇列中的操作與其完成通道
type envelope struct {
	op   *types.Operation
	done chan types.Completion // 容量 1，worker 送出後不阻塞
}

// Stats pool 統計快照
type Stats struct {
	Target   int    `json:"target"`
	Live     int    `json:"live"`
	Queued   int    `json:"queued"`
	Started  uint64 `json:"started"`
	Retired  uint64 `json:"retired"`
	Degraded bool   `json:"degraded"`
}
