package listeners

import (
	"errors"

	"github.com/ChuLiYu/hotworker/internal/events"
	"github.com/ChuLiYu/hotworker/internal/worker"
)

// RetirePolicy decides, after WorkerErrorOccurred, whether the worker that
// failed must leave the pool.
type RetirePolicy interface {
	ShouldRetire(ec *events.Context) bool
}

// RetirePolicyFunc adapts a function to RetirePolicy.
type RetirePolicyFunc func(ec *events.Context) bool

func (f RetirePolicyFunc) ShouldRetire(ec *events.Context) bool { return f(ec) }

// DefaultRetirePolicy retires on application panics, on errors wrapping
// worker.ErrFatal and once the worker has failed MaxErrors times.
// Timeouts and ordinary failures are recovered.
type DefaultRetirePolicy struct {
	MaxErrors int // 0 表示不依次數退役
}

func (p DefaultRetirePolicy) ShouldRetire(ec *events.Context) bool {
	if ec.Err == nil {
		return false
	}
	var pe *worker.PanicError
	if errors.As(ec.Err, &pe) || errors.Is(ec.Err, worker.ErrFatal) {
		return true
	}
	return p.MaxErrors > 0 && ec.ErrorCount >= p.MaxErrors
}
