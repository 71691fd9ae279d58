package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/hotworker/internal/cache"
	"github.com/ChuLiYu/hotworker/internal/events"
	"github.com/ChuLiYu/hotworker/internal/timeout"
	"github.com/ChuLiYu/hotworker/internal/worker"
	"github.com/ChuLiYu/hotworker/pkg/types"
)

// command is the JSON payload the demo application understands. Every
// field is optional; an empty payload echoes null.
type command struct {
	Echo  json.RawMessage `json:"echo,omitempty"`
	Sleep string          `json:"sleep,omitempty"` // e.g. "2s"; honours the timeout
	Hit   string          `json:"hit,omitempty"`   // increment a counter in the default cache table
	Fail  string          `json:"fail,omitempty"`
	Fatal string          `json:"fatal,omitempty"` // fail and retire the worker
	Panic string          `json:"panic,omitempty"`
}

type result struct {
	Worker string          `json:"worker"`
	Echo   json.RawMessage `json:"echo,omitempty"`
	Hits   int64           `json:"hits,omitempty"`
}

// demoApp stands in for the real application in the stock binary.
type demoApp struct {
	workerID string
	logger   *slog.Logger
}

func demoFactory(logger *slog.Logger) worker.ApplicationFactory {
	return func(workerID string) (worker.Application, error) {
		return &demoApp{workerID: workerID, logger: logger.With("worker", workerID)}, nil
	}
}

func (a *demoApp) Handle(ctx context.Context, op *types.Operation) (any, error) {
	if op.Kind == types.KindTick {
		return nil, nil
	}

	var cmd command
	if raw, ok := op.Payload.(json.RawMessage); ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
	}

	if cmd.Sleep != "" {
		d, err := time.ParseDuration(cmd.Sleep)
		if err != nil {
			return nil, fmt.Errorf("invalid sleep: %w", err)
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			if err := timeout.Check(ctx); err != nil {
				return nil, err
			}
			return nil, ctx.Err()
		}
	}

	switch {
	case cmd.Panic != "":
		panic(cmd.Panic)
	case cmd.Fatal != "":
		return nil, worker.Fatal(errors.New(cmd.Fatal))
	case cmd.Fail != "":
		return nil, errors.New(cmd.Fail)
	}

	res := result{Worker: a.workerID, Echo: cmd.Echo}
	if cmd.Hit != "" {
		store, err := cacheFrom(ctx)
		if err != nil {
			return nil, err
		}
		if res.Hits, err = store.Increment(cmd.Hit, 1); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// cacheFrom resolves the worker's cache binding.
func cacheFrom(ctx context.Context) (*cache.Store, error) {
	ec, ok := events.FromContext(ctx)
	if !ok || ec.Bindings == nil {
		return nil, errors.New("no binding container in context")
	}
	v, err := ec.Bindings.Resolve(ctx, "cache")
	if err != nil {
		return nil, err
	}
	store, ok := v.(*cache.Store)
	if !ok || store == nil {
		return nil, errors.New("no default cache table configured")
	}
	return store, nil
}
