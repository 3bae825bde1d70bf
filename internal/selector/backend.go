package selector

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/bridge"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/errdefs"
	"github.com/pierrealexandreguillemin-a11y/godot-mcp-unified-sub006/internal/pool"
)

// BridgeClient is the slice of the bridge the selector needs.
type BridgeClient interface {
	Request(ctx context.Context, action bridge.Action, params interface{}, timeout time.Duration) (json.RawMessage, error)
	Healthy() bool
}

// BridgeBackend services operations over the live editor connection.
type BridgeBackend struct {
	client BridgeClient
}

func NewBridgeBackend(client BridgeClient) *BridgeBackend {
	return &BridgeBackend{client: client}
}

func (b *BridgeBackend) Name() string { return "bridge" }

func (b *BridgeBackend) Healthy() bool { return b.client.Healthy() }

func (b *BridgeBackend) Probe(ctx context.Context) error {
	if !b.client.Healthy() {
		return &errdefs.ConnectionLostError{}
	}
	return nil
}

func (b *BridgeBackend) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	return b.client.Request(ctx, req.Action, req.Params, req.Timeout)
}

// TaskRunner is the slice of the process pool the selector needs.
type TaskRunner interface {
	Submit(op pool.Operation) (*pool.Task, error)
	ShuttingDown() bool
}

// Translator maps a routed request onto an external command invocation.
// It returns a ValidationError when the action cannot be expressed as a
// command.
type Translator func(req Request) (pool.Operation, error)

// PoolBackend services operations by spawning the editor headlessly through
// the process pool. Slower than the bridge but needs no live connection.
type PoolBackend struct {
	runner    TaskRunner
	translate Translator
}

func NewPoolBackend(runner TaskRunner, translate Translator) *PoolBackend {
	return &PoolBackend{runner: runner, translate: translate}
}

func (p *PoolBackend) Name() string { return "pool" }

func (p *PoolBackend) Probe(ctx context.Context) error {
	if p.runner.ShuttingDown() {
		return &errdefs.ShuttingDownError{}
	}
	return nil
}

// poolResult is the JSON shape a pool-backed execution resolves to.
type poolResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
}

func (p *PoolBackend) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	op, err := p.translate(req)
	if err != nil {
		return nil, err
	}
	if req.Timeout > 0 {
		op.Timeout = req.Timeout
	}

	task, err := p.runner.Submit(op)
	if err != nil {
		return nil, err
	}

	result, err := task.Wait(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(poolResult{
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		DurationMs: result.Duration.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}
