package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/condarb/bundler/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ybbus/jsonrpc/v3"
	"golang.org/x/time/rate"
)

const rpcMethodNotFound = -32601

type DryRunRequest struct {
	From     common.Address
	Calldata []byte
	Gas      uint64
}

// DryRunResult carries the outcome of a read-only execution. Trace is nil when
// the backend can only execute the call without tracing it.
type DryRunResult struct {
	Success      bool
	ReturnData   []byte
	RevertReason string
	Trace        *CallFrame
	GasUsed      uint64
}

// DryRunBackend executes the bundle calldata as a self-call of the account with
// the delegate code attached. Implementations must be safe for concurrent use.
type DryRunBackend interface {
	Simulate(ctx context.Context, req DryRunRequest) (*DryRunResult, error)
}

// CodeSource returns contract code, a nil block means latest
type CodeSource interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

type callArgs struct {
	From common.Address  `json:"from"`
	To   common.Address  `json:"to"`
	Gas  *hexutil.Uint64 `json:"gas,omitempty"`
	Data hexutil.Bytes   `json:"data"`
}

type accountOverride struct {
	Code hexutil.Bytes `json:"code"`
}

type tracerConfig struct {
	WithLog bool `json:"withLog"`
}

type traceCallConfig struct {
	Tracer         string                             `json:"tracer"`
	TracerConfig   tracerConfig                       `json:"tracerConfig"`
	StateOverrides map[common.Address]accountOverride `json:"stateOverrides,omitempty"`
}

// JSONRPCDryRunBackend emulates the delegation with a state override that puts the
// delegate runtime code on the account. It prefers debug_traceCall and falls back
// to eth_call on nodes without the debug namespace.
type JSONRPCDryRunBackend struct {
	client   jsonrpc.RPCClient
	code     CodeSource
	delegate common.Address
	limiter  *rate.Limiter
}

func NewJSONRPCDryRunBackend(url string, code CodeSource, delegate common.Address, limit rate.Limit) *JSONRPCDryRunBackend {
	return &JSONRPCDryRunBackend{
		client:   jsonrpc.NewClient(url),
		code:     code,
		delegate: delegate,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

func (b *JSONRPCDryRunBackend) Simulate(ctx context.Context, req DryRunRequest) (*DryRunResult, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	metrics.IncDryRun()
	startAt := time.Now()
	defer func() {
		metrics.RecordDryRunDuration(time.Since(startAt).Milliseconds())
	}()

	code, err := b.code.CodeAt(ctx, b.delegate, nil)
	if err != nil {
		return nil, fmt.Errorf("delegate code: %w", err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("delegate %s has no code", b.delegate.Hex())
	}

	args := callArgs{From: req.From, To: req.From, Data: req.Calldata}
	if req.Gas > 0 {
		gas := hexutil.Uint64(req.Gas)
		args.Gas = &gas
	}
	overrides := map[common.Address]accountOverride{req.From: {Code: code}}

	var frame CallFrame
	err = b.client.CallFor(ctx, &frame, "debug_traceCall", args, "latest", traceCallConfig{
		Tracer:         "callTracer",
		TracerConfig:   tracerConfig{WithLog: true},
		StateOverrides: overrides,
	})
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == rpcMethodNotFound {
		return b.call(ctx, args, overrides)
	}
	if err != nil {
		metrics.IncDryRunFailed()
		return nil, err
	}
	return &DryRunResult{
		Success:      !frame.Failed(),
		ReturnData:   frame.Output,
		RevertReason: frame.FailureReason(),
		Trace:        &frame,
		GasUsed:      uint64(frame.GasUsed),
	}, nil
}

func (b *JSONRPCDryRunBackend) call(ctx context.Context, args callArgs, overrides map[common.Address]accountOverride) (*DryRunResult, error) {
	var out hexutil.Bytes
	err := b.client.CallFor(ctx, &out, "eth_call", args, "latest", overrides)
	if err == nil {
		return &DryRunResult{Success: true, ReturnData: out}, nil
	}
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		metrics.IncDryRunFailed()
		return nil, err
	}
	// execution reverted, geth puts the revert data into the error data field
	reason := rpcErr.Message
	if data, ok := rpcErr.Data.(string); ok {
		if raw, decErr := hexutil.Decode(data); decErr == nil {
			if decoded := decodeRevert(raw); decoded != "" {
				reason = decoded
			}
		}
	}
	if !strings.Contains(strings.ToLower(rpcErr.Message), "revert") && rpcErr.Data == nil {
		metrics.IncDryRunFailed()
		return nil, err
	}
	return &DryRunResult{Success: false, RevertReason: reason}, nil
}
