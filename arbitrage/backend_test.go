package arbitrage

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     int               `json:"id"`
}

type staticCode []byte

func (c staticCode) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return c, nil
}

// rpcServer answers every method with the handler result or error object
func rpcServer(t *testing.T, handle func(req rpcRequest) (interface{}, map[string]interface{})) (*httptest.Server, func() []rpcRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []rpcRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req rpcRequest
		require.NoError(t, json.Unmarshal(body, &req))
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		result, rpcErr := handle(req)
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []rpcRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]rpcRequest{}, requests...)
	}
}

func TestJSONRPCDryRunBackendTrace(t *testing.T) {
	account := addr(0xaa)
	trace := CallFrame{
		Type:    "CALL",
		From:    account,
		To:      &account,
		GasUsed: 123_456,
		Calls: []CallFrame{{
			Type:   "CALL",
			From:   account,
			To:     &tRouter,
			Output: common.LeftPadBytes(big.NewInt(42).Bytes(), 32),
			Logs:   []CallLog{transferLog(tCollateral, tPoolA, account, big.NewInt(42))},
		}},
	}
	srv, requests := rpcServer(t, func(req rpcRequest) (interface{}, map[string]interface{}) {
		return trace, nil
	})
	code := staticCode{0x60, 0x80, 0x60, 0x40}
	backend := NewJSONRPCDryRunBackend(srv.URL, code, tDelegate, rate.Inf)

	res, err := backend.Simulate(context.Background(), DryRunRequest{From: account, Calldata: []byte{0x01, 0x02}})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, uint64(123_456), res.GasUsed)
	require.NotNil(t, res.Trace)
	require.Len(t, res.Trace.AllLogs(), 1)

	require.Len(t, requests(), 1)
	req := requests()[0]
	require.Equal(t, "debug_traceCall", req.Method)
	require.Len(t, req.Params, 3)

	var args callArgs
	require.NoError(t, json.Unmarshal(req.Params[0], &args))
	require.Equal(t, account, args.From)
	require.Equal(t, account, args.To)
	require.Equal(t, hexutil.Bytes{0x01, 0x02}, args.Data)

	var cfg traceCallConfig
	require.NoError(t, json.Unmarshal(req.Params[2], &cfg))
	require.Equal(t, "callTracer", cfg.Tracer)
	require.True(t, cfg.TracerConfig.WithLog)
	require.Equal(t, hexutil.Bytes(code), cfg.StateOverrides[account].Code)
}

func TestJSONRPCDryRunBackendRevert(t *testing.T) {
	account := addr(0xaa)
	trace := CallFrame{
		Type:  "CALL",
		From:  account,
		To:    &account,
		Error: "execution reverted",
		Calls: []CallFrame{{
			Type:         "CALL",
			From:         account,
			To:           &tRouter,
			Error:        "execution reverted",
			RevertReason: "Too little received",
		}},
	}
	srv, _ := rpcServer(t, func(req rpcRequest) (interface{}, map[string]interface{}) {
		return trace, nil
	})
	backend := NewJSONRPCDryRunBackend(srv.URL, staticCode{0x60}, tDelegate, rate.Inf)

	res, err := backend.Simulate(context.Background(), DryRunRequest{From: account, Calldata: []byte{0x01}})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "Too little received", res.RevertReason)
}

func TestJSONRPCDryRunBackendFallback(t *testing.T) {
	reason, err := abi.Arguments{{Type: mustType(t, "string")}}.Pack("STF")
	require.NoError(t, err)
	revertData := append(common.FromHex("0x08c379a0"), reason...)

	var reverting atomic.Bool
	srv, requests := rpcServer(t, func(req rpcRequest) (interface{}, map[string]interface{}) {
		switch {
		case req.Method == "debug_traceCall":
			return nil, map[string]interface{}{"code": -32601, "message": "the method debug_traceCall does not exist"}
		case reverting.Load():
			return nil, map[string]interface{}{"code": 3, "message": "execution reverted: STF", "data": hexutil.Encode(revertData)}
		default:
			return "0x01", nil
		}
	})
	backend := NewJSONRPCDryRunBackend(srv.URL, staticCode{0x60}, tDelegate, rate.Inf)

	res, err := backend.Simulate(context.Background(), DryRunRequest{From: addr(0xaa), Calldata: []byte{0x01}})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Nil(t, res.Trace)
	require.Equal(t, []byte{0x01}, res.ReturnData)
	require.Equal(t, "eth_call", requests()[1].Method)

	reverting.Store(true)
	res, err = backend.Simulate(context.Background(), DryRunRequest{From: addr(0xaa), Calldata: []byte{0x01}})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "STF", res.RevertReason)
}

func TestJSONRPCDryRunBackendErrors(t *testing.T) {
	srv, _ := rpcServer(t, func(req rpcRequest) (interface{}, map[string]interface{}) {
		return nil, map[string]interface{}{"code": -32000, "message": "header not found"}
	})

	backend := NewJSONRPCDryRunBackend(srv.URL, staticCode{}, tDelegate, rate.Inf)
	_, err := backend.Simulate(context.Background(), DryRunRequest{From: addr(0xaa)})
	require.ErrorContains(t, err, "has no code")

	backend = NewJSONRPCDryRunBackend(srv.URL, staticCode{0x60}, tDelegate, rate.Inf)
	_, err = backend.Simulate(context.Background(), DryRunRequest{From: addr(0xaa)})
	require.ErrorContains(t, err, "header not found")
}

func mustType(t *testing.T, s string) abi.Type {
	t.Helper()
	typ, err := abi.NewType(s, "", nil)
	require.NoError(t, err)
	return typ
}
