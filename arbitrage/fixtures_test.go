package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var signingKey, _ = crypto.HexToECDSA("f14240ad715b780803f613f636b05bacc2db6622c21eb48bf4302ec3e44c0acb")

func addr(n byte) common.Address {
	return common.BytesToAddress([]byte{n})
}

// milli returns n/1000 of a token with 18 decimals
func milli(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e15))
}

var (
	tCollateral = addr(0x10)
	tCompany    = addr(0x11)
	tProposal   = addr(0x12)
	tFutarchy   = addr(0x13)
	tYesColl    = addr(0x20)
	tYesComp    = addr(0x21)
	tNoColl     = addr(0x22)
	tNoComp     = addr(0x23)
	tRouter     = addr(0x30)
	tPoolA      = addr(0x31)
	tLiqPoolA   = addr(0x32)
	tPoolB      = addr(0x33)
	tLiqPoolB   = addr(0x34)
	tBatch      = addr(0x40)
	tVault      = addr(0x41)
	tSpotPool   = addr(0x42)
	tDelegate   = addr(0x50)
)

// testMarket buys conditional Company tokens on both legs with conditional collateral
func testMarket() *Market {
	return &Market{
		Name:           "test",
		Collateral:     tCollateral,
		Company:        tCompany,
		Proposal:       tProposal,
		FutarchyRouter: tFutarchy,
		RouterVersion:  RouterAlgebraV1,
		A: Leg{
			Input: tYesColl, Output: tYesComp, Router: tRouter, Pool: tPoolA,
			LiquidationRouter: tRouter, LiquidationPool: tLiqPoolA,
		},
		B: Leg{
			Input: tNoColl, Output: tNoComp, Router: tRouter, Pool: tPoolB,
			LiquidationRouter: tRouter, LiquidationPool: tLiqPoolB,
		},
		SpotRouter:  tBatch,
		SpotVault:   tVault,
		SpotSteps:   []PathStep{{Pool: tSpotPool, TokenOut: tCollateral}},
		Delegate:    tDelegate,
		Capacity:    DefaultCapacity,
		Approvals:   Preapproved,
		Liquidation: LiquidationSellSurplus,
		SlippageBps: 1000,
		Deadline:    5 * time.Minute,
	}
}

func transferLog(token, from, to common.Address, amount *big.Int) CallLog {
	return CallLog{
		Address: token,
		Topics:  []common.Hash{TransferEventTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:    common.LeftPadBytes(amount.Bytes(), 32),
	}
}

// fakePools executes bundles against constant-rate pools and reports the
// execution the way a callTracer would
type fakePools struct {
	mu       sync.Mutex
	market   *Market
	enc      *Encoder
	rates    map[[2]common.Address]int64
	revert   string
	err      error
	requests []DryRunRequest

	// exactOutPenaltyBps makes exact-out swaps cost more than the quoted rate
	exactOutPenaltyBps int64
	ignoreMaxIn        bool
}

func newFakePools(t *testing.T, market *Market) *fakePools {
	t.Helper()
	enc, err := NewEncoder(market.RouterVersion)
	require.NoError(t, err)
	return &fakePools{
		market: market,
		enc:    enc,
		rates: map[[2]common.Address]int64{
			{tYesColl, tYesComp}:    9800,
			{tNoColl, tNoComp}:      9500,
			{tCompany, tCollateral}: 10800,
			{tYesColl, tCollateral}: 9000,
			{tNoColl, tCollateral}:  9000,
			{tCollateral, tYesColl}: 9500,
			{tCollateral, tNoColl}:  9500,
		},
	}
}

func (f *fakePools) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakePools) rate(in, out common.Address) (*big.Int, error) {
	r, ok := f.rates[[2]common.Address{in, out}]
	if !ok {
		return nil, fmt.Errorf("no pool for %s -> %s", in.Hex(), out.Hex())
	}
	return big.NewInt(r), nil
}

func (f *fakePools) quoteOut(in, out common.Address, amountIn *big.Int) (*big.Int, error) {
	r, err := f.rate(in, out)
	if err != nil {
		return nil, err
	}
	res := new(big.Int).Mul(amountIn, r)
	return res.Quo(res, bigBps), nil
}

func (f *fakePools) quoteIn(in, out common.Address, amountOut *big.Int) (*big.Int, error) {
	r, err := f.rate(in, out)
	if err != nil {
		return nil, err
	}
	res := new(big.Int).Mul(amountOut, bigBps)
	res.Add(res, new(big.Int).Sub(r, big.NewInt(1)))
	return res.Quo(res, r), nil
}

func (f *fakePools) pool(in, out common.Address) common.Address {
	for _, leg := range []Leg{f.market.A, f.market.B} {
		if in == leg.Input && out == leg.Output {
			return leg.Pool
		}
		if in == leg.Input || out == leg.Input {
			return leg.LiquidationPool
		}
	}
	return common.Address{}
}

func (f *fakePools) positions(collateral common.Address) (common.Address, common.Address) {
	if collateral == f.market.Company {
		return f.market.A.Output, f.market.B.Output
	}
	return f.market.A.Input, f.market.B.Input
}

func (f *fakePools) execute(account common.Address, call Call) (CallFrame, error) {
	target := call.Target
	frame := CallFrame{Type: "CALL", From: account, To: &target, Input: call.Data, GasUsed: 50_000}
	op, err := f.enc.Decode(call)
	if err != nil {
		return frame, err
	}
	revert := func(reason string) (CallFrame, error) {
		frame.Error = "execution reverted"
		frame.RevertReason = reason
		return frame, nil
	}

	switch op := op.(type) {
	case Approve:
	case Split:
		yes, no := f.positions(op.Collateral)
		frame.Logs = []CallLog{
			transferLog(op.Collateral, account, op.Router, op.Amount),
			transferLog(yes, op.Router, account, op.Amount),
			transferLog(no, op.Router, account, op.Amount),
		}
	case Merge:
		yes, no := f.positions(op.Collateral)
		frame.Logs = []CallLog{
			transferLog(yes, account, op.Router, op.Amount),
			transferLog(no, account, op.Router, op.Amount),
			transferLog(op.Collateral, op.Router, account, op.Amount),
		}
	case SwapExactIn:
		out, err := f.quoteOut(op.TokenIn, op.TokenOut, op.AmountIn)
		if err != nil {
			return frame, err
		}
		if out.Cmp(op.MinOut) < 0 {
			return revert("Too little received")
		}
		pool := f.pool(op.TokenIn, op.TokenOut)
		frame.Logs = []CallLog{
			transferLog(op.TokenIn, account, pool, op.AmountIn),
			transferLog(op.TokenOut, pool, account, out),
		}
		if frame.Output, err = f.enc.EncodeSwapReturn(op, out); err != nil {
			return frame, err
		}
	case SwapExactOut:
		in, err := f.quoteIn(op.TokenIn, op.TokenOut, op.AmountOut)
		if err != nil {
			return frame, err
		}
		if f.exactOutPenaltyBps > 0 {
			in = addBps(in, uint64(f.exactOutPenaltyBps))
		}
		if in.Cmp(op.MaxIn) > 0 && !f.ignoreMaxIn {
			return revert("Too much requested")
		}
		pool := f.pool(op.TokenIn, op.TokenOut)
		frame.Logs = []CallLog{
			transferLog(op.TokenIn, account, pool, in),
			transferLog(op.TokenOut, pool, account, op.AmountOut),
		}
		if frame.Output, err = f.enc.EncodeSwapReturn(op, in); err != nil {
			return frame, err
		}
	case BatchedSwap:
		out, err := f.quoteOut(op.TokenIn, op.TokenOut(), op.Amount)
		if err != nil {
			return frame, err
		}
		if out.Cmp(op.Limit) < 0 {
			return revert("SwapLimit")
		}
		frame.Logs = []CallLog{
			transferLog(op.TokenIn, account, f.market.SpotVault, op.Amount),
			transferLog(op.TokenOut(), f.market.SpotVault, account, out),
		}
		if frame.Output, err = f.enc.EncodeSwapReturn(op, out); err != nil {
			return frame, err
		}
	}
	return frame, nil
}

func (f *fakePools) Simulate(_ context.Context, req DryRunRequest) (*DryRunResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	calls, err := DecodeBatch(f.market.Capacity, req.Calldata)
	if err != nil {
		return nil, err
	}
	from := req.From
	root := CallFrame{Type: "CALL", From: from, To: &from, Input: req.Calldata}
	for _, call := range calls {
		frame, err := f.execute(from, call)
		if err != nil {
			return nil, err
		}
		root.Calls = append(root.Calls, frame)
		root.GasUsed += frame.GasUsed
		if frame.Failed() {
			root.Error = "execution reverted"
			break
		}
	}
	if f.revert != "" && !root.Failed() {
		root.Error = "execution reverted"
		root.RevertReason = f.revert
	}
	return &DryRunResult{
		Success:      !root.Failed(),
		ReturnData:   root.Output,
		RevertReason: root.FailureReason(),
		Trace:        &root,
		GasUsed:      uint64(root.GasUsed),
	}, nil
}

// fakeChain mines every sent transaction in block 100 by running it through the pools
type fakeChain struct {
	mu          sync.Mutex
	pools       *fakePools
	chainID     *big.Int
	nonce       uint64
	baseFee     *big.Int
	tip         *big.Int
	estimate    uint64
	estimateErr error
	sendErr     error
	revert      string
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	lastMsg     ethereum.CallMsg
}

func newFakeChain(pools *fakePools) *fakeChain {
	return &fakeChain{
		pools:    pools,
		chainID:  big.NewInt(100),
		nonce:    7,
		baseFee:  big.NewInt(1_000_000_000),
		tip:      big.NewInt(1_500_000_000),
		estimate: 500_000,
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (c *fakeChain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce, nil
}

func (c *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (c *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(99), BaseFee: c.baseFee}, nil
}

func (c *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return c.tip, nil
}

func (c *fakeChain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastMsg = msg
	return c.estimate, c.estimateErr
}

func (c *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	if c.revert != "" {
		return nil, errors.New("execution reverted: " + c.revert)
	}
	return nil, nil
}

func (c *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(100),
		GasUsed:     300_000,
	}
	if c.revert != "" {
		receipt.Status = types.ReceiptStatusFailed
	} else if c.pools != nil {
		res, err := c.pools.Simulate(ctx, DryRunRequest{From: *tx.To(), Calldata: tx.Data()})
		if err != nil {
			return err
		}
		receipt.Logs = res.Trace.AllLogs()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	c.receipts[tx.Hash()] = receipt
	c.nonce++
	return nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (c *fakeChain) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}
