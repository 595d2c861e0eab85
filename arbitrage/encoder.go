package arbitrage

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

type OpKind uint8

const (
	OpApprove OpKind = iota + 1
	OpSplit
	OpMerge
	OpSwapExactIn
	OpSwapExactOut
	OpBatchedSwap
)

func (k OpKind) String() string {
	switch k {
	case OpApprove:
		return "approve"
	case OpSplit:
		return "split"
	case OpMerge:
		return "merge"
	case OpSwapExactIn:
		return "swap-exact-in"
	case OpSwapExactOut:
		return "swap-exact-out"
	case OpBatchedSwap:
		return "batched-swap"
	default:
		return "unknown"
	}
}

// Operation is one of Approve, Split, Merge, SwapExactIn, SwapExactOut, BatchedSwap
type Operation interface {
	Kind() OpKind
	operation()
}

type Approve struct {
	Token   common.Address
	Spender common.Address
	Amount  *big.Int
}

type Split struct {
	Router     common.Address
	Proposal   common.Address
	Collateral common.Address
	Amount     *big.Int
}

type Merge struct {
	Router     common.Address
	Proposal   common.Address
	Collateral common.Address
	Amount     *big.Int
}

type SwapExactIn struct {
	Router    common.Address
	TokenIn   common.Address
	TokenOut  common.Address
	Fee       uint32
	AmountIn  *big.Int
	MinOut    *big.Int
	Recipient common.Address
	Deadline  *big.Int
}

type SwapExactOut struct {
	Router    common.Address
	TokenIn   common.Address
	TokenOut  common.Address
	Fee       uint32
	AmountOut *big.Int
	MaxIn     *big.Int
	Recipient common.Address
	Deadline  *big.Int
}

type PathStep struct {
	Pool     common.Address
	TokenOut common.Address
	IsBuffer bool
}

// BatchedSwap is a single multi-hop path through the venue batch router.
// Amount is the exact input (or exact output when ExactOut is set) and Limit is
// the minimum output (or maximum input).
type BatchedSwap struct {
	Router   common.Address
	TokenIn  common.Address
	Steps    []PathStep
	ExactOut bool
	Amount   *big.Int
	Limit    *big.Int
	Deadline *big.Int
}

func (Approve) Kind() OpKind      { return OpApprove }
func (Split) Kind() OpKind        { return OpSplit }
func (Merge) Kind() OpKind        { return OpMerge }
func (SwapExactIn) Kind() OpKind  { return OpSwapExactIn }
func (SwapExactOut) Kind() OpKind { return OpSwapExactOut }
func (BatchedSwap) Kind() OpKind  { return OpBatchedSwap }

func (Approve) operation()      {}
func (Split) operation()        {}
func (Merge) operation()        {}
func (SwapExactIn) operation()  {}
func (SwapExactOut) operation() {}
func (BatchedSwap) operation()  {}

func (b BatchedSwap) TokenOut() common.Address {
	if len(b.Steps) == 0 {
		return common.Address{}
	}
	return b.Steps[len(b.Steps)-1].TokenOut
}

// abi tuple shapes, field order must follow the router ABI
type algebraExactInputParams struct {
	TokenIn          common.Address
	TokenOut         common.Address
	Recipient        common.Address
	Deadline         *big.Int
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
	LimitSqrtPrice   *big.Int
}

type algebraExactOutputParams struct {
	TokenIn         common.Address
	TokenOut        common.Address
	Fee             *big.Int
	Recipient       common.Address
	Deadline        *big.Int
	AmountOut       *big.Int
	AmountInMaximum *big.Int
	LimitSqrtPrice  *big.Int
}

type uniswapExactInputParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

type uniswapExactOutputParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountOut         *big.Int
	AmountInMaximum   *big.Int
	SqrtPriceLimitX96 *big.Int
}

type swapPathStep struct {
	Pool     common.Address
	TokenOut common.Address
	IsBuffer bool
}

type swapPathExactAmountIn struct {
	TokenIn       common.Address
	Steps         []swapPathStep
	ExactAmountIn *big.Int
	MinAmountOut  *big.Int
}

type swapPathExactAmountOut struct {
	TokenIn        common.Address
	Steps          []swapPathStep
	MaxAmountIn    *big.Int
	ExactAmountOut *big.Int
}

const maxFee = 1<<24 - 1

var big0 = new(big.Int)

// Encoder turns operations into calls. Single-hop swaps are encoded with the
// router schema it was created with.
type Encoder struct {
	version   RouterVersion
	routerABI abi.ABI
}

func NewEncoder(version RouterVersion) (*Encoder, error) {
	routerABI, err := version.abi()
	if err != nil {
		return nil, err
	}
	return &Encoder{version: version, routerABI: routerABI}, nil
}

func (e *Encoder) Version() RouterVersion {
	return e.version
}

// ParseAddress validates a hex encoded 20-byte address
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", ErrEncoding, s)
	}
	return common.HexToAddress(s), nil
}

func checkAmount(name string, v *big.Int) error {
	if v == nil {
		return fmt.Errorf("%w: %s is missing", ErrEncoding, name)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%w: %s is negative", ErrEncoding, name)
	}
	if v.BitLen() > 256 {
		return fmt.Errorf("%w: %s exceeds uint256", ErrEncoding, name)
	}
	return nil
}

func checkAddress(name string, a common.Address) error {
	if a == (common.Address{}) {
		return fmt.Errorf("%w: %s is the zero address", ErrEncoding, name)
	}
	return nil
}

func checkFee(fee uint32) error {
	if fee > maxFee {
		return fmt.Errorf("%w: fee %d exceeds uint24", ErrEncoding, fee)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func pack(contract abi.ABI, target common.Address, method string, args ...interface{}) (Call, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return Call{}, fmt.Errorf("%w: pack %s: %w", ErrEncoding, method, err)
	}
	return Call{Target: target, Value: new(big.Int), Data: data}, nil
}

// Encode returns the call for the operation
func (e *Encoder) Encode(op Operation) (Call, error) {
	switch op := op.(type) {
	case Approve:
		return e.encodeApprove(op)
	case Split:
		if err := firstErr(checkAddress("router", op.Router), checkAddress("proposal", op.Proposal),
			checkAddress("collateral", op.Collateral), checkAmount("amount", op.Amount)); err != nil {
			return Call{}, err
		}
		return pack(futarchyRouterABI, op.Router, "splitPosition", op.Proposal, op.Collateral, op.Amount)
	case Merge:
		if err := firstErr(checkAddress("router", op.Router), checkAddress("proposal", op.Proposal),
			checkAddress("collateral", op.Collateral), checkAmount("amount", op.Amount)); err != nil {
			return Call{}, err
		}
		return pack(futarchyRouterABI, op.Router, "mergePositions", op.Proposal, op.Collateral, op.Amount)
	case SwapExactIn:
		return e.encodeSwapExactIn(op)
	case SwapExactOut:
		return e.encodeSwapExactOut(op)
	case BatchedSwap:
		return e.encodeBatchedSwap(op)
	default:
		return Call{}, fmt.Errorf("%w: unsupported operation %T", ErrEncoding, op)
	}
}

func (e *Encoder) encodeApprove(op Approve) (Call, error) {
	if err := firstErr(checkAddress("token", op.Token), checkAddress("spender", op.Spender),
		checkAmount("amount", op.Amount)); err != nil {
		return Call{}, err
	}
	return pack(erc20ABI, op.Token, "approve", op.Spender, op.Amount)
}

func (e *Encoder) encodeSwapExactIn(op SwapExactIn) (Call, error) {
	if err := firstErr(checkAddress("router", op.Router), checkAddress("tokenIn", op.TokenIn),
		checkAddress("tokenOut", op.TokenOut), checkAddress("recipient", op.Recipient),
		checkAmount("amountIn", op.AmountIn), checkAmount("minOut", op.MinOut),
		checkAmount("deadline", op.Deadline), checkFee(op.Fee)); err != nil {
		return Call{}, err
	}
	switch e.version {
	case RouterAlgebraV1:
		return pack(e.routerABI, op.Router, "exactInputSingle", algebraExactInputParams{
			TokenIn:          op.TokenIn,
			TokenOut:         op.TokenOut,
			Recipient:        op.Recipient,
			Deadline:         op.Deadline,
			AmountIn:         op.AmountIn,
			AmountOutMinimum: op.MinOut,
			LimitSqrtPrice:   big0,
		})
	default:
		return pack(e.routerABI, op.Router, "exactInputSingle", uniswapExactInputParams{
			TokenIn:           op.TokenIn,
			TokenOut:          op.TokenOut,
			Fee:               new(big.Int).SetUint64(uint64(op.Fee)),
			Recipient:         op.Recipient,
			Deadline:          op.Deadline,
			AmountIn:          op.AmountIn,
			AmountOutMinimum:  op.MinOut,
			SqrtPriceLimitX96: big0,
		})
	}
}

func (e *Encoder) encodeSwapExactOut(op SwapExactOut) (Call, error) {
	if err := firstErr(checkAddress("router", op.Router), checkAddress("tokenIn", op.TokenIn),
		checkAddress("tokenOut", op.TokenOut), checkAddress("recipient", op.Recipient),
		checkAmount("amountOut", op.AmountOut), checkAmount("maxIn", op.MaxIn),
		checkAmount("deadline", op.Deadline), checkFee(op.Fee)); err != nil {
		return Call{}, err
	}
	fee := new(big.Int).SetUint64(uint64(op.Fee))
	switch e.version {
	case RouterAlgebraV1:
		return pack(e.routerABI, op.Router, "exactOutputSingle", algebraExactOutputParams{
			TokenIn:         op.TokenIn,
			TokenOut:        op.TokenOut,
			Fee:             fee,
			Recipient:       op.Recipient,
			Deadline:        op.Deadline,
			AmountOut:       op.AmountOut,
			AmountInMaximum: op.MaxIn,
			LimitSqrtPrice:  big0,
		})
	default:
		return pack(e.routerABI, op.Router, "exactOutputSingle", uniswapExactOutputParams{
			TokenIn:           op.TokenIn,
			TokenOut:          op.TokenOut,
			Fee:               fee,
			Recipient:         op.Recipient,
			Deadline:          op.Deadline,
			AmountOut:         op.AmountOut,
			AmountInMaximum:   op.MaxIn,
			SqrtPriceLimitX96: big0,
		})
	}
}

func (e *Encoder) encodeBatchedSwap(op BatchedSwap) (Call, error) {
	if err := firstErr(checkAddress("router", op.Router), checkAddress("tokenIn", op.TokenIn),
		checkAmount("amount", op.Amount), checkAmount("limit", op.Limit),
		checkAmount("deadline", op.Deadline)); err != nil {
		return Call{}, err
	}
	if len(op.Steps) == 0 {
		return Call{}, fmt.Errorf("%w: batched swap without steps", ErrEncoding)
	}
	steps := make([]swapPathStep, len(op.Steps))
	for i, s := range op.Steps {
		if err := firstErr(checkAddress("pool", s.Pool), checkAddress("step tokenOut", s.TokenOut)); err != nil {
			return Call{}, err
		}
		steps[i] = swapPathStep(s)
	}
	if op.ExactOut {
		paths := []swapPathExactAmountOut{{
			TokenIn:        op.TokenIn,
			Steps:          steps,
			MaxAmountIn:    op.Limit,
			ExactAmountOut: op.Amount,
		}}
		return pack(batchRouterABI, op.Router, "swapExactOut", paths, op.Deadline, false, []byte{})
	}
	paths := []swapPathExactAmountIn{{
		TokenIn:       op.TokenIn,
		Steps:         steps,
		ExactAmountIn: op.Amount,
		MinAmountOut:  op.Limit,
	}}
	return pack(batchRouterABI, op.Router, "swapExactIn", paths, op.Deadline, false, []byte{})
}

// Decode recovers the operation from a call produced by Encode
func (e *Encoder) Decode(call Call) (Operation, error) {
	if len(call.Data) < 4 {
		return nil, fmt.Errorf("%w: calldata too short", ErrUnrecognizedResult)
	}
	selector, args := call.Data[:4], call.Data[4:]

	if method, err := erc20ABI.MethodById(selector); err == nil && method.Name == "approve" {
		out, err := method.Inputs.Unpack(args)
		if err != nil {
			return nil, fmt.Errorf("%w: approve: %w", ErrUnrecognizedResult, err)
		}
		return Approve{
			Token:   call.Target,
			Spender: out[0].(common.Address), //nolint:forcetypeassert
			Amount:  out[1].(*big.Int),       //nolint:forcetypeassert
		}, nil
	}
	if method, err := futarchyRouterABI.MethodById(selector); err == nil {
		out, err := method.Inputs.Unpack(args)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnrecognizedResult, method.Name, err)
		}
		proposal := out[0].(common.Address)   //nolint:forcetypeassert
		collateral := out[1].(common.Address) //nolint:forcetypeassert
		amount := out[2].(*big.Int)           //nolint:forcetypeassert
		if method.Name == "splitPosition" {
			return Split{Router: call.Target, Proposal: proposal, Collateral: collateral, Amount: amount}, nil
		}
		return Merge{Router: call.Target, Proposal: proposal, Collateral: collateral, Amount: amount}, nil
	}
	if method, err := e.routerABI.MethodById(selector); err == nil {
		out, err := method.Inputs.Unpack(args)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnrecognizedResult, method.Name, err)
		}
		return e.decodeSingleSwap(call.Target, method.Name, out[0])
	}
	if method, err := batchRouterABI.MethodById(selector); err == nil {
		out, err := method.Inputs.Unpack(args)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnrecognizedResult, method.Name, err)
		}
		return decodeBatchedSwap(call.Target, method.Name, out)
	}
	return nil, fmt.Errorf("%w: unknown selector %x", ErrUnrecognizedResult, selector)
}

func (e *Encoder) decodeSingleSwap(router common.Address, method string, arg interface{}) (Operation, error) {
	switch {
	case e.version == RouterAlgebraV1 && method == "exactInputSingle":
		p := *abi.ConvertType(arg, new(algebraExactInputParams)).(*algebraExactInputParams) //nolint:forcetypeassert
		return SwapExactIn{Router: router, TokenIn: p.TokenIn, TokenOut: p.TokenOut, AmountIn: p.AmountIn,
			MinOut: p.AmountOutMinimum, Recipient: p.Recipient, Deadline: p.Deadline}, nil
	case e.version == RouterAlgebraV1:
		p := *abi.ConvertType(arg, new(algebraExactOutputParams)).(*algebraExactOutputParams) //nolint:forcetypeassert
		return SwapExactOut{Router: router, TokenIn: p.TokenIn, TokenOut: p.TokenOut, Fee: uint32(p.Fee.Uint64()),
			AmountOut: p.AmountOut, MaxIn: p.AmountInMaximum, Recipient: p.Recipient, Deadline: p.Deadline}, nil
	case method == "exactInputSingle":
		p := *abi.ConvertType(arg, new(uniswapExactInputParams)).(*uniswapExactInputParams) //nolint:forcetypeassert
		return SwapExactIn{Router: router, TokenIn: p.TokenIn, TokenOut: p.TokenOut, Fee: uint32(p.Fee.Uint64()),
			AmountIn: p.AmountIn, MinOut: p.AmountOutMinimum, Recipient: p.Recipient, Deadline: p.Deadline}, nil
	default:
		p := *abi.ConvertType(arg, new(uniswapExactOutputParams)).(*uniswapExactOutputParams) //nolint:forcetypeassert
		return SwapExactOut{Router: router, TokenIn: p.TokenIn, TokenOut: p.TokenOut, Fee: uint32(p.Fee.Uint64()),
			AmountOut: p.AmountOut, MaxIn: p.AmountInMaximum, Recipient: p.Recipient, Deadline: p.Deadline}, nil
	}
}

func decodeBatchedSwap(router common.Address, method string, out []interface{}) (Operation, error) {
	deadline := out[1].(*big.Int) //nolint:forcetypeassert
	toSteps := func(in []swapPathStep) []PathStep {
		steps := make([]PathStep, len(in))
		for i, s := range in {
			steps[i] = PathStep(s)
		}
		return steps
	}
	if method == "swapExactOut" {
		paths := *abi.ConvertType(out[0], new([]swapPathExactAmountOut)).(*[]swapPathExactAmountOut) //nolint:forcetypeassert
		if len(paths) != 1 {
			return nil, fmt.Errorf("%w: expected a single path, got %d", ErrUnrecognizedResult, len(paths))
		}
		p := paths[0]
		return BatchedSwap{Router: router, TokenIn: p.TokenIn, Steps: toSteps(p.Steps), ExactOut: true,
			Amount: p.ExactAmountOut, Limit: p.MaxAmountIn, Deadline: deadline}, nil
	}
	paths := *abi.ConvertType(out[0], new([]swapPathExactAmountIn)).(*[]swapPathExactAmountIn) //nolint:forcetypeassert
	if len(paths) != 1 {
		return nil, fmt.Errorf("%w: expected a single path, got %d", ErrUnrecognizedResult, len(paths))
	}
	p := paths[0]
	return BatchedSwap{Router: router, TokenIn: p.TokenIn, Steps: toSteps(p.Steps),
		Amount: p.ExactAmountIn, Limit: p.MinAmountOut, Deadline: deadline}, nil
}

// DecodeSwapReturn decodes the router return data of a swap call. It returns the
// amount that was not fixed by the call: output for exact-in, input for exact-out.
func (e *Encoder) DecodeSwapReturn(op Operation, output []byte) (*big.Int, error) {
	var (
		contract abi.ABI
		method   string
	)
	switch op := op.(type) {
	case SwapExactIn:
		contract, method = e.routerABI, "exactInputSingle"
	case SwapExactOut:
		contract, method = e.routerABI, "exactOutputSingle"
	case BatchedSwap:
		contract, method = batchRouterABI, "swapExactIn"
		if op.ExactOut {
			method = "swapExactOut"
		}
	default:
		return nil, fmt.Errorf("%w: %s has no swap return", ErrUnrecognizedResult, op.Kind())
	}
	out, err := contract.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("%w: %s return: %w", ErrUnrecognizedResult, method, err)
	}
	switch v := out[0].(type) {
	case *big.Int:
		return v, nil
	case []*big.Int:
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: %s returned no path amounts", ErrUnrecognizedResult, method)
		}
		return v[0], nil
	default:
		return nil, fmt.Errorf("%w: %s unexpected return %T", ErrUnrecognizedResult, method, v)
	}
}

// EncodeSwapReturn produces router return data for a swap, used by test backends
func (e *Encoder) EncodeSwapReturn(op Operation, amount *big.Int) ([]byte, error) {
	switch op := op.(type) {
	case SwapExactIn:
		return e.routerABI.Methods["exactInputSingle"].Outputs.Pack(amount)
	case SwapExactOut:
		return e.routerABI.Methods["exactOutputSingle"].Outputs.Pack(amount)
	case BatchedSwap:
		method := "swapExactIn"
		token := op.TokenOut()
		if op.ExactOut {
			method = "swapExactOut"
			token = op.TokenIn
		}
		return batchRouterABI.Methods[method].Outputs.Pack([]*big.Int{amount}, []common.Address{token}, []*big.Int{amount})
	default:
		return nil, fmt.Errorf("%w: %s has no swap return", ErrEncoding, op.Kind())
	}
}
