package arbitrage

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// CounterpartyResolver lists the addresses that settle the tokens of a swap
type CounterpartyResolver interface {
	Counterparties(op Operation) []common.Address
}

// Extractor recovers swap amounts from dry-run traces and mined receipts
type Extractor struct {
	enc      *Encoder
	resolver CounterpartyResolver
	capacity int
}

func NewExtractor(enc *Encoder, resolver CounterpartyResolver, capacity int) *Extractor {
	return &Extractor{enc: enc, resolver: resolver, capacity: capacity}
}

func isSwap(op Operation) bool {
	switch op.Kind() {
	case OpSwapExactIn, OpSwapExactOut, OpBatchedSwap:
		return true
	default:
		return false
	}
}

// fixedSide returns the amount the call fixes and whether it is the input
func fixedSide(op Operation) (amount *big.Int, isInput bool, tokenIn, tokenOut common.Address) {
	switch op := op.(type) {
	case SwapExactIn:
		return op.AmountIn, true, op.TokenIn, op.TokenOut
	case SwapExactOut:
		return op.AmountOut, false, op.TokenIn, op.TokenOut
	case BatchedSwap:
		return op.Amount, !op.ExactOut, op.TokenIn, op.TokenOut()
	default:
		return nil, false, common.Address{}, common.Address{}
	}
}

func newOutcome(i int, target common.Address, op Operation, other *big.Int) SwapOutcome {
	fixed, isInput, tokenIn, tokenOut := fixedSide(op)
	o := SwapOutcome{
		CallIndex: i,
		Kind:      op.Kind(),
		Target:    target,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
	}
	if isInput {
		o.InputAmount, o.OutputAmount = new(big.Int).Set(fixed), other
	} else {
		o.InputAmount, o.OutputAmount = other, new(big.Int).Set(fixed)
	}
	return o
}

func (x *Extractor) operations(calls []Call, ops []Operation) []Operation {
	res := make([]Operation, len(calls))
	for i, call := range calls {
		if i < len(ops) && ops[i] != nil {
			res[i] = ops[i]
			continue
		}
		if op, err := x.enc.Decode(call); err == nil {
			res[i] = op
		}
	}
	return res
}

// ExtractSimulated matches every swap of the bundle with the router frame of the
// trace that received the same calldata and decodes the router return value.
func (x *Extractor) ExtractSimulated(bundle *Bundle, trace *CallFrame) ([]SwapOutcome, error) {
	if trace == nil {
		return nil, fmt.Errorf("%w: dry-run returned no call trace", ErrUnrecognizedResult)
	}
	calls := bundle.Calls()
	ops := x.operations(calls, bundle.Operations())
	used := make(map[*CallFrame]struct{})

	var outcomes []SwapOutcome
	for i, call := range calls {
		op := ops[i]
		if op == nil || !isSwap(op) {
			continue
		}
		var match *CallFrame
		trace.Walk(func(f *CallFrame) bool {
			if _, ok := used[f]; ok || f.Failed() || f.To == nil {
				return true
			}
			if *f.To == call.Target && bytes.Equal(f.Input, call.Data) {
				match = f
				return false
			}
			return true
		})
		if match == nil {
			return nil, fmt.Errorf("%w: call %d to %s not found in trace", ErrUnrecognizedResult, i, call.Target.Hex())
		}
		used[match] = struct{}{}
		other, err := x.enc.DecodeSwapReturn(op, match.Output)
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		outcomes = append(outcomes, newOutcome(i, call.Target, op, other))
	}
	return outcomes, nil
}

// ExtractMined decodes the fixed side of every swap from the transaction input
// and sums the token transfers between the account and the swap counterparties
// to recover the realized side.
func (x *Extractor) ExtractMined(tx *types.Transaction, receipt *types.Receipt, account common.Address) ([]SwapOutcome, error) {
	if tx.To() == nil || *tx.To() != account {
		return nil, fmt.Errorf("%w: transaction is not a self-call of %s", ErrUnrecognizedResult, account.Hex())
	}
	calls, err := DecodeBatch(x.capacity, tx.Data())
	if err != nil {
		return nil, err
	}
	ops := x.operations(calls, nil)
	used := make(map[int]struct{})

	var outcomes []SwapOutcome
	for i, call := range calls {
		op := ops[i]
		if op == nil || !isSwap(op) {
			continue
		}
		_, isInput, tokenIn, tokenOut := fixedSide(op)
		cps := make(map[common.Address]struct{})
		for _, cp := range x.resolver.Counterparties(op) {
			cps[cp] = struct{}{}
		}

		total := new(big.Int)
		matched := false
		for li, l := range receipt.Logs {
			if _, ok := used[li]; ok {
				continue
			}
			from, to, value, ok := parseTransfer(l)
			if !ok {
				continue
			}
			var hit bool
			if isInput {
				_, fromCp := cps[from]
				hit = l.Address == tokenOut && fromCp && to == account
			} else {
				_, toCp := cps[to]
				hit = l.Address == tokenIn && from == account && toCp
			}
			if hit {
				used[li] = struct{}{}
				total.Add(total, value)
				matched = true
			}
		}
		if !matched {
			return nil, fmt.Errorf("%w: no transfer logs for call %d to %s", ErrUnrecognizedResult, i, call.Target.Hex())
		}
		outcomes = append(outcomes, newOutcome(i, call.Target, op, total))
	}
	return outcomes, nil
}

func parseTransfer(l *types.Log) (from, to common.Address, value *big.Int, ok bool) {
	if len(l.Topics) != 3 || l.Topics[0] != TransferEventTopic || len(l.Data) != 32 {
		return common.Address{}, common.Address{}, nil, false
	}
	from = common.BytesToAddress(l.Topics[1].Bytes())
	to = common.BytesToAddress(l.Topics[2].Bytes())
	return from, to, new(big.Int).SetBytes(l.Data), true
}

// BalanceDeltas sums the ERC-20 transfers touching the account per token
func BalanceDeltas(logs []*types.Log, account common.Address) map[common.Address]*big.Int {
	deltas := make(map[common.Address]*big.Int)
	for _, l := range logs {
		from, to, value, ok := parseTransfer(l)
		if !ok || from == to {
			continue
		}
		if from != account && to != account {
			continue
		}
		d, ok := deltas[l.Address]
		if !ok {
			d = new(big.Int)
			deltas[l.Address] = d
		}
		if to == account {
			d.Add(d, value)
		} else {
			d.Sub(d, value)
		}
	}
	return deltas
}
