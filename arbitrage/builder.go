package arbitrage

import (
	"bytes"
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// DefaultCapacity is the number of call slots of the deployed delegate contract
const DefaultCapacity = 10

// Builder accumulates calls in execution order up to the delegate capacity.
// Once serialized it does not accept new calls.
type Builder struct {
	capacity int
	delegate abi.ABI
	calls    []Call
	ops      []Operation
	sealed   bool
}

func NewBuilder(capacity int) (*Builder, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrEncoding, capacity)
	}
	delegate, err := delegateABI(capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: delegate abi: %w", ErrEncoding, err)
	}
	return &Builder{
		capacity: capacity,
		delegate: delegate,
		calls:    make([]Call, 0, capacity),
		ops:      make([]Operation, 0, capacity),
	}, nil
}

func (b *Builder) Capacity() int {
	return b.capacity
}

func (b *Builder) Len() int {
	return len(b.calls)
}

func (b *Builder) Remaining() int {
	return b.capacity - len(b.calls)
}

// Add appends the call, it fails with ErrCapacityExceeded if the bundle is full
func (b *Builder) Add(call Call) error {
	return b.add(call, nil)
}

// AddOperation encodes the operation and appends the resulting call
func (b *Builder) AddOperation(enc *Encoder, op Operation) error {
	call, err := enc.Encode(op)
	if err != nil {
		return err
	}
	return b.add(call, op)
}

// AddOperations appends all operations or none of them
func (b *Builder) AddOperations(enc *Encoder, ops ...Operation) error {
	if len(ops) > b.Remaining() {
		return fmt.Errorf("%w: %d calls do not fit into %d free slots", ErrCapacityExceeded, len(ops), b.Remaining())
	}
	calls := make([]Call, len(ops))
	for i, op := range ops {
		call, err := enc.Encode(op)
		if err != nil {
			return err
		}
		calls[i] = call
	}
	for i := range calls {
		if err := b.add(calls[i], ops[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) add(call Call, op Operation) error {
	if b.sealed {
		return ErrBundleSealed
	}
	if len(b.calls) >= b.capacity {
		return fmt.Errorf("%w: capacity %d", ErrCapacityExceeded, b.capacity)
	}
	if call.Value != nil && call.Value.Sign() != 0 {
		return fmt.Errorf("%w: delegate calls can not carry value", ErrEncoding)
	}
	if call.Target == (common.Address{}) {
		return fmt.Errorf("%w: call target is the zero address", ErrEncoding)
	}
	data := make([]byte, len(call.Data))
	copy(data, call.Data)
	b.calls = append(b.calls, Call{Target: call.Target, Value: new(big.Int), Data: data})
	b.ops = append(b.ops, op)
	return nil
}

// Serialize encodes the calls as execute(address[CAP], bytes[CAP], uint256) calldata
func (b *Builder) Serialize() ([]byte, error) {
	targets := make([]common.Address, b.capacity)
	datas := make([][]byte, b.capacity)
	for i := range datas {
		datas[i] = []byte{}
	}
	for i, c := range b.calls {
		targets[i] = c.Target
		datas[i] = c.Data
	}
	data, err := b.delegate.Pack("execute", targets, datas, big.NewInt(int64(len(b.calls))))
	if err != nil {
		return nil, fmt.Errorf("%w: pack execute: %w", ErrEncoding, err)
	}
	b.sealed = true
	return data, nil
}

// Bundle serializes the builder and returns the immutable bundle
func (b *Builder) Bundle() (*Bundle, error) {
	data, err := b.Serialize()
	if err != nil {
		return nil, err
	}
	calls := make([]Call, len(b.calls))
	copy(calls, b.calls)
	ops := make([]Operation, len(b.ops))
	copy(ops, b.ops)

	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(data)

	return &Bundle{
		capacity: b.capacity,
		calls:    calls,
		ops:      ops,
		calldata: data,
		hash:     common.BytesToHash(hasher.Sum(nil)),
	}, nil
}

type Bundle struct {
	capacity int
	calls    []Call
	ops      []Operation
	calldata []byte
	hash     common.Hash
}

func (b *Bundle) Capacity() int {
	return b.capacity
}

func (b *Bundle) Len() int {
	return len(b.calls)
}

func (b *Bundle) Calls() []Call {
	calls := make([]Call, len(b.calls))
	copy(calls, b.calls)
	return calls
}

// Operations is aligned with Calls, raw calls added without an operation are nil
func (b *Bundle) Operations() []Operation {
	ops := make([]Operation, len(b.ops))
	copy(ops, b.ops)
	return ops
}

func (b *Bundle) Calldata() []byte {
	data := make([]byte, len(b.calldata))
	copy(data, b.calldata)
	return data
}

// Hash is the keccak256 of the serialized calldata
func (b *Bundle) Hash() common.Hash {
	return b.hash
}

// DecodeBatch recovers the calls from execute calldata
func DecodeBatch(capacity int, data []byte) ([]Call, error) {
	delegate, err := delegateABI(capacity)
	if err != nil {
		return nil, err
	}
	method := delegate.Methods["execute"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, fmt.Errorf("%w: not an execute call", ErrUnrecognizedResult)
	}
	out, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: unpack execute: %w", ErrUnrecognizedResult, err)
	}
	targets := reflect.ValueOf(out[0])
	datas := reflect.ValueOf(out[1])
	count, ok := out[2].(*big.Int)
	if !ok || !count.IsInt64() || count.Int64() > int64(capacity) {
		return nil, fmt.Errorf("%w: invalid call count", ErrUnrecognizedResult)
	}
	calls := make([]Call, count.Int64())
	for i := range calls {
		calls[i] = Call{
			Target: targets.Index(i).Interface().(common.Address), //nolint:forcetypeassert
			Value:  new(big.Int),
			Data:   datas.Index(i).Interface().([]byte), //nolint:forcetypeassert
		}
	}
	return calls, nil
}
