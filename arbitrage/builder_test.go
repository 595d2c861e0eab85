package arbitrage

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestBuilderSerialize(t *testing.T) {
	enc, err := NewEncoder(RouterAlgebraV1)
	require.NoError(t, err)
	b, err := NewBuilder(DefaultCapacity)
	require.NoError(t, err)

	ops := testOperations(RouterAlgebraV1)[:3]
	require.NoError(t, b.AddOperations(enc, ops...))
	require.Equal(t, 3, b.Len())
	require.Equal(t, DefaultCapacity-3, b.Remaining())

	bundle, err := b.Bundle()
	require.NoError(t, err)
	require.Equal(t, 3, bundle.Len())
	require.Equal(t, DefaultCapacity, bundle.Capacity())
	require.Equal(t, crypto.Keccak256Hash(bundle.Calldata()), bundle.Hash())

	calls, err := DecodeBatch(DefaultCapacity, bundle.Calldata())
	require.NoError(t, err)
	require.Equal(t, bundle.Calls(), calls)
	for i, call := range calls {
		op, err := enc.Decode(call)
		require.NoError(t, err)
		require.Equal(t, ops[i], op)
	}

	// the delegate sees CAP slots, the unused ones are empty
	delegate, err := delegateABI(DefaultCapacity)
	require.NoError(t, err)
	out, err := delegate.Methods["execute"].Inputs.Unpack(bundle.Calldata()[4:])
	require.NoError(t, err)
	targets, ok := out[0].([DefaultCapacity]common.Address)
	require.True(t, ok)
	datas, ok := out[1].([DefaultCapacity][]byte)
	require.True(t, ok)
	for i := 3; i < DefaultCapacity; i++ {
		require.Equal(t, common.Address{}, targets[i])
		require.Empty(t, datas[i])
	}
	require.Equal(t, big.NewInt(3), out[2])
}

func TestBuilderCapacity(t *testing.T) {
	enc, err := NewEncoder(RouterAlgebraV1)
	require.NoError(t, err)
	b, err := NewBuilder(2)
	require.NoError(t, err)

	ops := testOperations(RouterAlgebraV1)
	require.NoError(t, b.AddOperation(enc, ops[0]))

	// groups are added whole or not at all
	err = b.AddOperations(enc, ops[1], ops[2])
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, 1, b.Len())

	require.NoError(t, b.AddOperation(enc, ops[1]))
	err = b.AddOperation(enc, ops[2])
	require.ErrorIs(t, err, ErrCapacityExceeded)
	require.Equal(t, 2, b.Len())
	require.Equal(t, 0, b.Remaining())

	_, err = NewBuilder(0)
	require.ErrorIs(t, err, ErrEncoding)
}

func TestBuilderSealed(t *testing.T) {
	b, err := NewBuilder(DefaultCapacity)
	require.NoError(t, err)
	require.NoError(t, b.Add(Call{Target: tCollateral, Data: []byte{0x01}}))

	first, err := b.Serialize()
	require.NoError(t, err)
	err = b.Add(Call{Target: tCollateral, Data: []byte{0x02}})
	require.ErrorIs(t, err, ErrBundleSealed)

	second, err := b.Serialize()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestBuilderRejectsCalls(t *testing.T) {
	b, err := NewBuilder(DefaultCapacity)
	require.NoError(t, err)

	err = b.Add(Call{Target: tCollateral, Value: big.NewInt(1)})
	require.ErrorIs(t, err, ErrEncoding)
	err = b.Add(Call{Data: []byte{0x01}})
	require.ErrorIs(t, err, ErrEncoding)
	require.Equal(t, 0, b.Len())

	// the builder keeps its own copy of the calldata
	data := []byte{0xaa, 0xbb}
	require.NoError(t, b.Add(Call{Target: tCollateral, Data: data}))
	data[0] = 0x00
	bundle, err := b.Bundle()
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0xbb}, bundle.Calls()[0].Data)
}

func TestBundleEmpty(t *testing.T) {
	b, err := NewBuilder(DefaultCapacity)
	require.NoError(t, err)
	bundle, err := b.Bundle()
	require.NoError(t, err)
	require.Equal(t, 0, bundle.Len())

	calls, err := DecodeBatch(DefaultCapacity, bundle.Calldata())
	require.NoError(t, err)
	require.Empty(t, calls)
}

func TestDecodeBatchErrors(t *testing.T) {
	_, err := DecodeBatch(DefaultCapacity, []byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrUnrecognizedResult)

	b, err := NewBuilder(4)
	require.NoError(t, err)
	bundle, err := b.Bundle()
	require.NoError(t, err)
	// a different capacity has a different selector
	_, err = DecodeBatch(DefaultCapacity, bundle.Calldata())
	require.ErrorIs(t, err, ErrUnrecognizedResult)
}
