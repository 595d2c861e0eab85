package arbitrage

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/require"
)

func TestBps(t *testing.T) {
	tests := []struct {
		value      int64
		bps        uint64
		added, sub int64
	}{
		{value: 10_000, bps: 1000, added: 11_000, sub: 9_000},
		{value: 10_000, bps: 0, added: 10_000, sub: 10_000},
		{value: 3, bps: 5000, added: 4, sub: 1},
		{value: 10_000, bps: 10_000, added: 20_000, sub: 0},
		{value: 10_000, bps: 20_000, added: 30_000, sub: 0},
	}
	for _, tt := range tests {
		require.Zero(t, big.NewInt(tt.added).Cmp(addBps(big.NewInt(tt.value), tt.bps)), "addBps(%d, %d)", tt.value, tt.bps)
		require.Zero(t, big.NewInt(tt.sub).Cmp(subBps(big.NewInt(tt.value), tt.bps)), "subBps(%d, %d)", tt.value, tt.bps)
	}
}

func TestMinMaxBig(t *testing.T) {
	a, b := big.NewInt(1), big.NewInt(2)
	require.Equal(t, a, minBig(a, b))
	require.Equal(t, b, maxBig(a, b))

	// results do not alias the arguments
	m := minBig(a, b)
	m.SetInt64(5)
	require.Equal(t, big.NewInt(1), a)
}

func TestFormatUnits(t *testing.T) {
	require.Equal(t, "1.5", formatUnits(milli(1500), "eth"))
	require.Equal(t, "2", formatUnits(big.NewInt(2_000_000_000), "gwei"))
	require.Equal(t, "<nil>", formatUnits(nil, "eth"))
	require.Equal(t, "", formatUnits(big.NewInt(1), "wei"))
}

func TestDecodeRevert(t *testing.T) {
	typ, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: typ}}.Pack("Too little received")
	require.NoError(t, err)

	require.Equal(t, "Too little received", decodeRevert(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)))
	require.Equal(t, "0xdeadbeef", decodeRevert([]byte{0xde, 0xad, 0xbe, 0xef}))
	require.Equal(t, "", decodeRevert(nil))
}
