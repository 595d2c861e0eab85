package arbitrage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const testMarketYAML = `
market:
  name: "test"
  collateral: "0x0000000000000000000000000000000000000010"
  company: "0x0000000000000000000000000000000000000011"
  proposal: "0x0000000000000000000000000000000000000012"
  futarchy_router: "0x0000000000000000000000000000000000000013"
  router_version: "uniswap-v3"
  legs:
    a:
      input: "0x0000000000000000000000000000000000000020"
      output: "0x0000000000000000000000000000000000000021"
      router: "0x0000000000000000000000000000000000000030"
      pool: "0x0000000000000000000000000000000000000031"
      fee: 3000
      liquidation_router: "0x0000000000000000000000000000000000000030"
      liquidation_pool: "0x0000000000000000000000000000000000000032"
    b:
      input: "0x0000000000000000000000000000000000000022"
      output: "0x0000000000000000000000000000000000000023"
      router: "0x0000000000000000000000000000000000000030"
      liquidation_router: "0x0000000000000000000000000000000000000030"
  spot:
    router: "0x0000000000000000000000000000000000000040"
    vault: "0x0000000000000000000000000000000000000041"
    steps:
      - pool: "0x0000000000000000000000000000000000000042"
        token_out: "0x0000000000000000000000000000000000000010"
  delegate: "0x0000000000000000000000000000000000000050"
`

func TestParseMarketConfig(t *testing.T) {
	m, err := ParseMarketConfig([]byte(testMarketYAML))
	require.NoError(t, err)

	require.Equal(t, "test", m.Name)
	require.Equal(t, tCollateral, m.Collateral)
	require.Equal(t, RouterUniswapV3, m.RouterVersion)
	require.Equal(t, uint32(3000), m.A.Fee)
	require.Equal(t, tPoolA, m.A.Pool)
	require.Equal(t, common.Address{}, m.B.Pool)
	require.Equal(t, []PathStep{{Pool: tSpotPool, TokenOut: tCollateral}}, m.SpotSteps)

	// defaults
	require.Equal(t, DefaultCapacity, m.Capacity)
	require.Equal(t, Preapproved, m.Approvals)
	require.Equal(t, LiquidationSellSurplus, m.Liquidation)
	require.Equal(t, uint64(1000), m.SlippageBps)
	require.Equal(t, 5*time.Minute, m.Deadline)
}

func TestParseMarketConfigOverrides(t *testing.T) {
	data := testMarketYAML + `  capacity: 16
  approvals: "approve-each"
  liquidation: "buy-deficit-merge"
  slippage_bps: 0
  deadline_seconds: 60
`
	m, err := ParseMarketConfig([]byte(data))
	require.NoError(t, err)
	require.Equal(t, 16, m.Capacity)
	require.Equal(t, ApproveEach, m.Approvals)
	require.Equal(t, LiquidationBuyDeficitMerge, m.Liquidation)
	require.Equal(t, uint64(0), m.SlippageBps)
	require.Equal(t, time.Minute, m.Deadline)
}

func TestParseMarketConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		append  string
	}{
		{name: "missing collateral", replace: [2]string{`collateral: "0x0000000000000000000000000000000000000010"`, `collateral: ""`}},
		{name: "bad address", replace: [2]string{`delegate: "0x0000000000000000000000000000000000000050"`, `delegate: "0x50"`}},
		{name: "unknown router", replace: [2]string{`router_version: "uniswap-v3"`, `router_version: "curve"`}},
		{name: "spot not ending in collateral", replace: [2]string{`token_out: "0x0000000000000000000000000000000000000010"`, `token_out: "0x0000000000000000000000000000000000000099"`}},
		{name: "same leg tokens", replace: [2]string{`input: "0x0000000000000000000000000000000000000022"`, `input: "0x0000000000000000000000000000000000000020"`}},
		{name: "no liquidation router", replace: [2]string{`      liquidation_router: "0x0000000000000000000000000000000000000030"
  spot:`, `  spot:`}},
		{name: "unknown approvals", append: "  approvals: \"sometimes\"\n"},
		{name: "unknown liquidation", append: "  liquidation: \"burn\"\n"},
		{name: "negative capacity", append: "  capacity: -1\n"},
		{name: "slippage of 100%", append: "  slippage_bps: 10000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := testMarketYAML
			if tt.replace[0] != "" {
				require.Contains(t, data, tt.replace[0])
				data = strings.Replace(data, tt.replace[0], tt.replace[1], 1)
			}
			data += tt.append
			_, err := ParseMarketConfig([]byte(data))
			require.ErrorIs(t, err, ErrInvalidMarket)
		})
	}

	// a disabled liquidation does not need liquidation routers
	data := strings.Replace(testMarketYAML, `      liquidation_router: "0x0000000000000000000000000000000000000030"
  spot:`, `  spot:`, 1) + "  liquidation: \"disabled\"\n"
	m, err := ParseMarketConfig([]byte(data))
	require.NoError(t, err)
	require.Equal(t, LiquidationDisabled, m.Liquidation)
}

func TestLoadMarketConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(file, []byte(testMarketYAML), 0o600))
	m, err := LoadMarketConfig(file)
	require.NoError(t, err)
	require.Equal(t, tDelegate, m.Delegate)

	_, err = LoadMarketConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestMarketCounterparties(t *testing.T) {
	m := testMarket()
	tests := []struct {
		name     string
		op       Operation
		expected []common.Address
	}{
		{
			name:     "leg swap",
			op:       SwapExactOut{Router: tRouter, TokenIn: tYesColl, TokenOut: tYesComp},
			expected: []common.Address{tRouter, tPoolA},
		},
		{
			name:     "surplus sale",
			op:       SwapExactIn{Router: tRouter, TokenIn: tNoColl, TokenOut: tCollateral},
			expected: []common.Address{tRouter, tLiqPoolB},
		},
		{
			name:     "deficit purchase",
			op:       SwapExactOut{Router: tRouter, TokenIn: tCollateral, TokenOut: tYesColl},
			expected: []common.Address{tRouter, tLiqPoolA},
		},
		{
			name:     "spot",
			op:       BatchedSwap{Router: tBatch, TokenIn: tCompany, Steps: m.SpotSteps},
			expected: []common.Address{tBatch, tVault, tSpotPool},
		},
		{
			name: "not a swap",
			op:   Split{Router: tFutarchy},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, m.Counterparties(tt.op))
		})
	}
}

func TestMarketConfigExample(t *testing.T) {
	m, err := LoadMarketConfig("../markets.yaml")
	require.NoError(t, err)
	require.Equal(t, RouterAlgebraV1, m.RouterVersion)
	require.Equal(t, DefaultCapacity, m.Capacity)
}
