package arbitrage

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc20ABIJSON = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

const futarchyRouterABIJSON = `[
	{"type":"function","name":"splitPosition","stateMutability":"nonpayable","inputs":[{"name":"proposal","type":"address"},{"name":"collateralToken","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"mergePositions","stateMutability":"nonpayable","inputs":[{"name":"proposal","type":"address"},{"name":"collateralToken","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

const algebraRouterABIJSON = `[
	{"type":"function","name":"exactInputSingle","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[
		{"name":"tokenIn","type":"address"},
		{"name":"tokenOut","type":"address"},
		{"name":"recipient","type":"address"},
		{"name":"deadline","type":"uint256"},
		{"name":"amountIn","type":"uint256"},
		{"name":"amountOutMinimum","type":"uint256"},
		{"name":"limitSqrtPrice","type":"uint160"}]}],
	 "outputs":[{"name":"amountOut","type":"uint256"}]},
	{"type":"function","name":"exactOutputSingle","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[
		{"name":"tokenIn","type":"address"},
		{"name":"tokenOut","type":"address"},
		{"name":"fee","type":"uint24"},
		{"name":"recipient","type":"address"},
		{"name":"deadline","type":"uint256"},
		{"name":"amountOut","type":"uint256"},
		{"name":"amountInMaximum","type":"uint256"},
		{"name":"limitSqrtPrice","type":"uint160"}]}],
	 "outputs":[{"name":"amountIn","type":"uint256"}]}
]`

const uniswapV3RouterABIJSON = `[
	{"type":"function","name":"exactInputSingle","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[
		{"name":"tokenIn","type":"address"},
		{"name":"tokenOut","type":"address"},
		{"name":"fee","type":"uint24"},
		{"name":"recipient","type":"address"},
		{"name":"deadline","type":"uint256"},
		{"name":"amountIn","type":"uint256"},
		{"name":"amountOutMinimum","type":"uint256"},
		{"name":"sqrtPriceLimitX96","type":"uint160"}]}],
	 "outputs":[{"name":"amountOut","type":"uint256"}]},
	{"type":"function","name":"exactOutputSingle","stateMutability":"payable","inputs":[{"name":"params","type":"tuple","components":[
		{"name":"tokenIn","type":"address"},
		{"name":"tokenOut","type":"address"},
		{"name":"fee","type":"uint24"},
		{"name":"recipient","type":"address"},
		{"name":"deadline","type":"uint256"},
		{"name":"amountOut","type":"uint256"},
		{"name":"amountInMaximum","type":"uint256"},
		{"name":"sqrtPriceLimitX96","type":"uint160"}]}],
	 "outputs":[{"name":"amountIn","type":"uint256"}]}
]`

const batchRouterABIJSON = `[
	{"type":"function","name":"swapExactIn","stateMutability":"payable","inputs":[
		{"name":"paths","type":"tuple[]","components":[
			{"name":"tokenIn","type":"address"},
			{"name":"steps","type":"tuple[]","components":[
				{"name":"pool","type":"address"},
				{"name":"tokenOut","type":"address"},
				{"name":"isBuffer","type":"bool"}]},
			{"name":"exactAmountIn","type":"uint256"},
			{"name":"minAmountOut","type":"uint256"}]},
		{"name":"deadline","type":"uint256"},
		{"name":"wethIsEth","type":"bool"},
		{"name":"userData","type":"bytes"}],
	 "outputs":[
		{"name":"pathAmountsOut","type":"uint256[]"},
		{"name":"tokensOut","type":"address[]"},
		{"name":"amountsOut","type":"uint256[]"}]},
	{"type":"function","name":"swapExactOut","stateMutability":"payable","inputs":[
		{"name":"paths","type":"tuple[]","components":[
			{"name":"tokenIn","type":"address"},
			{"name":"steps","type":"tuple[]","components":[
				{"name":"pool","type":"address"},
				{"name":"tokenOut","type":"address"},
				{"name":"isBuffer","type":"bool"}]},
			{"name":"maxAmountIn","type":"uint256"},
			{"name":"exactAmountOut","type":"uint256"}]},
		{"name":"deadline","type":"uint256"},
		{"name":"wethIsEth","type":"bool"},
		{"name":"userData","type":"bytes"}],
	 "outputs":[
		{"name":"pathAmountsIn","type":"uint256[]"},
		{"name":"tokensIn","type":"address[]"},
		{"name":"amountsIn","type":"uint256[]"}]}
]`

// delegateABIJSON is parametrized by the bundle capacity of the delegate contract
const delegateABIJSON = `[
	{"type":"function","name":"execute","stateMutability":"payable","inputs":[
		{"name":"targets","type":"address[%[1]d]"},
		{"name":"calldatas","type":"bytes[%[1]d]"},
		{"name":"count","type":"uint256"}],
	 "outputs":[]}
]`

var (
	erc20ABI          = mustParseABI(erc20ABIJSON)
	futarchyRouterABI = mustParseABI(futarchyRouterABIJSON)
	algebraRouterABI  = mustParseABI(algebraRouterABIJSON)
	uniswapRouterABI  = mustParseABI(uniswapV3RouterABIJSON)
	batchRouterABI    = mustParseABI(batchRouterABIJSON)

	// TransferEventTopic is keccak256("Transfer(address,address,uint256)")
	TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

func delegateABI(capacity int) (abi.ABI, error) {
	return abi.JSON(strings.NewReader(fmt.Sprintf(delegateABIJSON, capacity)))
}

// RouterVersion selects the calldata schema of the single-hop swap router.
// It is resolved once from config and never guessed per call.
type RouterVersion uint8

const (
	RouterAlgebraV1 RouterVersion = iota + 1
	RouterUniswapV3
)

func ParseRouterVersion(s string) (RouterVersion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "algebra-v1", "algebra", "swapr":
		return RouterAlgebraV1, nil
	case "uniswap-v3", "uniswap":
		return RouterUniswapV3, nil
	default:
		return 0, fmt.Errorf("%w: unknown router version %q", ErrEncoding, s)
	}
}

func (v RouterVersion) String() string {
	switch v {
	case RouterAlgebraV1:
		return "algebra-v1"
	case RouterUniswapV3:
		return "uniswap-v3"
	default:
		return "unknown"
	}
}

func (v RouterVersion) abi() (abi.ABI, error) {
	switch v {
	case RouterAlgebraV1:
		return algebraRouterABI, nil
	case RouterUniswapV3:
		return uniswapRouterABI, nil
	default:
		return abi.ABI{}, fmt.Errorf("%w: router version %d", ErrEncoding, v)
	}
}
