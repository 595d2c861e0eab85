package arbitrage

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
)

const bpsDenominator = 10_000

var (
	ethDivisor  = new(big.Float).SetUint64(params.Ether)
	gweiDivisor = new(big.Float).SetUint64(params.GWei)

	bigBps = big.NewInt(bpsDenominator)
)

func formatUnits(value *big.Int, unit string) string {
	if value == nil {
		return "<nil>"
	}
	float := new(big.Float).SetInt(value)
	switch unit {
	case "eth":
		return float.Quo(float, ethDivisor).String()
	case "gwei":
		return float.Quo(float, gweiDivisor).String()
	default:
		return ""
	}
}

// addBps returns value * (1 + bps/10000), rounded down
func addBps(value *big.Int, bps uint64) *big.Int {
	res := new(big.Int).Mul(value, new(big.Int).SetUint64(bpsDenominator+bps))
	return res.Quo(res, bigBps)
}

// subBps returns value * (1 - bps/10000), rounded down
func subBps(value *big.Int, bps uint64) *big.Int {
	if bps >= bpsDenominator {
		return new(big.Int)
	}
	res := new(big.Int).Mul(value, new(big.Int).SetUint64(bpsDenominator-bps))
	return res.Quo(res, bigBps)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// decodeRevert returns the Error(string) reason, or hex of custom error data
func decodeRevert(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	return hexutil.Encode(data)
}
