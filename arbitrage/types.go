package arbitrage

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrEncoding           = errors.New("encoding error")
	ErrCapacityExceeded   = errors.New("bundle capacity exceeded")
	ErrBundleSealed       = errors.New("bundle already serialized")
	ErrSigning            = errors.New("signing error")
	ErrStaleAuthorization = errors.New("authorization nonce does not match account nonce")
	ErrSimulationFailure  = errors.New("simulation failure")
	ErrSlippageBound      = errors.New("input exceeds slippage bound")
	ErrUnrecognizedResult = errors.New("unrecognized result")
	ErrSubmission         = errors.New("submission error")
	ErrReverted           = errors.New("transaction reverted")
	ErrLockNotAcquired    = errors.New("nonce lock not acquired")
)

// Call is a single entry of the bundle executed by the delegate contract
type Call struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

type Phase string

const (
	PhaseDiscovery    Phase = "discovery"
	PhaseBalancing    Phase = "balancing"
	PhaseFinalization Phase = "finalization"
)

type Side uint8

const (
	SideNone Side = iota
	SideA
	SideB
)

func (s Side) String() string {
	switch s {
	case SideA:
		return "A"
	case SideB:
		return "B"
	default:
		return "NONE"
	}
}

// SwapOutcome is the recovered input/output of one swap call of the bundle
type SwapOutcome struct {
	CallIndex    int
	Kind         OpKind
	Target       common.Address
	TokenIn      common.Address
	TokenOut     common.Address
	InputAmount  *big.Int
	OutputAmount *big.Int
}

// SimulationPhaseResult is produced once per phase and never modified afterwards.
// Accessors return copies.
type SimulationPhaseResult struct {
	phase    Phase
	deltas   map[common.Address]*big.Int
	outcomes []SwapOutcome
	gasUsed  uint64
}

func NewSimulationPhaseResult(phase Phase, deltas map[common.Address]*big.Int, outcomes []SwapOutcome, gasUsed uint64) *SimulationPhaseResult {
	d := make(map[common.Address]*big.Int, len(deltas))
	for k, v := range deltas {
		d[k] = new(big.Int).Set(v)
	}
	o := make([]SwapOutcome, len(outcomes))
	copy(o, outcomes)
	return &SimulationPhaseResult{phase: phase, deltas: d, outcomes: o, gasUsed: gasUsed}
}

func (r *SimulationPhaseResult) Phase() Phase {
	return r.phase
}

func (r *SimulationPhaseResult) GasUsed() uint64 {
	return r.gasUsed
}

// Delta returns the signed balance change of the token for the acting account
func (r *SimulationPhaseResult) Delta(token common.Address) *big.Int {
	if v, ok := r.deltas[token]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (r *SimulationPhaseResult) Deltas() map[common.Address]*big.Int {
	d := make(map[common.Address]*big.Int, len(r.deltas))
	for k, v := range r.deltas {
		d[k] = new(big.Int).Set(v)
	}
	return d
}

func (r *SimulationPhaseResult) Outcomes() []SwapOutcome {
	o := make([]SwapOutcome, len(r.outcomes))
	copy(o, r.outcomes)
	return o
}

// Outcome returns the outcome recorded for the bundle call at index i
func (r *SimulationPhaseResult) Outcome(i int) (SwapOutcome, bool) {
	for _, o := range r.outcomes {
		if o.CallIndex == i {
			return o, true
		}
	}
	return SwapOutcome{}, false
}

type ArbitragePlan struct {
	Amount            *big.Int
	TargetLegAmount   *big.Int
	LiquidationAmount *big.Int
	LiquidationSide   Side
	FinalOutput       *big.Int
	ExpectedNetProfit *big.Int
	Warnings          []string
	Phases            []*SimulationPhaseResult
}

// SimulationError is returned when a dry-run of a phase reverts
type SimulationError struct {
	Phase  Phase
	Reason string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("%s dry-run reverted: %s", e.Phase, e.Reason)
}

func (e *SimulationError) Unwrap() error {
	return ErrSimulationFailure
}

// RevertError is returned when a mined transaction has failed status
type RevertError struct {
	TxHash common.Hash
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("tx %s reverted", e.TxHash.Hex())
	}
	return fmt.Sprintf("tx %s reverted: %s", e.TxHash.Hex(), e.Reason)
}

func (e *RevertError) Unwrap() error {
	return ErrReverted
}
