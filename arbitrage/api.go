package arbitrage

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrRateLimited   = errors.New("too many simulation requests")
	ErrNoAttemptsYet = errors.New("no attempt finished yet")
)

type Planner interface {
	Simulate(ctx context.Context, amount *big.Int) (*ArbitragePlan, *Bundle, error)
	LastAttempt() *AttemptResult
}

type OutcomeResponse struct {
	CallIndex    int            `json:"callIndex"`
	Kind         string         `json:"kind"`
	Target       common.Address `json:"target"`
	TokenIn      common.Address `json:"tokenIn"`
	TokenOut     common.Address `json:"tokenOut"`
	InputAmount  *hexutil.Big   `json:"inputAmount"`
	OutputAmount *hexutil.Big   `json:"outputAmount"`
}

type PhaseResponse struct {
	Phase    Phase             `json:"phase"`
	GasUsed  hexutil.Uint64    `json:"gasUsed"`
	Outcomes []OutcomeResponse `json:"outcomes"`
}

type PlanResponse struct {
	Amount            *hexutil.Big    `json:"amount"`
	TargetLegAmount   *hexutil.Big    `json:"targetLegAmount"`
	LiquidationSide   string          `json:"liquidationSide"`
	LiquidationAmount *hexutil.Big    `json:"liquidationAmount"`
	FinalOutput       *hexutil.Big    `json:"finalOutput"`
	ExpectedNetProfit *hexutil.Big    `json:"expectedNetProfit"`
	Warnings          []string        `json:"warnings,omitempty"`
	Phases            []PhaseResponse `json:"phases"`
	BundleHash        common.Hash     `json:"bundleHash"`
	Calldata          hexutil.Bytes   `json:"calldata"`
}

type AttemptResponse struct {
	ID             string            `json:"id"`
	Status         AttemptStatus     `json:"status"`
	Reason         string            `json:"reason,omitempty"`
	BundleHash     *common.Hash      `json:"bundleHash,omitempty"`
	TxHash         *common.Hash      `json:"txHash,omitempty"`
	Realized       []OutcomeResponse `json:"realized,omitempty"`
	RealizedProfit *hexutil.Big      `json:"realizedProfit,omitempty"`
	Plan           *PlanResponse     `json:"plan,omitempty"`
}

func toHexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set(v))
}

func outcomesResponse(outcomes []SwapOutcome) []OutcomeResponse {
	res := make([]OutcomeResponse, 0, len(outcomes))
	for _, o := range outcomes {
		res = append(res, OutcomeResponse{
			CallIndex:    o.CallIndex,
			Kind:         o.Kind.String(),
			Target:       o.Target,
			TokenIn:      o.TokenIn,
			TokenOut:     o.TokenOut,
			InputAmount:  toHexBig(o.InputAmount),
			OutputAmount: toHexBig(o.OutputAmount),
		})
	}
	return res
}

func planResponse(plan *ArbitragePlan) *PlanResponse {
	res := &PlanResponse{
		Amount:            toHexBig(plan.Amount),
		TargetLegAmount:   toHexBig(plan.TargetLegAmount),
		LiquidationSide:   plan.LiquidationSide.String(),
		LiquidationAmount: toHexBig(plan.LiquidationAmount),
		FinalOutput:       toHexBig(plan.FinalOutput),
		ExpectedNetProfit: toHexBig(plan.ExpectedNetProfit),
		Warnings:          plan.Warnings,
	}
	for _, p := range plan.Phases {
		res.Phases = append(res.Phases, PhaseResponse{
			Phase:    p.Phase(),
			GasUsed:  hexutil.Uint64(p.GasUsed()),
			Outcomes: outcomesResponse(p.Outcomes()),
		})
	}
	return res
}

// API serves read-only views of the engine to operators
type API struct {
	log     *zap.Logger
	planner Planner
	limiter *rate.Limiter
}

func NewAPI(log *zap.Logger, planner Planner, simRateLimit rate.Limit) *API {
	return &API{
		log:     log.Named("api"),
		planner: planner,
		limiter: rate.NewLimiter(simRateLimit, 1),
	}
}

// Simulate plans a bundle for amount of collateral, nothing is signed or sent
func (a *API) Simulate(ctx context.Context, amount hexutil.Big) (*PlanResponse, error) {
	if !a.limiter.Allow() {
		return nil, ErrRateLimited
	}
	plan, bundle, err := a.planner.Simulate(ctx, amount.ToInt())
	if err != nil {
		a.log.Debug("Requested simulation failed", zap.String("amount", amount.String()), zap.Error(err))
		return nil, err
	}
	res := planResponse(plan)
	res.BundleHash = bundle.Hash()
	res.Calldata = bundle.Calldata()
	return res, nil
}

func (a *API) LastAttempt(_ context.Context) (*AttemptResponse, error) {
	last := a.planner.LastAttempt()
	if last == nil {
		return nil, ErrNoAttemptsYet
	}
	res := &AttemptResponse{
		ID:             last.ID.String(),
		Status:         last.Status,
		Reason:         last.Reason,
		RealizedProfit: toHexBig(last.RealizedProfit),
	}
	if last.BundleHash != (common.Hash{}) {
		h := last.BundleHash
		res.BundleHash = &h
	}
	if last.TxHash != (common.Hash{}) {
		h := last.TxHash
		res.TxHash = &h
	}
	if len(last.Realized) > 0 {
		res.Realized = outcomesResponse(last.Realized)
	}
	if last.Plan != nil {
		res.Plan = planResponse(last.Plan)
	}
	return res, nil
}
