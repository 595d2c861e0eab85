package arbitrage

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/condarb/bundler/metrics"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Simulator runs the discovery, balancing and finalization dry-runs that size the
// legs of the bundle.
type Simulator struct {
	log     *zap.Logger
	market  *Market
	enc     *Encoder
	extract *Extractor
	backend DryRunBackend
	account common.Address
	now     func() time.Time
}

func NewSimulator(log *zap.Logger, market *Market, backend DryRunBackend, account common.Address) (*Simulator, error) {
	enc, err := NewEncoder(market.RouterVersion)
	if err != nil {
		return nil, err
	}
	return &Simulator{
		log:     log.Named("simulator"),
		market:  market,
		enc:     enc,
		extract: NewExtractor(enc, market, market.Capacity),
		backend: backend,
		account: account,
		now:     time.Now,
	}, nil
}

type DiscoveryResult struct {
	OutA   *big.Int
	OutB   *big.Int
	Result *SimulationPhaseResult
}

type BalanceResult struct {
	Target     *big.Int
	MaxIn      *big.Int
	InA        *big.Int
	InB        *big.Int
	SpotOutput *big.Int
	Result     *SimulationPhaseResult
}

// callPlan is a builder that remembers the index of named calls
type callPlan struct {
	*Builder
	enc   *Encoder
	marks map[string]int
}

func (s *Simulator) newPlan() (*callPlan, error) {
	b, err := NewBuilder(s.market.Capacity)
	if err != nil {
		return nil, err
	}
	return &callPlan{Builder: b, enc: s.enc, marks: make(map[string]int)}, nil
}

// push appends the operations, the last one is recorded under mark if given
func (p *callPlan) push(mark string, ops ...Operation) error {
	if err := p.AddOperations(p.enc, ops...); err != nil {
		return err
	}
	if mark != "" {
		p.marks[mark] = p.Len() - 1
	}
	return nil
}

func (s *Simulator) deadline() *big.Int {
	return big.NewInt(s.now().Add(s.market.Deadline).Unix())
}

// pull prefixes op with an approval unless allowances are managed out of band
func (s *Simulator) pull(token, spender common.Address, amount *big.Int, op Operation) []Operation {
	if s.market.Approvals == Preapproved {
		return []Operation{op}
	}
	return []Operation{Approve{Token: token, Spender: spender, Amount: amount}, op}
}

func (s *Simulator) splitOps(amount *big.Int) []Operation {
	m := s.market
	return s.pull(m.Collateral, m.FutarchyRouter, amount, Split{
		Router:     m.FutarchyRouter,
		Proposal:   m.Proposal,
		Collateral: m.Collateral,
		Amount:     amount,
	})
}

// mergeOps merges equal amounts of both legs of the given token pair back
func (s *Simulator) mergeOps(collateral, legA, legB common.Address, amount *big.Int) []Operation {
	m := s.market
	op := Merge{Router: m.FutarchyRouter, Proposal: m.Proposal, Collateral: collateral, Amount: amount}
	if m.Approvals == Preapproved {
		return []Operation{op}
	}
	return []Operation{
		Approve{Token: legA, Spender: m.FutarchyRouter, Amount: amount},
		Approve{Token: legB, Spender: m.FutarchyRouter, Amount: amount},
		op,
	}
}

func (s *Simulator) exactInOps(leg Leg, amount *big.Int, deadline *big.Int) []Operation {
	return s.pull(leg.Input, leg.Router, amount, SwapExactIn{
		Router:    leg.Router,
		TokenIn:   leg.Input,
		TokenOut:  leg.Output,
		Fee:       leg.Fee,
		AmountIn:  amount,
		MinOut:    new(big.Int),
		Recipient: s.account,
		Deadline:  deadline,
	})
}

func (s *Simulator) exactOutOps(leg Leg, target, maxIn, deadline *big.Int) []Operation {
	return s.pull(leg.Input, leg.Router, maxIn, SwapExactOut{
		Router:    leg.Router,
		TokenIn:   leg.Input,
		TokenOut:  leg.Output,
		Fee:       leg.Fee,
		AmountOut: target,
		MaxIn:     maxIn,
		Recipient: s.account,
		Deadline:  deadline,
	})
}

func (s *Simulator) spotOps(amount, minOut, deadline *big.Int) []Operation {
	m := s.market
	steps := make([]PathStep, len(m.SpotSteps))
	copy(steps, m.SpotSteps)
	return s.pull(m.Company, m.SpotRouter, amount, BatchedSwap{
		Router:   m.SpotRouter,
		TokenIn:  m.Company,
		Steps:    steps,
		Amount:   amount,
		Limit:    minOut,
		Deadline: deadline,
	})
}

func (s *Simulator) discoveryPlan(amount *big.Int) (*callPlan, error) {
	deadline := s.deadline()
	p, err := s.newPlan()
	if err != nil {
		return nil, err
	}
	if err := p.push("", s.splitOps(amount)...); err != nil {
		return nil, err
	}
	if err := p.push("a", s.exactInOps(s.market.A, amount, deadline)...); err != nil {
		return nil, err
	}
	if err := p.push("b", s.exactInOps(s.market.B, amount, deadline)...); err != nil {
		return nil, err
	}
	return p, nil
}

// corePlan holds the calls that are never dropped: split, both exact-out legs,
// merge and the spot sell
func (s *Simulator) corePlan(amount, target, maxIn, spotMinOut *big.Int) (*callPlan, error) {
	m := s.market
	deadline := s.deadline()
	p, err := s.newPlan()
	if err != nil {
		return nil, err
	}
	if err := p.push("", s.splitOps(amount)...); err != nil {
		return nil, err
	}
	if err := p.push("a", s.exactOutOps(m.A, target, maxIn, deadline)...); err != nil {
		return nil, err
	}
	if err := p.push("b", s.exactOutOps(m.B, target, maxIn, deadline)...); err != nil {
		return nil, err
	}
	if err := p.push("", s.mergeOps(m.Company, m.A.Output, m.B.Output, target)...); err != nil {
		return nil, err
	}
	if err := p.push("spot", s.spotOps(target, spotMinOut, deadline)...); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Simulator) dryRun(ctx context.Context, phase Phase, bundle *Bundle) (*SimulationPhaseResult, error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordPhaseDuration(string(phase), time.Since(startAt).Milliseconds())
	}()

	res, err := s.backend.Simulate(ctx, DryRunRequest{From: s.account, Calldata: bundle.Calldata()})
	if err != nil {
		return nil, fmt.Errorf("%w: %s dry-run: %w", ErrSimulationFailure, phase, err)
	}
	if !res.Success {
		return nil, &SimulationError{Phase: phase, Reason: res.RevertReason}
	}
	outcomes, err := s.extract.ExtractSimulated(bundle, res.Trace)
	if err != nil {
		return nil, err
	}
	deltas := BalanceDeltas(res.Trace.AllLogs(), s.account)
	return NewSimulationPhaseResult(phase, deltas, outcomes, res.GasUsed), nil
}

func outcomeAt(phase Phase, r *SimulationPhaseResult, idx int) (SwapOutcome, error) {
	o, ok := r.Outcome(idx)
	if !ok || o.InputAmount == nil || o.OutputAmount == nil {
		return SwapOutcome{}, fmt.Errorf("%w: %s result has no swap at call %d", ErrUnrecognizedResult, phase, idx)
	}
	return o, nil
}

// Discover dry-runs exact-in swaps of the full amount on both legs
func (s *Simulator) Discover(ctx context.Context, amount *big.Int) (*DiscoveryResult, error) {
	p, err := s.discoveryPlan(amount)
	if err != nil {
		return nil, err
	}
	bundle, err := p.Bundle()
	if err != nil {
		return nil, err
	}
	res, err := s.dryRun(ctx, PhaseDiscovery, bundle)
	if err != nil {
		return nil, err
	}
	a, err := outcomeAt(PhaseDiscovery, res, p.marks["a"])
	if err != nil {
		return nil, err
	}
	b, err := outcomeAt(PhaseDiscovery, res, p.marks["b"])
	if err != nil {
		return nil, err
	}
	s.log.Debug("Discovery dry-run",
		zap.String("bundle", bundle.Hash().Hex()),
		zap.String("outA", formatUnits(a.OutputAmount, "eth")),
		zap.String("outB", formatUnits(b.OutputAmount, "eth")),
	)
	return &DiscoveryResult{OutA: a.OutputAmount, OutB: b.OutputAmount, Result: res}, nil
}

// Balance dry-runs exact-out swaps targeting the smaller discovered output on
// both legs and records the input each leg consumed
func (s *Simulator) Balance(ctx context.Context, amount *big.Int, disc *DiscoveryResult) (*BalanceResult, error) {
	target := minBig(disc.OutA, disc.OutB)
	if target.Sign() == 0 {
		return nil, fmt.Errorf("%w: a leg produced no output", ErrSimulationFailure)
	}
	maxIn := addBps(amount, s.market.SlippageBps)

	p, err := s.corePlan(amount, target, maxIn, new(big.Int))
	if err != nil {
		return nil, err
	}
	bundle, err := p.Bundle()
	if err != nil {
		return nil, err
	}
	res, err := s.dryRun(ctx, PhaseBalancing, bundle)
	if err != nil {
		return nil, err
	}
	a, err := outcomeAt(PhaseBalancing, res, p.marks["a"])
	if err != nil {
		return nil, err
	}
	b, err := outcomeAt(PhaseBalancing, res, p.marks["b"])
	if err != nil {
		return nil, err
	}
	spot, err := outcomeAt(PhaseBalancing, res, p.marks["spot"])
	if err != nil {
		return nil, err
	}
	for _, leg := range []SwapOutcome{a, b} {
		if leg.InputAmount.Cmp(maxIn) > 0 {
			return nil, fmt.Errorf("%w: %w: leg input %s above %s", ErrSimulationFailure, ErrSlippageBound,
				leg.InputAmount, maxIn)
		}
	}
	s.log.Debug("Balancing dry-run",
		zap.String("bundle", bundle.Hash().Hex()),
		zap.String("target", formatUnits(target, "eth")),
		zap.String("inA", formatUnits(a.InputAmount, "eth")),
		zap.String("inB", formatUnits(b.InputAmount, "eth")),
		zap.String("spotOut", formatUnits(spot.OutputAmount, "eth")),
	)
	return &BalanceResult{
		Target:     target,
		MaxIn:      maxIn,
		InA:        a.InputAmount,
		InB:        b.InputAmount,
		SpotOutput: spot.OutputAmount,
		Result:     res,
	}, nil
}

// Liquidation returns the leg that spent more input and by how much
func Liquidation(outA, outB, inA, inB *big.Int) (Side, *big.Int) {
	if outA.Cmp(outB) == 0 {
		return SideNone, new(big.Int)
	}
	switch inA.Cmp(inB) {
	case 1:
		return SideA, new(big.Int).Sub(inA, inB)
	case -1:
		return SideB, new(big.Int).Sub(inB, inA)
	default:
		return SideNone, new(big.Int)
	}
}

func other(side Side) Side {
	if side == SideA {
		return SideB
	}
	return SideA
}

// finalizationOps unwinds the leftover conditional collateral. After balancing
// the leg that spent less holds amount more input than the other.
func (s *Simulator) finalizationOps(amount *big.Int, bal *BalanceResult, side Side, liquidation *big.Int) ([]Operation, []string) {
	m := s.market
	var (
		ops      []Operation
		warnings []string
	)
	leftover := func(x *big.Int) {
		if x.Sign() > 0 {
			ops = append(ops, s.mergeOps(m.Collateral, m.A.Input, m.B.Input, x)...)
		}
	}
	spentMost := maxBig(bal.InA, bal.InB)
	spentLeast := minBig(bal.InA, bal.InB)

	if side == SideNone {
		leftover(new(big.Int).Sub(amount, spentMost))
		return ops, nil
	}

	switch m.Liquidation {
	case LiquidationSellSurplus:
		surplus := m.Leg(other(side))
		ops = append(ops, s.pull(surplus.Input, surplus.LiquidationRouter, liquidation, SwapExactIn{
			Router:    surplus.LiquidationRouter,
			TokenIn:   surplus.Input,
			TokenOut:  m.Collateral,
			Fee:       surplus.LiquidationFee,
			AmountIn:  liquidation,
			MinOut:    new(big.Int),
			Recipient: s.account,
			Deadline:  s.deadline(),
		})...)
		leftover(new(big.Int).Sub(amount, spentMost))
	case LiquidationBuyDeficitMerge:
		deficit := m.Leg(side)
		maxIn := addBps(liquidation, m.SlippageBps)
		ops = append(ops, s.pull(m.Collateral, deficit.LiquidationRouter, maxIn, SwapExactOut{
			Router:    deficit.LiquidationRouter,
			TokenIn:   m.Collateral,
			TokenOut:  deficit.Input,
			Fee:       deficit.LiquidationFee,
			AmountOut: liquidation,
			MaxIn:     maxIn,
			Recipient: s.account,
			Deadline:  s.deadline(),
		})...)
		leftover(new(big.Int).Sub(amount, spentLeast))
	default:
		warnings = append(warnings, fmt.Sprintf("liquidation disabled, %s of leg %s input left unmerged",
			formatUnits(liquidation, "eth"), other(side)))
		leftover(new(big.Int).Sub(amount, spentMost))
	}
	return ops, warnings
}

// Finalize appends the liquidation calls when they fit and dry-runs the bundle
// that would be sent
func (s *Simulator) Finalize(ctx context.Context, amount *big.Int, disc *DiscoveryResult, bal *BalanceResult) (*ArbitragePlan, *Bundle, error) {
	side, liquidation := Liquidation(disc.OutA, disc.OutB, bal.InA, bal.InB)
	spotMin := subBps(bal.SpotOutput, s.market.SlippageBps)

	p, err := s.corePlan(amount, bal.Target, bal.MaxIn, spotMin)
	if err != nil {
		return nil, nil, err
	}
	ops, warnings := s.finalizationOps(amount, bal, side, liquidation)
	if len(ops) > 0 {
		if len(ops) > p.Remaining() {
			metrics.IncLiquidationSkipped()
			warnings = append(warnings, fmt.Sprintf("liquidation skipped: %d calls needed, %d slots left",
				len(ops), p.Remaining()))
			s.log.Warn("Liquidation does not fit into bundle",
				zap.Int("needed", len(ops)),
				zap.Int("remaining", p.Remaining()),
				zap.String("side", side.String()),
				zap.String("amount", formatUnits(liquidation, "eth")),
			)
		} else if err := p.push("", ops...); err != nil {
			return nil, nil, err
		}
	}
	bundle, err := p.Bundle()
	if err != nil {
		return nil, nil, err
	}
	res, err := s.dryRun(ctx, PhaseFinalization, bundle)
	if err != nil {
		return nil, nil, err
	}
	profit := res.Delta(s.market.Collateral)
	plan := &ArbitragePlan{
		Amount:            new(big.Int).Set(amount),
		TargetLegAmount:   new(big.Int).Set(bal.Target),
		LiquidationAmount: liquidation,
		LiquidationSide:   side,
		FinalOutput:       new(big.Int).Add(amount, profit),
		ExpectedNetProfit: profit,
		Warnings:          warnings,
		Phases:            []*SimulationPhaseResult{disc.Result, bal.Result, res},
	}
	return plan, bundle, nil
}

// Run executes the three phases in order. A plan whose core calls can not fit
// into the delegate capacity fails before the first dry-run.
func (s *Simulator) Run(ctx context.Context, amount *big.Int) (*ArbitragePlan, *Bundle, error) {
	if err := checkAmount("amount", amount); err != nil {
		return nil, nil, err
	}
	if amount.Sign() == 0 {
		return nil, nil, fmt.Errorf("%w: amount is zero", ErrEncoding)
	}
	if _, err := s.corePlan(amount, amount, amount, amount); err != nil {
		return nil, nil, err
	}

	disc, err := s.Discover(ctx, amount)
	if err != nil {
		return nil, nil, err
	}
	bal, err := s.Balance(ctx, amount, disc)
	if err != nil {
		return nil, nil, err
	}
	plan, bundle, err := s.Finalize(ctx, amount, disc, bal)
	if err != nil {
		return nil, nil, err
	}
	s.log.Info("Arbitrage plan ready",
		zap.String("bundle", bundle.Hash().Hex()),
		zap.Int("calls", bundle.Len()),
		zap.String("target", formatUnits(plan.TargetLegAmount, "eth")),
		zap.String("liquidationSide", plan.LiquidationSide.String()),
		zap.String("liquidation", formatUnits(plan.LiquidationAmount, "eth")),
		zap.String("expectedProfit", formatUnits(plan.ExpectedNetProfit, "eth")),
		zap.Strings("warnings", plan.Warnings),
	)
	return plan, bundle, nil
}
