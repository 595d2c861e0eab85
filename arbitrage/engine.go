package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/condarb/bundler/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type AttemptStatus string

const (
	StatusExecuted          AttemptStatus = "executed"
	StatusSimulated         AttemptStatus = "simulated"
	StatusUnprofitable      AttemptStatus = "unprofitable"
	StatusSimulationFailure AttemptStatus = "simulation-failure"
	StatusCapacityExceeded  AttemptStatus = "capacity-exceeded"
	StatusIndeterminate     AttemptStatus = "indeterminate"
	StatusSigningFailure    AttemptStatus = "signing-failure"
	StatusSubmissionFailure AttemptStatus = "submission-failure"
	StatusReverted          AttemptStatus = "reverted"
	StatusInvalidInput      AttemptStatus = "invalid-input"
	StatusLockTimeout       AttemptStatus = "lock-timeout"
)

// AttemptResult describes one pass through simulate, sign, send and confirm
type AttemptResult struct {
	ID         uuid.UUID
	Status     AttemptStatus
	Plan       *ArbitragePlan
	BundleHash common.Hash
	TxHash     common.Hash
	Reason     string
	Err        error

	// Realized holds the swap outcomes recovered from the mined transaction
	Realized       []SwapOutcome
	RealizedProfit *big.Int
}

type EngineConfig struct {
	// MinProfit is the smallest expected collateral gain worth sending, nil sends any positive plan
	MinProfit  *big.Int
	DryRunOnly bool
}

// Engine drives one account through arbitrage attempts on a single market
type Engine struct {
	log     *zap.Logger
	market  *Market
	sim     *Simulator
	tx      *Transmitter
	extract *Extractor
	chain   ChainClient
	account *Account
	locker  NonceLocker
	cfg     EngineConfig

	mu   sync.Mutex
	last *AttemptResult
}

func NewEngine(log *zap.Logger, market *Market, chain ChainClient, backend DryRunBackend, tx *Transmitter, account *Account, locker NonceLocker, cfg EngineConfig) (*Engine, error) {
	sim, err := NewSimulator(log, market, backend, account.Address())
	if err != nil {
		return nil, err
	}
	if locker == nil {
		locker = NewLocalNonceLocker()
	}
	return &Engine{
		log:     log.Named("engine"),
		market:  market,
		sim:     sim,
		tx:      tx,
		extract: sim.extract,
		chain:   chain,
		account: account,
		locker:  locker,
		cfg:     cfg,
	}, nil
}

func statusOf(err error) AttemptStatus {
	switch {
	case err == nil:
		return StatusExecuted
	case errors.Is(err, ErrReverted):
		return StatusReverted
	case errors.Is(err, ErrCapacityExceeded):
		return StatusCapacityExceeded
	case errors.Is(err, ErrLockNotAcquired):
		return StatusLockTimeout
	case errors.Is(err, ErrSigning):
		return StatusSigningFailure
	case errors.Is(err, ErrSubmission):
		return StatusSubmissionFailure
	case errors.Is(err, ErrSimulationFailure):
		return StatusSimulationFailure
	case errors.Is(err, ErrEncoding):
		return StatusInvalidInput
	default:
		return StatusIndeterminate
	}
}

func (e *Engine) finish(res *AttemptResult, err error) *AttemptResult {
	if err != nil {
		res.Err = err
		res.Status = statusOf(err)
		var revert *RevertError
		var sim *SimulationError
		switch {
		case errors.As(err, &revert):
			res.Reason = revert.Reason
		case errors.As(err, &sim):
			res.Reason = sim.Reason
		default:
			res.Reason = err.Error()
		}
	}
	metrics.IncAttempt(string(res.Status))
	e.mu.Lock()
	e.last = res
	e.mu.Unlock()

	fields := []zap.Field{
		zap.String("attempt", res.ID.String()),
		zap.String("market", e.market.Name),
		zap.String("status", string(res.Status)),
	}
	if res.BundleHash != (common.Hash{}) {
		fields = append(fields, zap.String("bundle", res.BundleHash.Hex()))
	}
	if res.TxHash != (common.Hash{}) {
		fields = append(fields, zap.String("tx", res.TxHash.Hex()))
	}
	if res.RealizedProfit != nil {
		fields = append(fields, zap.String("realizedProfit", formatUnits(res.RealizedProfit, "eth")))
	}
	switch res.Status {
	case StatusExecuted, StatusSimulated, StatusUnprofitable:
		e.log.Info("Attempt finished", fields...)
	default:
		e.log.Error("Attempt failed", append(fields, zap.Error(err))...)
	}
	return res
}

// Attempt plans a bundle for amount of collateral and sends it when the
// expected profit clears the configured minimum. Nothing is broadcast unless
// all three dry-runs succeeded.
func (e *Engine) Attempt(ctx context.Context, amount *big.Int) *AttemptResult {
	res := &AttemptResult{ID: uuid.New()}

	plan, bundle, err := e.sim.Run(ctx, amount)
	if err != nil {
		return e.finish(res, err)
	}
	res.Plan = plan
	res.BundleHash = bundle.Hash()

	minProfit := e.cfg.MinProfit
	if minProfit == nil {
		minProfit = big.NewInt(1)
	}
	if plan.ExpectedNetProfit.Cmp(minProfit) < 0 {
		res.Status = StatusUnprofitable
		res.Reason = fmt.Sprintf("expected profit %s below minimum %s",
			formatUnits(plan.ExpectedNetProfit, "eth"), formatUnits(minProfit, "eth"))
		return e.finish(res, nil)
	}
	if e.cfg.DryRunOnly {
		res.Status = StatusSimulated
		return e.finish(res, nil)
	}

	tx, err := e.send(ctx, bundle)
	if err != nil {
		return e.finish(res, err)
	}
	res.TxHash = tx.Hash()

	receipt, err := e.tx.WaitForReceipt(ctx, tx)
	if err != nil {
		return e.finish(res, err)
	}
	outcomes, err := e.extract.ExtractMined(tx, receipt, e.account.Address())
	if err != nil {
		// the transaction landed, only the outcome breakdown is missing
		e.log.Warn("Could not recover mined swap amounts", zap.String("tx", tx.Hash().Hex()), zap.Error(err))
	}
	res.Realized = outcomes
	profit, ok := BalanceDeltas(receipt.Logs, e.account.Address())[e.market.Collateral]
	if !ok {
		profit = new(big.Int)
	}
	res.RealizedProfit = profit
	res.Status = StatusExecuted
	return e.finish(res, nil)
}

// Simulate runs the three dry-runs for amount without touching the nonce or sending
func (e *Engine) Simulate(ctx context.Context, amount *big.Int) (*ArbitragePlan, *Bundle, error) {
	return e.sim.Run(ctx, amount)
}

// LastAttempt returns the result of the most recent finished attempt, nil before the first one
func (e *Engine) LastAttempt() *AttemptResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// send holds the nonce lock from reading the nonce until the transaction is accepted by the node
func (e *Engine) send(ctx context.Context, bundle *Bundle) (*types.Transaction, error) {
	from := e.account.Address()
	unlock, err := e.locker.Lock(ctx, from)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		chainID *big.Int
		nonce   uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		chainID, err = e.chain.ChainID(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		nonce, err = e.chain.PendingNonceAt(gctx, from)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubmission, err)
	}

	startAt := time.Now()
	auth, err := Sign(e.account, e.market.Delegate, chainID, nonce+1)
	if err != nil {
		return nil, err
	}
	e.log.Debug("Authorization signed",
		zap.String("delegate", e.market.Delegate.Hex()),
		zap.Uint64("nonce", auth.Nonce),
		zap.Duration("took", time.Since(startAt)),
	)
	return e.tx.Submit(ctx, bundle, auth, e.account)
}
