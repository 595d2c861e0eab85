package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/condarb/bundler/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
)

const (
	DefaultGasCeiling     = 3_000_000
	DefaultGasHeadroomBps = 2_000
	DefaultReceiptTimeout = 2 * time.Minute
)

var defaultTip = big.NewInt(2 * params.GWei)

type TransmitterConfig struct {
	// GasCeiling is used when estimation fails, the dry-run already proved the path executes
	GasCeiling     uint64
	GasHeadroomBps uint64
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Transmitter signs and broadcasts the self-call transaction that carries the
// bundle and the delegation
type Transmitter struct {
	log   *zap.Logger
	chain ChainClient
	cfg   TransmitterConfig
}

func NewTransmitter(log *zap.Logger, chain ChainClient, cfg TransmitterConfig) *Transmitter {
	if cfg.GasCeiling == 0 {
		cfg.GasCeiling = DefaultGasCeiling
	}
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	return &Transmitter{log: log.Named("transmitter"), chain: chain, cfg: cfg}
}

func (t *Transmitter) fees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	head, err := t.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	if head.BaseFee == nil {
		return nil, nil, errors.New("chain has no base fee")
	}
	tip, err = t.chain.SuggestGasTipCap(ctx)
	if err != nil || tip == nil || tip.Sign() == 0 {
		tip = new(big.Int).Set(defaultTip)
	}
	feeCap = new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	if doubleTip := new(big.Int).Mul(tip, big.NewInt(2)); feeCap.Cmp(doubleTip) < 0 {
		feeCap = doubleTip
	}
	return tip, feeCap, nil
}

func (t *Transmitter) estimateGas(ctx context.Context, msg ethereum.CallMsg) uint64 {
	gas, err := t.chain.EstimateGas(ctx, msg)
	if err != nil {
		metrics.IncGasEstimateFallback()
		t.log.Warn("Gas estimation failed, using ceiling", zap.Error(err), zap.Uint64("gas", t.cfg.GasCeiling))
		return t.cfg.GasCeiling
	}
	return gas + gas*t.cfg.GasHeadroomBps/bpsDenominator
}

// Submit builds, signs and broadcasts the transaction. The authorization must be
// signed by the account for its next nonce.
func (t *Transmitter) Submit(ctx context.Context, bundle *Bundle, auth *Authorization, account *Account) (*types.Transaction, error) {
	from := account.Address()
	if !auth.Verify(from) {
		return nil, fmt.Errorf("%w: authorization is not signed by %s", ErrSigning, from.Hex())
	}
	chainID, err := t.chain.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %w", ErrSubmission, err)
	}
	if auth.ChainID.Sign() != 0 && auth.ChainID.Cmp(chainID) != 0 {
		return nil, fmt.Errorf("%w: authorization for chain %s, node is on %s", ErrSigning, auth.ChainID, chainID)
	}
	nonce, err := t.chain.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %w", ErrSubmission, err)
	}
	if auth.Nonce != nonce+1 {
		return nil, fmt.Errorf("%w: %w: authorization nonce %d, account nonce %d", ErrSigning, ErrStaleAuthorization, auth.Nonce, nonce)
	}
	setCode, err := auth.SetCode()
	if err != nil {
		return nil, err
	}
	tip, feeCap, err := t.fees(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fees: %w", ErrSubmission, err)
	}

	data := bundle.Calldata()
	gas := t.estimateGas(ctx, ethereum.CallMsg{
		From:              from,
		To:                &from,
		GasFeeCap:         feeCap,
		GasTipCap:         tip,
		Data:              data,
		AuthorizationList: []types.SetCodeAuthorization{setCode},
	})

	tx := types.NewTx(&types.SetCodeTx{
		ChainID:   uint256.MustFromBig(chainID),
		Nonce:     nonce,
		GasTipCap: uint256.MustFromBig(tip),
		GasFeeCap: uint256.MustFromBig(feeCap),
		Gas:       gas,
		To:        from,
		Value:     new(uint256.Int),
		Data:      data,
		AuthList:  []types.SetCodeAuthorization{setCode},
	})
	signed, err := account.SignTx(tx, types.LatestSignerForChainID(chainID))
	if err != nil {
		return nil, err
	}
	if err := t.chain.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	metrics.IncTxSent()
	t.log.Info("Bundle transaction sent",
		zap.String("tx", signed.Hash().Hex()),
		zap.String("bundle", bundle.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas),
		zap.String("maxFeePerGas", formatUnits(feeCap, "gwei")),
	)
	return signed, nil
}

func (t *Transmitter) Send(ctx context.Context, bundle *Bundle, auth *Authorization, account *Account) (common.Hash, error) {
	tx, err := t.Submit(ctx, bundle, auth, account)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// WaitForReceipt polls for the receipt until the receipt timeout. A failed
// transaction is returned as RevertError together with its receipt.
func (t *Transmitter) WaitForReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordReceiptWait(time.Since(startAt).Milliseconds())
	}()
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ReceiptTimeout)
	defer cancel()

	back := backoff.NewExponentialBackOff()
	back.InitialInterval = t.cfg.PollInterval
	back.MaxInterval = 4 * t.cfg.PollInterval
	back.MaxElapsedTime = 0

	var receipt *types.Receipt
	err := backoff.Retry(func() error {
		r, err := t.chain.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}, backoff.WithContext(back, ctx))
	if err != nil {
		return nil, fmt.Errorf("receipt of %s: %w", tx.Hash().Hex(), err)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		reason := t.revertReason(ctx, tx, receipt)
		t.log.Warn("Bundle transaction reverted",
			zap.String("tx", tx.Hash().Hex()),
			zap.String("reason", reason),
			zap.Uint64("gasUsed", receipt.GasUsed),
		)
		return receipt, &RevertError{TxHash: tx.Hash(), Reason: reason}
	}
	return receipt, nil
}

// revertReason replays the transaction on top of the parent block, transactions
// ordered before it in the same block are not taken into account
func (t *Transmitter) revertReason(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) string {
	if receipt.BlockNumber == nil || receipt.BlockNumber.Sign() == 0 {
		return ""
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return ""
	}
	parent := new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	_, err = t.chain.CallContract(ctx, ethereum.CallMsg{
		From:              from,
		To:                tx.To(),
		Gas:               tx.Gas(),
		Data:              tx.Data(),
		AuthorizationList: tx.SetCodeAuthorizations(),
	}, parent)
	if err == nil {
		return ""
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(s); decErr == nil {
				if reason := decodeRevert(raw); reason != "" {
					return reason
				}
			}
		}
	}
	return err.Error()
}
