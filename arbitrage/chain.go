package arbitrage

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/condarb/bundler/spike"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainClient is the subset of the node API used by the engine
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ ChainClient = (*ethclient.Client)(nil)

// CachingChainClient caches the chain id and the latest code of contracts
type CachingChainClient struct {
	ChainClient

	mu      sync.RWMutex
	chainID *big.Int
	code    *spike.Manager[[]byte]
}

func NewCachingChainClient(client ChainClient, codeCacheTime time.Duration) *CachingChainClient {
	c := &CachingChainClient{ChainClient: client}
	c.code = spike.NewManager(func(ctx context.Context, k string) ([]byte, error) {
		return client.CodeAt(ctx, common.HexToAddress(k), nil)
	}, codeCacheTime, spike.WithErrorCaching(time.Second))
	return c
}

func (c *CachingChainClient) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.RLock()
	if c.chainID != nil {
		defer c.mu.RUnlock()
		return new(big.Int).Set(c.chainID), nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID == nil {
		chainID, err := c.ChainClient.ChainID(ctx)
		if err != nil {
			return nil, err
		}
		c.chainID = chainID
	}
	return new(big.Int).Set(c.chainID), nil
}

// CodeAt serves the latest code from cache, historical lookups go to the node
func (c *CachingChainClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	if blockNumber != nil {
		return c.ChainClient.CodeAt(ctx, account, blockNumber)
	}
	return c.code.GetResult(ctx, account.Hex())
}
