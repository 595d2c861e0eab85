package arbitrage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/condarb/bundler/metrics"
	"github.com/ethereum/go-ethereum/common"
)

// NonceLocker serializes the read nonce, sign, broadcast sequence of one account.
// The returned function releases the lock.
type NonceLocker interface {
	Lock(ctx context.Context, account common.Address) (func(), error)
}

// LocalNonceLocker serializes attempts within a single process
type LocalNonceLocker struct {
	mu    sync.Mutex
	locks map[common.Address]chan struct{}
}

func NewLocalNonceLocker() *LocalNonceLocker {
	return &LocalNonceLocker{locks: make(map[common.Address]chan struct{})}
}

func (l *LocalNonceLocker) sem(account common.Address) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[account]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[account] = ch
	}
	return ch
}

func (l *LocalNonceLocker) Lock(ctx context.Context, account common.Address) (func(), error) {
	startAt := time.Now()
	ch := l.sem(account)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrLockNotAcquired, ctx.Err())
	}
	metrics.RecordNonceLockWait(time.Since(startAt).Milliseconds())

	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}
