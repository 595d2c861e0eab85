// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/condarb/bundler/arbitrage"
	"github.com/condarb/bundler/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NonceLock is a NonceLocker shared between processes that sign for the same account.
// The lock expires after ttl so a crashed holder does not block other processes.
type NonceLock struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
	retry     time.Duration
}

func NewNonceLock(client *redis.Client, ttl time.Duration, keyPrefix string) *NonceLock {
	return &NonceLock{
		client:    client,
		ttl:       ttl,
		keyPrefix: keyPrefix,
		retry:     50 * time.Millisecond,
	}
}

func (n *NonceLock) key(account common.Address) string {
	return n.keyPrefix + account.Hex()
}

func (n *NonceLock) Lock(ctx context.Context, account common.Address) (func(), error) {
	startAt := time.Now()
	key := n.key(account)
	token := uuid.NewString()

	back := backoff.NewExponentialBackOff()
	back.InitialInterval = n.retry
	back.MaxInterval = n.ttl / 4
	back.MaxElapsedTime = 2 * n.ttl

	err := backoff.Retry(func() error {
		ok, err := n.client.SetNX(ctx, key, token, n.ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return arbitrage.ErrLockNotAcquired
		}
		return nil
	}, backoff.WithContext(back, ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", arbitrage.ErrLockNotAcquired, key, err)
	}
	metrics.RecordNonceLockWait(time.Since(startAt).Milliseconds())

	return func() {
		// release must not depend on the caller context, it may be cancelled by now
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, n.client, []string{key}, token).Err()
	}, nil
}
