// Package spike deduplicates concurrent lookups of slow external resources and
// caches their results
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	taskQueueLen           = 64
	inflightSize           = 16
	defaultCleanupInterval = time.Minute
	defaultFetchTimeout    = 10 * time.Second
)

type Handler[T any] struct {
	Fetch func(ctx context.Context, k string) (T, error)
	Set   func(k string, v T)
	Get   func(k string) (T, bool)
}

type Option func(*options)

type options struct {
	errorTTL     time.Duration
	fetchTimeout time.Duration
}

// WithErrorCaching remembers failed fetches for ttl so that a broken resource is
// not hammered by every caller
func WithErrorCaching(ttl time.Duration) Option {
	return func(o *options) {
		o.errorTTL = ttl
	}
}

// WithFetchTimeout bounds a single fetch, it is shared by all waiting callers
func WithFetchTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.fetchTimeout = timeout
	}
}

type Manager[T any] struct {
	mu       sync.Mutex
	handler  Handler[T]
	opts     options
	errs     *gocache.Cache
	tasks    chan task[T]
	inflight map[string][]chan<- result[T]
}

type task[T any] struct {
	key string
	res chan<- result[T]
}

type result[T any] struct {
	v T
	e error
}

// NewCustomManager uses the cache implementation supplied by the handler
func NewCustomManager[T any](h Handler[T], opts ...Option) *Manager[T] {
	o := options{fetchTimeout: defaultFetchTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	m := &Manager[T]{
		handler:  h,
		opts:     o,
		tasks:    make(chan task[T], taskQueueLen),
		inflight: make(map[string][]chan<- result[T], inflightSize),
	}
	if o.errorTTL > 0 {
		m.errs = gocache.New(o.errorTTL, defaultCleanupInterval)
	}
	go m.start()
	return m
}

// NewManager caches fetched values in memory for cacheTime
func NewManager[T any](fetch func(ctx context.Context, k string) (T, error), cacheTime time.Duration, opts ...Option) *Manager[T] {
	g := gocache.New(cacheTime, defaultCleanupInterval)
	return NewCustomManager[T](Handler[T]{
		Fetch: fetch,
		Set: func(k string, v T) {
			g.Set(k, v, cacheTime)
		},
		Get: func(k string) (T, bool) {
			v, ok := g.Get(k)
			if !ok {
				var rt T
				return rt, false
			}
			//nolint:forcetypeassert
			return v.(T), true
		},
	}, opts...)
}

func (m *Manager[T]) cached(k string) (result[T], bool) {
	if v, ok := m.handler.Get(k); ok {
		return result[T]{v: v}, true
	}
	if m.errs != nil {
		if err, ok := m.errs.Get(k); ok {
			return result[T]{e: err.(error)}, true //nolint:forcetypeassert
		}
	}
	return result[T]{}, false
}

func (m *Manager[T]) start() {
	for t := range m.tasks {
		m.mu.Lock()
		if r, ok := m.cached(t.key); ok {
			m.mu.Unlock()
			t.res <- r
			close(t.res)
			continue
		}
		waiting, ok := m.inflight[t.key]
		m.inflight[t.key] = append(waiting, t.res)
		m.mu.Unlock()
		if !ok {
			go m.fetch(t.key)
		}
	}
}

func (m *Manager[T]) fetch(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.fetchTimeout)
	defer cancel()

	v, err := m.handler.Fetch(ctx, key)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if m.errs != nil {
			m.errs.SetDefault(key, err)
		}
	} else {
		m.handler.Set(key, v)
	}
	for _, ch := range m.inflight[key] {
		ch <- result[T]{v: v, e: err}
		close(ch)
	}
	delete(m.inflight, key)
}

func (m *Manager[T]) GetResult(ctx context.Context, k string) (T, error) { //nolint:ireturn
	if r, ok := m.cached(k); ok {
		return r.v, r.e
	}

	resChan := make(chan result[T], 1)
	select {
	case m.tasks <- task[T]{key: k, res: resChan}:
	case <-ctx.Done():
		var tr T
		return tr, ctx.Err()
	}
	select {
	case <-ctx.Done():
		var tr T
		return tr, ctx.Err()
	case completed := <-resChan:
		return completed.v, completed.e
	}
}
