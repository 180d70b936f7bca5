// Package lock serialises work on a named resource, both inside this process
// and across server instances that share a cache.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mk12/mira/cache"
	"go.uber.org/zap"
)

// ErrBusy is returned when a lock could not be acquired before the context
// was done.
var ErrBusy = errors.New("lock: resource busy")

const (
	minBackoff = 5 * time.Millisecond
	maxBackoff = 100 * time.Millisecond
	// defaultWait bounds acquisition when the caller's context has no deadline.
	defaultWait = 5 * time.Second
)

// PairKey returns the lock key for the unordered pair {a, b}.
func PairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("pair:%d:%d", a, b)
}

// OutgoingKey returns the lock key guarding id's outgoing edge count.
func OutgoingKey(id int64) string {
	return fmt.Sprintf("outgoing:%d", id)
}

// CanvasKey returns the lock key for a canvas.
func CanvasKey(id int64) string {
	return fmt.Sprintf("canvas:%d", id)
}

// Keyed hands out per-key mutual exclusion. Locally a key maps to a
// reference-counted channel semaphore; globally a lease "lock:<key>" is
// taken with SetNX so other processes sharing the cache also serialise.
type Keyed struct {
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

// NewKeyed creates a Keyed lock whose cache leases expire after ttl.
func NewKeyed(c cache.Cache, ttl time.Duration, logger *zap.Logger) *Keyed {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Keyed{
		cache:  c,
		ttl:    ttl,
		logger: logger,
		slots:  make(map[string]*slot),
	}
}

// Acquire blocks until key is held or ctx is done. The returned function
// releases the lock and must be called exactly once.
func (k *Keyed) Acquire(ctx context.Context, key string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultWait)
		defer cancel()
	}

	s := k.ref(key)
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		k.unref(key)
		return nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}

	token, err := k.lease(ctx, key)
	if err != nil {
		<-s.sem
		k.unref(key)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled; release regardless.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := k.cache.DelIfEqual(rctx, "lock:"+key, token); err != nil {
				k.logger.Warn("lock: lease release failed", zap.String("key", key), zap.Error(err))
			}
			<-s.sem
			k.unref(key)
		})
	}, nil
}

// With runs fn while holding key.
func (k *Keyed) With(ctx context.Context, key string, fn func() error) error {
	release, err := k.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (k *Keyed) lease(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	backoff := minBackoff
	for {
		ok, err := k.cache.SetNX(ctx, "lock:"+key, token, k.ttl)
		if err != nil {
			return "", fmt.Errorf("lock: lease %s: %w", key, err)
		}
		if ok {
			return token, nil
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s", ErrBusy, key)
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (k *Keyed) ref(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *Keyed) unref(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if s, ok := k.slots[key]; ok {
		s.refs--
		if s.refs == 0 {
			delete(k.slots, key)
		}
	}
}

// Held reports how many keys currently have holders or waiters.
func (k *Keyed) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
