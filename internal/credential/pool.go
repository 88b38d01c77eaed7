// Package credential hands out keys from the shared task quota.
package credential

import (
	"context"
	"slices"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/archive-flow/internal/resilience"
)

// Credential is one key of the shared quota.
type Credential struct {
	Name   string
	Secret string
}

// Provider supplies credentials for task invocation.
type Provider interface {
	// Acquire returns a credential with capacity, or resilience.ErrNoCapacity.
	Acquire(ctx context.Context) (Credential, error)
	// Refresh retires stale after an auth-expiry failure and returns a replacement.
	Refresh(ctx context.Context, stale Credential) (Credential, error)
}

// Key configures one pooled credential.
type Key struct {
	Name   string
	Secret string
	// RPS is the per-key request budget. Zero means unlimited.
	RPS float64
}

type slot struct {
	cred    Credential
	limiter *rate.Limiter
	revoked bool
}

// KeySource re-reads the configured keys, e.g. from config and env.
type KeySource func(ctx context.Context) ([]Key, error)

// Pool is a round-robin Provider over rate-limited keys.
type Pool struct {
	mu     sync.Mutex
	slots  []*slot
	next   int
	reload KeySource
}

// NewPool builds a pool from keys. Keys without a secret are ignored.
func NewPool(keys []Key) *Pool {
	p := &Pool{}
	for _, k := range keys {
		if s := newSlot(k); s != nil {
			p.slots = append(p.slots, s)
		}
	}
	return p
}

// WithReload makes Refresh re-read keys from src, so a rotated secret
// replaces a revoked key without a restart.
func (p *Pool) WithReload(src KeySource) *Pool {
	p.reload = src
	return p
}

func newSlot(k Key) *slot {
	if k.Secret == "" {
		return nil
	}
	s := &slot{cred: Credential{Name: k.Name, Secret: k.Secret}}
	if k.RPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(k.RPS), max(int(k.RPS), 1))
	}
	return s
}

// Size returns the number of usable keys.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if !s.revoked {
			n++
		}
	}
	return n
}

// Acquire returns the next key with spare capacity without blocking.
func (p *Pool) Acquire(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, eris.Wrap(err, "credential: acquire")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	live := 0
	for i := 0; i < len(p.slots); i++ {
		idx := (p.next + i) % len(p.slots)
		s := p.slots[idx]
		if s.revoked {
			continue
		}
		live++
		if s.limiter != nil && !s.limiter.Allow() {
			continue
		}
		p.next = (idx + 1) % len(p.slots)
		return s.cred, nil
	}
	if live == 0 {
		return Credential{}, eris.New("credential: no usable keys configured")
	}
	return Credential{}, resilience.ErrNoCapacity
}

// Refresh revokes stale, re-reads keys when a source is set, and hands out
// another key.
func (p *Pool) Refresh(ctx context.Context, stale Credential) (Credential, error) {
	p.mu.Lock()
	for _, s := range p.slots {
		if s.cred == stale && !s.revoked {
			s.revoked = true
			zap.L().Warn("credential revoked after auth expiry", zap.String("credential", stale.Name))
		}
	}
	p.mu.Unlock()

	if p.reload != nil {
		keys, err := p.reload(ctx)
		if err != nil {
			zap.L().Warn("credential: reload keys", zap.Error(err))
		} else {
			p.merge(keys)
		}
	}

	return p.Acquire(ctx)
}

// merge adds keys not yet in the pool. A key whose name matches a revoked
// slot replaces it only when its secret changed.
func (p *Pool) merge(keys []Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, k := range keys {
		fresh := newSlot(k)
		if fresh == nil {
			continue
		}
		idx := slices.IndexFunc(p.slots, func(s *slot) bool { return s.cred.Name == k.Name })
		switch {
		case idx < 0:
			p.slots = append(p.slots, fresh)
			zap.L().Info("credential added on reload", zap.String("credential", k.Name))
		case p.slots[idx].revoked && p.slots[idx].cred.Secret != k.Secret:
			p.slots[idx] = fresh
			zap.L().Info("credential rotated on reload", zap.String("credential", k.Name))
		}
	}
}
