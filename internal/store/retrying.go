package store

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/archive-flow/internal/model"
	"github.com/sells-group/archive-flow/internal/resilience"
)

// Retrying decorates a Store with the transient retry policy. An
// auth-expiry failure refreshes the inner store's credentials (when it
// implements Refresher) before the next attempt.
type Retrying struct {
	inner Store
	cfg   resilience.RetryConfig
}

// NewRetrying wraps inner. cfg.ShouldRetry is replaced by IsTransient.
func NewRetrying(inner Store, cfg resilience.RetryConfig) *Retrying {
	cfg.ShouldRetry = resilience.IsTransient
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("store", "call")
	}
	return &Retrying{inner: inner, cfg: cfg}
}

// Unwrap returns the decorated store.
func (r *Retrying) Unwrap() Store { return r.inner }

func (r *Retrying) FindByStatus(ctx context.Context, status model.Status) ([]model.WorkItem, error) {
	return retry(ctx, r, func(ctx context.Context) ([]model.WorkItem, error) {
		return r.inner.FindByStatus(ctx, status)
	}, emptyOnNotFound)
}

func (r *Retrying) FindByParent(ctx context.Context, parentID string) ([]model.WorkItem, error) {
	return retry(ctx, r, func(ctx context.Context) ([]model.WorkItem, error) {
		return r.inner.FindByParent(ctx, parentID)
	}, emptyOnNotFound)
}

func (r *Retrying) FindByID(ctx context.Context, itemID string) (*model.WorkItem, error) {
	return retry(ctx, r, func(ctx context.Context) (*model.WorkItem, error) {
		return r.inner.FindByID(ctx, itemID)
	}, nil)
}

func (r *Retrying) Get(ctx context.Context, handle string) (*model.WorkItem, error) {
	return retry(ctx, r, func(ctx context.Context) (*model.WorkItem, error) {
		return r.inner.Get(ctx, handle)
	}, nil)
}

func (r *Retrying) PatchFields(ctx context.Context, handle string, fields model.Fields) error {
	_, err := retry(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.PatchFields(ctx, handle, fields)
	}, nil)
	return err
}

// PatchMany retries each patch on its own.
func (r *Retrying) PatchMany(ctx context.Context, patches []model.Patch) (int, error) {
	return patchEach(ctx, r, patches)
}

func (r *Retrying) Close() error { return r.inner.Close() }

func emptyOnNotFound(err error) ([]model.WorkItem, error) {
	if errors.Is(err, ErrNotFound) {
		return []model.WorkItem{}, nil
	}
	return nil, err
}

func retry[T any](ctx context.Context, r *Retrying, fn func(context.Context) (T, error), onErr func(error) (T, error)) (T, error) {
	val, err := resilience.DoVal(ctx, r.cfg, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err != nil && errors.Is(err, resilience.ErrAuthExpired) {
			r.refresh(ctx)
		}
		return v, err
	})
	if err != nil && onErr != nil {
		return onErr(err)
	}
	return val, err
}

func (r *Retrying) refresh(ctx context.Context) {
	ref, ok := r.inner.(Refresher)
	if !ok {
		return
	}
	if err := ref.Refresh(ctx); err != nil {
		zap.L().Warn("store: credential refresh failed", zap.Error(eris.Wrap(err, "store: refresh")))
	}
}

var _ Store = (*Retrying)(nil)
