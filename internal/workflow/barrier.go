package workflow

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/archive-flow/internal/model"
)

// ChildLister is the store read the barrier needs.
type ChildLister interface {
	FindByParent(ctx context.Context, parentID string) ([]model.WorkItem, error)
}

// Barrier waits for every child of a parent to reach the ready state.
type Barrier struct {
	store    ChildLister
	maxWait  time.Duration
	interval time.Duration
	ready    func(model.WorkItem) bool
}

// NewBarrier creates a Barrier that polls children every interval for at most
// maxWait, using the variant's readiness rule.
func NewBarrier(store ChildLister, v *Variant, maxWait, interval time.Duration) *Barrier {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Barrier{store: store, maxWait: maxWait, interval: interval, ready: ChildReady(v)}
}

// ChildReady returns the readiness predicate for v's children: the child has
// progressed at least to the ready status, or already carries a caption.
func ChildReady(v *Variant) func(model.WorkItem) bool {
	threshold := v.ChildRank(v.ChildReadyStatus)
	return func(child model.WorkItem) bool {
		if strings.TrimSpace(child.Caption) != "" {
			return true
		}
		rank := v.ChildRank(child.Status)
		return threshold >= 0 && rank >= threshold
	}
}

// AwaitChildrenReady reports whether every child of parentID became ready
// before maxWait elapsed. A parent with no children is ready. Store errors
// are logged and polling continues; cancellation returns false.
func (b *Barrier) AwaitChildrenReady(ctx context.Context, parentID string) bool {
	log := zap.L().With(zap.String("item", parentID))

	deadline := time.NewTimer(b.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		if b.check(ctx, parentID, log) {
			return true
		}
		select {
		case <-ctx.Done():
			log.Warn("workflow: barrier cancelled", zap.Error(ctx.Err()))
			return false
		case <-deadline.C:
			log.Warn("workflow: barrier timed out", zap.Duration("max_wait", b.maxWait))
			return false
		case <-ticker.C:
		}
	}
}

func (b *Barrier) check(ctx context.Context, parentID string, log *zap.Logger) bool {
	children, err := b.store.FindByParent(ctx, parentID)
	if err != nil {
		log.Warn("workflow: barrier poll failed", zap.Error(err))
		return false
	}
	ready := 0
	for _, c := range children {
		if b.ready(c) {
			ready++
		}
	}
	log.Info("workflow: barrier poll",
		zap.Int("ready", ready),
		zap.Int("total", len(children)),
	)
	return ready == len(children)
}
