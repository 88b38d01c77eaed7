package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/archive-flow/internal/model"
	"github.com/sells-group/archive-flow/internal/store"
)

// MetricsSnapshot holds a point-in-time view of the item backlog.
type MetricsSnapshot struct {
	// StatusCounts counts top-level items per status.
	StatusCounts map[model.Status]int `json:"status_counts"`

	// Eligible counts items the engine can advance on its next run.
	Eligible int `json:"eligible"`
	// InFlight counts eligible items carrying an active-task marker, i.e.
	// items whose last step was started and never confirmed.
	InFlight int `json:"in_flight"`
	// WithErrors counts eligible items with a diagnostic log.
	WithErrors     int `json:"with_errors"`
	AwaitingInput  int `json:"awaiting_input"`
	Complete       int `json:"complete"`
	ChildrenListed int `json:"children_listed"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers backlog metrics from the store.
type Collector struct {
	store    store.Store
	eligible []model.Status
}

// NewCollector creates a collector counting the given eligible statuses
// plus Awaiting User Input and Complete.
func NewCollector(st store.Store, eligible []model.Status) *Collector {
	return &Collector{store: st, eligible: eligible}
}

// Collect gathers a snapshot of backlog metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		StatusCounts: make(map[model.Status]int),
		CollectedAt:  time.Now().UTC(),
	}

	eligible := make(map[model.Status]bool, len(c.eligible))
	for _, st := range c.eligible {
		eligible[st] = true
	}

	seen := make(map[model.Status]bool)
	statuses := append(append([]model.Status(nil), c.eligible...), model.StatusAwaitingUserInput, model.StatusComplete)
	for _, st := range statuses {
		if seen[st] {
			continue
		}
		seen[st] = true

		items, err := c.store.FindByStatus(ctx, st)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: count %q", st)
		}
		for _, it := range items {
			if it.IsChild() {
				snap.ChildrenListed++
				continue
			}
			snap.StatusCounts[st]++
			switch st {
			case model.StatusAwaitingUserInput:
				snap.AwaitingInput++
				continue
			case model.StatusComplete:
				snap.Complete++
				continue
			}
			if !eligible[st] {
				continue
			}
			snap.Eligible++
			if it.ActiveTask != "" {
				snap.InFlight++
			}
			if it.LastError != "" {
				snap.WithErrors++
			}
		}
	}

	return snap, nil
}
