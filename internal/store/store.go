// Package store reads and writes work items in the record store.
package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/archive-flow/internal/model"
)

// ErrNotFound is returned by Get and FindByID when no item matches.
var ErrNotFound = eris.New("store: work item not found")

// Store is the Work Item Store. Finders return an empty slice, not an
// error, when nothing matches.
type Store interface {
	FindByStatus(ctx context.Context, status model.Status) ([]model.WorkItem, error)
	FindByParent(ctx context.Context, parentID string) ([]model.WorkItem, error)
	FindByID(ctx context.Context, itemID string) (*model.WorkItem, error)
	Get(ctx context.Context, handle string) (*model.WorkItem, error)
	PatchFields(ctx context.Context, handle string, fields model.Fields) error
	// PatchMany applies each patch independently and returns how many
	// succeeded. The error describes the first failure.
	PatchMany(ctx context.Context, patches []model.Patch) (int, error)
	Close() error
}

// Seeder is implemented by backends that can create items.
type Seeder interface {
	Insert(ctx context.Context, item model.WorkItem) (string, error)
}

// Refresher is implemented by backends whose credentials can be renewed.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// patchEach is the PatchMany loop shared by backends without a bulk call.
func patchEach(ctx context.Context, s Store, patches []model.Patch) (int, error) {
	var n int
	var firstErr error
	for _, p := range patches {
		if err := s.PatchFields(ctx, p.Handle, p.Fields); err != nil {
			if firstErr == nil {
				firstErr = eris.Wrapf(err, "store: patch %s", p.Handle)
			}
			continue
		}
		n++
	}
	return n, firstErr
}

// patchParallel is patchEach with up to limit writes in flight, for
// backends where each write is a network round trip.
func patchParallel(ctx context.Context, s Store, patches []model.Patch, limit int) (int, error) {
	var n atomic.Int64
	var mu sync.Mutex
	var firstErr error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for _, p := range patches {
		g.Go(func() error {
			if err := s.PatchFields(gctx, p.Handle, p.Fields); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = eris.Wrapf(err, "store: patch %s", p.Handle)
				}
				mu.Unlock()
				return nil
			}
			n.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(n.Load()), firstErr
}

// document converts logical fields into the keys of the JSON form of a
// WorkItem, normalising values on the way.
func document(fields model.Fields) map[string]any {
	var w model.WorkItem
	w.Apply(fields)
	all := w.Fields()
	doc := make(map[string]any, len(fields))
	for k := range fields {
		v, ok := all[k]
		if !ok {
			continue
		}
		if k == model.FieldItemID {
			doc["id"] = v
			continue
		}
		doc[k] = v
	}
	return doc
}

func sortByID(items []model.WorkItem) []model.WorkItem {
	sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}
