// Package report appends human-readable failure entries to an item's
// diagnostic log field.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/archive-flow/internal/model"
	"github.com/sells-group/archive-flow/internal/resilience"
)

const (
	// MaxEntryChars bounds a single entry.
	MaxEntryChars = 1000
	// DefaultMaxLogChars bounds the whole log field.
	DefaultMaxLogChars = 10000

	timestampLayout = "2006-01-02 15:04:05"
	entrySeparator  = "\n\n"
	ellipsis        = "..."
)

// Patcher is the store write the reporter needs.
type Patcher interface {
	PatchFields(ctx context.Context, handle string, fields model.Fields) error
}

// Entry is one failure to report.
type Entry struct {
	Class  model.ErrorClass
	Step   string
	ItemID string
	Issue  string
	At     time.Time
}

// Format renders e, truncated to MaxEntryChars.
func (e Entry) Format() string {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	s := fmt.Sprintf("[%s] %s - %s\nItem: %s\nIssue: %s",
		at.Format(timestampLayout), e.Class.Label(), e.Step, e.ItemID, strings.TrimSpace(e.Issue))
	return truncate(s, MaxEntryChars)
}

// Reporter writes entries through a Patcher.
type Reporter struct {
	store       Patcher
	maxLogChars int
	now         func() time.Time
}

// New creates a Reporter. maxLogChars <= 0 uses DefaultMaxLogChars.
func New(store Patcher, maxLogChars int) *Reporter {
	if maxLogChars <= 0 {
		maxLogChars = DefaultMaxLogChars
	}
	if maxLogChars < MaxEntryChars {
		maxLogChars = MaxEntryChars
	}
	return &Reporter{store: store, maxLogChars: maxLogChars, now: time.Now}
}

// ReportError classifies err and appends it to the item's log.
func (r *Reporter) ReportError(ctx context.Context, item *model.WorkItem, step string, err error) (*model.OutcomeError, error) {
	oe := &model.OutcomeError{
		Class:   resilience.Classify(err),
		Step:    step,
		Message: err.Error(),
	}
	return oe, r.Append(ctx, item, Entry{Class: oe.Class, Step: step, ItemID: item.ID, Issue: oe.Message})
}

// Append adds e to the end of item's log, dropping the oldest entries when
// the log would exceed its bound. item.LastError is updated on success.
func (r *Reporter) Append(ctx context.Context, item *model.WorkItem, e Entry) error {
	if e.At.IsZero() {
		e.At = r.now()
	}
	log := appendBounded(item.LastError, e.Format(), r.maxLogChars)
	if err := r.store.PatchFields(ctx, item.Handle, model.Fields{model.FieldLastError: log}); err != nil {
		zap.L().Error("report: failed to write diagnostic entry",
			zap.String("item", item.ID),
			zap.String("step", e.Step),
			zap.Error(err),
		)
		return eris.Wrapf(err, "report: append for %s", item.ID)
	}
	item.LastError = log
	return nil
}

func appendBounded(existing, entry string, limit int) string {
	existing = strings.TrimSpace(existing)
	if existing == "" {
		return entry
	}
	log := existing + entrySeparator + entry
	for len(log) > limit {
		i := strings.Index(log, entrySeparator)
		if i < 0 {
			return truncateHead(log, limit)
		}
		log = log[i+len(entrySeparator):]
	}
	return log
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

func truncateHead(s string, n int) string {
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
