package model

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Logical field keys understood by every store backend.
const (
	FieldItemID          = "item_id"
	FieldStatus          = "status"
	FieldParentID        = "parent_id"
	FieldTitle           = "title"
	FieldDescription     = "description"
	FieldNotes           = "notes"
	FieldCaption         = "caption"
	FieldEnrichmentURL   = "enrichment_url"
	FieldDurationSeconds = "duration_seconds"
	FieldActiveTask      = "active_task"
	FieldLastError       = "last_error"
)

// Fields is a partial update keyed by the logical field names above.
type Fields map[string]any

// Patch pairs a store handle with the fields to write to it.
type Patch struct {
	Handle string `json:"handle"`
	Fields Fields `json:"fields"`
}

// WorkItem is a footage or still-image record flowing through the pipeline.
type WorkItem struct {
	ID       string `json:"id"`
	Handle   string `json:"handle"`
	Status   Status `json:"status"`
	ParentID string `json:"parent_id,omitempty"`

	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Notes       string `json:"notes,omitempty"`
	Caption     string `json:"caption,omitempty"`

	EnrichmentURL   string  `json:"enrichment_url,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// ActiveTask names the task the engine last started and has not yet seen
	// succeed. It is cleared on success.
	ActiveTask string `json:"active_task,omitempty"`
	// LastError is the appended, human-readable diagnostic log.
	LastError string `json:"last_error,omitempty"`
}

// IsChild reports whether the item belongs to a parent item.
func (w WorkItem) IsChild() bool {
	return w.ParentID != ""
}

// HasEnrichmentSource reports whether a web source is available for enrichment.
func (w WorkItem) HasEnrichmentSource() bool {
	return strings.TrimSpace(w.EnrichmentURL) != ""
}

// MetadataText assembles the descriptive fields into the text the quality
// gate evaluates. Empty fields are omitted and the result is NFC-normalized.
func (w WorkItem) MetadataText() string {
	var b strings.Builder
	add := func(label, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(value)
	}
	add("Title", w.Title)
	add("Description", w.Description)
	add("Notes", w.Notes)
	add("Caption", w.Caption)
	return norm.NFC.String(b.String())
}

// Apply writes fields onto the in-memory item. Unknown keys are ignored so
// backends can carry extra columns.
func (w *WorkItem) Apply(fields Fields) {
	for k, v := range fields {
		switch k {
		case FieldItemID:
			w.ID = asString(v)
		case FieldStatus:
			w.Status = ParseStatus(asString(v))
		case FieldParentID:
			w.ParentID = asString(v)
		case FieldTitle:
			w.Title = asString(v)
		case FieldDescription:
			w.Description = asString(v)
		case FieldNotes:
			w.Notes = asString(v)
		case FieldCaption:
			w.Caption = asString(v)
		case FieldEnrichmentURL:
			w.EnrichmentURL = asString(v)
		case FieldDurationSeconds:
			w.DurationSeconds = asFloat(v)
		case FieldActiveTask:
			w.ActiveTask = asString(v)
		case FieldLastError:
			w.LastError = asString(v)
		}
	}
}

// Fields returns every logical field of the item except the handle.
func (w WorkItem) Fields() Fields {
	return Fields{
		FieldItemID:          w.ID,
		FieldStatus:          string(w.Status),
		FieldParentID:        w.ParentID,
		FieldTitle:           w.Title,
		FieldDescription:     w.Description,
		FieldNotes:           w.Notes,
		FieldCaption:         w.Caption,
		FieldEnrichmentURL:   w.EnrichmentURL,
		FieldDurationSeconds: w.DurationSeconds,
		FieldActiveTask:      w.ActiveTask,
		FieldLastError:       w.LastError,
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case Status:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
