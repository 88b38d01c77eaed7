package model

import "strings"

// Status is the persisted state string of a work item. The store is free to
// hold values this package does not know about; use Kind to branch on them.
type Status string

// Parent item statuses, in pipeline order.
const (
	StatusPending               Status = "Pending"
	StatusProcessingMediaInfo   Status = "Processing Media Info"
	StatusGeneratingThumbnails  Status = "Generating Thumbnails"
	StatusProcessingFrames      Status = "Processing Frames"
	StatusCaptioning            Status = "Captioning"
	StatusScrapingWeb           Status = "Scraping Web"
	StatusGeneratingDescription Status = "Generating Description"
	StatusTagging               Status = "Tagging"
	StatusComplete              Status = "Complete"
)

// Recovery statuses are set by people, never by the engine.
const (
	StatusAwaitingUserInput Status = "Awaiting User Input"
	StatusResumeProcessing  Status = "Resume Processing"
)

// Child item statuses. Pending, Captioning and Complete are shared with parents.
const (
	StatusTranscribing Status = "Transcribing"
	StatusTranscribed  Status = "Transcribed"
	StatusCaptioned    Status = "Captioned"
)

// StatusKind classifies a raw status.
type StatusKind int

const (
	// KindUnknown is any value not in the known set.
	KindUnknown StatusKind = iota
	// KindPipeline is a status the step table writes or consumes.
	KindPipeline
	// KindRecovery is a user-triggered override status.
	KindRecovery
	// KindTerminal means the workflow has nothing left to do.
	KindTerminal
)

func (k StatusKind) String() string {
	switch k {
	case KindPipeline:
		return "pipeline"
	case KindRecovery:
		return "recovery"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

var knownStatuses = map[Status]StatusKind{
	StatusPending:               KindPipeline,
	StatusProcessingMediaInfo:   KindPipeline,
	StatusGeneratingThumbnails:  KindPipeline,
	StatusProcessingFrames:      KindPipeline,
	StatusCaptioning:            KindPipeline,
	StatusScrapingWeb:           KindPipeline,
	StatusGeneratingDescription: KindPipeline,
	StatusTagging:               KindPipeline,
	StatusTranscribing:          KindPipeline,
	StatusTranscribed:           KindPipeline,
	StatusCaptioned:             KindPipeline,
	StatusComplete:              KindTerminal,
	StatusAwaitingUserInput:     KindRecovery,
	StatusResumeProcessing:      KindRecovery,
}

// canonical maps the lower-cased, space-collapsed spelling of every known
// status to its canonical form.
var canonical = func() map[string]Status {
	m := make(map[string]Status, len(knownStatuses))
	for s := range knownStatuses {
		m[foldStatus(string(s))] = s
	}
	return m
}()

func foldStatus(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}

// ParseStatus normalizes a raw store value. Known statuses are matched
// case-insensitively and with collapsed whitespace, so "  processing  frames"
// resolves to StatusProcessingFrames. Unknown values are returned trimmed.
func ParseStatus(raw string) Status {
	if s, ok := canonical[foldStatus(raw)]; ok {
		return s
	}
	return Status(strings.TrimSpace(raw))
}

// Kind reports which branch of the status union s belongs to.
func (s Status) Kind() StatusKind {
	if k, ok := knownStatuses[s]; ok {
		return k
	}
	return KindUnknown
}

// Known reports whether s is part of the known status set.
func (s Status) Known() bool {
	return s.Kind() != KindUnknown
}

func (s Status) String() string {
	return string(s)
}
