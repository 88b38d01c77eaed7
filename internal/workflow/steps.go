// Package workflow runs a work item through an ordered table of external
// tasks, resuming from whatever status the store currently holds.
package workflow

import (
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/archive-flow/internal/model"
)

// Step is one row of a step table.
type Step struct {
	// Index is 1-based and matches the step's position in the table.
	Index int    `yaml:"index" json:"index"`
	Name  string `yaml:"name" json:"name"`
	// TaskID names the external task the runner invokes.
	TaskID string `yaml:"task" json:"task"`

	RequiredStatuses []model.Status `yaml:"required_statuses,omitempty" json:"required_statuses,omitempty"`
	// AnyStatus disables the precondition check.
	AnyStatus bool `yaml:"any_status,omitempty" json:"any_status,omitempty"`

	// StatusAfter is written before the task is invoked. Conditional steps
	// leave it empty and write BranchStatus only when they actually run.
	StatusAfter  model.Status `yaml:"status_after,omitempty" json:"status_after,omitempty"`
	BranchStatus model.Status `yaml:"branch_status,omitempty" json:"branch_status,omitempty"`

	IsConditional   bool `yaml:"conditional,omitempty" json:"conditional,omitempty"`
	HasBarrier      bool `yaml:"barrier,omitempty" json:"barrier,omitempty"`
	DurationBearing bool `yaml:"duration_bearing,omitempty" json:"duration_bearing,omitempty"`
	// FansOut marks the step whose task creates child items.
	FansOut bool `yaml:"fans_out,omitempty" json:"fans_out,omitempty"`

	IsTerminal  bool         `yaml:"terminal,omitempty" json:"terminal,omitempty"`
	FinalStatus model.Status `yaml:"final_status,omitempty" json:"final_status,omitempty"`
}

// Accepts reports whether an item in status st may run the step. Besides the
// declared required statuses, a step always accepts its own target status so
// an interrupted step can be re-entered, and recovery statuses so a person's
// override can move the item. The first step also takes unrecognized
// statuses, which restart the table.
func (s Step) Accepts(st model.Status) bool {
	if s.AnyStatus || st.Kind() == model.KindRecovery {
		return true
	}
	if s.Index == 1 && !st.Known() {
		return true
	}
	if slices.Contains(s.RequiredStatuses, st) {
		return true
	}
	return st != "" && (st == s.StatusAfter || st == s.BranchStatus)
}

// Uses reports whether any step of v requires or writes st.
func (v *Variant) Uses(st model.Status) bool {
	for _, s := range v.Steps {
		if slices.Contains(s.RequiredStatuses, st) {
			return true
		}
		if st != "" && (st == s.StatusAfter || st == s.BranchStatus) {
			return true
		}
	}
	return false
}

// Admits is Step.Accepts widened by the table: the first step also takes
// any non-terminal status no step of v uses, such as a child status set on
// a parent by hand.
func (v *Variant) Admits(step Step, st model.Status) bool {
	if step.Accepts(st) {
		return true
	}
	return step.Index == 1 && st.Kind() != model.KindTerminal && !v.Uses(st)
}

// Target is the status written when the step runs.
func (s Step) Target() model.Status {
	if s.StatusAfter != "" {
		return s.StatusAfter
	}
	return s.BranchStatus
}

// Variant is a named step table plus the statuses its recovery paths and
// barrier use.
type Variant struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`

	// ResumeTask is where Resume Processing restarts.
	ResumeTask string `yaml:"resume_task" json:"resume_task"`
	// DescribeTask is where Awaiting User Input continues once metadata
	// passes the lenient gate.
	DescribeTask string `yaml:"describe_task" json:"describe_task"`

	ChildResetStatus model.Status `yaml:"child_reset_status,omitempty" json:"child_reset_status,omitempty"`
	// ChildOrder ranks child statuses from least to most progressed.
	ChildOrder       []model.Status `yaml:"child_order,omitempty" json:"child_order,omitempty"`
	ChildReadyStatus model.Status   `yaml:"child_ready_status,omitempty" json:"child_ready_status,omitempty"`
}

// Variant names.
const (
	VariantFootage    = "footage"
	VariantStillImage = "still_image"
)

// FootageVariant is the table for video items. Thumbnail generation fans
// out into child segments and frame processing waits for all of them to be
// captioned before the description is generated.
func FootageVariant() *Variant {
	return &Variant{
		Name: VariantFootage,
		Steps: []Step{
			{
				Index:            1,
				Name:             "Extract media info",
				TaskID:           "media_info",
				RequiredStatuses: []model.Status{model.StatusPending},
				StatusAfter:      model.StatusProcessingMediaInfo,
			},
			{
				Index:            2,
				Name:             "Generate thumbnails",
				TaskID:           "thumbnails",
				RequiredStatuses: []model.Status{model.StatusProcessingMediaInfo},
				StatusAfter:      model.StatusGeneratingThumbnails,
				FansOut:          true,
			},
			{
				Index:            3,
				Name:             "Process frames",
				TaskID:           "process_frames",
				RequiredStatuses: []model.Status{model.StatusGeneratingThumbnails},
				StatusAfter:      model.StatusProcessingFrames,
				DurationBearing:  true,
				HasBarrier:       true,
			},
			{
				Index:            4,
				Name:             "Scrape web sources",
				TaskID:           "web_scrape",
				RequiredStatuses: []model.Status{model.StatusProcessingFrames},
				BranchStatus:     model.StatusScrapingWeb,
				IsConditional:    true,
			},
			{
				Index:            5,
				Name:             "Generate AI description",
				TaskID:           "ai_description",
				RequiredStatuses: []model.Status{model.StatusProcessingFrames, model.StatusScrapingWeb},
				StatusAfter:      model.StatusGeneratingDescription,
			},
			{
				Index:            6,
				Name:             "Generate tags",
				TaskID:           "tagging",
				RequiredStatuses: []model.Status{model.StatusGeneratingDescription},
				StatusAfter:      model.StatusTagging,
				IsTerminal:       true,
				FinalStatus:      model.StatusComplete,
			},
		},
		ResumeTask:       "process_frames",
		DescribeTask:     "ai_description",
		ChildResetStatus: model.StatusPending,
		ChildOrder: []model.Status{
			model.StatusPending,
			model.StatusTranscribing,
			model.StatusTranscribed,
			model.StatusCaptioning,
			model.StatusCaptioned,
			model.StatusComplete,
		},
		ChildReadyStatus: model.StatusCaptioned,
	}
}

// StillImageVariant is the table for photographs. It has no children, so
// no step carries a barrier.
func StillImageVariant() *Variant {
	return &Variant{
		Name: VariantStillImage,
		Steps: []Step{
			{
				Index:            1,
				Name:             "Extract media info",
				TaskID:           "media_info",
				RequiredStatuses: []model.Status{model.StatusPending},
				StatusAfter:      model.StatusProcessingMediaInfo,
			},
			{
				Index:            2,
				Name:             "Generate thumbnails",
				TaskID:           "thumbnails",
				RequiredStatuses: []model.Status{model.StatusProcessingMediaInfo},
				StatusAfter:      model.StatusGeneratingThumbnails,
			},
			{
				Index:            3,
				Name:             "Caption image",
				TaskID:           "caption",
				RequiredStatuses: []model.Status{model.StatusGeneratingThumbnails},
				StatusAfter:      model.StatusCaptioning,
			},
			{
				Index:            4,
				Name:             "Scrape web sources",
				TaskID:           "web_scrape",
				RequiredStatuses: []model.Status{model.StatusCaptioning},
				BranchStatus:     model.StatusScrapingWeb,
				IsConditional:    true,
			},
			{
				Index:            5,
				Name:             "Generate AI description",
				TaskID:           "ai_description",
				RequiredStatuses: []model.Status{model.StatusCaptioning, model.StatusScrapingWeb},
				StatusAfter:      model.StatusGeneratingDescription,
			},
			{
				Index:            6,
				Name:             "Generate tags",
				TaskID:           "tagging",
				RequiredStatuses: []model.Status{model.StatusGeneratingDescription},
				StatusAfter:      model.StatusTagging,
				IsTerminal:       true,
				FinalStatus:      model.StatusComplete,
			},
		},
		ResumeTask:       "caption",
		DescribeTask:     "ai_description",
		ChildResetStatus: model.StatusPending,
	}
}

// VariantByName returns a fresh copy of a built-in table.
func VariantByName(name string) (*Variant, error) {
	switch name {
	case VariantFootage, "":
		return FootageVariant(), nil
	case VariantStillImage:
		return StillImageVariant(), nil
	default:
		return nil, eris.Errorf("workflow: unknown variant %q", name)
	}
}

// Step returns the step at 1-based index i.
func (v *Variant) Step(i int) (Step, bool) {
	if i < 1 || i > len(v.Steps) {
		return Step{}, false
	}
	return v.Steps[i-1], true
}

// IndexOf returns the index of the step running taskID, or 0.
func (v *Variant) IndexOf(taskID string) int {
	for _, s := range v.Steps {
		if s.TaskID == taskID {
			return s.Index
		}
	}
	return 0
}

// BarrierIndex is the index of the barrier step, or 0 when the table has none.
func (v *Variant) BarrierIndex() int {
	for _, s := range v.Steps {
		if s.HasBarrier {
			return s.Index
		}
	}
	return 0
}

// PhaseSplit is the last step run by phase 1 of phased dispatch: the
// barrier step when there is one, otherwise the step before the
// description step.
func (v *Variant) PhaseSplit() int {
	if b := v.BarrierIndex(); b > 0 {
		return b
	}
	if d := v.IndexOf(v.DescribeTask); d > 1 {
		return d - 1
	}
	return len(v.Steps)
}

// ChildRank returns the position of st in ChildOrder, or -1.
func (v *Variant) ChildRank(st model.Status) int {
	return slices.Index(v.ChildOrder, st)
}

// Validate checks the table's structural invariants.
func (v *Variant) Validate() error {
	if len(v.Steps) == 0 {
		return eris.Errorf("workflow: variant %q has no steps", v.Name)
	}
	seen := make(map[string]bool, len(v.Steps))
	barriers := 0
	for i, s := range v.Steps {
		if s.Index != i+1 {
			return eris.Errorf("workflow: step %q has index %d, want %d", s.TaskID, s.Index, i+1)
		}
		if s.TaskID == "" {
			return eris.Errorf("workflow: step %d has no task", s.Index)
		}
		if seen[s.TaskID] {
			return eris.Errorf("workflow: task %q appears twice", s.TaskID)
		}
		seen[s.TaskID] = true
		if s.Target() == "" {
			return eris.Errorf("workflow: step %q writes no status", s.TaskID)
		}
		if s.IsConditional && s.BranchStatus == "" {
			return eris.Errorf("workflow: conditional step %q needs a branch status", s.TaskID)
		}
		if !s.AnyStatus && len(s.RequiredStatuses) == 0 {
			return eris.Errorf("workflow: step %q accepts no status", s.TaskID)
		}
		if s.HasBarrier {
			barriers++
		}
		last := i == len(v.Steps)-1
		if s.IsTerminal != last {
			return eris.Errorf("workflow: only the last step may be terminal (step %q)", s.TaskID)
		}
		if s.IsTerminal && s.FinalStatus == "" {
			return eris.Errorf("workflow: terminal step %q has no final status", s.TaskID)
		}
	}
	if barriers > 1 {
		return eris.Errorf("workflow: variant %q has %d barrier steps", v.Name, barriers)
	}
	if barriers == 1 && v.ChildRank(v.ChildReadyStatus) < 0 {
		return eris.Errorf("workflow: ready status %q is not in the child order", v.ChildReadyStatus)
	}
	if v.IndexOf(v.ResumeTask) == 0 {
		return eris.Errorf("workflow: resume task %q is not in the table", v.ResumeTask)
	}
	if v.IndexOf(v.DescribeTask) == 0 {
		return eris.Errorf("workflow: describe task %q is not in the table", v.DescribeTask)
	}
	return nil
}

// TaskIDs lists the table's tasks in order.
func (v *Variant) TaskIDs() []string {
	ids := make([]string, len(v.Steps))
	for i, s := range v.Steps {
		ids[i] = s.TaskID
	}
	return ids
}
