// Package tracker derives per-look completion state from raw output rows.
// Everything here except Tracker is a pure function of its inputs.
package tracker

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
)

// LookInput is what Compute needs to know about a look.
type LookInput struct {
	ID               uuid.UUID
	Name             string
	Stage            jobs.LookStage
	RequiredViews    []string
	SourcesUpdatedAt time.Time
	Images           []jobs.SourceImage
}

type ViewStatus struct {
	View       string `json:"view"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Pending    int    `json:"pending"`
	Running    int    `json:"running"`
	Selected   int    `json:"selected"`
	IsComplete bool   `json:"is_complete"`
}

type LookSummary struct {
	LookID            uuid.UUID      `json:"look_id"`
	Name              string         `json:"name"`
	Stage             jobs.LookStage `json:"stage"`
	Views             []ViewStatus   `json:"views"`
	ViewsComplete     []string       `json:"views_complete"`
	ViewsMissing      []string       `json:"views_missing"`
	ViewsPartial      []string       `json:"views_partial"`
	IsFullyComplete   bool           `json:"is_fully_complete"`
	NeedsGeneration   bool           `json:"needs_generation"`
	IsNewSinceLastRun bool           `json:"is_new_since_last_run"`
	NeedsAction       bool           `json:"needs_action"`
	LastOutputAt      *time.Time     `json:"last_output_at,omitempty"`
}

// HasFailures reports whether an incomplete view has at least one failed output.
func (l LookSummary) HasFailures() bool {
	for _, v := range l.Views {
		if !v.IsComplete && v.Failed > 0 {
			return true
		}
	}
	return false
}

func (l LookSummary) inFlight() bool {
	for _, v := range l.Views {
		if v.Pending > 0 || v.Running > 0 {
			return true
		}
	}
	return false
}

type Summary struct {
	RequiredOptions int           `json:"required_options"`
	Looks           []LookSummary `json:"looks"`
	// InFlight is true while any required view has pending or running outputs.
	InFlight bool `json:"in_flight"`
}

// Compute builds a summary from scratch. Outputs for looks not in looks, or
// for views a look does not require, only affect IsNewSinceLastRun.
func Compute(looks []LookInput, outputs []jobs.Output, requiredOptions int) Summary {
	if requiredOptions < 1 {
		requiredOptions = 1
	}
	type counts struct {
		views  map[string]*ViewStatus
		newest time.Time
		any    bool
	}
	byLook := make(map[uuid.UUID]*counts, len(looks))
	for _, l := range looks {
		byLook[l.ID] = &counts{views: map[string]*ViewStatus{}}
	}
	for i := range outputs {
		o := &outputs[i]
		c, ok := byLook[o.LookID]
		if !ok {
			continue
		}
		c.any = true
		if o.CreatedAt.After(c.newest) {
			c.newest = o.CreatedAt
		}
		v := c.views[o.ShotType]
		if v == nil {
			v = &ViewStatus{View: o.ShotType}
			c.views[o.ShotType] = v
		}
		switch o.Status {
		case jobs.OutputCompleted:
			v.Completed++
			if o.IsSelected {
				v.Selected++
			}
		case jobs.OutputFailed:
			v.Failed++
		case jobs.OutputPending:
			v.Pending++
		case jobs.OutputGenerating:
			v.Running++
		}
	}

	out := Summary{RequiredOptions: requiredOptions, Looks: make([]LookSummary, 0, len(looks))}
	for _, l := range looks {
		c := byLook[l.ID]
		s := LookSummary{
			LookID:        l.ID,
			Name:          l.Name,
			Stage:         l.Stage,
			Views:         make([]ViewStatus, 0, len(l.RequiredViews)),
			ViewsComplete: []string{},
			ViewsMissing:  []string{},
			ViewsPartial:  []string{},
		}
		for _, view := range l.RequiredViews {
			vs := ViewStatus{View: view}
			if v := c.views[view]; v != nil {
				vs = *v
			}
			vs.IsComplete = vs.Completed >= requiredOptions
			switch {
			case vs.IsComplete:
				s.ViewsComplete = append(s.ViewsComplete, view)
			case vs.Completed == 0:
				s.ViewsMissing = append(s.ViewsMissing, view)
			default:
				s.ViewsPartial = append(s.ViewsPartial, view)
			}
			s.Views = append(s.Views, vs)
		}
		s.IsFullyComplete = len(s.ViewsComplete) == len(l.RequiredViews)
		s.NeedsGeneration = !s.IsFullyComplete
		s.IsNewSinceLastRun = !c.any || l.SourcesUpdatedAt.After(c.newest)
		if c.any {
			newest := c.newest
			s.LastOutputAt = &newest
		}
		if s.inFlight() {
			out.InFlight = true
		}
		out.Looks = append(out.Looks, s)
	}
	sortLooks(out.Looks)
	return out
}

func sortLooks(looks []LookSummary) {
	sort.SliceStable(looks, func(i, j int) bool {
		if looks[i].Name != looks[j].Name {
			return looks[i].Name < looks[j].Name
		}
		return looks[i].LookID.String() < looks[j].LookID.String()
	})
}
