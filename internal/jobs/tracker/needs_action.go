package tracker

import (
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/pairing"
)

type ActionInput struct {
	Images          []jobs.SourceImage
	Outputs         []jobs.Output
	Rules           *pairing.Rules
	RequiredOptions int
}

// Predicate reports whether a look at some stage is waiting on someone.
type Predicate func(stage pairing.Stage, shotTypes []string, in ActionInput) bool

var stagePredicates = map[jobs.LookStage]Predicate{
	jobs.StageIngested: func(_ pairing.Stage, _ []string, in ActionInput) bool {
		return len(in.Images) == 0
	},
	jobs.StageClassified: func(st pairing.Stage, _ []string, in ActionInput) bool {
		have := map[string]bool{}
		for _, img := range in.Images {
			have[img.View] = true
		}
		for _, v := range st.SourceViews {
			if !have[v] {
				return true
			}
		}
		return false
	},
	jobs.StageGeneration: func(_ pairing.Stage, shots []string, in ActionInput) bool {
		need := in.RequiredOptions
		if need < 1 {
			need = 1
		}
		done := countBy(in.Outputs, func(o jobs.Output) bool { return o.Status == jobs.OutputCompleted })
		for _, s := range shots {
			if done[s] < need {
				return true
			}
		}
		return false
	},
	jobs.StageReview: func(st pairing.Stage, shots []string, in ActionInput) bool {
		picked := countBy(in.Outputs, func(o jobs.Output) bool { return o.Status == jobs.OutputCompleted && o.IsSelected })
		for _, s := range shots {
			if picked[s] < st.SelectionsPerView {
				return true
			}
		}
		return false
	},
	jobs.StageHandoff: func(pairing.Stage, []string, ActionInput) bool { return false },
}

// NeedsAction looks the stage up in the predicate table. Unknown stages never
// need action.
func NeedsAction(stage jobs.LookStage, in ActionInput) bool {
	pred, ok := stagePredicates[stage]
	if !ok {
		return false
	}
	rules := in.Rules
	if rules == nil {
		rules = pairing.Default()
	}
	return pred(rules.Stage(stage), rules.ShotTypes(stage), in)
}

func countBy(outputs []jobs.Output, keep func(jobs.Output) bool) map[string]int {
	out := map[string]int{}
	for _, o := range outputs {
		if keep(o) {
			out[o.ShotType]++
		}
	}
	return out
}
