package coordinator

import (
	"fmt"

	"github.com/google/uuid"

	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/pairing"
)

// Task is one generation call. It only lives for the duration of a run item;
// its durable trace is the Output row with the same id.
type Task struct {
	OutputID      uuid.UUID
	LookID        uuid.UUID
	SourceView    string
	ShotType      string
	PoseIndex     int
	AttemptIndex  int
	ReferenceURLs []string
	PoseTemplate  string
}

// ExpandTasks turns a look into its generation tasks in dispatch order: rule
// order, then pose, then attempt. Rules whose source view the look lacks are
// skipped and reported as validation errors.
func ExpandTasks(rules *pairing.Rules, look *types.Look) ([]Task, []error) {
	if look == nil {
		return nil, []error{&jobs.ValidationError{Field: "look", Reason: "missing"}}
	}
	sources := look.SourceURLs()
	var (
		tasks   []Task
		skipped []error
	)
	for _, rule := range rules.RulesFor(look.Stage) {
		refs := sources[rule.SourceView]
		if len(refs) == 0 {
			skipped = append(skipped, &jobs.ValidationError{
				Field:  "source_view",
				Reason: fmt.Sprintf("look %s has no %s image for %s shots", look.ID, rule.SourceView, rule.ShotType),
			})
			continue
		}
		for pose := 0; pose < rule.PoseVariants; pose++ {
			for attempt := 0; attempt < rule.AttemptsPerPose; attempt++ {
				tasks = append(tasks, Task{
					OutputID:      uuid.New(),
					LookID:        look.ID,
					SourceView:    rule.SourceView,
					ShotType:      rule.ShotType,
					PoseIndex:     pose,
					AttemptIndex:  attempt,
					ReferenceURLs: append([]string(nil), refs...),
					PoseTemplate:  rule.PoseTemplate,
				})
			}
		}
	}
	return tasks, skipped
}

func pendingOutputs(item *types.RunItem, tasks []Task) []*types.Output {
	out := make([]*types.Output, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, &types.Output{
			ID:           t.OutputID,
			RunItemID:    item.ID,
			BatchID:      item.BatchID,
			LookID:       item.LookID,
			ShotType:     t.ShotType,
			SourceView:   t.SourceView,
			PoseIndex:    t.PoseIndex,
			AttemptIndex: t.AttemptIndex,
			Status:       jobs.OutputPending,
		})
	}
	return out
}
