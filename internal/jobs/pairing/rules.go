// Package pairing holds the fixed mapping from look source views to the
// output shot types the generation stage produces for them.
package pairing

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain/jobs"
)

//go:embed pairing_rules.yaml
var embeddedRules []byte

type Rule struct {
	ShotType        string `yaml:"shot_type"`
	SourceView      string `yaml:"source_view"`
	PoseVariants    int    `yaml:"pose_variants"`
	AttemptsPerPose int    `yaml:"attempts_per_pose"`
	PoseTemplate    string `yaml:"pose_template"`
}

// Tasks is how many generation calls one look makes for this rule.
func (r Rule) Tasks() int {
	return r.PoseVariants * r.AttemptsPerPose
}

type Stage struct {
	SourceViews       []string `yaml:"source_views"`
	ShotTypes         []string `yaml:"shot_types"`
	SelectionsPerView int      `yaml:"selections_per_view"`
}

type Rules struct {
	Version int                      `yaml:"version"`
	Rules   []Rule                   `yaml:"rules"`
	Stages  map[jobs.LookStage]Stage `yaml:"stages"`

	byShot map[string]int
}

var (
	defaultOnce  sync.Once
	defaultRules *Rules
	defaultErr   error
)

// Default returns the rules compiled into the binary. The embedded file is
// covered by tests, so a parse failure here is a build defect.
func Default() *Rules {
	defaultOnce.Do(func() {
		defaultRules, defaultErr = Parse(embeddedRules)
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("pairing: embedded rules invalid: %v", defaultErr))
	}
	return defaultRules
}

func Parse(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse pairing rules: %w", err)
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Rules) validate() error {
	if len(r.Rules) == 0 {
		return fmt.Errorf("pairing rules: no rules")
	}
	r.byShot = make(map[string]int, len(r.Rules))
	for i, rule := range r.Rules {
		rule.ShotType = strings.TrimSpace(rule.ShotType)
		rule.SourceView = strings.TrimSpace(rule.SourceView)
		if rule.ShotType == "" || rule.SourceView == "" {
			return fmt.Errorf("pairing rules: rule %d needs shot_type and source_view", i)
		}
		if rule.PoseVariants < 1 || rule.AttemptsPerPose < 1 {
			return fmt.Errorf("pairing rules: %s needs pose_variants and attempts_per_pose >= 1", rule.ShotType)
		}
		if _, dup := r.byShot[rule.ShotType]; dup {
			return fmt.Errorf("pairing rules: duplicate shot_type %q", rule.ShotType)
		}
		r.Rules[i] = rule
		r.byShot[rule.ShotType] = i
	}
	for stage, st := range r.Stages {
		switch stage {
		case jobs.StageIngested, jobs.StageClassified, jobs.StageGeneration, jobs.StageReview, jobs.StageHandoff:
		default:
			return fmt.Errorf("pairing rules: unknown stage %q", stage)
		}
		for _, shot := range st.ShotTypes {
			if _, ok := r.byShot[shot]; !ok {
				return fmt.Errorf("pairing rules: stage %s names unknown shot_type %q", stage, shot)
			}
		}
		if st.SelectionsPerView < 0 {
			return fmt.Errorf("pairing rules: stage %s selections_per_view < 0", stage)
		}
	}
	return nil
}

func (r *Rules) Rule(shotType string) (Rule, bool) {
	i, ok := r.byShot[shotType]
	if !ok {
		return Rule{}, false
	}
	return r.Rules[i], true
}

func (r *Rules) Stage(stage jobs.LookStage) Stage {
	return r.Stages[stage]
}

// RulesFor returns the rules a look at this stage must produce, in rule order
// regardless of the order the stage lists them.
func (r *Rules) RulesFor(stage jobs.LookStage) []Rule {
	want := map[string]bool{}
	for _, s := range r.Stages[stage].ShotTypes {
		want[s] = true
	}
	out := make([]Rule, 0, len(want))
	for _, rule := range r.Rules {
		if want[rule.ShotType] {
			out = append(out, rule)
		}
	}
	return out
}

// ShotTypes is RulesFor reduced to shot type names.
func (r *Rules) ShotTypes(stage jobs.LookStage) []string {
	rules := r.RulesFor(stage)
	out := make([]string, 0, len(rules))
	for _, rule := range rules {
		out = append(out, rule.ShotType)
	}
	return out
}

func (r *Rules) TasksPerLook(stage jobs.LookStage) int {
	n := 0
	for _, rule := range r.RulesFor(stage) {
		n += rule.Tasks()
	}
	return n
}
