package tracker

import (
	"fmt"
	"strings"
)

type FilterTag string

const (
	FilterAll             FilterTag = "all"
	FilterNeedsGeneration FilterTag = "needs_generation"
	FilterNew             FilterTag = "new"
	FilterComplete        FilterTag = "complete"
	FilterFailed          FilterTag = "failed"
)

func ParseFilterTag(raw string) (FilterTag, error) {
	tag := FilterTag(strings.ToLower(strings.TrimSpace(raw)))
	switch tag {
	case "":
		return FilterAll, nil
	case FilterAll, FilterNeedsGeneration, FilterNew, FilterComplete, FilterFailed:
		return tag, nil
	}
	return "", fmt.Errorf("unknown filter %q", raw)
}

var filters = map[FilterTag]func(LookSummary) bool{
	FilterAll:             func(LookSummary) bool { return true },
	FilterNeedsGeneration: func(l LookSummary) bool { return l.NeedsGeneration },
	FilterNew:             func(l LookSummary) bool { return l.IsNewSinceLastRun },
	FilterComplete:        func(l LookSummary) bool { return l.IsFullyComplete },
	FilterFailed:          LookSummary.HasFailures,
}

// Filter returns the looks matching tag ordered by name then id. The input is
// not modified. An unknown tag matches nothing.
func Filter(looks []LookSummary, tag FilterTag) []LookSummary {
	pred, ok := filters[tag]
	out := make([]LookSummary, 0, len(looks))
	if !ok {
		return out
	}
	for _, l := range looks {
		if pred(l) {
			out = append(out, l)
		}
	}
	sortLooks(out)
	return out
}
