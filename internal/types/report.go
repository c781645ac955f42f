package types

import (
	"sort"
)

// Report holds exactly one result per target passed to a run.
type Report struct {
	RunID   string                      `json:"run_id" yaml:"run_id"`
	Module  string                      `json:"module" yaml:"module"`
	Results map[string]InvocationResult `json:"results" yaml:"results"`
}

// Targets returns the target ids in sorted order.
func (r Report) Targets() []string {
	ids := make([]string, 0, len(r.Results))
	for id := range r.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Unreachable lists targets the engine could not talk to (transport errors
// and timeouts). These need an infrastructure fix.
func (r Report) Unreachable() []string {
	return r.filter(func(res InvocationResult) bool { return !res.Reached() })
}

// Failed lists targets that were reached but whose module failed or
// produced unusable output. These need a module or playbook fix.
func (r Report) Failed() []string {
	return r.filter(func(res InvocationResult) bool { return res.Reached() && !res.OK() })
}

// Count returns the number of results per status.
func (r Report) Count() map[Status]int {
	counts := map[Status]int{}
	for _, res := range r.Results {
		counts[res.Status]++
	}
	return counts
}

func (r Report) filter(keep func(InvocationResult) bool) []string {
	var ids []string
	for _, id := range r.Targets() {
		if keep(r.Results[id]) {
			ids = append(ids, id)
		}
	}
	return ids
}
