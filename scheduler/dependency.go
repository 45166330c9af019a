package scheduler

import (
	"sort"

	"github.com/vinayprograms/taskhub/protocol"
)

// set is a set of task or engine identities.
type set map[string]struct{}

func newSet(ids ...string) set {
	s := make(set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s set) has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s set) add(id string) { s[id] = struct{}{} }

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dependency is a set of task ids plus the rule deciding when it is met.
// With All every id must finish in an accepted way, otherwise any one
// suffices. Success and Failure choose the accepted outcomes.
type Dependency struct {
	IDs     set
	All     bool
	Success bool
	Failure bool
}

// NewDependency converts a wire spec. An empty spec is always met.
func NewDependency(spec protocol.DependencySpec) Dependency {
	spec = spec.Normalized()
	return Dependency{
		IDs:     newSet(spec.IDs...),
		All:     spec.RequireAll(),
		Success: spec.Success,
		Failure: spec.Failure,
	}
}

// Empty reports whether there is nothing to wait for.
func (d Dependency) Empty() bool { return len(d.IDs) == 0 }

// against returns a test for the outcomes that satisfy d, or with invert the
// outcomes that can never satisfy it.
func (d Dependency) against(completed, failed set, invert bool) func(string) bool {
	useCompleted, useFailed := d.Success, d.Failure
	if invert {
		useCompleted, useFailed = !d.Success, !d.Failure
	}
	return func(id string) bool {
		return (useCompleted && completed.has(id)) || (useFailed && failed.has(id))
	}
}

// Check reports whether d is met given the finished task sets.
func (d Dependency) Check(completed, failed set) bool {
	if d.Empty() {
		return true
	}
	in := d.against(completed, failed, false)
	if d.All {
		for id := range d.IDs {
			if !in(id) {
				return false
			}
		}
		return true
	}
	for id := range d.IDs {
		if in(id) {
			return true
		}
	}
	return false
}

// Unreachable reports whether d can never be met given the finished task
// sets.
func (d Dependency) Unreachable(completed, failed set) bool {
	if d.Empty() {
		return false
	}
	bad := d.against(completed, failed, true)
	if d.All {
		for id := range d.IDs {
			if bad(id) {
				return true
			}
		}
		return false
	}
	for id := range d.IDs {
		if !bad(id) {
			return false
		}
	}
	return true
}

// Reduce drops ids that already satisfy an all-of dependency.
func (d *Dependency) Reduce(completed, failed set) {
	if !d.All {
		return
	}
	in := d.against(completed, failed, false)
	for id := range d.IDs {
		if in(id) {
			delete(d.IDs, id)
		}
	}
}

// Relevant returns the ids in d that finished with an accepted outcome.
func (d Dependency) Relevant(completed, failed set) []string {
	in := d.against(completed, failed, false)
	var out []string
	for id := range d.IDs {
		if in(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
