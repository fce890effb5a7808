package checkable

import "time"

// maxDependencyDepth bounds the reachability recursion, per spec.md §9:
// "guarded by recursion depth (abort at 20)" — a misconfigured dependency
// cycle degrades to "unreachable" instead of a stack overflow.
const maxDependencyDepth = 20

// PeriodChecker resolves whether a named time period (spec.md's
// check_period) is currently active. The config compiler that defines
// periods is out of scope; callers supply whatever they loaded.
type PeriodChecker interface {
	Active(periodName string, t time.Time) bool
}

// IsReachable implements spec.md §4.1: reachable iff every parent
// dependency's current hard state is in its state_filter AND the
// parent's check period is active. The recursion is memoised within one
// call via the visited map so a diamond-shaped dependency graph does not
// re-walk shared ancestors.
func (c *Checkable) IsReachable(now time.Time, periods PeriodChecker) bool {
	return c.reachable(now, periods, make(map[*Checkable]bool), 0)
}

func (c *Checkable) reachable(now time.Time, periods PeriodChecker, visited map[*Checkable]bool, depth int) bool {
	if depth >= maxDependencyDepth {
		return false
	}
	if reachable, ok := visited[c]; ok {
		return reachable
	}
	// Mark optimistically to break cycles; a cycle participant is treated
	// as reachable from the cycle's perspective, its ancestors decide the
	// real answer.
	visited[c] = true

	c.mu.Lock()
	deps := append([]Dependency(nil), c.dependencies...)
	period := c.cfg.CheckPeriod
	c.mu.Unlock()

	if periods != nil && period != "" && !periods.Active(period, now) {
		visited[c] = false
		return false
	}

	for _, dep := range deps {
		if dep.Parent == nil {
			continue
		}
		if !dep.Parent.reachable(now, periods, visited, depth+1) {
			visited[c] = false
			return false
		}
		parentState := dep.Parent.State()
		if dep.Parent.StateType() == StateTypeSoft {
			// Soft is only entered from OK, so the parent's hard state is OK.
			parentState = StateOK
		}
		if len(dep.StateFilter) > 0 && !dep.StateFilter[parentState] {
			visited[c] = false
			return false
		}
	}

	visited[c] = true
	return true
}
