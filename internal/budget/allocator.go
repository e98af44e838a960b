package budget

import (
	"math"
	"sort"
)

// Default allocator settings.
const (
	DefaultOverhead  = 500
	DefaultMinViable = 500
)

// Source is one consumer of prompt space.
type Source struct {
	Name string
	// Estimate is the number of tokens the source could use.
	Estimate int
	// Weight sets the proportional share. Values <= 0 count as 1.
	Weight float64
	// Priority orders sources when space is short; lower wins.
	Priority int
}

// Allocator splits a token ceiling between sources after reserving
// Overhead tokens for the prompt template.
type Allocator struct {
	Overhead  int
	MinViable int
}

// NewAllocator returns an allocator with the default overhead and
// minimum viable budget.
func NewAllocator() Allocator {
	return Allocator{Overhead: DefaultOverhead, MinViable: DefaultMinViable}
}

// Allocation is the result of Allocate.
type Allocation struct {
	Ceiling   int
	Overhead  int
	Available int
	// Degraded is set when Available fell below the minimum viable budget
	// and only the highest-priority source was served.
	Degraded bool

	grants map[string]int
}

// Of returns the allowance granted to the named source.
func (a Allocation) Of(name string) int {
	return a.grants[name]
}

// Total returns the sum of all allowances.
func (a Allocation) Total() int {
	sum := 0
	for _, g := range a.grants {
		sum += g
	}
	return sum
}

// Allocate divides total between sources. The sum of allowances never
// exceeds total minus the reserved overhead; the reservation itself is
// capped at total.
//
// Shares are proportional to weight. A source whose estimate is below its
// share receives its estimate and the rest is redistributed among the
// others until every share is either satisfied or saturated. When fewer
// than MinViable tokens remain after the reservation, only the
// highest-priority source with a non-zero estimate is served.
func (al Allocator) Allocate(total int, sources ...Source) Allocation {
	total = max(total, 0)
	overhead := min(max(al.Overhead, 0), total)
	out := Allocation{
		Ceiling:   total,
		Overhead:  overhead,
		Available: total - overhead,
		grants:    make(map[string]int, len(sources)),
	}

	active := make([]Source, 0, len(sources))
	for _, s := range sources {
		s.Estimate = max(s.Estimate, 0)
		if s.Weight <= 0 {
			s.Weight = 1
		}
		out.grants[s.Name] = 0
		if s.Estimate > 0 {
			active = append(active, s)
		}
	}
	// Stable priority order; ties keep argument order.
	sort.SliceStable(active, func(i, j int) bool { return active[i].Priority < active[j].Priority })

	if len(active) == 0 {
		return out
	}

	if out.Available < al.MinViable {
		out.Degraded = true
		top := active[0]
		out.grants[top.Name] = min(top.Estimate, out.Available)
		return out
	}

	remaining := out.Available
	for len(active) > 0 && remaining > 0 {
		var weights float64
		for _, s := range active {
			weights += s.Weight
		}

		var (
			unsatisfied []Source
			satisfied   int
		)
		for _, s := range active {
			share := float64(remaining) * s.Weight / weights
			if float64(s.Estimate) <= share {
				out.grants[s.Name] = s.Estimate
				satisfied += s.Estimate
				continue
			}
			unsatisfied = append(unsatisfied, s)
		}

		if len(unsatisfied) == len(active) {
			distributeSaturated(out.grants, active, remaining, weights)
			break
		}
		remaining -= satisfied
		active = unsatisfied
	}
	return out
}

// distributeSaturated hands remaining to sources that all want more than
// their share: floor of each share, then the rounding leftover in priority
// order.
func distributeSaturated(grants map[string]int, active []Source, remaining int, weights float64) {
	left := remaining
	for _, s := range active {
		g := int(math.Floor(float64(remaining) * s.Weight / weights))
		grants[s.Name] = g
		left -= g
	}
	for _, s := range active {
		if left <= 0 {
			return
		}
		extra := min(left, s.Estimate-grants[s.Name])
		grants[s.Name] += extra
		left -= extra
	}
}
