// Package interval implements the block-range set algebra backing the sync
// store's interval index. Every function returns results in canonical normal
// form: sorted by start, disjoint, with adjacent ranges merged.
package interval

import "sort"

// Interval is an inclusive block range [Start, End].
type Interval struct {
	Start uint64
	End   uint64
}

// Contains reports whether n falls inside the interval.
func (i Interval) Contains(n uint64) bool {
	return n >= i.Start && n <= i.End
}

// Len returns the number of blocks covered by the interval.
func (i Interval) Len() uint64 {
	return i.End - i.Start + 1
}

// Union merges a set of possibly overlapping or adjacent intervals into
// normal form. [0,10] and [11,20] merge to [0,20].
func Union(intervals []Interval) []Interval {
	if len(intervals) == 0 {
		return nil
	}

	sorted := make([]Interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Start != sorted[b].Start {
			return sorted[a].Start < sorted[b].Start
		}
		return sorted[a].End < sorted[b].End
	})

	result := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &result[len(result)-1]
		// Adjacent counts as mergeable: last.End+1 == iv.Start.
		if iv.Start <= last.End || (last.End < ^uint64(0) && iv.Start == last.End+1) {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		result = append(result, iv)
	}

	return result
}

// Difference returns the parts of base not covered by remove, in normal form.
func Difference(base, remove []Interval) []Interval {
	base = Union(base)
	remove = Union(remove)

	var result []Interval
	for _, b := range base {
		start := b.Start
		done := false

		for _, r := range remove {
			if r.End < start {
				continue
			}
			if r.Start > b.End {
				break
			}
			if r.Start > start {
				result = append(result, Interval{Start: start, End: r.Start - 1})
			}
			if r.End >= b.End {
				done = true
				break
			}
			start = r.End + 1
		}

		if !done && start <= b.End {
			result = append(result, Interval{Start: start, End: b.End})
		}
	}

	return result
}

// Intersection returns the overlap of two interval sets in normal form.
func Intersection(a, b []Interval) []Interval {
	a = Union(a)
	b = Union(b)

	var result []Interval
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := max(a[i].Start, b[j].Start)
		end := min(a[i].End, b[j].End)
		if start <= end {
			result = append(result, Interval{Start: start, End: end})
		}
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}

	return result
}

// IntersectionMany intersects all the given interval sets. The intersection of
// zero sets is empty.
func IntersectionMany(sets [][]Interval) []Interval {
	if len(sets) == 0 {
		return nil
	}

	result := Union(sets[0])
	for _, set := range sets[1:] {
		result = Intersection(result, set)
		if len(result) == 0 {
			return nil
		}
	}

	return result
}

// Sum returns the total number of blocks covered by the set.
func Sum(intervals []Interval) uint64 {
	var total uint64
	for _, iv := range Union(intervals) {
		total += iv.Len()
	}
	return total
}

// Chunks splits the set into sub-intervals of at most maxSize blocks each,
// preserving order. maxSize of 0 is treated as 1.
func Chunks(intervals []Interval, maxSize uint64) []Interval {
	if maxSize == 0 {
		maxSize = 1
	}

	var result []Interval
	for _, iv := range Union(intervals) {
		start := iv.Start
		for start <= iv.End {
			end := iv.End
			if iv.End-start+1 > maxSize {
				end = start + maxSize - 1
			}
			result = append(result, Interval{Start: start, End: end})
			if end == iv.End {
				break
			}
			start = end + 1
		}
	}

	return result
}
