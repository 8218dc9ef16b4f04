// Copyright 2024 The Relier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resources

import (
	"fmt"
	"sort"
	"strings"
)

// MaxAS is one past the largest valid AS number.
const MaxAS = uint64(1) << 32

// ASRange is a half-open range [Lo, Hi) of AS numbers. A single AS a is
// represented as [a, a+1). Bounds are kept as uint64 so that the range
// covering the largest AS number does not overflow.
type ASRange struct {
	Lo uint64
	Hi uint64
}

// Contains reports whether r fully contains o.
func (r ASRange) Contains(o ASRange) bool {
	return r.Lo <= o.Lo && o.Hi <= r.Hi
}

func (r ASRange) String() string {
	if r.Hi == r.Lo+1 {
		return fmt.Sprintf("AS%d", r.Lo)
	}
	return fmt.Sprintf("AS%d-%d", r.Lo, r.Hi-1)
}

// ASBlocks is a canonical set of AS number ranges: sorted, non-empty,
// disjoint, with adjacent ranges merged.
type ASBlocks struct {
	ranges []ASRange
}

// NewASBlocks constructs a canonical set from the given ranges. Overlapping
// and adjacent input ranges are coalesced in a single linear pass after
// sorting. Ranges with Lo >= Hi or bounds beyond the 32-bit AS space are
// rejected.
func NewASBlocks(ranges []ASRange) (ASBlocks, error) {
	rs := make([]ASRange, 0, len(ranges))
	for _, r := range ranges {
		if r.Lo >= r.Hi || r.Hi > MaxAS {
			return ASBlocks{}, fmt.Errorf("invalid AS range [%d, %d)", r.Lo, r.Hi)
		}
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Lo != rs[j].Lo {
			return rs[i].Lo < rs[j].Lo
		}
		return rs[i].Hi < rs[j].Hi
	})
	merged := rs[:0]
	for _, r := range rs {
		if n := len(merged); n > 0 && r.Lo <= merged[n-1].Hi {
			if r.Hi > merged[n-1].Hi {
				merged[n-1].Hi = r.Hi
			}
			continue
		}
		merged = append(merged, r)
	}
	return ASBlocks{ranges: merged}, nil
}

// SingleAS returns the set containing only the given AS number.
func SingleAS(as uint32) ASBlocks {
	return ASBlocks{ranges: []ASRange{{Lo: uint64(as), Hi: uint64(as) + 1}}}
}

// Ranges returns the canonical ranges. The returned slice must not be
// modified.
func (b ASBlocks) Ranges() []ASRange {
	return b.ranges
}

// IsEmpty reports whether the set contains no AS numbers.
func (b ASBlocks) IsEmpty() bool {
	return len(b.ranges) == 0
}

// ContainsAS reports whether the set contains the given AS number.
func (b ASBlocks) ContainsAS(as uint32) bool {
	i := sort.Search(len(b.ranges), func(i int) bool {
		return b.ranges[i].Hi > uint64(as)
	})
	return i < len(b.ranges) && b.ranges[i].Lo <= uint64(as)
}

// Contains reports whether every AS number in o is also in b. Both sets are
// canonical, so a two-pointer sweep suffices.
func (b ASBlocks) Contains(o ASBlocks) bool {
	i := 0
	for _, r := range o.ranges {
		for i < len(b.ranges) && b.ranges[i].Hi < r.Hi {
			i++
		}
		if i == len(b.ranges) || !b.ranges[i].Contains(r) {
			return false
		}
	}
	return true
}

// Intersect returns the set of AS numbers present in both b and o.
func (b ASBlocks) Intersect(o ASBlocks) ASBlocks {
	var out []ASRange
	i, j := 0, 0
	for i < len(b.ranges) && j < len(o.ranges) {
		lo := max(b.ranges[i].Lo, o.ranges[j].Lo)
		hi := min(b.ranges[i].Hi, o.ranges[j].Hi)
		if lo < hi {
			out = append(out, ASRange{Lo: lo, Hi: hi})
		}
		if b.ranges[i].Hi < o.ranges[j].Hi {
			i++
		} else {
			j++
		}
	}
	return ASBlocks{ranges: out}
}

// Subtract returns the set of AS numbers present in b but not in o.
func (b ASBlocks) Subtract(o ASBlocks) ASBlocks {
	var out []ASRange
	j := 0
	for _, r := range b.ranges {
		lo := r.Lo
		for j < len(o.ranges) && o.ranges[j].Hi <= lo {
			j++
		}
		k := j
		for k < len(o.ranges) && o.ranges[k].Lo < r.Hi {
			if o.ranges[k].Lo > lo {
				out = append(out, ASRange{Lo: lo, Hi: o.ranges[k].Lo})
			}
			if o.ranges[k].Hi > lo {
				lo = o.ranges[k].Hi
			}
			k++
		}
		if lo < r.Hi {
			out = append(out, ASRange{Lo: lo, Hi: r.Hi})
		}
	}
	return ASBlocks{ranges: out}
}

// Union returns the set of AS numbers present in b or o.
func (b ASBlocks) Union(o ASBlocks) ASBlocks {
	all := make([]ASRange, 0, len(b.ranges)+len(o.ranges))
	all = append(all, b.ranges...)
	all = append(all, o.ranges...)
	u, err := NewASBlocks(all)
	if err != nil {
		// Both inputs are canonical, the merge cannot produce invalid ranges.
		panic(err)
	}
	return u
}

// Equal reports whether the two sets contain the same AS numbers.
func (b ASBlocks) Equal(o ASBlocks) bool {
	if len(b.ranges) != len(o.ranges) {
		return false
	}
	for i := range b.ranges {
		if b.ranges[i] != o.ranges[i] {
			return false
		}
	}
	return true
}

func (b ASBlocks) String() string {
	if len(b.ranges) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(b.ranges))
	for _, r := range b.ranges {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}
