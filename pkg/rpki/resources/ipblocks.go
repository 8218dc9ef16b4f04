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
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// IPBlocks is a canonical set of IP prefixes of a single address family.
// The zero value is the empty set. Canonical form (sorted, non-overlapping,
// adjacent entries merged) is maintained by the underlying netipx.IPSet.
type IPBlocks struct {
	set *netipx.IPSet
}

var emptyIPSet = func() *netipx.IPSet {
	s, err := (&netipx.IPSetBuilder{}).IPSet()
	if err != nil {
		panic(err)
	}
	return s
}()

// NewIPBlocks constructs a canonical set from the given prefixes.
func NewIPBlocks(prefixes []netip.Prefix) IPBlocks {
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		b.AddPrefix(p)
	}
	return IPBlocks{set: mustIPSet(&b)}
}

// NewIPBlocksFromRanges constructs a canonical set from the given ranges.
func NewIPBlocksFromRanges(ranges []netipx.IPRange) IPBlocks {
	var b netipx.IPSetBuilder
	for _, r := range ranges {
		b.AddRange(r)
	}
	return IPBlocks{set: mustIPSet(&b)}
}

func mustIPSet(b *netipx.IPSetBuilder) *netipx.IPSet {
	s, err := b.IPSet()
	if err != nil {
		// The builder only fails on inconsistent input, which the
		// constructors do not produce.
		panic(err)
	}
	return s
}

func (b IPBlocks) ipset() *netipx.IPSet {
	if b.set == nil {
		return emptyIPSet
	}
	return b.set
}

// IsEmpty reports whether the set contains no addresses.
func (b IPBlocks) IsEmpty() bool {
	return len(b.ipset().Ranges()) == 0
}

// Prefixes returns the set as a minimal list of sorted, non-overlapping
// prefixes.
func (b IPBlocks) Prefixes() []netip.Prefix {
	return b.ipset().Prefixes()
}

// Ranges returns the set as a minimal list of sorted, non-overlapping ranges.
func (b IPBlocks) Ranges() []netipx.IPRange {
	return b.ipset().Ranges()
}

// ContainsPrefix reports whether the set covers all addresses of p.
func (b IPBlocks) ContainsPrefix(p netip.Prefix) bool {
	return b.ipset().ContainsPrefix(p)
}

// Contains reports whether every address in o is also in b.
func (b IPBlocks) Contains(o IPBlocks) bool {
	set := b.ipset()
	for _, r := range o.ipset().Ranges() {
		if !set.ContainsRange(r) {
			return false
		}
	}
	return true
}

// Intersect returns the set of addresses present in both b and o.
func (b IPBlocks) Intersect(o IPBlocks) IPBlocks {
	var builder netipx.IPSetBuilder
	builder.AddSet(b.ipset())
	builder.Intersect(o.ipset())
	return IPBlocks{set: mustIPSet(&builder)}
}

// Subtract returns the set of addresses present in b but not in o.
func (b IPBlocks) Subtract(o IPBlocks) IPBlocks {
	var builder netipx.IPSetBuilder
	builder.AddSet(b.ipset())
	builder.RemoveSet(o.ipset())
	return IPBlocks{set: mustIPSet(&builder)}
}

// Union returns the set of addresses present in b or o.
func (b IPBlocks) Union(o IPBlocks) IPBlocks {
	var builder netipx.IPSetBuilder
	builder.AddSet(b.ipset())
	builder.AddSet(o.ipset())
	return IPBlocks{set: mustIPSet(&builder)}
}

// Equal reports whether the two sets contain the same addresses.
func (b IPBlocks) Equal(o IPBlocks) bool {
	return b.ipset().Equal(o.ipset())
}

func (b IPBlocks) String() string {
	prefixes := b.Prefixes()
	if len(prefixes) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, ",")
}
