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

// Package resources implements the Internet number resource sets certified
// by RPKI certificates: IPv4 prefixes, IPv6 prefixes and AS number ranges,
// with the per-family "inherit" semantics of RFC 3779.
package resources

import (
	"net/netip"
	"strings"
)

// Family identifies a resource family within a Resources value.
type Family int

// The resource families.
const (
	FamilyIPv4 Family = iota
	FamilyIPv6
	FamilyAS
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	case FamilyAS:
		return "as"
	default:
		return "unknown"
	}
}

// Resources is the set of Internet number resources bound to a certificate.
// Each family is either a literal set or flagged as "inherit", meaning the
// certificate adopts the issuer's set of that family. Inherit is resolved
// exactly once, at validation time; afterwards only the literal form is
// used. Querying set operations on an unresolved inherit family is an
// implementation error and panics.
type Resources struct {
	IPv4 IPBlocks
	IPv6 IPBlocks
	AS   ASBlocks

	inherit map[Family]bool
}

// MarkInherit flags the given family as inherit. The literal set of that
// family must be empty.
func (r *Resources) MarkInherit(f Family) {
	if r.inherit == nil {
		r.inherit = make(map[Family]bool, 3)
	}
	r.inherit[f] = true
}

// Inherits reports whether the given family is flagged inherit and not yet
// resolved.
func (r Resources) Inherits(f Family) bool {
	return r.inherit[f]
}

// AnyInherit reports whether any family is flagged inherit and not yet
// resolved.
func (r Resources) AnyInherit() bool {
	return r.inherit[FamilyIPv4] || r.inherit[FamilyIPv6] || r.inherit[FamilyAS]
}

// ResolveInherit copies the parent's set for every family flagged inherit
// and clears the flags. This is a one-shot resolution: the result holds
// literal sets only, not live references to the parent. The parent must not
// have unresolved inherit families itself.
func (r *Resources) ResolveInherit(parent Resources) {
	if parent.AnyInherit() {
		panic("resolving inherit against an unresolved parent")
	}
	if r.inherit[FamilyIPv4] {
		r.IPv4 = parent.IPv4
	}
	if r.inherit[FamilyIPv6] {
		r.IPv6 = parent.IPv6
	}
	if r.inherit[FamilyAS] {
		r.AS = parent.AS
	}
	r.inherit = nil
}

func (r Resources) checkResolved() {
	if r.AnyInherit() {
		panic("set operation on unresolved inherit resources")
	}
}

// Covers reports whether every resource in o is also in r.
func (r Resources) Covers(o Resources) bool {
	r.checkResolved()
	o.checkResolved()
	return r.IPv4.Contains(o.IPv4) && r.IPv6.Contains(o.IPv6) && r.AS.Contains(o.AS)
}

// CoversPrefix reports whether the set of the prefix's family covers it.
func (r Resources) CoversPrefix(p netip.Prefix) bool {
	r.checkResolved()
	if p.Addr().Is4() {
		return r.IPv4.ContainsPrefix(p)
	}
	return r.IPv6.ContainsPrefix(p)
}

// Intersect returns the resources present in both r and o.
func (r Resources) Intersect(o Resources) Resources {
	r.checkResolved()
	o.checkResolved()
	return Resources{
		IPv4: r.IPv4.Intersect(o.IPv4),
		IPv6: r.IPv6.Intersect(o.IPv6),
		AS:   r.AS.Intersect(o.AS),
	}
}

// Subtract returns the resources present in r but not in o.
func (r Resources) Subtract(o Resources) Resources {
	r.checkResolved()
	o.checkResolved()
	return Resources{
		IPv4: r.IPv4.Subtract(o.IPv4),
		IPv6: r.IPv6.Subtract(o.IPv6),
		AS:   r.AS.Subtract(o.AS),
	}
}

// Union returns the resources present in r or o.
func (r Resources) Union(o Resources) Resources {
	r.checkResolved()
	o.checkResolved()
	return Resources{
		IPv4: r.IPv4.Union(o.IPv4),
		IPv6: r.IPv6.Union(o.IPv6),
		AS:   r.AS.Union(o.AS),
	}
}

// IsEmpty reports whether no family holds any resource. Inherit flags do not
// count as resources.
func (r Resources) IsEmpty() bool {
	return r.IPv4.IsEmpty() && r.IPv6.IsEmpty() && r.AS.IsEmpty()
}

// Equal reports whether the two resource sets are identical. Unresolved
// inherit families are never equal to anything.
func (r Resources) Equal(o Resources) bool {
	if r.AnyInherit() || o.AnyInherit() {
		return false
	}
	return r.IPv4.Equal(o.IPv4) && r.IPv6.Equal(o.IPv6) && r.AS.Equal(o.AS)
}

func (r Resources) String() string {
	var parts []string
	if r.inherit[FamilyIPv4] {
		parts = append(parts, "ipv4=inherit")
	} else if !r.IPv4.IsEmpty() {
		parts = append(parts, r.IPv4.String())
	}
	if r.inherit[FamilyIPv6] {
		parts = append(parts, "ipv6=inherit")
	} else if !r.IPv6.IsEmpty() {
		parts = append(parts, r.IPv6.String())
	}
	if r.inherit[FamilyAS] {
		parts = append(parts, "as=inherit")
	} else if !r.AS.IsEmpty() {
		parts = append(parts, r.AS.String())
	}
	if len(parts) == 0 {
		return "{}"
	}
	return strings.Join(parts, " ")
}
