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

package resources_test

import (
	"math/rand"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relier-rpki/relier/pkg/rpki/resources"
)

func mustAS(t *testing.T, ranges ...resources.ASRange) resources.ASBlocks {
	t.Helper()
	b, err := resources.NewASBlocks(ranges)
	require.NoError(t, err)
	return b
}

func TestASBlocksCanonical(t *testing.T) {
	t.Parallel()
	b := mustAS(t,
		resources.ASRange{Lo: 10, Hi: 20},
		resources.ASRange{Lo: 15, Hi: 25},
		resources.ASRange{Lo: 25, Hi: 30},
		resources.ASRange{Lo: 40, Hi: 41},
	)
	assert.Equal(t, []resources.ASRange{{Lo: 10, Hi: 30}, {Lo: 40, Hi: 41}}, b.Ranges())
}

func TestASBlocksInvalid(t *testing.T) {
	t.Parallel()
	_, err := resources.NewASBlocks([]resources.ASRange{{Lo: 5, Hi: 5}})
	assert.Error(t, err)
	_, err = resources.NewASBlocks([]resources.ASRange{{Lo: 0, Hi: resources.MaxAS + 1}})
	assert.Error(t, err)
	// The largest AS number is representable.
	_, err = resources.NewASBlocks([]resources.ASRange{
		{Lo: resources.MaxAS - 1, Hi: resources.MaxAS},
	})
	assert.NoError(t, err)
}

func TestASBlocksContains(t *testing.T) {
	t.Parallel()
	parent := mustAS(t, resources.ASRange{Lo: 100, Hi: 200}, resources.ASRange{Lo: 300, Hi: 400})
	assert.True(t, parent.Contains(mustAS(t, resources.ASRange{Lo: 150, Hi: 160})))
	assert.True(t, parent.Contains(mustAS(t,
		resources.ASRange{Lo: 100, Hi: 200}, resources.ASRange{Lo: 350, Hi: 360})))
	assert.False(t, parent.Contains(mustAS(t, resources.ASRange{Lo: 150, Hi: 250})))
	assert.False(t, parent.Contains(mustAS(t, resources.ASRange{Lo: 250, Hi: 260})))
	assert.True(t, parent.Contains(resources.ASBlocks{}))
	assert.True(t, parent.ContainsAS(100))
	assert.True(t, parent.ContainsAS(199))
	assert.False(t, parent.ContainsAS(200))
	assert.False(t, parent.ContainsAS(99))
}

func TestASBlocksSubtract(t *testing.T) {
	t.Parallel()
	a := mustAS(t, resources.ASRange{Lo: 0, Hi: 100})
	b := mustAS(t, resources.ASRange{Lo: 10, Hi: 20}, resources.ASRange{Lo: 30, Hi: 40})
	got := a.Subtract(b)
	assert.Equal(t, []resources.ASRange{
		{Lo: 0, Hi: 10}, {Lo: 20, Hi: 30}, {Lo: 40, Hi: 100},
	}, got.Ranges())

	assert.True(t, b.Subtract(a).IsEmpty())
}

func TestASBlocksIntersect(t *testing.T) {
	t.Parallel()
	a := mustAS(t, resources.ASRange{Lo: 0, Hi: 50}, resources.ASRange{Lo: 60, Hi: 70})
	b := mustAS(t, resources.ASRange{Lo: 40, Hi: 65})
	got := a.Intersect(b)
	assert.Equal(t, []resources.ASRange{{Lo: 40, Hi: 50}, {Lo: 60, Hi: 65}}, got.Ranges())
}

// TestASBlocksProperties exercises the algebraic invariants on random sets:
// A.Contains(B) implies A.Union(B) == A and B.Subtract(A) is empty.
func TestASBlocksProperties(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewSource(42))
	randomSet := func() resources.ASBlocks {
		n := rnd.Intn(8)
		ranges := make([]resources.ASRange, 0, n)
		for i := 0; i < n; i++ {
			lo := uint64(rnd.Intn(1000))
			ranges = append(ranges, resources.ASRange{Lo: lo, Hi: lo + uint64(rnd.Intn(50)) + 1})
		}
		b, err := resources.NewASBlocks(ranges)
		require.NoError(t, err)
		return b
	}
	for i := 0; i < 200; i++ {
		a, b := randomSet(), randomSet()
		sub := b.Intersect(a)
		assert.True(t, a.Contains(sub))
		assert.True(t, a.Union(sub).Equal(a))
		assert.True(t, sub.Subtract(a).IsEmpty())
		if a.Contains(b) {
			assert.True(t, a.Union(b).Equal(a))
			assert.True(t, b.Subtract(a).IsEmpty())
		}
	}
}

func p(t *testing.T, s string) netip.Prefix {
	t.Helper()
	pfx, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return pfx
}

func TestIPBlocksCanonical(t *testing.T) {
	t.Parallel()
	b := resources.NewIPBlocks([]netip.Prefix{
		p(t, "10.0.0.0/9"), p(t, "10.128.0.0/9"), p(t, "10.64.0.0/10"),
	})
	assert.Equal(t, []netip.Prefix{p(t, "10.0.0.0/8")}, b.Prefixes())
}

func TestIPBlocksContains(t *testing.T) {
	t.Parallel()
	parent := resources.NewIPBlocks([]netip.Prefix{p(t, "10.0.0.0/8"), p(t, "2001:db8::/32")})
	child := resources.NewIPBlocks([]netip.Prefix{p(t, "10.1.0.0/16")})
	assert.True(t, parent.Contains(child))
	assert.False(t, child.Contains(parent))
	assert.True(t, parent.ContainsPrefix(p(t, "10.255.0.0/24")))
	assert.False(t, parent.ContainsPrefix(p(t, "11.0.0.0/24")))
	assert.True(t, parent.ContainsPrefix(p(t, "2001:db8:1::/48")))

	over := resources.NewIPBlocks([]netip.Prefix{p(t, "11.0.0.0/8")})
	assert.False(t, parent.Contains(over))
	assert.False(t, over.Subtract(parent).IsEmpty())
	assert.True(t, child.Subtract(parent).IsEmpty())
}

func TestIPBlocksZeroValue(t *testing.T) {
	t.Parallel()
	var empty resources.IPBlocks
	assert.True(t, empty.IsEmpty())
	full := resources.NewIPBlocks([]netip.Prefix{p(t, "10.0.0.0/8")})
	assert.True(t, full.Contains(empty))
	assert.True(t, empty.Subtract(full).IsEmpty())
	assert.True(t, empty.Union(full).Equal(full))
}

func TestResolveInherit(t *testing.T) {
	t.Parallel()
	parent := resources.Resources{
		IPv4: resources.NewIPBlocks([]netip.Prefix{p(t, "10.0.0.0/8")}),
		IPv6: resources.NewIPBlocks([]netip.Prefix{p(t, "2001:db8::/32")}),
		AS:   resources.SingleAS(64500),
	}
	var child resources.Resources
	child.IPv4 = resources.NewIPBlocks([]netip.Prefix{p(t, "10.1.0.0/16")})
	child.MarkInherit(resources.FamilyIPv6)
	child.MarkInherit(resources.FamilyAS)

	assert.True(t, child.AnyInherit())
	assert.Panics(t, func() { child.Covers(parent) })

	child.ResolveInherit(parent)
	assert.False(t, child.AnyInherit())
	assert.True(t, parent.Covers(child))
	assert.True(t, child.IPv6.Equal(parent.IPv6))
	assert.True(t, child.AS.Equal(parent.AS))
	// Resolution copies, it does not alias the parent.
	assert.True(t, child.IPv4.ContainsPrefix(p(t, "10.1.2.0/24")))
	assert.False(t, child.IPv4.ContainsPrefix(p(t, "10.2.0.0/16")))
}

func TestResourcesCovers(t *testing.T) {
	t.Parallel()
	parent := resources.Resources{
		IPv4: resources.NewIPBlocks([]netip.Prefix{p(t, "10.0.0.0/8")}),
		AS:   resources.SingleAS(64500),
	}
	inside := resources.Resources{
		IPv4: resources.NewIPBlocks([]netip.Prefix{p(t, "10.9.0.0/16")}),
	}
	outside := resources.Resources{
		IPv4: resources.NewIPBlocks([]netip.Prefix{p(t, "11.0.0.0/8")}),
	}
	assert.True(t, parent.Covers(inside))
	assert.False(t, parent.Covers(outside))
	assert.True(t, parent.Covers(resources.Resources{}))
	assert.True(t, parent.CoversPrefix(p(t, "10.0.1.0/24")))
	assert.False(t, parent.CoversPrefix(p(t, "192.168.0.0/16")))
}
