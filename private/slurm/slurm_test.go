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

package slurm_test

import (
	"encoding/base64"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relier-rpki/relier/pkg/rpki/payload"
	"github.com/relier-rpki/relier/private/slurm"
)

func vrp(asn uint32, prefix string, maxLen uint8) payload.VRP {
	return payload.VRP{
		ASN:         asn,
		Prefix:      netip.MustParsePrefix(prefix),
		MaxLength:   maxLen,
		TrustAnchor: "ta",
	}
}

func TestParseAndApply(t *testing.T) {
	t.Parallel()
	doc := `{
		"slurmVersion": 1,
		"validationOutputFilters": {
			"prefixFilters": [
				{"asn": 64501, "comment": "drop this origin"},
				{"prefix": "192.0.2.0/24"}
			],
			"bgpsecFilters": [
				{"asn": 64496}
			]
		},
		"locallyAddedAssertions": {
			"prefixAssertions": [
				{"asn": 64999, "prefix": "198.51.100.0/24", "maxPrefixLength": 28}
			],
			"bgpsecAssertions": []
		}
	}`
	f, err := slurm.Parse([]byte(doc))
	require.NoError(t, err)

	v1 := vrp(64501, "10.0.0.0/24", 24)
	v2 := vrp(64502, "10.0.1.0/24", 24)
	v3 := vrp(64503, "192.0.2.128/25", 25)
	key := payload.RouterKey{ASN: 64496, SKI: [20]byte{1}, SPKI: []byte{1}, TrustAnchor: "ta"}

	vrps, keys := f.Apply([]payload.VRP{v1, v2, v3}, []payload.RouterKey{key})

	// v1 filtered by ASN, v3 filtered by covering prefix, the assertion is
	// unioned in.
	require.Len(t, vrps, 2)
	assert.Equal(t, v2, vrps[0])
	assert.Equal(t, uint32(64999), vrps[1].ASN)
	assert.Equal(t, uint8(28), vrps[1].MaxLength)
	assert.Equal(t, slurm.TrustAnchorName, vrps[1].TrustAnchor)
	assert.Empty(t, keys)
}

func TestFilterMatchingIsFlagMasked(t *testing.T) {
	t.Parallel()
	prefix := netip.MustParsePrefix("10.0.0.0/8")
	asn := uint32(64501)

	both := slurm.PrefixFilter{Prefix: &prefix, ASN: &asn}
	assert.True(t, both.Matches(vrp(64501, "10.1.0.0/16", 16)))
	assert.False(t, both.Matches(vrp(64502, "10.1.0.0/16", 16)))
	assert.False(t, both.Matches(vrp(64501, "11.0.0.0/16", 16)))

	asnOnly := slurm.PrefixFilter{ASN: &asn}
	assert.True(t, asnOnly.Matches(vrp(64501, "203.0.113.0/24", 24)))

	prefixOnly := slurm.PrefixFilter{Prefix: &prefix}
	assert.True(t, prefixOnly.Matches(vrp(65000, "10.2.0.0/16", 16)))
	// A VRP less specific than the filter prefix is not covered.
	assert.False(t, prefixOnly.Matches(vrp(65000, "10.0.0.0/7", 7)))
	// Family mismatch never matches.
	assert.False(t, prefixOnly.Matches(vrp(65000, "2001:db8::/32", 32)))
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"bad version":    `{"slurmVersion": 2}`,
		"empty filter":   `{"slurmVersion": 1, "validationOutputFilters": {"prefixFilters": [{"comment": "x"}]}}`,
		"bad prefix":     `{"slurmVersion": 1, "validationOutputFilters": {"prefixFilters": [{"prefix": "nope"}]}}`,
		"bad assertion":  `{"slurmVersion": 1, "locallyAddedAssertions": {"prefixAssertions": [{"prefix": "10.0.0.0/8"}]}}`,
		"bad max length": `{"slurmVersion": 1, "locallyAddedAssertions": {"prefixAssertions": [{"asn": 1, "prefix": "10.0.0.0/24", "maxPrefixLength": 16}]}}`,
		"not json":       `{`,
	}
	for name, doc := range cases {
		_, err := slurm.Parse([]byte(doc))
		assert.ErrorIs(t, err, slurm.ErrInvalid, name)
	}
}

func TestParseRejectsConflicts(t *testing.T) {
	t.Parallel()
	doc := `{
		"slurmVersion": 1,
		"validationOutputFilters": {
			"prefixFilters": [{"asn": 64999}]
		},
		"locallyAddedAssertions": {
			"prefixAssertions": [{"asn": 64999, "prefix": "198.51.100.0/24"}]
		}
	}`
	_, err := slurm.Parse([]byte(doc))
	assert.ErrorIs(t, err, slurm.ErrInvalid)
}

func TestBGPsecAssertion(t *testing.T) {
	t.Parallel()
	ski := make([]byte, payload.SKISize)
	ski[0] = 0xAB
	doc := `{
		"slurmVersion": 1,
		"locallyAddedAssertions": {
			"bgpsecAssertions": [
				{"asn": 64500, "SKI": "` + base64.RawURLEncoding.EncodeToString(ski) + `",
				 "routerPublicKey": "` + base64.RawURLEncoding.EncodeToString([]byte{1, 2, 3}) + `"}
			]
		}
	}`
	f, err := slurm.Parse([]byte(doc))
	require.NoError(t, err)
	_, keys := f.Apply(nil, nil)
	require.Len(t, keys, 1)
	assert.Equal(t, uint32(64500), keys[0].ASN)
	assert.Equal(t, uint8(0xAB), keys[0].SKI[0])
	assert.Equal(t, []byte{1, 2, 3}, keys[0].SPKI)
}
