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

// Package slurm applies Simplified Local Internet Number Resource
// Management (RFC 8416) to validated output: locally configured filters
// remove payloads from the validated set, locally configured assertions are
// unioned in afterwards.
package slurm

import (
	"encoding/base64"
	"encoding/json"
	"net/netip"
	"os"

	"github.com/relier-rpki/relier/pkg/private/serrors"
	"github.com/relier-rpki/relier/pkg/rpki/payload"
)

// TrustAnchorName is the provenance recorded on asserted payloads.
const TrustAnchorName = "slurm"

// ErrInvalid indicates a SLURM document that does not conform to RFC 8416.
var ErrInvalid = serrors.New("invalid SLURM document")

// PrefixFilter removes matching VRPs from the output. Unset fields do not
// participate in matching; at least one of prefix and ASN must be set.
type PrefixFilter struct {
	Prefix  *netip.Prefix
	ASN     *uint32
	Comment string
}

// Matches applies the flag-masked match: every set field must match. The
// comment never participates.
func (f PrefixFilter) Matches(v payload.VRP) bool {
	if f.Prefix != nil {
		if f.Prefix.Addr().Is4() != v.Prefix.Addr().Is4() {
			return false
		}
		if !f.Prefix.Overlaps(v.Prefix) || f.Prefix.Bits() > v.Prefix.Bits() {
			return false
		}
	}
	if f.ASN != nil && *f.ASN != v.ASN {
		return false
	}
	return true
}

// BGPsecFilter removes matching router keys from the output.
type BGPsecFilter struct {
	ASN     *uint32
	SKI     []byte
	Comment string
}

// Matches applies the flag-masked match on ASN and SKI.
func (f BGPsecFilter) Matches(k payload.RouterKey) bool {
	if f.ASN != nil && *f.ASN != k.ASN {
		return false
	}
	if f.SKI != nil {
		if len(f.SKI) != payload.SKISize {
			return false
		}
		if [payload.SKISize]byte(f.SKI) != k.SKI {
			return false
		}
	}
	return true
}

// PrefixAssertion adds a VRP to the output.
type PrefixAssertion struct {
	Prefix    netip.Prefix
	ASN       uint32
	MaxLength *int
	Comment   string
}

// VRP returns the asserted payload.
func (a PrefixAssertion) VRP() payload.VRP {
	maxLength := a.Prefix.Bits()
	if a.MaxLength != nil {
		maxLength = *a.MaxLength
	}
	return payload.VRP{
		ASN:         a.ASN,
		Prefix:      a.Prefix,
		MaxLength:   uint8(maxLength),
		TrustAnchor: TrustAnchorName,
	}
}

// BGPsecAssertion adds a router key to the output.
type BGPsecAssertion struct {
	ASN     uint32
	SKI     []byte
	SPKI    []byte
	Comment string
}

// RouterKey returns the asserted payload.
func (a BGPsecAssertion) RouterKey() payload.RouterKey {
	var ski [payload.SKISize]byte
	copy(ski[:], a.SKI)
	return payload.RouterKey{
		ASN:         a.ASN,
		SKI:         ski,
		SPKI:        a.SPKI,
		TrustAnchor: TrustAnchorName,
	}
}

// File is a loaded SLURM document.
type File struct {
	PrefixFilters    []PrefixFilter
	BGPsecFilters    []BGPsecFilter
	PrefixAssertions []PrefixAssertion
	BGPsecAssertions []BGPsecAssertion
}

type jsonDocument struct {
	SlurmVersion            int            `json:"slurmVersion"`
	ValidationOutputFilters jsonFilters    `json:"validationOutputFilters"`
	LocallyAddedAssertions  jsonAssertions `json:"locallyAddedAssertions"`
}

type jsonFilters struct {
	PrefixFilters []jsonPrefixFilter `json:"prefixFilters"`
	BGPsecFilters []jsonBGPsecFilter `json:"bgpsecFilters"`
}

type jsonAssertions struct {
	PrefixAssertions []jsonPrefixAssertion `json:"prefixAssertions"`
	BGPsecAssertions []jsonBGPsecAssertion `json:"bgpsecAssertions"`
}

type jsonPrefixFilter struct {
	Prefix  string  `json:"prefix,omitempty"`
	ASN     *uint32 `json:"asn,omitempty"`
	Comment string  `json:"comment,omitempty"`
}

type jsonBGPsecFilter struct {
	ASN     *uint32 `json:"asn,omitempty"`
	SKI     string  `json:"SKI,omitempty"`
	Comment string  `json:"comment,omitempty"`
}

type jsonPrefixAssertion struct {
	Prefix          string  `json:"prefix"`
	ASN             *uint32 `json:"asn"`
	MaxPrefixLength *int    `json:"maxPrefixLength,omitempty"`
	Comment         string  `json:"comment,omitempty"`
}

type jsonBGPsecAssertion struct {
	ASN             *uint32 `json:"asn"`
	SKI             string  `json:"SKI"`
	RouterPublicKey string  `json:"routerPublicKey"`
	Comment         string  `json:"comment,omitempty"`
}

// Load reads and parses a SLURM file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, serrors.Wrap("reading SLURM file", err, "file", path)
	}
	return Parse(raw)
}

// Parse parses and validates a SLURM document.
func Parse(raw []byte) (*File, error) {
	var doc jsonDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, serrors.JoinNoStack(ErrInvalid, err, "reason", "bad JSON")
	}
	if doc.SlurmVersion != 1 {
		return nil, serrors.JoinNoStack(ErrInvalid, nil,
			"reason", "unsupported slurmVersion", "version", doc.SlurmVersion)
	}
	f := &File{}
	for _, pf := range doc.ValidationOutputFilters.PrefixFilters {
		filter := PrefixFilter{ASN: pf.ASN, Comment: pf.Comment}
		if pf.Prefix != "" {
			p, err := netip.ParsePrefix(pf.Prefix)
			if err != nil {
				return nil, serrors.JoinNoStack(ErrInvalid, err,
					"reason", "bad filter prefix", "prefix", pf.Prefix)
			}
			p = p.Masked()
			filter.Prefix = &p
		}
		if filter.Prefix == nil && filter.ASN == nil {
			return nil, serrors.JoinNoStack(ErrInvalid, nil,
				"reason", "prefix filter without match criteria")
		}
		f.PrefixFilters = append(f.PrefixFilters, filter)
	}
	for _, bf := range doc.ValidationOutputFilters.BGPsecFilters {
		filter := BGPsecFilter{ASN: bf.ASN, Comment: bf.Comment}
		if bf.SKI != "" {
			ski, err := base64.RawURLEncoding.DecodeString(bf.SKI)
			if err != nil {
				return nil, serrors.JoinNoStack(ErrInvalid, err, "reason", "bad filter SKI")
			}
			filter.SKI = ski
		}
		if filter.SKI == nil && filter.ASN == nil {
			return nil, serrors.JoinNoStack(ErrInvalid, nil,
				"reason", "bgpsec filter without match criteria")
		}
		f.BGPsecFilters = append(f.BGPsecFilters, filter)
	}
	for _, pa := range doc.LocallyAddedAssertions.PrefixAssertions {
		if pa.ASN == nil || pa.Prefix == "" {
			return nil, serrors.JoinNoStack(ErrInvalid, nil,
				"reason", "prefix assertion without asn or prefix")
		}
		p, err := netip.ParsePrefix(pa.Prefix)
		if err != nil {
			return nil, serrors.JoinNoStack(ErrInvalid, err,
				"reason", "bad assertion prefix", "prefix", pa.Prefix)
		}
		p = p.Masked()
		if pa.MaxPrefixLength != nil {
			width := 32
			if p.Addr().Is6() {
				width = 128
			}
			if *pa.MaxPrefixLength < p.Bits() || *pa.MaxPrefixLength > width {
				return nil, serrors.JoinNoStack(ErrInvalid, nil,
					"reason", "maxPrefixLength out of range",
					"prefix", pa.Prefix, "max_prefix_length", *pa.MaxPrefixLength)
			}
		}
		f.PrefixAssertions = append(f.PrefixAssertions, PrefixAssertion{
			Prefix:    p,
			ASN:       *pa.ASN,
			MaxLength: pa.MaxPrefixLength,
			Comment:   pa.Comment,
		})
	}
	for _, ba := range doc.LocallyAddedAssertions.BGPsecAssertions {
		if ba.ASN == nil || ba.SKI == "" || ba.RouterPublicKey == "" {
			return nil, serrors.JoinNoStack(ErrInvalid, nil,
				"reason", "bgpsec assertion with missing fields")
		}
		ski, err := base64.RawURLEncoding.DecodeString(ba.SKI)
		if err != nil {
			return nil, serrors.JoinNoStack(ErrInvalid, err, "reason", "bad assertion SKI")
		}
		if len(ski) != payload.SKISize {
			return nil, serrors.JoinNoStack(ErrInvalid, nil,
				"reason", "assertion SKI has wrong length", "len", len(ski))
		}
		spki, err := base64.RawURLEncoding.DecodeString(ba.RouterPublicKey)
		if err != nil {
			return nil, serrors.JoinNoStack(ErrInvalid, err, "reason", "bad router public key")
		}
		f.BGPsecAssertions = append(f.BGPsecAssertions, BGPsecAssertion{
			ASN:     *ba.ASN,
			SKI:     ski,
			SPKI:    spki,
			Comment: ba.Comment,
		})
	}
	if err := f.validateConflicts(); err != nil {
		return nil, err
	}
	return f, nil
}

// validateConflicts rejects assertions that the document's own filters would
// immediately remove, which RFC 8416 treats as a configuration error.
func (f *File) validateConflicts() error {
	for _, a := range f.PrefixAssertions {
		if f.FilterVRP(a.VRP()) {
			return serrors.JoinNoStack(ErrInvalid, nil,
				"reason", "prefix assertion conflicts with filter", "prefix", a.Prefix)
		}
	}
	for _, a := range f.BGPsecAssertions {
		if f.FilterRouterKey(a.RouterKey()) {
			return serrors.JoinNoStack(ErrInvalid, nil,
				"reason", "bgpsec assertion conflicts with filter", "asn", a.ASN)
		}
	}
	return nil
}

// FilterVRP reports whether any prefix filter removes the VRP.
func (f *File) FilterVRP(v payload.VRP) bool {
	for _, filter := range f.PrefixFilters {
		if filter.Matches(v) {
			return true
		}
	}
	return false
}

// FilterRouterKey reports whether any bgpsec filter removes the router key.
func (f *File) FilterRouterKey(k payload.RouterKey) bool {
	for _, filter := range f.BGPsecFilters {
		if filter.Matches(k) {
			return true
		}
	}
	return false
}

// Apply filters the validated payloads and unions in the local assertions.
func (f *File) Apply(vrps []payload.VRP,
	keys []payload.RouterKey) ([]payload.VRP, []payload.RouterKey) {

	outVRPs := make([]payload.VRP, 0, len(vrps)+len(f.PrefixAssertions))
	for _, v := range vrps {
		if !f.FilterVRP(v) {
			outVRPs = append(outVRPs, v)
		}
	}
	for _, a := range f.PrefixAssertions {
		outVRPs = append(outVRPs, a.VRP())
	}

	outKeys := make([]payload.RouterKey, 0, len(keys)+len(f.BGPsecAssertions))
	for _, k := range keys {
		if !f.FilterRouterKey(k) {
			outKeys = append(outKeys, k)
		}
	}
	for _, a := range f.BGPsecAssertions {
		outKeys = append(outKeys, a.RouterKey())
	}
	return outVRPs, outKeys
}
