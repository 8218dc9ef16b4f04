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

package obj

import (
	"encoding/asn1"
	"net/netip"

	"github.com/relier-rpki/relier/pkg/private/serrors"
	"github.com/relier-rpki/relier/pkg/rpki/payload"
	"github.com/relier-rpki/relier/pkg/rpki/resources"
)

// ROAPrefix is one prefix authorized by a ROA.
type ROAPrefix struct {
	Prefix    netip.Prefix
	MaxLength uint8
}

// ROA is a parsed route origin attestation (RFC 6482).
type ROA struct {
	EE       *Certificate
	ASN      uint32
	Prefixes []ROAPrefix
}

type roaContent struct {
	Version int `asn1:"optional,explicit,tag:0,default:0"`
	ASID    int64
	Blocks  []roaFamilyASN
}

type roaFamilyASN struct {
	AddressFamily []byte
	Addresses     []roaAddressASN
}

type roaAddressASN struct {
	Address   asn1.BitString
	MaxLength int `asn1:"optional,default:-1"`
}

// ParseROA parses a ROA signed object and checks the profile constraints on
// its content: valid families, maxLength within [prefixLength, family
// width]. The resource containment check against the EE certificate happens
// after inherit resolution, via CheckCoveredBy.
func ParseROA(der []byte) (*ROA, error) {
	so, err := ParseSignedObject(der, OIDContentTypeROA)
	if err != nil {
		return nil, err
	}
	var content roaContent
	rest, err := asn1.Unmarshal(so.Content, &content)
	if err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err, "reason", "parsing ROA content")
	}
	if len(rest) > 0 {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "trailing ROA data")
	}
	if content.Version != 0 {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "unsupported ROA version", "version", content.Version)
	}
	if content.ASID < 0 || uint64(content.ASID) >= resources.MaxAS {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "AS number out of range", "asid", content.ASID)
	}

	roa := &ROA{EE: so.EE, ASN: uint32(content.ASID)}
	for _, fam := range content.Blocks {
		if len(fam.AddressFamily) != 2 {
			return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
				"reason", "malformed ROA addressFamily")
		}
		afi := uint16(fam.AddressFamily[0])<<8 | uint16(fam.AddressFamily[1])
		bits, err := familyBits(afi)
		if err != nil {
			return nil, err
		}
		for _, addr := range fam.Addresses {
			prefix, err := prefixFromBits(addr.Address, bits)
			if err != nil {
				return nil, err
			}
			maxLength := addr.MaxLength
			if maxLength == -1 {
				maxLength = prefix.Bits()
			}
			if maxLength < prefix.Bits() || maxLength > bits {
				return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
					"reason", "maxLength out of range",
					"prefix", prefix, "max_length", maxLength)
			}
			roa.Prefixes = append(roa.Prefixes, ROAPrefix{
				Prefix:    prefix,
				MaxLength: uint8(maxLength),
			})
		}
	}
	return roa, nil
}

// CheckCoveredBy checks that the ROA's origin AS and every prefix are
// covered by the given resources, which must be the EE certificate's
// resolved resource set. A ROA whose EE carries AS resources must certify
// the single origin AS; prefixes must be covered by the EE's IP resources.
func (r *ROA) CheckCoveredBy(res resources.Resources) error {
	if !res.AS.IsEmpty() && !res.AS.ContainsAS(r.ASN) {
		return serrors.JoinNoStack(ErrResourceViolation, nil,
			"reason", "origin AS not certified by EE", "asn", r.ASN)
	}
	for _, p := range r.Prefixes {
		if !res.CoversPrefix(p.Prefix) {
			return serrors.JoinNoStack(ErrResourceViolation, nil,
				"reason", "prefix not certified by EE", "prefix", p.Prefix)
		}
	}
	return nil
}

// Payloads returns the VRPs attested by the ROA, attributed to the given
// trust anchor.
func (r *ROA) Payloads(trustAnchor string) []payload.VRP {
	vrps := make([]payload.VRP, 0, len(r.Prefixes))
	for _, p := range r.Prefixes {
		vrps = append(vrps, payload.VRP{
			ASN:         r.ASN,
			Prefix:      p.Prefix,
			MaxLength:   p.MaxLength,
			TrustAnchor: trustAnchor,
		})
	}
	return vrps
}
