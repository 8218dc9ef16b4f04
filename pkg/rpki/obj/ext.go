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

// RFC 3779 resource extension codecs. The verifier parses these first-class
// instead of delegating to a generic chain verifier, so the IP and AS
// extensions are never treated as unhandled critical extensions.

package obj

import (
	"encoding/asn1"
	"net/netip"

	"go4.org/netipx"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/relier-rpki/relier/pkg/private/serrors"
	"github.com/relier-rpki/relier/pkg/rpki/resources"
)

// Object identifiers of the RPKI certificate extensions handled first-class.
var (
	oidExtIPResources = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 7}
	oidExtASResources = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 8}
	oidExtSIA         = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 11}
)

// Address family identifiers per the IANA registry.
const (
	afiIPv4 = 1
	afiIPv6 = 2
)

func familyBits(afi uint16) (int, error) {
	switch afi {
	case afiIPv4:
		return 32, nil
	case afiIPv6:
		return 128, nil
	default:
		return 0, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "unknown address family", "afi", afi)
	}
}

// parseIPAddrBlocks decodes the RFC 3779 IPAddrBlocks extension value into
// the given resource container, setting literal sets or inherit flags per
// family.
func parseIPAddrBlocks(der []byte, res *resources.Resources) error {
	input := cryptobyte.String(der)
	var blocks cryptobyte.String
	if !input.ReadASN1(&blocks, cbasn1.SEQUENCE) || !input.Empty() {
		return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "malformed IPAddrBlocks")
	}
	var v4, v6 []netipx.IPRange
	seen := map[uint16]bool{}
	for !blocks.Empty() {
		var family cryptobyte.String
		if !blocks.ReadASN1(&family, cbasn1.SEQUENCE) {
			return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "malformed IPAddressFamily")
		}
		var afiOctets cryptobyte.String
		if !family.ReadASN1(&afiOctets, cbasn1.OCTET_STRING) || len(afiOctets) != 2 {
			return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "malformed addressFamily")
		}
		afi := uint16(afiOctets[0])<<8 | uint16(afiOctets[1])
		bits, err := familyBits(afi)
		if err != nil {
			return err
		}
		if seen[afi] {
			return serrors.JoinNoStack(ErrInvalidInput, nil,
				"reason", "duplicate address family", "afi", afi)
		}
		seen[afi] = true

		if family.PeekASN1Tag(cbasn1.NULL) {
			var null cryptobyte.String
			if !family.ReadASN1(&null, cbasn1.NULL) || !family.Empty() {
				return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "malformed inherit")
			}
			if afi == afiIPv4 {
				res.MarkInherit(resources.FamilyIPv4)
			} else {
				res.MarkInherit(resources.FamilyIPv6)
			}
			continue
		}

		var aors cryptobyte.String
		if !family.ReadASN1(&aors, cbasn1.SEQUENCE) || !family.Empty() {
			return serrors.JoinNoStack(ErrInvalidInput, nil,
				"reason", "malformed addressesOrRanges")
		}
		for !aors.Empty() {
			var r netipx.IPRange
			switch {
			case aors.PeekASN1Tag(cbasn1.BIT_STRING):
				var bs asn1.BitString
				if !aors.ReadASN1BitString(&bs) {
					return serrors.JoinNoStack(ErrInvalidInput, nil,
						"reason", "malformed addressPrefix")
				}
				p, err := prefixFromBits(bs, bits)
				if err != nil {
					return err
				}
				r = netipx.RangeOfPrefix(p)
			default:
				var rng cryptobyte.String
				if !aors.ReadASN1(&rng, cbasn1.SEQUENCE) {
					return serrors.JoinNoStack(ErrInvalidInput, nil,
						"reason", "malformed addressRange")
				}
				var minBS, maxBS asn1.BitString
				if !rng.ReadASN1BitString(&minBS) || !rng.ReadASN1BitString(&maxBS) ||
					!rng.Empty() {
					return serrors.JoinNoStack(ErrInvalidInput, nil,
						"reason", "malformed addressRange")
				}
				lo, err := addrFromBits(minBS, bits, false)
				if err != nil {
					return err
				}
				hi, err := addrFromBits(maxBS, bits, true)
				if err != nil {
					return err
				}
				r = netipx.IPRangeFrom(lo, hi)
				if !r.IsValid() {
					return serrors.JoinNoStack(ErrInvalidInput, nil,
						"reason", "inverted addressRange")
				}
			}
			if afi == afiIPv4 {
				v4 = append(v4, r)
			} else {
				v6 = append(v6, r)
			}
		}
	}
	if len(v4) > 0 {
		res.IPv4 = resources.NewIPBlocksFromRanges(v4)
	}
	if len(v6) > 0 {
		res.IPv6 = resources.NewIPBlocksFromRanges(v6)
	}
	return nil
}

// prefixFromBits converts an RFC 3779 address prefix bit string to a prefix.
func prefixFromBits(bs asn1.BitString, bits int) (netip.Prefix, error) {
	if bs.BitLength > bits {
		return netip.Prefix{}, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "prefix longer than address family width")
	}
	addr, err := addrFromBits(bs, bits, false)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, bs.BitLength), nil
}

// addrFromBits expands a bit string to a full address; the bits beyond
// BitLength are zero-filled for a lower bound and one-filled for an upper
// bound.
func addrFromBits(bs asn1.BitString, bits int, upper bool) (netip.Addr, error) {
	if bs.BitLength > bits || len(bs.Bytes)*8 < bs.BitLength {
		return netip.Addr{}, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "malformed address bit string")
	}
	buf := make([]byte, bits/8)
	copy(buf, bs.Bytes)
	if upper {
		for i := bs.BitLength; i < bits; i++ {
			buf[i/8] |= 1 << (7 - i%8)
		}
	}
	addr, ok := netip.AddrFromSlice(buf)
	if !ok {
		return netip.Addr{}, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "malformed address")
	}
	return addr, nil
}

// parseASIdentifiers decodes the RFC 3779 ASIdentifiers extension value into
// the given resource container. The rdi element is forbidden by the RPKI
// certificate profile.
func parseASIdentifiers(der []byte, res *resources.Resources) error {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "malformed ASIdentifiers")
	}
	asnumTag := cbasn1.Tag(0).Constructed().ContextSpecific()
	rdiTag := cbasn1.Tag(1).Constructed().ContextSpecific()
	if seq.PeekASN1Tag(rdiTag) {
		return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "rdi element present")
	}
	if !seq.PeekASN1Tag(asnumTag) {
		return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "asnum element missing")
	}
	var choice cryptobyte.String
	if !seq.ReadASN1(&choice, asnumTag) {
		return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "malformed asnum")
	}
	if !seq.Empty() {
		return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "rdi element present")
	}

	if choice.PeekASN1Tag(cbasn1.NULL) {
		var null cryptobyte.String
		if !choice.ReadASN1(&null, cbasn1.NULL) || !choice.Empty() {
			return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "malformed inherit")
		}
		res.MarkInherit(resources.FamilyAS)
		return nil
	}

	var ids cryptobyte.String
	if !choice.ReadASN1(&ids, cbasn1.SEQUENCE) || !choice.Empty() {
		return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "malformed asIdsOrRanges")
	}
	var ranges []resources.ASRange
	for !ids.Empty() {
		switch {
		case ids.PeekASN1Tag(cbasn1.INTEGER):
			var id uint64
			if !ids.ReadASN1Integer(&id) {
				return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "malformed ASId")
			}
			ranges = append(ranges, resources.ASRange{Lo: id, Hi: id + 1})
		default:
			var rng cryptobyte.String
			if !ids.ReadASN1(&rng, cbasn1.SEQUENCE) {
				return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "malformed ASRange")
			}
			var lo, hi uint64
			if !rng.ReadASN1Integer(&lo) || !rng.ReadASN1Integer(&hi) || !rng.Empty() {
				return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "malformed ASRange")
			}
			if hi < lo {
				return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "inverted ASRange")
			}
			ranges = append(ranges, resources.ASRange{Lo: lo, Hi: hi + 1})
		}
	}
	blocks, err := resources.NewASBlocks(ranges)
	if err != nil {
		return serrors.JoinNoStack(ErrInvalidInput, err, "reason", "invalid AS ranges")
	}
	res.AS = blocks
	return nil
}

// MarshalIPAddrBlocks encodes the IP families of res as an RFC 3779
// IPAddrBlocks extension value. Families flagged inherit are encoded as
// inherit; empty literal families are omitted.
func MarshalIPAddrBlocks(res resources.Resources) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addFamily := func(afi uint16, inherit bool, blocks resources.IPBlocks) {
			if !inherit && blocks.IsEmpty() {
				return
			}
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.OCTET_STRING, func(b *cryptobyte.Builder) {
					b.AddUint16(afi)
				})
				if inherit {
					b.AddASN1(cbasn1.NULL, func(b *cryptobyte.Builder) {})
					return
				}
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					for _, p := range blocks.Prefixes() {
						addPrefixBits(b, p)
					}
				})
			})
		}
		addFamily(afiIPv4, res.Inherits(resources.FamilyIPv4), res.IPv4)
		addFamily(afiIPv6, res.Inherits(resources.FamilyIPv6), res.IPv6)
	})
	return b.Bytes()
}

func addPrefixBits(b *cryptobyte.Builder, p netip.Prefix) {
	p = p.Masked()
	raw := p.Addr().AsSlice()
	n := (p.Bits() + 7) / 8
	unused := byte(n*8 - p.Bits())
	b.AddASN1(cbasn1.BIT_STRING, func(b *cryptobyte.Builder) {
		b.AddUint8(unused)
		b.AddBytes(raw[:n])
	})
}

// MarshalASIdentifiers encodes the AS family of res as an RFC 3779
// ASIdentifiers extension value.
func MarshalASIdentifiers(res resources.Resources) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	asnumTag := cbasn1.Tag(0).Constructed().ContextSpecific()
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asnumTag, func(b *cryptobyte.Builder) {
			if res.Inherits(resources.FamilyAS) {
				b.AddASN1(cbasn1.NULL, func(b *cryptobyte.Builder) {})
				return
			}
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				for _, r := range res.AS.Ranges() {
					if r.Hi == r.Lo+1 {
						b.AddASN1Uint64(r.Lo)
						continue
					}
					b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1Uint64(r.Lo)
						b.AddASN1Uint64(r.Hi - 1)
					})
				}
			})
		})
	})
	return b.Bytes()
}
