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

// Package payload defines the validated payloads the engine distills out of
// the RPKI tree: validated ROA payloads (VRPs) and BGPsec router keys.
package payload

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/netip"
)

// VRP is a validated ROA payload. TrustAnchor records provenance; it does
// not participate in payload equality. The same payload emitted by two trust
// anchors is served once.
type VRP struct {
	ASN       uint32
	Prefix    netip.Prefix
	MaxLength uint8
	// TrustAnchor is the name of the TAL this payload was validated under.
	TrustAnchor string
}

// Key identifies a VRP including provenance.
type Key struct {
	ASN         uint32
	Prefix      netip.Prefix
	MaxLength   uint8
	TrustAnchor string
}

// ServedKey identifies a VRP as served to routers, with provenance erased.
type ServedKey struct {
	ASN       uint32
	Prefix    netip.Prefix
	MaxLength uint8
}

// Key returns the full identity of the VRP.
func (v VRP) Key() Key {
	return Key{ASN: v.ASN, Prefix: v.Prefix, MaxLength: v.MaxLength, TrustAnchor: v.TrustAnchor}
}

// ServedKey returns the identity of the VRP as served to routers.
func (v VRP) ServedKey() ServedKey {
	return ServedKey{ASN: v.ASN, Prefix: v.Prefix, MaxLength: v.MaxLength}
}

func (v VRP) String() string {
	return fmt.Sprintf("AS%d %s maxlen %d (%s)", v.ASN, v.Prefix, v.MaxLength, v.TrustAnchor)
}

// SKISize is the size of a subject key identifier in bytes (SHA-1).
const SKISize = 20

// RouterKey is a validated BGPsec router key.
type RouterKey struct {
	ASN uint32
	SKI [SKISize]byte
	// SPKI is the DER-encoded SubjectPublicKeyInfo of the router key.
	SPKI []byte
	// TrustAnchor records provenance, like for VRPs.
	TrustAnchor string
}

// RouterKeyKey identifies a router key including provenance.
type RouterKeyKey struct {
	ASN         uint32
	SKI         [SKISize]byte
	SPKI        string
	TrustAnchor string
}

// ServedRouterKeyKey identifies a router key as served to routers.
type ServedRouterKeyKey struct {
	ASN  uint32
	SKI  [SKISize]byte
	SPKI string
}

// Key returns the full identity of the router key.
func (k RouterKey) Key() RouterKeyKey {
	return RouterKeyKey{ASN: k.ASN, SKI: k.SKI, SPKI: string(k.SPKI), TrustAnchor: k.TrustAnchor}
}

// ServedKey returns the identity of the router key as served to routers.
func (k RouterKey) ServedKey() ServedRouterKeyKey {
	return ServedRouterKeyKey{ASN: k.ASN, SKI: k.SKI, SPKI: string(k.SPKI)}
}

// Equal reports whether the two router keys are identical including
// provenance.
func (k RouterKey) Equal(o RouterKey) bool {
	return k.ASN == o.ASN && k.SKI == o.SKI &&
		bytes.Equal(k.SPKI, o.SPKI) && k.TrustAnchor == o.TrustAnchor
}

func (k RouterKey) String() string {
	return fmt.Sprintf("AS%d SKI %s (%s)", k.ASN, hex.EncodeToString(k.SKI[:]), k.TrustAnchor)
}
