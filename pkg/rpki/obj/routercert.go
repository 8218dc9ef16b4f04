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
	"crypto/x509"
	"encoding/asn1"

	"github.com/relier-rpki/relier/pkg/private/serrors"
	"github.com/relier-rpki/relier/pkg/rpki/payload"
)

// oidKPBGPsecRouter is the id-kp-bgpsec-router extended key usage.
var oidKPBGPsecRouter = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 30}

// maxRouterKeysPerCert bounds the number of keys a single router
// certificate can expand to, so a certificate with a huge AS range cannot
// exhaust memory.
const maxRouterKeysPerCert = 4096

// RouterCert is a parsed BGPsec router certificate (RFC 8209): an
// end-entity certificate binding AS numbers to a router public key.
type RouterCert struct {
	Cert *Certificate
}

// ParseRouterCert parses a BGPsec router certificate and checks the RFC 8209
// profile: end entity, ECDSA P-256 key, id-kp-bgpsec-router extended key
// usage, AS resources present, no IP resources.
func ParseRouterCert(der []byte) (*RouterCert, error) {
	cert, err := ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	if err := cert.ValidateEE(); err != nil {
		return nil, err
	}
	if cert.X509.PublicKeyAlgorithm != x509.ECDSA {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "router certificate key is not ECDSA")
	}
	var hasEKU bool
	for _, eku := range cert.X509.UnknownExtKeyUsage {
		if eku.Equal(oidKPBGPsecRouter) {
			hasEKU = true
			break
		}
	}
	if !hasEKU {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "missing bgpsec-router extended key usage")
	}
	if !cert.Resources.IPv4.IsEmpty() || !cert.Resources.IPv6.IsEmpty() {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "router certificate with IP resources")
	}
	if len(cert.SKI) != payload.SKISize {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "router certificate SKI has wrong length", "len", len(cert.SKI))
	}
	return &RouterCert{Cert: cert}, nil
}

// Payloads returns one router key per certified AS number, attributed to the
// given trust anchor. The certificate's AS resources must be resolved.
func (r *RouterCert) Payloads(trustAnchor string) ([]payload.RouterKey, error) {
	var ski [payload.SKISize]byte
	copy(ski[:], r.Cert.SKI)
	spki := r.Cert.X509.RawSubjectPublicKeyInfo

	var keys []payload.RouterKey
	for _, rng := range r.Cert.Resources.AS.Ranges() {
		for as := rng.Lo; as < rng.Hi; as++ {
			if len(keys) >= maxRouterKeysPerCert {
				return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
					"reason", "router certificate certifies too many AS numbers")
			}
			keys = append(keys, payload.RouterKey{
				ASN:         uint32(as),
				SKI:         ski,
				SPKI:        spki,
				TrustAnchor: trustAnchor,
			})
		}
	}
	if len(keys) == 0 {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "router certificate without AS resources")
	}
	return keys, nil
}
