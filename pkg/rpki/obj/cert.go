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
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"strings"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/relier-rpki/relier/pkg/private/serrors"
	"github.com/relier-rpki/relier/pkg/rpki/resources"
	"github.com/relier-rpki/relier/pkg/scrypto"
)

// Subject information access method object identifiers.
var (
	oidSIACARepository = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 5}
	oidSIARPKIManifest = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 10}
	oidSIASignedObject = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 11}
)

// SIA is the subject information access of an RPKI certificate. CA
// certificates point at their publication point and manifest; EE
// certificates point at the signed object they are embedded in.
type SIA struct {
	CARepository string
	RPKIManifest string
	SignedObject string
}

// Certificate is a parsed RPKI resource certificate.
type Certificate struct {
	Raw  []byte
	X509 *x509.Certificate

	// SKI and AKI are the subject and authority key identifiers.
	SKI []byte
	AKI []byte

	// Resources are the certified Internet number resources. Families may be
	// flagged inherit until resolved by the validation walker.
	Resources resources.Resources

	SIA   SIA
	AIA   string
	CRLDP string

	IsCA bool
}

// ParseCertificate parses and profile-checks an RPKI resource certificate.
// The RFC 3779 resource extensions are decoded here; all other unknown
// critical extensions are rejected.
func ParseCertificate(der []byte) (*Certificate, error) {
	x509Cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err, "reason", "parsing certificate")
	}
	if x509Cert.Version != 3 {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "certificate version is not 3", "version", x509Cert.Version)
	}
	cert := &Certificate{
		Raw:  der,
		X509: x509Cert,
		SKI:  x509Cert.SubjectKeyId,
		AKI:  x509Cert.AuthorityKeyId,
		IsCA: x509Cert.IsCA,
	}
	if len(cert.SKI) == 0 {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "missing subject key identifier")
	}

	var haveIP, haveAS bool
	for _, ext := range x509Cert.Extensions {
		switch {
		case ext.Id.Equal(oidExtIPResources):
			if !ext.Critical {
				return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
					"reason", "IP resources extension not critical")
			}
			if err := parseIPAddrBlocks(ext.Value, &cert.Resources); err != nil {
				return nil, err
			}
			haveIP = true
		case ext.Id.Equal(oidExtASResources):
			if !ext.Critical {
				return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
					"reason", "AS resources extension not critical")
			}
			if err := parseASIdentifiers(ext.Value, &cert.Resources); err != nil {
				return nil, err
			}
			haveAS = true
		case ext.Id.Equal(oidExtSIA):
			if err := parseSIA(ext.Value, &cert.SIA); err != nil {
				return nil, err
			}
		}
	}
	if !haveIP && !haveAS {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "no resource extension present")
	}
	// The resource extensions were handled above; everything else that is
	// critical and unknown disqualifies the certificate.
	for _, id := range x509Cert.UnhandledCriticalExtensions {
		if id.Equal(oidExtIPResources) || id.Equal(oidExtASResources) {
			continue
		}
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "unknown critical extension", "oid", id.String())
	}

	if urls := x509Cert.IssuingCertificateURL; len(urls) > 0 {
		cert.AIA = firstRsyncURI(urls)
	}
	if dps := x509Cert.CRLDistributionPoints; len(dps) > 0 {
		cert.CRLDP = firstRsyncURI(dps)
	}
	return cert, nil
}

func firstRsyncURI(uris []string) string {
	for _, u := range uris {
		if strings.HasPrefix(u, "rsync://") {
			return u
		}
	}
	return ""
}

func parseSIA(der []byte, sia *SIA) error {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "malformed SIA")
	}
	uriTag := cbasn1.Tag(6).ContextSpecific()
	for !seq.Empty() {
		var ad cryptobyte.String
		if !seq.ReadASN1(&ad, cbasn1.SEQUENCE) {
			return serrors.JoinNoStack(ErrInvalidInput, nil,
				"reason", "malformed AccessDescription")
		}
		var method asn1.ObjectIdentifier
		if !ad.ReadASN1ObjectIdentifier(&method) {
			return serrors.JoinNoStack(ErrInvalidInput, nil,
				"reason", "malformed access method")
		}
		if !ad.PeekASN1Tag(uriTag) {
			// Non-URI general names (and access methods like rpkiNotify
			// pointing at https) are skipped.
			continue
		}
		var uri cryptobyte.String
		if !ad.ReadASN1(&uri, uriTag) {
			return serrors.JoinNoStack(ErrInvalidInput, nil,
				"reason", "malformed access location")
		}
		location := string(uri)
		if !strings.HasPrefix(location, "rsync://") {
			continue
		}
		switch {
		case method.Equal(oidSIACARepository):
			sia.CARepository = location
		case method.Equal(oidSIARPKIManifest):
			sia.RPKIManifest = location
		case method.Equal(oidSIASignedObject):
			sia.SignedObject = location
		}
	}
	return nil
}

// ValidAt checks that the certificate's validity window covers the given
// time.
func (c *Certificate) ValidAt(now time.Time) error {
	if now.Before(c.X509.NotBefore) {
		return serrors.JoinNoStack(ErrStaleObject, nil,
			"reason", "certificate not yet valid", "not_before", c.X509.NotBefore)
	}
	if now.After(c.X509.NotAfter) {
		return serrors.JoinNoStack(ErrStaleObject, nil,
			"reason", "certificate expired", "not_after", c.X509.NotAfter)
	}
	return nil
}

// CheckSignatureFrom verifies that the certificate was signed by the parent.
func (c *Certificate) CheckSignatureFrom(parent *Certificate) error {
	if err := c.X509.CheckSignatureFrom(parent.X509); err != nil {
		return serrors.JoinNoStack(ErrCryptoFailure, err, "reason", "signature check failed")
	}
	if len(c.AKI) > 0 && len(parent.SKI) > 0 && !bytes.Equal(c.AKI, parent.SKI) {
		return serrors.JoinNoStack(ErrCryptoFailure, nil,
			"reason", "authority key identifier mismatch")
	}
	return nil
}

// ValidateCA checks the profile constraints of a CA certificate.
func (c *Certificate) ValidateCA() error {
	if !c.IsCA {
		return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "not a CA certificate")
	}
	if c.X509.KeyUsage&x509.KeyUsageCertSign == 0 {
		return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "keyCertSign not set")
	}
	if c.SIA.CARepository == "" || c.SIA.RPKIManifest == "" {
		return serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "CA certificate without publication point or manifest pointer")
	}
	return nil
}

// ValidateEE checks the profile constraints of an end-entity certificate.
func (c *Certificate) ValidateEE() error {
	if c.IsCA {
		return serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "CA certificate where end-entity expected")
	}
	if c.X509.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "digitalSignature not set")
	}
	return nil
}

// ValidateTrustAnchor checks the constraints on a trust anchor certificate:
// it must be self-signed, carry the key the TAL pins, and certify literal,
// non-empty resources.
func (c *Certificate) ValidateTrustAnchor(tal *TAL) error {
	if !tal.MatchesKey(c.X509.RawSubjectPublicKeyInfo) {
		return serrors.JoinNoStack(ErrCryptoFailure, nil,
			"reason", "subject public key does not match TAL")
	}
	// The self-signature is verified against the key the TAL pins, not the
	// key the certificate claims.
	err := scrypto.VerifySignature(tal.SPKI, c.X509.RawTBSCertificate, c.X509.Signature)
	if err != nil {
		return serrors.JoinNoStack(ErrCryptoFailure, err, "reason", "not self-signed")
	}
	if err := c.ValidateCA(); err != nil {
		return err
	}
	if c.Resources.AnyInherit() {
		return serrors.JoinNoStack(ErrResourceViolation, nil,
			"reason", "inherit resources on trust anchor")
	}
	if c.Resources.IsEmpty() {
		return serrors.JoinNoStack(ErrResourceViolation, nil,
			"reason", "trust anchor without resources")
	}
	return nil
}
