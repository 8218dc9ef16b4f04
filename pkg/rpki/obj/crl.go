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
	"time"

	"github.com/relier-rpki/relier/pkg/private/serrors"
)

// CRL is a parsed certificate revocation list.
type CRL struct {
	Raw  []byte
	List *x509.RevocationList
}

// ParseCRL parses a DER-encoded certificate revocation list.
func ParseCRL(der []byte) (*CRL, error) {
	list, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err, "reason", "parsing CRL")
	}
	return &CRL{Raw: der, List: list}, nil
}

// Verify checks that the CRL was signed by the issuer and that its update
// window covers the given time.
func (c *CRL) Verify(issuer *Certificate, now time.Time) error {
	if err := c.List.CheckSignatureFrom(issuer.X509); err != nil {
		return serrors.JoinNoStack(ErrCryptoFailure, err, "reason", "CRL signature check failed")
	}
	if now.Before(c.List.ThisUpdate) {
		return serrors.JoinNoStack(ErrStaleObject, nil,
			"reason", "CRL not yet valid", "this_update", c.List.ThisUpdate)
	}
	if !c.List.NextUpdate.IsZero() && !now.Before(c.List.NextUpdate) {
		return serrors.JoinNoStack(ErrStaleObject, nil,
			"reason", "CRL expired", "next_update", c.List.NextUpdate)
	}
	return nil
}

// IsRevoked reports whether the given certificate's serial is listed.
func (c *CRL) IsRevoked(cert *Certificate) bool {
	for _, entry := range c.List.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.X509.SerialNumber) == 0 {
			return true
		}
	}
	return false
}
