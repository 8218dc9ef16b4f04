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

package scrypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"

	"github.com/relier-rpki/relier/pkg/private/serrors"
)

// ErrVerification indicates a signature that does not verify.
var ErrVerification = serrors.New("signature verification failed")

// VerifySignature verifies signature over signed with the public key in the
// DER-encoded SubjectPublicKeyInfo. The digest algorithm is SHA-256, the only
// one the RPKI profile mandates; RSA PKCS#1 v1.5 and ECDSA keys are
// supported.
func VerifySignature(spkiDER, signed, signature []byte) error {
	pub, err := x509.ParsePKIXPublicKey(spkiDER)
	if err != nil {
		return serrors.Wrap("parsing subject public key info", err)
	}
	digest := sha256.Sum256(signed)
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
			return serrors.JoinNoStack(ErrVerification, err)
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return ErrVerification
		}
	default:
		return serrors.JoinNoStack(ErrUnsupportedAlgorithm, nil, "key", "unknown type")
	}
	return nil
}
