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

// Package oid contains the object identifiers used by the CMS protocol
// implementation.
package oid

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
)

// Content type object identifiers.
var (
	// ContentTypeData is the id-data content type.
	ContentTypeData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	// ContentTypeSignedData is the id-signedData content type.
	ContentTypeSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
)

// Signed attribute object identifiers.
var (
	// AttributeContentType is the content-type signed attribute.
	AttributeContentType = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	// AttributeMessageDigest is the message-digest signed attribute.
	AttributeMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	// AttributeSigningTime is the signing-time signed attribute.
	AttributeSigningTime = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
)

// Digest and signature algorithm object identifiers.
var (
	// DigestAlgorithmSHA256 is the SHA-256 digest algorithm.
	DigestAlgorithmSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	// SignatureAlgorithmRSA is the rsaEncryption signature algorithm.
	SignatureAlgorithmRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	// SignatureAlgorithmSHA256WithRSA is the sha256WithRSAEncryption
	// signature algorithm.
	SignatureAlgorithmSHA256WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	// SignatureAlgorithmECDSAWithSHA256 is the ecdsa-with-SHA256 signature
	// algorithm.
	SignatureAlgorithmECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	// PublicKeyAlgorithmECDSA is the id-ecPublicKey key type.
	PublicKeyAlgorithmECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
)

// DigestAlgorithmToHash resolves a digest algorithm identifier to a hash
// function. The bool result indicates whether the algorithm is known.
func DigestAlgorithmToHash(algo asn1.ObjectIdentifier) (crypto.Hash, bool) {
	if algo.Equal(DigestAlgorithmSHA256) {
		return crypto.SHA256, true
	}
	return 0, false
}

// X509SignatureAlgorithm resolves a (digest, signature) algorithm identifier
// pair to the corresponding x509 signature algorithm.
// x509.UnknownSignatureAlgorithm is returned for unsupported combinations.
func X509SignatureAlgorithm(digest, signature asn1.ObjectIdentifier) x509.SignatureAlgorithm {
	if !digest.Equal(DigestAlgorithmSHA256) {
		return x509.UnknownSignatureAlgorithm
	}
	switch {
	case signature.Equal(SignatureAlgorithmRSA),
		signature.Equal(SignatureAlgorithmSHA256WithRSA):
		return x509.SHA256WithRSA
	case signature.Equal(SignatureAlgorithmECDSAWithSHA256),
		signature.Equal(PublicKeyAlgorithmECDSA):
		return x509.ECDSAWithSHA256
	default:
		return x509.UnknownSignatureAlgorithm
	}
}
