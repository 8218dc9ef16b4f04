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
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"

	"github.com/relier-rpki/relier/pkg/private/serrors"
	"github.com/relier-rpki/relier/pkg/scrypto/cms/protocol"
)

// RPKI signed object content types (RFC 6488 registry).
var (
	// OIDContentTypeROA is the ROA eContentType.
	OIDContentTypeROA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 24}
	// OIDContentTypeManifest is the manifest eContentType.
	OIDContentTypeManifest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 26}
	// OIDContentTypeGBR is the Ghostbusters record eContentType.
	OIDContentTypeGBR = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 35}
)

// SignedObject is a validated RFC 6488 signed object envelope: the inner
// content plus the embedded end-entity certificate that signed it. Envelope
// validation covers the CMS structure and the signature by the embedded EE
// key; verifying the EE certificate against its issuing CA is the walker's
// job.
type SignedObject struct {
	Raw         []byte
	ContentType asn1.ObjectIdentifier
	Content     []byte
	EE          *Certificate
	SignerInfo  protocol.SignerInfo
}

// ParseSignedObject parses and verifies an RFC 6488 signed object envelope,
// enforcing the profile: exactly one SHA-256 signer identified by subject
// key identifier, exactly one embedded EE certificate, matching content-type
// and message-digest signed attributes, and the expected eContentType.
func ParseSignedObject(der []byte, eContentType asn1.ObjectIdentifier) (*SignedObject, error) {
	ci, err := protocol.ParseContentInfo(der)
	if err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err)
	}
	sd, err := ci.SignedDataContent()
	if err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err)
	}
	if sd.Version != 3 {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "unsupported SignedData version", "version", sd.Version)
	}
	if len(sd.SignerInfos) != 1 {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "signed object must have exactly one signer",
			"signers", len(sd.SignerInfos))
	}
	si := sd.SignerInfos[0]
	if _, err := si.Hash(); err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err,
			"reason", "unsupported digest algorithm")
	}

	if !sd.EncapContentInfo.EContentType.Equal(eContentType) {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "unexpected eContentType",
			"expected", eContentType.String(),
			"actual", sd.EncapContentInfo.EContentType.String())
	}
	content, err := sd.EncapContentInfo.EContentValue()
	if err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err)
	}
	if content == nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "detached eContent")
	}

	certs, err := sd.X509Certificates()
	if err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err)
	}
	if len(certs) != 1 {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "signed object must embed exactly one certificate",
			"certificates", len(certs))
	}
	eeCert, err := si.FindCertificate(certs)
	if err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err,
			"reason", "signer has no matching certificate")
	}

	// Signed attributes: content-type must match the eContentType and
	// message-digest must match the eContent.
	attrType, err := si.GetContentTypeAttribute()
	if err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err,
			"reason", "missing content-type attribute")
	}
	if !attrType.Equal(eContentType) {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "content-type attribute mismatch", "type", attrType.String())
	}
	attrDigest, err := si.GetMessageDigestAttribute()
	if err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err,
			"reason", "missing message-digest attribute")
	}
	digest := sha256.Sum256(content)
	if !bytes.Equal(attrDigest, digest[:]) {
		return nil, serrors.JoinNoStack(ErrCryptoFailure, nil,
			"reason", "message digest mismatch")
	}

	sigInput, err := si.SignedAttrs.MarshaledForVerifying()
	if err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err)
	}
	algo := si.X509SignatureAlgorithm()
	if algo == x509.UnknownSignatureAlgorithm {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "unsupported signature algorithm")
	}
	if err := eeCert.CheckSignature(algo, sigInput, si.Signature); err != nil {
		return nil, serrors.JoinNoStack(ErrCryptoFailure, err,
			"reason", "signed attributes signature check failed")
	}

	ee, err := ParseCertificate(eeCert.Raw)
	if err != nil {
		return nil, err
	}
	if err := ee.ValidateEE(); err != nil {
		return nil, err
	}
	return &SignedObject{
		Raw:         der,
		ContentType: eContentType,
		Content:     content,
		EE:          ee,
		SignerInfo:  si,
	}, nil
}
