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

// Package protocol implements the Cryptographic Message Syntax (RFC 5652)
// subset needed for RPKI signed objects (RFC 6488): parsing and verifying
// SignedData envelopes, and constructing them for tests.
package protocol

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"time"

	"github.com/relier-rpki/relier/pkg/private/serrors"
	"github.com/relier-rpki/relier/pkg/scrypto/cms/oid"
)

// Errors returned by the protocol package.
var (
	// ErrWrongType indicates a content of an unexpected type.
	ErrWrongType = serrors.New("unexpected content type")
	// ErrNoCertificate indicates that no certificate matches a signer info.
	ErrNoCertificate = serrors.New("no certificate found")
	// ErrUnsupported indicates an algorithm or structure variant outside the
	// supported profile.
	ErrUnsupported = serrors.New("unsupported")
	// ErrTrailingData indicates extra bytes after a DER structure.
	ErrTrailingData = serrors.New("unexpected trailing data")
)

func unmarshalFully(der []byte, val interface{}) error {
	rest, err := asn1.Unmarshal(der, val)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return ErrTrailingData
	}
	return nil
}

// ContentInfo is the top-level CMS structure.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// ParseContentInfo parses a top-level ContentInfo from DER.
func ParseContentInfo(der []byte) (ContentInfo, error) {
	var ci ContentInfo
	if err := unmarshalFully(der, &ci); err != nil {
		return ContentInfo{}, serrors.Wrap("parsing ContentInfo", err)
	}
	return ci, nil
}

// SignedDataContent returns the SignedData content, or ErrWrongType if the
// ContentInfo carries a different content type.
func (ci ContentInfo) SignedDataContent() (*SignedData, error) {
	if !ci.ContentType.Equal(oid.ContentTypeSignedData) {
		return nil, serrors.JoinNoStack(ErrWrongType, nil, "type", ci.ContentType.String())
	}
	sd := &SignedData{}
	if err := unmarshalFully(ci.Content.Bytes, sd); err != nil {
		return nil, serrors.Wrap("parsing SignedData", err)
	}
	return sd, nil
}

// EncapsulatedContentInfo is the content wrapped by a SignedData.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// NewEncapsulatedContentInfo builds an EncapsulatedContentInfo with the
// given content type and payload.
func NewEncapsulatedContentInfo(contentType asn1.ObjectIdentifier,
	content []byte) (EncapsulatedContentInfo, error) {

	octets, err := asn1.Marshal(asn1.RawValue{
		Class: asn1.ClassUniversal,
		Tag:   asn1.TagOctetString,
		Bytes: content,
	})
	if err != nil {
		return EncapsulatedContentInfo{}, err
	}
	return EncapsulatedContentInfo{
		EContentType: contentType,
		EContent: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			Bytes:      octets,
			IsCompound: true,
		},
	}, nil
}

// NewDataEncapsulatedContentInfo builds an EncapsulatedContentInfo of type
// id-data.
func NewDataEncapsulatedContentInfo(data []byte) (EncapsulatedContentInfo, error) {
	return NewEncapsulatedContentInfo(oid.ContentTypeData, data)
}

// IsTypeData reports whether the EContentType is id-data.
func (eci EncapsulatedContentInfo) IsTypeData() bool {
	return eci.EContentType.Equal(oid.ContentTypeData)
}

// EContentValue returns the unwrapped payload octets. Nil is returned if the
// eContent is absent.
func (eci EncapsulatedContentInfo) EContentValue() ([]byte, error) {
	if eci.EContent.Bytes == nil {
		return nil, nil
	}
	var octets asn1.RawValue
	if err := unmarshalFully(eci.EContent.Bytes, &octets); err != nil {
		return nil, serrors.Wrap("parsing eContent", err)
	}
	if octets.Class != asn1.ClassUniversal || octets.Tag != asn1.TagOctetString ||
		octets.IsCompound {
		return nil, serrors.JoinNoStack(ErrUnsupported, nil,
			"reason", "eContent is not a primitive OCTET STRING")
	}
	return octets.Bytes, nil
}

// Attribute is a single signed or unsigned attribute.
type Attribute struct {
	Type asn1.ObjectIdentifier
	// RawValue holds the SET OF values of the attribute. The RPKI profile
	// requires exactly one value per attribute.
	RawValue asn1.RawValue
}

// NewAttribute builds an attribute with a single value.
func NewAttribute(typ asn1.ObjectIdentifier, val interface{}) (Attribute, error) {
	der, err := asn1.Marshal(val)
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{
		Type: typ,
		RawValue: asn1.RawValue{
			Class:      asn1.ClassUniversal,
			Tag:        asn1.TagSet,
			Bytes:      der,
			IsCompound: true,
		},
	}, nil
}

// singleValue returns the attribute's single value, enforcing that the SET
// holds exactly one element.
func (a Attribute) singleValue() (asn1.RawValue, error) {
	var val asn1.RawValue
	rest, err := asn1.Unmarshal(a.RawValue.Bytes, &val)
	if err != nil {
		return asn1.RawValue{}, err
	}
	if len(rest) > 0 {
		return asn1.RawValue{}, serrors.JoinNoStack(ErrUnsupported, nil,
			"reason", "multi-valued attribute")
	}
	return val, nil
}

// Attributes is a set of signed or unsigned attributes.
type Attributes []Attribute

// MarshaledForVerifying DER encodes the attributes as required for signature
// input: as an EXPLICIT SET OF instead of the IMPLICIT [0] used on the wire.
func (attrs Attributes) MarshaledForVerifying() ([]byte, error) {
	seq, err := asn1.Marshal(struct {
		Attributes `asn1:"set"`
	}{attrs})
	if err != nil {
		return nil, err
	}
	// Unwrap the outer SEQUENCE the anonymous struct added.
	var raw asn1.RawValue
	if err := unmarshalFully(seq, &raw); err != nil {
		return nil, err
	}
	return raw.Bytes, nil
}

// GetOnlyAttributeValueBytes returns the single value of the attribute of
// the given type. It is an error if the attribute is absent or occurs more
// than once.
func (attrs Attributes) GetOnlyAttributeValueBytes(
	typ asn1.ObjectIdentifier) (asn1.RawValue, error) {

	var found *Attribute
	for i := range attrs {
		if attrs[i].Type.Equal(typ) {
			if found != nil {
				return asn1.RawValue{}, serrors.JoinNoStack(ErrUnsupported, nil,
					"reason", "duplicate attribute", "type", typ.String())
			}
			found = &attrs[i]
		}
	}
	if found == nil {
		return asn1.RawValue{}, serrors.New("attribute not found", "type", typ.String())
	}
	return found.singleValue()
}

// SignerInfo carries one signature over the encapsulated content.
type SignerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        Attributes `asn1:"set,optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      Attributes `asn1:"set,optional,tag:1"`
}

// subjectKeyIdentifier returns the signer identifier as a subject key
// identifier, the only form allowed by the RPKI profile (version 3).
func (si SignerInfo) subjectKeyIdentifier() ([]byte, error) {
	if si.Version != 3 {
		return nil, serrors.JoinNoStack(ErrUnsupported, nil,
			"reason", "signer identified by issuerAndSerialNumber",
			"version", si.Version)
	}
	if si.SID.Class != asn1.ClassContextSpecific || si.SID.Tag != 0 {
		return nil, serrors.JoinNoStack(ErrUnsupported, nil,
			"reason", "malformed subjectKeyIdentifier SID")
	}
	return si.SID.Bytes, nil
}

// FindCertificate finds this SignerInfo's certificate in a list of
// certificates, matching on the subject key identifier.
func (si SignerInfo) FindCertificate(certs []*x509.Certificate) (*x509.Certificate, error) {
	ski, err := si.subjectKeyIdentifier()
	if err != nil {
		return nil, err
	}
	for _, cert := range certs {
		if len(cert.SubjectKeyId) > 0 && equalBytes(cert.SubjectKeyId, ski) {
			return cert, nil
		}
	}
	return nil, ErrNoCertificate
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Hash resolves the signer's digest algorithm.
func (si SignerInfo) Hash() (crypto.Hash, error) {
	h, ok := oid.DigestAlgorithmToHash(si.DigestAlgorithm.Algorithm)
	if !ok {
		return 0, serrors.JoinNoStack(ErrUnsupported, nil,
			"digest", si.DigestAlgorithm.Algorithm.String())
	}
	return h, nil
}

// X509SignatureAlgorithm resolves the signer's signature algorithm.
func (si SignerInfo) X509SignatureAlgorithm() x509.SignatureAlgorithm {
	return oid.X509SignatureAlgorithm(
		si.DigestAlgorithm.Algorithm, si.SignatureAlgorithm.Algorithm)
}

// GetContentTypeAttribute returns the signed content-type attribute.
func (si SignerInfo) GetContentTypeAttribute() (asn1.ObjectIdentifier, error) {
	rv, err := si.SignedAttrs.GetOnlyAttributeValueBytes(oid.AttributeContentType)
	if err != nil {
		return nil, err
	}
	var typ asn1.ObjectIdentifier
	if err := unmarshalFully(rv.FullBytes, &typ); err != nil {
		return nil, err
	}
	return typ, nil
}

// GetMessageDigestAttribute returns the signed message-digest attribute.
func (si SignerInfo) GetMessageDigestAttribute() ([]byte, error) {
	rv, err := si.SignedAttrs.GetOnlyAttributeValueBytes(oid.AttributeMessageDigest)
	if err != nil {
		return nil, err
	}
	if rv.Class != asn1.ClassUniversal || rv.Tag != asn1.TagOctetString {
		return nil, serrors.JoinNoStack(ErrUnsupported, nil,
			"reason", "message-digest is not an OCTET STRING")
	}
	return rv.Bytes, nil
}

// GetSigningTimeAttribute returns the signed signing-time attribute, or the
// zero time if the attribute is absent.
func (si SignerInfo) GetSigningTimeAttribute() (time.Time, error) {
	var zero time.Time
	has := false
	for _, a := range si.SignedAttrs {
		if a.Type.Equal(oid.AttributeSigningTime) {
			has = true
			break
		}
	}
	if !has {
		return zero, nil
	}
	rv, err := si.SignedAttrs.GetOnlyAttributeValueBytes(oid.AttributeSigningTime)
	if err != nil {
		return zero, err
	}
	var t time.Time
	if err := unmarshalFully(rv.FullBytes, &t); err != nil {
		return zero, err
	}
	return t, nil
}

// SignedData is the CMS signed-data structure.
type SignedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,set,tag:0"`
	CRLs             []asn1.RawValue `asn1:"optional,set,tag:1"`
	SignerInfos      []SignerInfo    `asn1:"set"`
}

// NewSignedData builds a SignedData around the given encapsulated content.
func NewSignedData(eci EncapsulatedContentInfo) (*SignedData, error) {
	return &SignedData{
		Version:          3,
		EncapContentInfo: eci,
	}, nil
}

// X509Certificates parses and returns the certificates carried by the
// SignedData.
func (sd *SignedData) X509Certificates() ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(sd.Certificates))
	for _, raw := range sd.Certificates {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			return nil, serrors.Wrap("parsing SignedData certificate", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// AddDigestAlgorithm adds the algorithm to digestAlgorithms, deduplicating.
func (sd *SignedData) AddDigestAlgorithm(algo pkix.AlgorithmIdentifier) {
	for _, existing := range sd.DigestAlgorithms {
		if existing.Algorithm.Equal(algo.Algorithm) {
			return
		}
	}
	sd.DigestAlgorithms = append(sd.DigestAlgorithms, algo)
}

// AddSignerInfo signs the encapsulated content with the given signer and
// appends the resulting SignerInfo and the signer's certificate. The signer
// is identified by the certificate's subject key identifier. Only SHA-256 is
// used. This is primarily used to produce test objects; validation uses the
// parse path.
func (sd *SignedData) AddSignerInfo(cert *x509.Certificate, signer crypto.Signer) error {
	content, err := sd.EncapContentInfo.EContentValue()
	if err != nil {
		return err
	}
	digest := crypto.SHA256.New()
	digest.Write(content)
	messageDigest := digest.Sum(nil)

	ctAttr, err := NewAttribute(oid.AttributeContentType, sd.EncapContentInfo.EContentType)
	if err != nil {
		return err
	}
	mdAttr, err := NewAttribute(oid.AttributeMessageDigest, messageDigest)
	if err != nil {
		return err
	}
	si := SignerInfo{
		Version: 3,
		SID: asn1.RawValue{
			Class: asn1.ClassContextSpecific,
			Tag:   0,
			Bytes: cert.SubjectKeyId,
		},
		DigestAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oid.DigestAlgorithmSHA256},
		SignedAttrs:     Attributes{ctAttr, mdAttr},
	}
	switch cert.PublicKeyAlgorithm {
	case x509.RSA:
		si.SignatureAlgorithm = pkix.AlgorithmIdentifier{
			Algorithm:  oid.SignatureAlgorithmSHA256WithRSA,
			Parameters: asn1.NullRawValue,
		}
	case x509.ECDSA:
		si.SignatureAlgorithm = pkix.AlgorithmIdentifier{
			Algorithm: oid.SignatureAlgorithmECDSAWithSHA256,
		}
	default:
		return serrors.JoinNoStack(ErrUnsupported, nil,
			"key", cert.PublicKeyAlgorithm.String())
	}

	signedInput, err := si.SignedAttrs.MarshaledForVerifying()
	if err != nil {
		return err
	}
	inputDigest := crypto.SHA256.New()
	inputDigest.Write(signedInput)
	si.Signature, err = signer.Sign(rand.Reader, inputDigest.Sum(nil), crypto.SHA256)
	if err != nil {
		return err
	}

	sd.AddDigestAlgorithm(si.DigestAlgorithm)
	sd.Certificates = append(sd.Certificates, asn1.RawValue{FullBytes: cert.Raw})
	sd.SignerInfos = append(sd.SignerInfos, si)
	return nil
}

// ContentInfoDER encodes the SignedData wrapped in a ContentInfo.
func (sd *SignedData) ContentInfoDER() ([]byte, error) {
	der, err := asn1.Marshal(*sd)
	if err != nil {
		return nil, err
	}
	ci := ContentInfo{
		ContentType: oid.ContentTypeSignedData,
		Content: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			Bytes:      der,
			IsCompound: true,
		},
	}
	return asn1.Marshal(ci)
}
