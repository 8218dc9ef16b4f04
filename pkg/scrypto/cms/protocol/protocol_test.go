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

package protocol_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relier-rpki/relier/pkg/scrypto/cms/oid"
	"github.com/relier-rpki/relier/pkg/scrypto/cms/protocol"
)

func selfSignedCert(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	spki, err := x509.MarshalPKIXPublicKey(key.Public())
	require.NoError(t, err)
	skiVal := sha256.Sum256(spki)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		SubjectKeyId: skiVal[:20],
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func TestSignedDataRoundTrip(t *testing.T) {
	t.Parallel()
	cert, key := selfSignedCert(t)
	msg := []byte("hello, world!")

	eci, err := protocol.NewDataEncapsulatedContentInfo(msg)
	require.NoError(t, err)
	sd, err := protocol.NewSignedData(eci)
	require.NoError(t, err)
	require.NoError(t, sd.AddSignerInfo(cert, key))

	der, err := sd.ContentInfoDER()
	require.NoError(t, err)

	ci, err := protocol.ParseContentInfo(der)
	require.NoError(t, err)
	sd2, err := ci.SignedDataContent()
	require.NoError(t, err)
	require.Len(t, sd2.SignerInfos, 1)
	require.True(t, sd2.EncapContentInfo.IsTypeData())

	content, err := sd2.EncapContentInfo.EContentValue()
	require.NoError(t, err)
	assert.Equal(t, msg, content)

	certs, err := sd2.X509Certificates()
	require.NoError(t, err)
	require.Len(t, certs, 1)

	si := sd2.SignerInfos[0]
	found, err := si.FindCertificate(certs)
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, found.Raw)

	ct, err := si.GetContentTypeAttribute()
	require.NoError(t, err)
	assert.True(t, ct.Equal(oid.ContentTypeData))

	md, err := si.GetMessageDigestAttribute()
	require.NoError(t, err)
	digest := sha256.Sum256(msg)
	assert.Equal(t, digest[:], md)

	input, err := si.SignedAttrs.MarshaledForVerifying()
	require.NoError(t, err)
	assert.NoError(t, found.CheckSignature(si.X509SignatureAlgorithm(), input, si.Signature))
}

func TestSignedDataContentWrongType(t *testing.T) {
	t.Parallel()
	eci, err := protocol.NewDataEncapsulatedContentInfo([]byte("x"))
	require.NoError(t, err)
	sd, err := protocol.NewSignedData(eci)
	require.NoError(t, err)
	der, err := sd.ContentInfoDER()
	require.NoError(t, err)
	ci, err := protocol.ParseContentInfo(der)
	require.NoError(t, err)
	ci.ContentType = oid.ContentTypeData
	_, err = ci.SignedDataContent()
	assert.ErrorIs(t, err, protocol.ErrWrongType)
}
