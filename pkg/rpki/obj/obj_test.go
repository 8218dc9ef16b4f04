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

package obj_test

import (
	"math/big"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relier-rpki/relier/pkg/rpki/obj"
	"github.com/relier-rpki/relier/pkg/rpki/obj/objtest"
	"github.com/relier-rpki/relier/pkg/rpki/resources"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func taResources(t *testing.T) resources.Resources {
	t.Helper()
	as, err := resources.NewASBlocks([]resources.ASRange{{Lo: 64500, Hi: 64600}})
	require.NoError(t, err)
	return resources.Resources{
		IPv4: resources.NewIPBlocks([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}),
		IPv6: resources.NewIPBlocks([]netip.Prefix{netip.MustParsePrefix("2001:db8::/32")}),
		AS:   as,
	}
}

func TestParseTAL(t *testing.T) {
	t.Parallel()
	ta := objtest.NewTA("ta", taResources(t), "rsync://example.org/repo/ta", testNow)
	raw := ta.TAL("rsync://example.org/repo/ta.cer")

	tal, err := obj.ParseTAL("ta", raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"rsync://example.org/repo/ta.cer"}, tal.URIs)
	assert.True(t, tal.MatchesKey(ta.Cert.RawSubjectPublicKeyInfo))

	_, err = obj.ParseTAL("bad", []byte("https://example.org/ta.cer\n\nQUJD\n"))
	assert.ErrorIs(t, err, obj.ErrInvalidInput)
	_, err = obj.ParseTAL("bad", []byte("rsync://example.org/ta.cer\n\n!!!\n"))
	assert.ErrorIs(t, err, obj.ErrInvalidInput)
	_, err = obj.ParseTAL("bad", []byte("\n\nQUJD\n"))
	assert.ErrorIs(t, err, obj.ErrInvalidInput)
}

func TestParseCertificateTA(t *testing.T) {
	t.Parallel()
	res := taResources(t)
	ta := objtest.NewTA("ta", res, "rsync://example.org/repo/ta", testNow)

	cert, err := obj.ParseCertificate(ta.Cert.Raw)
	require.NoError(t, err)
	assert.True(t, cert.IsCA)
	assert.Equal(t, "rsync://example.org/repo/ta", cert.SIA.CARepository)
	assert.Equal(t, "rsync://example.org/repo/ta/ta.mft", cert.SIA.RPKIManifest)
	assert.True(t, cert.Resources.IPv4.Equal(res.IPv4))
	assert.True(t, cert.Resources.AS.Equal(res.AS))

	tal, err := obj.ParseTAL("ta", ta.TAL("rsync://example.org/repo/ta.cer"))
	require.NoError(t, err)
	assert.NoError(t, cert.ValidateTrustAnchor(tal))
	assert.NoError(t, cert.ValidAt(testNow))
	assert.Error(t, cert.ValidAt(testNow.Add(400*24*time.Hour)))
}

func TestTrustAnchorKeyMismatch(t *testing.T) {
	t.Parallel()
	ta := objtest.NewTA("ta", taResources(t), "rsync://example.org/repo/ta", testNow)
	other := objtest.NewTA("other", taResources(t), "rsync://example.org/repo/other", testNow)

	cert, err := obj.ParseCertificate(ta.Cert.Raw)
	require.NoError(t, err)
	tal, err := obj.ParseTAL("other", other.TAL("rsync://example.org/repo/other.cer"))
	require.NoError(t, err)
	assert.ErrorIs(t, cert.ValidateTrustAnchor(tal), obj.ErrCryptoFailure)
}

func TestTrustAnchorInheritRejected(t *testing.T) {
	t.Parallel()
	var res resources.Resources
	res.MarkInherit(resources.FamilyIPv4)
	res.AS = resources.SingleAS(64500)
	ta := objtest.NewTA("ta", res, "rsync://example.org/repo/ta", testNow)

	cert, err := obj.ParseCertificate(ta.Cert.Raw)
	require.NoError(t, err)
	tal, err := obj.ParseTAL("ta", ta.TAL("rsync://example.org/repo/ta.cer"))
	require.NoError(t, err)
	assert.ErrorIs(t, cert.ValidateTrustAnchor(tal), obj.ErrResourceViolation)
}

func TestChildChainStep(t *testing.T) {
	t.Parallel()
	ta := objtest.NewTA("ta", taResources(t), "rsync://example.org/repo/ta", testNow)
	childRes := resources.Resources{
		IPv4: resources.NewIPBlocks([]netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")}),
	}
	child := ta.NewChildCA("child", childRes, "rsync://example.org/repo/child")

	parent, err := obj.ParseCertificate(ta.Cert.Raw)
	require.NoError(t, err)
	cert, err := obj.ParseCertificate(child.Cert.Raw)
	require.NoError(t, err)
	require.NoError(t, cert.ValidateCA())
	assert.NoError(t, cert.CheckSignatureFrom(parent))
	assert.Equal(t, ta.CRLURI(), cert.CRLDP)

	// A certificate signed by an unrelated key fails the chain step.
	other := objtest.NewTA("other", taResources(t), "rsync://example.org/repo/other", testNow)
	unrelated, err := obj.ParseCertificate(other.Cert.Raw)
	require.NoError(t, err)
	assert.ErrorIs(t, cert.CheckSignatureFrom(unrelated), obj.ErrCryptoFailure)
}

func TestInheritResolution(t *testing.T) {
	t.Parallel()
	ta := objtest.NewTA("ta", taResources(t), "rsync://example.org/repo/ta", testNow)
	var childRes resources.Resources
	childRes.MarkInherit(resources.FamilyIPv4)
	childRes.MarkInherit(resources.FamilyIPv6)
	childRes.MarkInherit(resources.FamilyAS)
	child := ta.NewChildCA("child", childRes, "rsync://example.org/repo/child")

	parent, err := obj.ParseCertificate(ta.Cert.Raw)
	require.NoError(t, err)
	cert, err := obj.ParseCertificate(child.Cert.Raw)
	require.NoError(t, err)
	assert.True(t, cert.Resources.AnyInherit())
	cert.Resources.ResolveInherit(parent.Resources)
	assert.True(t, cert.Resources.Equal(parent.Resources))
}

func TestParseManifest(t *testing.T) {
	t.Parallel()
	ta := objtest.NewTA("ta", taResources(t), "rsync://example.org/repo/ta", testNow)
	entry := objtest.HashOf("x.roa", []byte("payload"))
	der := ta.SignManifest(7, testNow.Add(-time.Hour), testNow.Add(24*time.Hour),
		[]obj.FileAndHash{entry})

	mft, err := obj.ParseManifest(der)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7), mft.Number)
	require.Len(t, mft.Files, 1)
	assert.Equal(t, "x.roa", mft.Files[0].File)
	assert.NoError(t, mft.ValidateWindow(testNow))

	got, ok := mft.Entry("x.roa")
	assert.True(t, ok)
	assert.Equal(t, entry.Hash, got.Hash)
	_, ok = mft.Entry("missing.roa")
	assert.False(t, ok)
}

func TestManifestStaleWindow(t *testing.T) {
	t.Parallel()
	ta := objtest.NewTA("ta", taResources(t), "rsync://example.org/repo/ta", testNow)
	der := ta.SignManifest(1, testNow.Add(-48*time.Hour), testNow.Add(-24*time.Hour), nil)

	mft, err := obj.ParseManifest(der)
	require.NoError(t, err)
	assert.ErrorIs(t, mft.ValidateWindow(testNow), obj.ErrStaleObject)
}

func TestManifestRejectsPathSeparators(t *testing.T) {
	t.Parallel()
	ta := objtest.NewTA("ta", taResources(t), "rsync://example.org/repo/ta", testNow)
	entry := objtest.HashOf("../escape.roa", []byte("payload"))
	der := ta.SignManifest(1, testNow.Add(-time.Hour), testNow.Add(24*time.Hour),
		[]obj.FileAndHash{entry})

	_, err := obj.ParseManifest(der)
	assert.ErrorIs(t, err, obj.ErrInvalidInput)
}

func TestParseROA(t *testing.T) {
	t.Parallel()
	ta := objtest.NewTA("ta", taResources(t), "rsync://example.org/repo/ta", testNow)
	der := ta.SignROA(64501, "r.roa", []objtest.ROASpec{
		{Prefix: netip.MustParsePrefix("10.0.0.0/24"), MaxLength: 24},
		{Prefix: netip.MustParsePrefix("2001:db8::/48"), MaxLength: 64},
	})

	roa, err := obj.ParseROA(der)
	require.NoError(t, err)
	assert.Equal(t, uint32(64501), roa.ASN)
	require.Len(t, roa.Prefixes, 2)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), roa.Prefixes[0].Prefix)
	assert.Equal(t, uint8(24), roa.Prefixes[0].MaxLength)
	assert.Equal(t, uint8(64), roa.Prefixes[1].MaxLength)

	vrps := roa.Payloads("ta")
	require.Len(t, vrps, 2)
	assert.Equal(t, "ta", vrps[0].TrustAnchor)

	// The EE certifies exactly the ROA prefixes.
	eeRes := roa.EE.Resources
	eeRes.ResolveInherit(taResources(t))
	assert.NoError(t, roa.CheckCoveredBy(eeRes))

	narrow := resources.Resources{
		IPv4: resources.NewIPBlocks([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/25")}),
	}
	assert.ErrorIs(t, roa.CheckCoveredBy(narrow), obj.ErrResourceViolation)
}

func TestParseCRLAndRevocation(t *testing.T) {
	t.Parallel()
	ta := objtest.NewTA("ta", taResources(t), "rsync://example.org/repo/ta", testNow)
	child := ta.NewChildCA("child", resources.Resources{
		IPv4: resources.NewIPBlocks([]netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")}),
	}, "rsync://example.org/repo/child")

	der := ta.SignCRL([]*big.Int{child.Cert.SerialNumber})
	crl, err := obj.ParseCRL(der)
	require.NoError(t, err)

	issuer, err := obj.ParseCertificate(ta.Cert.Raw)
	require.NoError(t, err)
	assert.NoError(t, crl.Verify(issuer, testNow))

	childCert, err := obj.ParseCertificate(child.Cert.Raw)
	require.NoError(t, err)
	assert.True(t, crl.IsRevoked(childCert))
	assert.False(t, crl.IsRevoked(issuer))

	// Signed by someone else.
	other := objtest.NewTA("other", taResources(t), "rsync://example.org/repo/other", testNow)
	otherCert, err := obj.ParseCertificate(other.Cert.Raw)
	require.NoError(t, err)
	assert.ErrorIs(t, crl.Verify(otherCert, testNow), obj.ErrCryptoFailure)
}

func TestParseRouterCert(t *testing.T) {
	t.Parallel()
	ta := objtest.NewTA("ta", taResources(t), "rsync://example.org/repo/ta", testNow)
	der := ta.NewRouterCert(64502, "router")

	rc, err := obj.ParseRouterCert(der)
	require.NoError(t, err)
	keys, err := rc.Payloads("ta")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, uint32(64502), keys[0].ASN)
	assert.Equal(t, rc.Cert.X509.RawSubjectPublicKeyInfo, keys[0].SPKI)

	// A plain CA certificate is not a router certificate.
	_, err = obj.ParseRouterCert(ta.Cert.Raw)
	assert.ErrorIs(t, err, obj.ErrInvalidInput)
}

func TestGhostbustersRejectsNonVCard(t *testing.T) {
	t.Parallel()
	ta := objtest.NewTA("ta", taResources(t), "rsync://example.org/repo/ta", testNow)
	// A ROA object is not a Ghostbusters record.
	der := ta.SignROA(64501, "r.roa", []objtest.ROASpec{
		{Prefix: netip.MustParsePrefix("10.0.0.0/24"), MaxLength: 24},
	})
	_, err := obj.ParseGhostbusters(der)
	assert.ErrorIs(t, err, obj.ErrInvalidInput)
}

func TestResourceExtensionRoundTrip(t *testing.T) {
	t.Parallel()
	as, err := resources.NewASBlocks([]resources.ASRange{
		{Lo: 64500, Hi: 64501}, {Lo: 65000, Hi: 65100},
	})
	require.NoError(t, err)
	res := resources.Resources{
		IPv4: resources.NewIPBlocks([]netip.Prefix{
			netip.MustParsePrefix("10.0.0.0/8"),
			netip.MustParsePrefix("192.0.2.0/24"),
		}),
		IPv6: resources.NewIPBlocks([]netip.Prefix{netip.MustParsePrefix("2001:db8::/32")}),
		AS:   as,
	}
	ta := objtest.NewTA("ta", res, "rsync://example.org/repo/ta", testNow)
	cert, err := obj.ParseCertificate(ta.Cert.Raw)
	require.NoError(t, err)
	assert.True(t, cert.Resources.Equal(res))
}
