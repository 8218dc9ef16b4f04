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

// Package objtest generates RPKI test material in-process: trust anchors,
// CA hierarchies, manifests, CRLs, ROAs and router certificates, plus
// helpers to lay them out as an on-disk repository mirror.
package objtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"math/big"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/relier-rpki/relier/pkg/rpki/obj"
	"github.com/relier-rpki/relier/pkg/rpki/resources"
	"github.com/relier-rpki/relier/pkg/scrypto/cms/protocol"
)

var (
	oidSIACARepository = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 5}
	oidSIARPKIManifest = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 10}
	oidSIASignedObject = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 11}
	oidExtIPResources  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 7}
	oidExtASResources  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 8}
	oidExtSIA          = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 11}
	oidExtEKU          = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidKPBGPsecRouter  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 30}
	oidSHA256          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidMftContent      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 26}
	oidROAContent      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 24}
)

var serialCounter atomic.Int64

func nextSerial() *big.Int {
	return big.NewInt(1000 + serialCounter.Add(1))
}

// SKI computes the RFC 6487 subject key identifier: the SHA-1 digest of the
// subjectPublicKey bit string.
func SKI(pub crypto.PublicKey) []byte {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		panic(err)
	}
	var decoded struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &decoded); err != nil {
		panic(err)
	}
	digest := sha1.Sum(decoded.PublicKey.Bytes)
	return digest[:]
}

// CA is a test certificate authority: its key, certificate, and publication
// point.
type CA struct {
	Name string
	Key  *rsa.PrivateKey
	Cert *x509.Certificate
	// RepoURI is the rsync URI of the CA's publication directory.
	RepoURI string
	// Anchor is the self-signed trust anchor form (set on TAs only).
	Anchor bool

	Now time.Time
}

func newKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

func siaExtension(pairs ...accessDescription) pkix.Extension {
	der, err := asn1.Marshal(pairs)
	if err != nil {
		panic(err)
	}
	return pkix.Extension{Id: oidExtSIA, Value: der}
}

type accessDescription struct {
	Method   asn1.ObjectIdentifier
	Location asn1.RawValue
}

func uriName(uri string) asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 6, Bytes: []byte(uri)}
}

func resourceExtensions(res resources.Resources) []pkix.Extension {
	var exts []pkix.Extension
	if res.Inherits(resources.FamilyIPv4) || res.Inherits(resources.FamilyIPv6) ||
		!res.IPv4.IsEmpty() || !res.IPv6.IsEmpty() {
		der, err := obj.MarshalIPAddrBlocks(res)
		if err != nil {
			panic(err)
		}
		exts = append(exts, pkix.Extension{Id: oidExtIPResources, Critical: true, Value: der})
	}
	if res.Inherits(resources.FamilyAS) || !res.AS.IsEmpty() {
		der, err := obj.MarshalASIdentifiers(res)
		if err != nil {
			panic(err)
		}
		exts = append(exts, pkix.Extension{Id: oidExtASResources, Critical: true, Value: der})
	}
	return exts
}

// NewTA creates a self-signed trust anchor with the given resources,
// publishing under repoURI.
func NewTA(name string, res resources.Resources, repoURI string, now time.Time) *CA {
	key := newKey()
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          SKI(key.Public()),
		ExtraExtensions: append(resourceExtensions(res),
			siaExtension(
				accessDescription{Method: oidSIACARepository, Location: uriName(repoURI)},
				accessDescription{
					Method:   oidSIARPKIManifest,
					Location: uriName(repoURI + "/" + name + ".mft"),
				},
			)),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		panic(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}
	return &CA{Name: name, Key: key, Cert: cert, RepoURI: repoURI, Anchor: true, Now: now}
}

// TAL renders the trust anchor locator for the TA, naming certURI as the
// certificate location.
func (ca *CA) TAL(certURI string) []byte {
	spki, err := x509.MarshalPKIXPublicKey(ca.Key.Public())
	if err != nil {
		panic(err)
	}
	b64 := base64.StdEncoding.EncodeToString(spki)
	var lines []string
	for len(b64) > 64 {
		lines = append(lines, b64[:64])
		b64 = b64[64:]
	}
	lines = append(lines, b64)
	return []byte(certURI + "\n\n" + strings.Join(lines, "\n") + "\n")
}

// NewChildCA creates a CA certificate issued by ca, publishing under
// repoURI. The child's CRL distribution point names the issuer's CRL.
func (ca *CA) NewChildCA(name string, res resources.Resources, repoURI string) *CA {
	key := newKey()
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             ca.Now.Add(-time.Hour),
		NotAfter:              ca.Now.Add(180 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          SKI(key.Public()),
		AuthorityKeyId:        ca.Cert.SubjectKeyId,
		CRLDistributionPoints: []string{ca.CRLURI()},
		IssuingCertificateURL: []string{ca.RepoURI + "/" + ca.Name + ".cer"},
		ExtraExtensions: append(resourceExtensions(res),
			siaExtension(
				accessDescription{Method: oidSIACARepository, Location: uriName(repoURI)},
				accessDescription{
					Method:   oidSIARPKIManifest,
					Location: uriName(repoURI + "/" + name + ".mft"),
				},
			)),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, key.Public(), ca.Key)
	if err != nil {
		panic(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}
	return &CA{Name: name, Key: key, Cert: cert, RepoURI: repoURI, Now: ca.Now}
}

// CRLURI returns the rsync URI of the CA's CRL.
func (ca *CA) CRLURI() string {
	return ca.RepoURI + "/" + ca.Name + ".crl"
}

// ManifestName returns the file name of the CA's manifest.
func (ca *CA) ManifestName() string {
	return ca.Name + ".mft"
}

// newEE creates an end-entity certificate and key for a signed object
// published at objectURI.
func (ca *CA) newEE(res resources.Resources, objectURI string) (*x509.Certificate, *rsa.PrivateKey) {
	key := newKey()
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: filepath.Base(objectURI)},
		NotBefore:             ca.Now.Add(-time.Hour),
		NotAfter:              ca.Now.Add(30 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		SubjectKeyId:          SKI(key.Public()),
		AuthorityKeyId:        ca.Cert.SubjectKeyId,
		CRLDistributionPoints: []string{ca.CRLURI()},
		ExtraExtensions: append(resourceExtensions(res),
			siaExtension(accessDescription{
				Method: oidSIASignedObject, Location: uriName(objectURI),
			})),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, key.Public(), ca.Key)
	if err != nil {
		panic(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}
	return cert, key
}

func signObject(contentType asn1.ObjectIdentifier, content []byte,
	eeCert *x509.Certificate, eeKey *rsa.PrivateKey) []byte {

	eci, err := protocol.NewEncapsulatedContentInfo(contentType, content)
	if err != nil {
		panic(err)
	}
	sd, err := protocol.NewSignedData(eci)
	if err != nil {
		panic(err)
	}
	if err := sd.AddSignerInfo(eeCert, eeKey); err != nil {
		panic(err)
	}
	der, err := sd.ContentInfoDER()
	if err != nil {
		panic(err)
	}
	return der
}

type manifestEncode struct {
	Number      *big.Int
	ThisUpdate  time.Time `asn1:"generalized"`
	NextUpdate  time.Time `asn1:"generalized"`
	FileHashAlg asn1.ObjectIdentifier
	FileList    []fileAndHashEncode
}

type fileAndHashEncode struct {
	File string `asn1:"ia5"`
	Hash asn1.BitString
}

// SignManifest produces a DER-encoded manifest signed object listing the
// given entries.
func (ca *CA) SignManifest(number int64, thisUpdate, nextUpdate time.Time,
	files []obj.FileAndHash) []byte {

	entries := make([]fileAndHashEncode, 0, len(files))
	for _, f := range files {
		entries = append(entries, fileAndHashEncode{
			File: f.File,
			Hash: asn1.BitString{Bytes: f.Hash, BitLength: len(f.Hash) * 8},
		})
	}
	content, err := asn1.Marshal(manifestEncode{
		Number:      big.NewInt(number),
		ThisUpdate:  thisUpdate.UTC().Truncate(time.Second),
		NextUpdate:  nextUpdate.UTC().Truncate(time.Second),
		FileHashAlg: oidSHA256,
		FileList:    entries,
	})
	if err != nil {
		panic(err)
	}
	var eeRes resources.Resources
	eeRes.MarkInherit(resources.FamilyIPv4)
	eeRes.MarkInherit(resources.FamilyIPv6)
	eeRes.MarkInherit(resources.FamilyAS)
	eeCert, eeKey := ca.newEE(eeRes, ca.RepoURI+"/"+ca.ManifestName())
	return signObject(oidMftContent, content, eeCert, eeKey)
}

type roaEncode struct {
	ASID   int64
	Blocks []roaFamilyEncode
}

type roaFamilyEncode struct {
	AddressFamily []byte
	Addresses     []roaAddressEncode
}

type roaAddressEncode struct {
	Address   asn1.BitString
	MaxLength int `asn1:"optional,default:-1"`
}

// ROASpec describes one prefix of a test ROA.
type ROASpec struct {
	Prefix    netip.Prefix
	MaxLength int
}

func bitStringFromPrefix(p netip.Prefix) asn1.BitString {
	p = p.Masked()
	raw := p.Addr().AsSlice()
	n := (p.Bits() + 7) / 8
	return asn1.BitString{Bytes: raw[:n], BitLength: p.Bits()}
}

// SignROA produces a DER-encoded ROA signed object binding asn to the given
// prefixes. The EE certificate certifies exactly the ROA's prefixes and
// inherits AS resources.
func (ca *CA) SignROA(asn uint32, name string, specs []ROASpec) []byte {
	var v4, v6 []roaAddressEncode
	var prefixes4, prefixes6 []netip.Prefix
	for _, s := range specs {
		addr := roaAddressEncode{Address: bitStringFromPrefix(s.Prefix), MaxLength: s.MaxLength}
		if s.MaxLength == s.Prefix.Bits() {
			addr.MaxLength = -1
		}
		if s.Prefix.Addr().Is4() {
			v4 = append(v4, addr)
			prefixes4 = append(prefixes4, s.Prefix)
		} else {
			v6 = append(v6, addr)
			prefixes6 = append(prefixes6, s.Prefix)
		}
	}
	enc := roaEncode{ASID: int64(asn)}
	if len(v4) > 0 {
		enc.Blocks = append(enc.Blocks, roaFamilyEncode{AddressFamily: []byte{0, 1}, Addresses: v4})
	}
	if len(v6) > 0 {
		enc.Blocks = append(enc.Blocks, roaFamilyEncode{AddressFamily: []byte{0, 2}, Addresses: v6})
	}
	content, err := asn1.Marshal(enc)
	if err != nil {
		panic(err)
	}
	eeRes := resources.Resources{
		IPv4: resources.NewIPBlocks(prefixes4),
		IPv6: resources.NewIPBlocks(prefixes6),
	}
	eeRes.MarkInherit(resources.FamilyAS)
	eeCert, eeKey := ca.newEE(eeRes, ca.RepoURI+"/"+name)
	return signObject(oidROAContent, content, eeCert, eeKey)
}

// SignCRL produces a DER-encoded CRL revoking the given serials.
func (ca *CA) SignCRL(revoked []*big.Int) []byte {
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, serial := range revoked {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: ca.Now.Add(-time.Minute),
		})
	}
	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                ca.Now.Add(-time.Hour),
		NextUpdate:                ca.Now.Add(24 * time.Hour),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, ca.Cert, ca.Key)
	if err != nil {
		panic(err)
	}
	return der
}

// NewRouterCert creates a BGPsec router certificate issued by ca for the
// given AS, returning its DER encoding.
func (ca *CA) NewRouterCert(asn uint32, name string) []byte {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	ekuDER, err := asn1.Marshal([]asn1.ObjectIdentifier{oidKPBGPsecRouter})
	if err != nil {
		panic(err)
	}
	res := resources.Resources{AS: resources.SingleAS(asn)}
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             ca.Now.Add(-time.Hour),
		NotAfter:              ca.Now.Add(30 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		SubjectKeyId:          SKI(key.Public()),
		AuthorityKeyId:        ca.Cert.SubjectKeyId,
		CRLDistributionPoints: []string{ca.CRLURI()},
		ExtraExtensions: append(resourceExtensions(res),
			pkix.Extension{Id: oidExtEKU, Value: ekuDER}),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, key.Public(), ca.Key)
	if err != nil {
		panic(err)
	}
	return der
}

// Repo lays test objects out as an on-disk rsync mirror.
type Repo struct {
	Root string
}

// Path maps an rsync URI to the file path under the mirror root.
func (r Repo) Path(uri string) string {
	trimmed := strings.TrimPrefix(uri, "rsync://")
	return filepath.Join(r.Root, filepath.FromSlash(trimmed))
}

// Write stores data at the mirror location of uri.
func (r Repo) Write(uri string, data []byte) {
	path := r.Path(uri)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		panic(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		panic(err)
	}
}

// HashOf computes the manifest hash entry for data.
func HashOf(name string, data []byte) obj.FileAndHash {
	digest := sha256.Sum256(data)
	return obj.FileAndHash{File: name, Hash: digest[:]}
}
