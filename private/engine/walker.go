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

// Package engine implements the validation engine: the per-TAL depth-first
// walk of the RPKI certificate hierarchy, and the driver that runs walks as
// periodic cycles and commits their output.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path"
	"strings"
	"time"

	"github.com/relier-rpki/relier/pkg/log"
	"github.com/relier-rpki/relier/pkg/private/serrors"
	"github.com/relier-rpki/relier/pkg/rpki/obj"
	"github.com/relier-rpki/relier/pkg/rpki/payload"
	"github.com/relier-rpki/relier/pkg/scrypto"
)

// Stale manifest policies.
const (
	StaleReject = "reject"
	StaleWarn   = "warn"
)

// Ghostbusters record policies.
const (
	GBRIgnore = "ignore"
	GBRParse  = "parse"
)

// Policy holds the configurable rejection policies of a walk.
type Policy struct {
	// StaleManifest selects whether a manifest past nextUpdate is rejected
	// or accepted with a warning.
	StaleManifest string
	// GBR selects whether Ghostbusters records are ignored or parsed and
	// logged.
	GBR string
}

// Fetcher provides local paths for repository URIs, synchronizing the
// containing repository when needed.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (string, error)
}

// Result is the accumulated output of one per-TAL walk.
type Result struct {
	VRPs       []payload.VRP
	RouterKeys []payload.RouterKey

	// Objects counts successfully validated objects, Rejected counts
	// objects or subtrees discarded, Warnings counts accepted objects that
	// produced warnings.
	Objects  int
	Rejected int
	Warnings int
}

func (r *Result) merge(o *Result) {
	r.VRPs = append(r.VRPs, o.VRPs...)
	r.RouterKeys = append(r.RouterKeys, o.RouterKeys...)
	r.Objects += o.Objects
	r.Rejected += o.Rejected
	r.Warnings += o.Warnings
}

// Walker validates the tree rooted at one trust anchor.
type Walker struct {
	// Fetcher maps and synchronizes repository URIs.
	Fetcher Fetcher
	// Policy holds the rejection policies.
	Policy Policy
	// Now anchors all validity window checks of a cycle to one instant. If
	// zero, the wall clock at walk start is used.
	Now time.Time
}

// frame is one level of the walker's stack: a CA certificate with resolved
// resources.
type frame struct {
	cert *obj.Certificate
	crl  *obj.CRL
}

// walk is the per-TAL traversal state. It is created at cycle start, mutated
// only by the walker, and must have an empty stack when the walk finishes.
type walk struct {
	cfg     *Walker
	tal     *obj.TAL
	now     time.Time
	stack   []frame
	onStack map[string]bool
	result  *Result
}

// WalkTAL runs the validation cycle for one trust anchor. Object-level
// failures are scoped to their subtree; a failure of the trust anchor
// certificate or its manifest aborts the walk with an error.
func (w *Walker) WalkTAL(ctx context.Context, tal *obj.TAL) (*Result, error) {
	now := w.Now
	if now.IsZero() {
		now = time.Now()
	}
	ctx, logger := log.WithLabels(ctx, "tal", tal.Name)

	wk := &walk{
		cfg:     w,
		tal:     tal,
		now:     now,
		onStack: map[string]bool{},
		result:  &Result{},
	}
	ta, err := wk.loadTrustAnchor(ctx)
	if err != nil {
		return nil, serrors.Wrap("loading trust anchor", err)
	}

	wk.push(frame{cert: ta})
	err = wk.processCA(ctx)
	wk.pop(ta)
	if len(wk.stack) != 0 || len(wk.onStack) != 0 {
		panic("walker stack not empty at cycle end")
	}
	if err != nil {
		return nil, err
	}
	logger.Debug("Walk finished",
		"objects", wk.result.Objects,
		"rejected", wk.result.Rejected,
		"warnings", wk.result.Warnings)
	return wk.result, nil
}

func (wk *walk) push(f frame) {
	wk.stack = append(wk.stack, f)
	wk.onStack[string(f.cert.SKI)] = true
}

func (wk *walk) pop(cert *obj.Certificate) {
	wk.stack = wk.stack[:len(wk.stack)-1]
	delete(wk.onStack, string(cert.SKI))
}

func (wk *walk) top() *frame {
	return &wk.stack[len(wk.stack)-1]
}

// loadTrustAnchor fetches the TA certificate from the TAL's URIs in order
// and validates it against the pinned key.
func (wk *walk) loadTrustAnchor(ctx context.Context) (*obj.Certificate, error) {
	var errs serrors.List
	for _, uri := range wk.tal.URIs {
		cert, err := wk.loadTAFromURI(ctx, uri)
		if err != nil {
			errs = append(errs, serrors.Wrap("candidate failed", err, "uri", uri))
			continue
		}
		return cert, nil
	}
	return nil, errs.ToError()
}

func (wk *walk) loadTAFromURI(ctx context.Context, uri string) (*obj.Certificate, error) {
	raw, err := wk.readObject(ctx, uri)
	if err != nil {
		return nil, err
	}
	cert, err := obj.ParseCertificate(raw)
	if err != nil {
		return nil, err
	}
	if err := cert.ValidateTrustAnchor(wk.tal); err != nil {
		return nil, err
	}
	if err := cert.ValidAt(wk.now); err != nil {
		return nil, err
	}
	return cert, nil
}

func (wk *walk) readObject(ctx context.Context, uri string) ([]byte, error) {
	localPath, err := wk.cfg.Fetcher.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(localPath)
	if err != nil {
		return nil, serrors.Wrap("reading object", err, "uri", uri)
	}
	return raw, nil
}

// processCA validates the publication point of the CA on top of the stack:
// its manifest, the CRL the manifest lists, and every product in manifest
// order. Products that fail validation are rejected together with their
// subtree while sibling iteration continues.
func (wk *walk) processCA(ctx context.Context) error {
	ca := wk.top().cert
	logger := log.FromCtx(ctx).New("ca", ca.X509.Subject.CommonName)

	mft, err := wk.loadManifest(ctx, ca)
	if err != nil {
		return serrors.Wrap("loading manifest", err, "uri", ca.SIA.RPKIManifest)
	}

	crl, err := wk.loadCRL(ctx, ca, mft)
	if err != nil {
		return serrors.Wrap("loading CRL", err)
	}
	wk.top().crl = crl

	// The manifest EE's revocation can only be checked once the CRL is
	// available.
	if crl.IsRevoked(mft.EE) {
		return serrors.JoinNoStack(obj.ErrRevoked, nil, "object", "manifest EE")
	}

	for _, entry := range mft.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.HasSuffix(entry.File, ".crl") {
			continue
		}
		uri := ca.SIA.CARepository + "/" + entry.File
		if err := wk.processEntry(ctx, uri, entry); err != nil {
			wk.result.Rejected++
			logger.Info("Rejecting object", "uri", uri, "err", err)
		}
	}
	return nil
}

func (wk *walk) loadManifest(ctx context.Context, ca *obj.Certificate) (*obj.Manifest, error) {
	raw, err := wk.readObject(ctx, ca.SIA.RPKIManifest)
	if err != nil {
		return nil, err
	}
	mft, err := obj.ParseManifest(raw)
	if err != nil {
		return nil, err
	}
	if err := wk.verifyEE(mft.EE, ca); err != nil {
		return nil, err
	}
	if err := mft.ValidateWindow(wk.now); err != nil {
		if !(wk.cfg.Policy.StaleManifest == StaleWarn &&
			errors.Is(err, obj.ErrStaleObject)) {
			return nil, err
		}
		wk.result.Warnings++
		log.FromCtx(ctx).Info("Stale manifest accepted by policy",
			"uri", ca.SIA.RPKIManifest, "next_update", mft.NextUpdate)
	}
	return mft, nil
}

// loadCRL locates the CA's CRL on the manifest, checks its digest against
// the manifest entry and verifies it.
func (wk *walk) loadCRL(ctx context.Context, ca *obj.Certificate,
	mft *obj.Manifest) (*obj.CRL, error) {

	var entry obj.FileAndHash
	found := false
	for _, f := range mft.Files {
		if strings.HasSuffix(f.File, ".crl") {
			if found {
				return nil, serrors.JoinNoStack(obj.ErrInvalidInput, nil,
					"reason", "multiple CRLs on manifest")
			}
			entry = f
			found = true
		}
	}
	if !found {
		return nil, serrors.JoinNoStack(obj.ErrInvalidInput, nil,
			"reason", "no CRL on manifest")
	}
	uri := ca.SIA.CARepository + "/" + entry.File
	raw, err := wk.readObject(ctx, uri)
	if err != nil {
		return nil, err
	}
	if err := wk.checkDigest(raw, entry); err != nil {
		return nil, err
	}
	crl, err := obj.ParseCRL(raw)
	if err != nil {
		return nil, err
	}
	if err := crl.Verify(ca, wk.now); err != nil {
		return nil, err
	}
	return crl, nil
}

func (wk *walk) checkDigest(raw []byte, entry obj.FileAndHash) error {
	digest := scrypto.Sum256(raw)
	if !equalDigest(digest, entry.Hash) {
		return serrors.JoinNoStack(obj.ErrCryptoFailure, nil,
			"reason", "manifest digest mismatch",
			"file", entry.File,
			"expected", hex.EncodeToString(entry.Hash),
			"actual", hex.EncodeToString(digest))
	}
	return nil
}

func equalDigest(a, b []byte) bool {
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

// verifyEE checks an embedded end-entity certificate against the issuing CA
// and resolves its inherit resources: chain signature, validity window,
// revocation, and resource containment.
func (wk *walk) verifyEE(ee *obj.Certificate, ca *obj.Certificate) error {
	if err := ee.CheckSignatureFrom(ca); err != nil {
		return err
	}
	if err := ee.ValidAt(wk.now); err != nil {
		return err
	}
	if crl := wk.top().crl; crl != nil && crl.IsRevoked(ee) {
		return serrors.JoinNoStack(obj.ErrRevoked, nil, "serial", ee.X509.SerialNumber)
	}
	ee.Resources.ResolveInherit(ca.Resources)
	if !ca.Resources.Covers(ee.Resources) {
		return serrors.JoinNoStack(obj.ErrResourceViolation, nil,
			"reason", "EE resources exceed issuer")
	}
	return nil
}

// processEntry validates one manifest entry. The error return covers the
// whole subtree rooted at the entry; the caller logs it and continues with
// the next sibling.
func (wk *walk) processEntry(ctx context.Context, uri string, entry obj.FileAndHash) error {
	raw, err := wk.readObject(ctx, uri)
	if err != nil {
		return err
	}
	if err := wk.checkDigest(raw, entry); err != nil {
		return err
	}
	switch path.Ext(entry.File) {
	case ".cer":
		return wk.processChildCA(ctx, raw)
	case ".roa":
		return wk.processROA(raw)
	case ".bgpsec":
		return wk.processRouterCert(raw)
	case ".gbr":
		return wk.processGBR(ctx, uri, raw)
	default:
		wk.result.Warnings++
		log.FromCtx(ctx).Info("Ignoring object of unknown type", "uri", uri)
		return nil
	}
}

// processChildCA validates a subordinate CA certificate and recurses into
// its publication point.
func (wk *walk) processChildCA(ctx context.Context, raw []byte) error {
	parent := wk.top().cert
	cert, err := obj.ParseCertificate(raw)
	if err != nil {
		return err
	}
	if err := cert.ValidateCA(); err != nil {
		return err
	}
	if err := cert.CheckSignatureFrom(parent); err != nil {
		return err
	}
	if err := cert.ValidAt(wk.now); err != nil {
		return err
	}
	if wk.top().crl.IsRevoked(cert) {
		return serrors.JoinNoStack(obj.ErrRevoked, nil, "serial", cert.X509.SerialNumber)
	}
	cert.Resources.ResolveInherit(parent.Resources)
	if !parent.Resources.Covers(cert.Resources) {
		return serrors.JoinNoStack(obj.ErrResourceViolation, nil,
			"reason", "child resources exceed issuer",
			"child", cert.Resources.String())
	}
	// A certificate already on the stack closes a cycle in the hierarchy.
	if wk.onStack[string(cert.SKI)] {
		return serrors.JoinNoStack(obj.ErrInvalidInput, nil,
			"reason", "certificate already on walker stack",
			"ski", hex.EncodeToString(cert.SKI))
	}
	wk.result.Objects++

	wk.push(frame{cert: cert})
	err = wk.processCA(ctx)
	wk.pop(cert)
	return err
}

func (wk *walk) processROA(raw []byte) error {
	roa, err := obj.ParseROA(raw)
	if err != nil {
		return err
	}
	if err := wk.verifyEE(roa.EE, wk.top().cert); err != nil {
		return err
	}
	if err := roa.CheckCoveredBy(roa.EE.Resources); err != nil {
		return err
	}
	wk.result.Objects++
	wk.result.VRPs = append(wk.result.VRPs, roa.Payloads(wk.tal.Name)...)
	return nil
}

func (wk *walk) processRouterCert(raw []byte) error {
	rc, err := obj.ParseRouterCert(raw)
	if err != nil {
		return err
	}
	if err := wk.verifyEE(rc.Cert, wk.top().cert); err != nil {
		return err
	}
	keys, err := rc.Payloads(wk.tal.Name)
	if err != nil {
		return err
	}
	wk.result.Objects++
	wk.result.RouterKeys = append(wk.result.RouterKeys, keys...)
	return nil
}

func (wk *walk) processGBR(ctx context.Context, uri string, raw []byte) error {
	if wk.cfg.Policy.GBR == GBRIgnore {
		return nil
	}
	gbr, err := obj.ParseGhostbusters(raw)
	if err != nil {
		return err
	}
	if err := wk.verifyEE(gbr.EE, wk.top().cert); err != nil {
		return err
	}
	wk.result.Objects++
	log.FromCtx(ctx).Debug("Ghostbusters record", "uri", uri)
	return nil
}
