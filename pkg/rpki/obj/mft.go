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
	"encoding/asn1"
	"math/big"
	"strings"
	"time"

	"github.com/relier-rpki/relier/pkg/private/serrors"
	"github.com/relier-rpki/relier/pkg/scrypto"
)

// FileAndHash is one manifest entry: a sibling file name and its SHA-256
// digest.
type FileAndHash struct {
	File string
	Hash []byte
}

// Manifest is a parsed RPKI manifest (RFC 6486): the signed listing of the
// files a CA publishes.
type Manifest struct {
	EE         *Certificate
	Number     *big.Int
	ThisUpdate time.Time
	NextUpdate time.Time
	Files      []FileAndHash
}

type manifestContent struct {
	Version     int `asn1:"optional,explicit,tag:0,default:0"`
	Number      *big.Int
	ThisUpdate  time.Time `asn1:"generalized"`
	NextUpdate  time.Time `asn1:"generalized"`
	FileHashAlg asn1.ObjectIdentifier
	FileList    []fileAndHashASN
}

type fileAndHashASN struct {
	File string `asn1:"ia5"`
	Hash asn1.BitString
}

// ParseManifest parses a manifest signed object and checks the profile
// constraints on its content. The thisUpdate/nextUpdate window is checked
// separately via ValidateWindow since rejection of stale manifests is
// policy-dependent.
func ParseManifest(der []byte) (*Manifest, error) {
	so, err := ParseSignedObject(der, OIDContentTypeManifest)
	if err != nil {
		return nil, err
	}
	var content manifestContent
	rest, err := asn1.Unmarshal(so.Content, &content)
	if err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err, "reason", "parsing manifest content")
	}
	if len(rest) > 0 {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "trailing manifest data")
	}
	if content.Version != 0 {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "unsupported manifest version", "version", content.Version)
	}
	if _, err := scrypto.DigestAlgorithmByOID(content.FileHashAlg); err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err,
			"reason", "unsupported file hash algorithm")
	}
	if content.Number == nil || content.Number.Sign() < 0 {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "invalid manifest number")
	}
	if !content.ThisUpdate.Before(content.NextUpdate) {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "thisUpdate not before nextUpdate")
	}

	mft := &Manifest{
		EE:         so.EE,
		Number:     content.Number,
		ThisUpdate: content.ThisUpdate,
		NextUpdate: content.NextUpdate,
		Files:      make([]FileAndHash, 0, len(content.FileList)),
	}
	for _, f := range content.FileList {
		if !validManifestFileName(f.File) {
			return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
				"reason", "invalid manifest file name", "file", f.File)
		}
		if f.Hash.BitLength != scrypto.SHA256Size*8 {
			return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
				"reason", "manifest hash has wrong length", "file", f.File)
		}
		mft.Files = append(mft.Files, FileAndHash{File: f.File, Hash: f.Hash.Bytes})
	}
	return mft, nil
}

// validManifestFileName rejects path separators and relative components.
// Manifest entries name sibling files only.
func validManifestFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\") {
		return false
	}
	return true
}

// ValidateWindow checks thisUpdate <= now < nextUpdate. A manifest past its
// nextUpdate returns ErrStaleObject, which the caller downgrades to a
// warning under the lax policy.
func (m *Manifest) ValidateWindow(now time.Time) error {
	if now.Before(m.ThisUpdate) {
		return serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "manifest thisUpdate in the future", "this_update", m.ThisUpdate)
	}
	if !now.Before(m.NextUpdate) {
		return serrors.JoinNoStack(ErrStaleObject, nil,
			"reason", "manifest past nextUpdate", "next_update", m.NextUpdate)
	}
	return nil
}

// Entry returns the manifest entry for the given file name.
func (m *Manifest) Entry(file string) (FileAndHash, bool) {
	for _, f := range m.Files {
		if f.File == file {
			return f, true
		}
	}
	return FileAndHash{}, false
}
