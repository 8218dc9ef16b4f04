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
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relier-rpki/relier/pkg/private/serrors"
)

// TAL is a trust anchor locator: one or more URIs naming the trust anchor
// certificate, plus the DER SubjectPublicKeyInfo the certificate must carry.
type TAL struct {
	// Name is the TAL's name, derived from the file name without extension.
	Name string
	// URIs are the trust anchor certificate locations, in preference order.
	URIs []string
	// SPKI is the DER-encoded subject public key info pinned by the TAL.
	SPKI []byte
}

// ParseTAL parses a trust anchor locator: URIs one per line, a blank line,
// then the base64 encoded SubjectPublicKeyInfo. Comment lines starting with
// '#' before the URI section are permitted.
func ParseTAL(name string, raw []byte) (*TAL, error) {
	lines := strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n")
	tal := &TAL{Name: name}
	i := 0
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			if len(tal.URIs) > 0 {
				return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
					"reason", "comment between URIs")
			}
			continue
		}
		if !strings.HasPrefix(line, "rsync://") {
			return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
				"reason", "unsupported URI scheme", "uri", line)
		}
		tal.URIs = append(tal.URIs, line)
	}
	if len(tal.URIs) == 0 {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "no URIs")
	}
	b64 := strings.Join(lines[i:], "")
	b64 = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, b64)
	if b64 == "" {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil, "reason", "no public key")
	}
	spki, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, serrors.JoinNoStack(ErrInvalidInput, err, "reason", "bad base64")
	}
	tal.SPKI = spki
	return tal, nil
}

// MatchesKey reports whether the given DER SubjectPublicKeyInfo is the one
// pinned by the TAL.
func (t *TAL) MatchesKey(spkiDER []byte) bool {
	return bytes.Equal(t.SPKI, spkiDER)
}

// LoadResult indicates which files were loaded and which were ignored.
type LoadResult struct {
	Loaded  []string
	Ignored map[string]error
}

// LoadTALs loads all *.tal files located in a directory after validating
// each one. Files that fail to parse are recorded in the result and skipped.
// An error is returned only if the directory itself cannot be read or no TAL
// loads at all.
func LoadTALs(dir string) ([]*TAL, LoadResult, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, LoadResult{}, serrors.Wrap("stating directory", err, "dir", dir)
	}
	files, err := filepath.Glob(fmt.Sprintf("%s/*.tal", dir))
	if err != nil {
		return nil, LoadResult{}, serrors.Wrap("searching for TALs", err, "dir", dir)
	}

	res := LoadResult{Ignored: map[string]error{}}
	var tals []*TAL
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			res.Ignored[f] = err
			continue
		}
		name := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		tal, err := ParseTAL(name, raw)
		if err != nil {
			res.Ignored[f] = err
			continue
		}
		tals = append(tals, tal)
		res.Loaded = append(res.Loaded, f)
	}
	if len(tals) == 0 {
		return nil, res, serrors.New("no loadable TAL", "dir", dir)
	}
	return tals, res, nil
}
