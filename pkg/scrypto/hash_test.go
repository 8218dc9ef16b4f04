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

package scrypto_test

import (
	"bytes"
	"crypto"
	"encoding/asn1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relier-rpki/relier/pkg/scrypto"
)

func TestDigestAlgorithmByOID(t *testing.T) {
	t.Parallel()
	h, err := scrypto.DigestAlgorithmByOID(scrypto.OIDDigestAlgorithmSHA256)
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA256, h)

	// SHA-1 is not acceptable for object digests.
	_, err = scrypto.DigestAlgorithmByOID(asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26})
	assert.ErrorIs(t, err, scrypto.ErrUnsupportedAlgorithm)
}

func TestSumFileMatchesSum(t *testing.T) {
	t.Parallel()
	// Larger than any plausible filesystem block size, so the streamed path
	// takes multiple reads.
	data := bytes.Repeat([]byte("relier"), 100_000)
	path := filepath.Join(t.TempDir(), "object.roa")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	want := scrypto.Sum256(data)
	got, err := scrypto.SumFile256(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSumFileMissing(t *testing.T) {
	t.Parallel()
	_, err := scrypto.SumFile256(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
