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

// Package scrypto provides the cryptographic primitives the validation
// engine relies on: message digests, streamed file digests and signature
// verification against a SubjectPublicKeyInfo.
package scrypto

import (
	"crypto"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"io"
	"os"
	"syscall"

	"github.com/relier-rpki/relier/pkg/private/serrors"
)

// ErrUnsupportedAlgorithm indicates a digest or signature algorithm outside
// the supported set.
var ErrUnsupportedAlgorithm = serrors.New("unsupported algorithm")

// OIDDigestAlgorithmSHA256 is the object identifier of SHA-256.
var OIDDigestAlgorithmSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

// Size of a SHA-256 digest in bytes.
const SHA256Size = sha256.Size

// DigestAlgorithmByOID resolves a digest algorithm object identifier.
// SHA-256 is the only algorithm the RPKI profile mandates; everything else
// is rejected with ErrUnsupportedAlgorithm.
func DigestAlgorithmByOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	if oid.Equal(OIDDigestAlgorithmSHA256) {
		return crypto.SHA256, nil
	}
	return 0, serrors.JoinNoStack(ErrUnsupportedAlgorithm, nil, "oid", oid.String())
}

// Sum256 computes the SHA-256 digest of data.
func Sum256(data []byte) []byte {
	digest := sha256.Sum256(data)
	return digest[:]
}

// defaultBlockSize is used when the filesystem does not report a preferred
// I/O size.
const defaultBlockSize = 64 * 1024

// SumFile256 computes the SHA-256 digest of the file at path. The file is
// read in chunks of the filesystem's preferred block size so that digesting
// large repository objects does not buffer them whole.
func SumFile256(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, serrors.Wrap("opening file", err, "file", path)
	}
	defer f.Close()

	blockSize := defaultBlockSize
	if fi, err := f.Stat(); err == nil {
		if st, ok := fi.Sys().(*syscall.Stat_t); ok && st.Blksize > 0 {
			blockSize = int(st.Blksize)
		}
	}

	h := sha256.New()
	buf := make([]byte, blockSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, serrors.Wrap("reading file", err, "file", path)
		}
	}
	return h.Sum(nil), nil
}
