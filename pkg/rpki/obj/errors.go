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

import "github.com/relier-rpki/relier/pkg/private/serrors"

// The error kinds of the validation engine. Object-level failures are
// classified by joining one of these sentinels, so callers can dispatch the
// rejection policy with errors.Is.
var (
	// ErrInvalidInput indicates malformed ASN.1, base64 or profile
	// violations.
	ErrInvalidInput = serrors.New("invalid input")
	// ErrCryptoFailure indicates a signature or digest mismatch.
	ErrCryptoFailure = serrors.New("crypto failure")
	// ErrResourceViolation indicates certified resources that are not covered
	// by the issuer, or inherit on a trust anchor.
	ErrResourceViolation = serrors.New("resource violation")
	// ErrStaleObject indicates an object past its validity window; rejection
	// is subject to policy.
	ErrStaleObject = serrors.New("stale object")
	// ErrRevoked indicates a certificate listed on the issuer's CRL.
	ErrRevoked = serrors.New("certificate revoked")
)
