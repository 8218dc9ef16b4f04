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
	"strings"

	"github.com/relier-rpki/relier/pkg/private/serrors"
)

// Ghostbusters is a parsed Ghostbusters record (RFC 6493). The vCard payload
// is carried verbatim; it contributes no routing payloads.
type Ghostbusters struct {
	EE    *Certificate
	VCard string
}

// ParseGhostbusters parses a Ghostbusters signed object and checks that the
// payload is a vCard.
func ParseGhostbusters(der []byte) (*Ghostbusters, error) {
	so, err := ParseSignedObject(der, OIDContentTypeGBR)
	if err != nil {
		return nil, err
	}
	vcard := string(so.Content)
	if !strings.HasPrefix(vcard, "BEGIN:VCARD") {
		return nil, serrors.JoinNoStack(ErrInvalidInput, nil,
			"reason", "Ghostbusters payload is not a vCard")
	}
	return &Ghostbusters{EE: so.EE, VCard: vcard}, nil
}
