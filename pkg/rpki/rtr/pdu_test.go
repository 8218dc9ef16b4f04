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

package rtr_test

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relier-rpki/relier/pkg/rpki/payload"
	"github.com/relier-rpki/relier/pkg/rpki/rtr"
)

func TestPDURoundTrip(t *testing.T) {
	t.Parallel()
	pdus := []rtr.PDU{
		rtr.SerialNotify{Version: rtr.Version1, SessionID: 42, Serial: 7},
		rtr.SerialQuery{Version: rtr.Version0, SessionID: 42, Serial: 3},
		rtr.ResetQuery{Version: rtr.Version1},
		rtr.CacheResponse{Version: rtr.Version1, SessionID: 42},
		rtr.IPv4Prefix{
			Version: rtr.Version1, Flags: rtr.FlagAnnounce,
			PrefixLen: 24, MaxLen: 24,
			Prefix: [4]byte{10, 0, 0, 0}, ASN: 64501,
		},
		rtr.IPv6Prefix{
			Version: rtr.Version1, Flags: rtr.FlagWithdraw,
			PrefixLen: 48, MaxLen: 64,
			Prefix: [16]byte{0x20, 0x01, 0x0d, 0xb8}, ASN: 64502,
		},
		rtr.EndOfData{
			Version: rtr.Version1, SessionID: 42, Serial: 7,
			Refresh: 3600, Retry: 600, Expire: 7200,
		},
		rtr.EndOfData{Version: rtr.Version0, SessionID: 42, Serial: 7},
		rtr.CacheReset{Version: rtr.Version0},
		rtr.RouterKey{
			Version: rtr.Version1, Flags: rtr.FlagAnnounce,
			SKI: [20]byte{1, 2, 3}, ASN: 64503, SPKI: []byte{4, 5, 6, 7},
		},
		rtr.ErrorReport{
			Version: rtr.Version1, Code: rtr.ErrCorruptData,
			PDU: []byte{0, 1, 2}, Text: "broken",
		},
	}
	for _, p := range pdus {
		raw := p.Marshal()
		parsed, err := rtr.Parse(raw)
		require.NoError(t, err, "pdu %T", p)
		assert.Equal(t, p, parsed)

		got, _, err := rtr.ReadPDU(bytes.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	}
}

func TestVRPPDURoundTrip(t *testing.T) {
	t.Parallel()
	vrps := []payload.VRP{
		{ASN: 64501, Prefix: netip.MustParsePrefix("10.0.0.0/24"), MaxLength: 24},
		{ASN: 64502, Prefix: netip.MustParsePrefix("192.0.2.0/24"), MaxLength: 28},
		{ASN: 64503, Prefix: netip.MustParsePrefix("2001:db8::/32"), MaxLength: 48},
	}
	seen := map[payload.ServedKey]bool{}
	for _, vrp := range vrps {
		p := rtr.PrefixPDU(rtr.Version1, rtr.FlagAnnounce, vrp)
		parsed, err := rtr.Parse(p.Marshal())
		require.NoError(t, err)
		got, flags, ok := rtr.VRPFromPDU(parsed)
		require.True(t, ok)
		assert.Equal(t, rtr.FlagAnnounce, flags)
		seen[got.ServedKey()] = true
	}
	for _, vrp := range vrps {
		assert.True(t, seen[vrp.ServedKey()])
	}
}

func TestParseHeaderLimits(t *testing.T) {
	t.Parallel()
	// Oversized length field.
	b := make([]byte, rtr.HeaderLen)
	b[0] = rtr.Version1
	b[1] = rtr.TypeResetQuery
	binary.BigEndian.PutUint32(b[4:8], rtr.MaxPDULen+1)
	_, err := rtr.ParseHeader(b)
	assert.ErrorIs(t, err, rtr.ErrPDUTooLarge)

	// Length below the header size.
	binary.BigEndian.PutUint32(b[4:8], 4)
	_, err = rtr.ParseHeader(b)
	assert.ErrorIs(t, err, rtr.ErrMalformed)

	// Short buffer.
	_, err = rtr.ParseHeader(b[:4])
	assert.ErrorIs(t, err, rtr.ErrMalformed)
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()
	// Truncated serial query body.
	q := rtr.SerialQuery{Version: rtr.Version1, SessionID: 1, Serial: 2}.Marshal()
	q = q[:rtr.HeaderLen+2]
	binary.BigEndian.PutUint32(q[4:8], uint32(len(q)))
	_, err := rtr.Parse(q)
	assert.ErrorIs(t, err, rtr.ErrMalformed)

	// Router key in version 0.
	rk := rtr.RouterKey{Version: rtr.Version0, Flags: rtr.FlagAnnounce, ASN: 1}.Marshal()
	_, err = rtr.Parse(rk)
	assert.ErrorIs(t, err, rtr.ErrMalformed)

	// Inverted prefix lengths.
	p := rtr.IPv4Prefix{
		Version: rtr.Version1, Flags: rtr.FlagAnnounce,
		PrefixLen: 24, MaxLen: 16, Prefix: [4]byte{10, 0, 0, 0}, ASN: 1,
	}
	_, err = rtr.Parse(p.Marshal())
	assert.ErrorIs(t, err, rtr.ErrMalformed)
}
