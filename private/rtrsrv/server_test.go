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

package rtrsrv_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/relier-rpki/relier/pkg/rpki/payload"
	"github.com/relier-rpki/relier/pkg/rpki/rtr"
	"github.com/relier-rpki/relier/private/rtrsrv"
	"github.com/relier-rpki/relier/private/vrpdb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func vrp(asn uint32, prefix string, maxLen uint8) payload.VRP {
	return payload.VRP{
		ASN:         asn,
		Prefix:      netip.MustParsePrefix(prefix),
		MaxLength:   maxLen,
		TrustAnchor: "ta",
	}
}

type testEnv struct {
	db  *vrpdb.DB
	srv *rtrsrv.Server
}

func startServer(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}
	env.db = vrpdb.New(vrpdb.Config{
		Retain:    2,
		SessionID: 42,
		OnCommit:  func(serial uint32) { env.srv.NotifySerial(serial) },
	})
	env.srv = rtrsrv.New(rtrsrv.Config{
		Address:           "127.0.0.1:0",
		DB:                env.db,
		Refresh:           3600,
		Retry:             600,
		Expire:            7200,
		IdleTimeout:       5 * time.Second,
		NotifyMinInterval: time.Millisecond,
		DrainGrace:        time.Second,
	})
	errCh := make(chan error, 1)
	go func() {
		errCh <- env.srv.Run(context.Background())
	}()
	require.Eventually(t, func() bool { return env.srv.ListenAddr() != nil },
		time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		require.NoError(t, env.srv.Close())
		require.NoError(t, <-errCh)
	})
	return env
}

func dial(t *testing.T, env *testEnv) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", env.srv.ListenAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, p rtr.PDU) {
	t.Helper()
	_, err := conn.Write(p.Marshal())
	require.NoError(t, err)
}

func recv(t *testing.T, conn net.Conn) rtr.PDU {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	raw, _, err := rtr.ReadPDU(conn)
	require.NoError(t, err)
	p, err := rtr.Parse(raw)
	require.NoError(t, err)
	return p
}

func TestResetQueryStreamsSnapshot(t *testing.T) {
	env := startServer(t)
	env.db.Commit([]payload.VRP{
		vrp(64501, "10.0.0.0/24", 24),
		vrp(64502, "2001:db8::/32", 48),
	}, []payload.RouterKey{
		{ASN: 64503, SKI: [20]byte{9}, SPKI: []byte{1, 2}, TrustAnchor: "ta"},
	})

	conn := dial(t, env)
	send(t, conn, rtr.ResetQuery{Version: rtr.Version1})

	cr, ok := recv(t, conn).(rtr.CacheResponse)
	require.True(t, ok)
	assert.Equal(t, uint16(42), cr.SessionID)

	var vrps, keys int
	for {
		p := recv(t, conn)
		if eod, done := p.(rtr.EndOfData); done {
			assert.Equal(t, uint32(1), eod.Serial)
			assert.Equal(t, uint32(3600), eod.Refresh)
			assert.Equal(t, uint32(600), eod.Retry)
			assert.Equal(t, uint32(7200), eod.Expire)
			break
		}
		switch p.(type) {
		case rtr.IPv4Prefix, rtr.IPv6Prefix:
			vrps++
		case rtr.RouterKey:
			keys++
		default:
			t.Fatalf("unexpected pdu %T", p)
		}
	}
	assert.Equal(t, 2, vrps)
	assert.Equal(t, 1, keys)
}

func TestVersion0OmitsRouterKeys(t *testing.T) {
	env := startServer(t)
	env.db.Commit([]payload.VRP{vrp(64501, "10.0.0.0/24", 24)}, []payload.RouterKey{
		{ASN: 64503, SKI: [20]byte{9}, SPKI: []byte{1, 2}, TrustAnchor: "ta"},
	})

	conn := dial(t, env)
	send(t, conn, rtr.ResetQuery{Version: rtr.Version0})
	_, ok := recv(t, conn).(rtr.CacheResponse)
	require.True(t, ok)
	_, ok = recv(t, conn).(rtr.IPv4Prefix)
	require.True(t, ok)
	eod, ok := recv(t, conn).(rtr.EndOfData)
	require.True(t, ok)
	assert.Equal(t, rtr.Version0, eod.Version)
}

func TestSerialQueryStreamsDeltas(t *testing.T) {
	env := startServer(t)
	env.db.Commit([]payload.VRP{vrp(64501, "10.0.0.0/24", 24)}, nil)
	env.db.Commit([]payload.VRP{vrp(64502, "10.1.0.0/24", 24)}, nil)

	conn := dial(t, env)
	send(t, conn, rtr.SerialQuery{Version: rtr.Version1, SessionID: 42, Serial: 1})

	_, ok := recv(t, conn).(rtr.CacheResponse)
	require.True(t, ok)

	var announced, withdrawn int
	for {
		p := recv(t, conn)
		if eod, done := p.(rtr.EndOfData); done {
			assert.Equal(t, uint32(2), eod.Serial)
			break
		}
		prefix, ok := p.(rtr.IPv4Prefix)
		require.True(t, ok)
		if prefix.Flags == rtr.FlagAnnounce {
			announced++
		} else {
			withdrawn++
		}
	}
	assert.Equal(t, 1, announced)
	assert.Equal(t, 1, withdrawn)
}

func TestSerialQueryOutsideHistoryGetsCacheReset(t *testing.T) {
	env := startServer(t)
	env.db.Commit([]payload.VRP{vrp(64501, "10.0.0.0/24", 24)}, nil)
	env.db.Commit([]payload.VRP{vrp(64502, "10.1.0.0/24", 24)}, nil)
	env.db.Commit([]payload.VRP{vrp(64503, "10.2.0.0/24", 24)}, nil)

	// With retention 2, serial 1 is out of the window.
	conn := dial(t, env)
	send(t, conn, rtr.SerialQuery{Version: rtr.Version1, SessionID: 42, Serial: 1})
	_, ok := recv(t, conn).(rtr.CacheReset)
	assert.True(t, ok)
}

func TestSessionIDMismatchIsCorruptData(t *testing.T) {
	env := startServer(t)
	env.db.Commit([]payload.VRP{vrp(64501, "10.0.0.0/24", 24)}, nil)

	conn := dial(t, env)
	send(t, conn, rtr.SerialQuery{Version: rtr.Version1, SessionID: 7, Serial: 1})
	report, ok := recv(t, conn).(rtr.ErrorReport)
	require.True(t, ok)
	assert.Equal(t, rtr.ErrCorruptData, report.Code)
}

func TestNoDataAvailableKeepsSessionOpen(t *testing.T) {
	env := startServer(t)

	conn := dial(t, env)
	send(t, conn, rtr.ResetQuery{Version: rtr.Version1})
	report, ok := recv(t, conn).(rtr.ErrorReport)
	require.True(t, ok)
	assert.Equal(t, rtr.ErrNoDataAvailable, report.Code)

	// After data arrives the same session serves it.
	env.db.Commit([]payload.VRP{vrp(64501, "10.0.0.0/24", 24)}, nil)
	// Consume the serial notify triggered by the commit first.
	p := recv(t, conn)
	_, isNotify := p.(rtr.SerialNotify)
	require.True(t, isNotify)

	send(t, conn, rtr.ResetQuery{Version: rtr.Version1})
	_, ok = recv(t, conn).(rtr.CacheResponse)
	assert.True(t, ok)
}

func TestVersionChangeMidSession(t *testing.T) {
	env := startServer(t)
	env.db.Commit([]payload.VRP{vrp(64501, "10.0.0.0/24", 24)}, nil)

	conn := dial(t, env)
	send(t, conn, rtr.ResetQuery{Version: rtr.Version0})
	for {
		if _, done := recv(t, conn).(rtr.EndOfData); done {
			break
		}
	}
	send(t, conn, rtr.SerialQuery{Version: rtr.Version1, SessionID: 42, Serial: 1})
	report, ok := recv(t, conn).(rtr.ErrorReport)
	require.True(t, ok)
	assert.Equal(t, rtr.ErrUnexpectedProtoVersion, report.Code)
	assert.Equal(t, rtr.Version0, report.Version)
}

func TestUnsupportedVersionRejected(t *testing.T) {
	env := startServer(t)

	conn := dial(t, env)
	send(t, conn, rtr.ResetQuery{Version: 9})
	report, ok := recv(t, conn).(rtr.ErrorReport)
	require.True(t, ok)
	assert.Equal(t, rtr.ErrUnsupportedVersion, report.Code)
}

func TestSerialNotifyBroadcast(t *testing.T) {
	env := startServer(t)
	env.db.Commit([]payload.VRP{vrp(64501, "10.0.0.0/24", 24)}, nil)

	conn := dial(t, env)
	send(t, conn, rtr.ResetQuery{Version: rtr.Version1})
	for {
		if _, done := recv(t, conn).(rtr.EndOfData); done {
			break
		}
	}

	env.db.Commit([]payload.VRP{vrp(64502, "10.1.0.0/24", 24)}, nil)
	notify, ok := recv(t, conn).(rtr.SerialNotify)
	require.True(t, ok)
	assert.Equal(t, uint32(2), notify.Serial)
	assert.Equal(t, uint16(42), notify.SessionID)

	// The notified serial is reachable by an incremental query.
	send(t, conn, rtr.SerialQuery{Version: rtr.Version1, SessionID: 42, Serial: 1})
	_, ok = recv(t, conn).(rtr.CacheResponse)
	require.True(t, ok)
}
