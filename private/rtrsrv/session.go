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

package rtrsrv

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/relier-rpki/relier/pkg/log"
	"github.com/relier-rpki/relier/pkg/metrics"
	"github.com/relier-rpki/relier/pkg/rpki/rtr"
)

// maxVersion is the highest protocol version the server speaks.
const maxVersion = rtr.Version1

// Session states.
type sessionState int

const (
	stateHandshaking sessionState = iota
	stateIdle
	stateSending
	stateClosing
)

// session is one connected RTR client. It lives from accept to close and is
// owned by its connection goroutine; writes from the notifier goroutine are
// serialized through the write mutex.
type session struct {
	srv  *Server
	conn net.Conn

	writeMtx sync.Mutex

	mtx     sync.Mutex
	state   sessionState
	version int16 // negotiated version, -1 until the first PDU

	notifyCh   chan uint32
	closeOnce  sync.Once
	notifyDone chan struct{}
	lastNotify time.Time
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:        srv,
		conn:       conn,
		version:    -1,
		notifyCh:   make(chan uint32, 1),
		notifyDone: make(chan struct{}),
	}
}

func (s *session) setState(st sessionState) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.state = st
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.setState(stateClosing)
		close(s.notifyDone)
		s.conn.Close()
	})
}

// serve runs the session until the peer disconnects, a protocol error
// closes it, or the server shuts down.
func (s *session) serve(ctx context.Context) {
	ctx, logger := log.WithLabels(ctx, "client", s.conn.RemoteAddr().String())
	logger.Debug("RTR session started")
	defer s.close()

	go func() {
		defer log.HandlePanic()
		s.notifyLoop(ctx)
	}()

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.IdleTimeout)); err != nil {
			return
		}
		raw, _, err := s.readPDU(ctx)
		if err != nil {
			return
		}
		if !s.handlePDU(ctx, raw) {
			return
		}
	}
}

// readPDU reads one PDU. Read failures terminate the session: idle expiry
// and peer close are silent, framing violations are answered with an error
// report first.
func (s *session) readPDU(ctx context.Context) ([]byte, rtr.Header, error) {
	raw, h, err := rtr.ReadPDU(s.conn)
	if err == nil {
		metrics.CounterInc(s.srv.cfg.Metrics.PDUsReceived)
		return raw, h, nil
	}
	logger := log.FromCtx(ctx)
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Debug("RTR session idle, closing")
	case errors.Is(err, rtr.ErrPDUTooLarge), errors.Is(err, rtr.ErrMalformed):
		logger.Info("RTR framing violation", "err", err)
		s.sendError(ctx, rtr.ErrCorruptData, nil, "malformed pdu")
	case errors.Is(err, os.ErrDeadlineExceeded):
		logger.Debug("RTR session idle, closing")
	default:
		logger.Debug("RTR session closed", "err", err)
	}
	return nil, rtr.Header{}, err
}

// handlePDU dispatches one client PDU. The return value indicates whether
// the session continues.
func (s *session) handlePDU(ctx context.Context, raw []byte) bool {
	logger := log.FromCtx(ctx)
	pdu, err := rtr.Parse(raw)
	if err != nil {
		s.sendError(ctx, rtr.ErrCorruptData, raw, "malformed pdu")
		return false
	}
	version := pduVersion(pdu)
	if !s.negotiateVersion(ctx, raw, version) {
		return false
	}

	switch p := pdu.(type) {
	case rtr.ResetQuery:
		return s.handleResetQuery(ctx)
	case rtr.SerialQuery:
		return s.handleSerialQuery(ctx, p, raw)
	case rtr.ErrorReport:
		logger.Info("RTR client reported error", "code", p.Code, "text", p.Text)
		return false
	default:
		s.sendError(ctx, rtr.ErrUnsupportedPDUType, raw, "unsupported pdu type")
		return false
	}
}

// pduVersion extracts the protocol version a client PDU was sent with.
func pduVersion(p rtr.PDU) uint8 {
	switch pdu := p.(type) {
	case rtr.SerialNotify:
		return pdu.Version
	case rtr.SerialQuery:
		return pdu.Version
	case rtr.ResetQuery:
		return pdu.Version
	case rtr.CacheResponse:
		return pdu.Version
	case rtr.IPv4Prefix:
		return pdu.Version
	case rtr.IPv6Prefix:
		return pdu.Version
	case rtr.EndOfData:
		return pdu.Version
	case rtr.CacheReset:
		return pdu.Version
	case rtr.RouterKey:
		return pdu.Version
	case rtr.ErrorReport:
		return pdu.Version
	default:
		return 0
	}
}

// negotiateVersion accepts the client's version from the first PDU if
// supported; later PDUs must stick to it.
func (s *session) negotiateVersion(ctx context.Context, raw []byte, version uint8) bool {
	if version > maxVersion {
		s.sendError(ctx, rtr.ErrUnsupportedVersion, raw, "unsupported protocol version")
		return false
	}
	s.mtx.Lock()
	if s.version == -1 {
		s.version = int16(version)
		s.state = stateIdle
		s.mtx.Unlock()
		return true
	}
	negotiated := s.version
	s.mtx.Unlock()
	if int16(version) != negotiated {
		s.sendErrorVersion(ctx, uint8(negotiated), rtr.ErrUnexpectedProtoVersion, raw,
			"protocol version changed mid-session")
		return false
	}
	return true
}

func (s *session) negotiatedVersion() uint8 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.version < 0 {
		return 0
	}
	return uint8(s.version)
}

func (s *session) handleResetQuery(ctx context.Context) bool {
	version := s.negotiatedVersion()
	snap := s.srv.cfg.DB.CurrentSnapshot()
	if snap == nil {
		// No data yet. Unlike other errors, this one leaves the session
		// open; the client retries later.
		s.sendError(ctx, rtr.ErrNoDataAvailable, nil, "no data available")
		return true
	}
	s.setState(stateSending)
	defer s.setState(stateIdle)

	sessionID := s.srv.cfg.DB.SessionID()
	pdus := make([]rtr.PDU, 0, 2)
	pdus = append(pdus, rtr.CacheResponse{Version: version, SessionID: sessionID})
	for _, vrp := range snap.VRPs() {
		pdus = append(pdus, rtr.PrefixPDU(version, rtr.FlagAnnounce, vrp))
	}
	if version >= rtr.Version1 {
		for _, key := range snap.RouterKeys() {
			pdus = append(pdus, rtr.RouterKeyPDU(version, rtr.FlagAnnounce, key))
		}
	}
	pdus = append(pdus, s.endOfData(version, sessionID, snap.Serial()))
	return s.writePDUs(ctx, pdus) == nil
}

func (s *session) handleSerialQuery(ctx context.Context, q rtr.SerialQuery, raw []byte) bool {
	version := s.negotiatedVersion()
	sessionID := s.srv.cfg.DB.SessionID()
	if q.SessionID != sessionID {
		s.sendError(ctx, rtr.ErrCorruptData, raw, "session id mismatch")
		return false
	}
	deltas, newSerial, ok := s.srv.cfg.DB.DeltasFrom(q.Serial)
	if !ok {
		// The serial fell out of history (or no data exists): the client
		// must restart with a reset query.
		return s.writePDUs(ctx, []rtr.PDU{rtr.CacheReset{Version: version}}) == nil
	}
	s.setState(stateSending)
	defer s.setState(stateIdle)

	pdus := make([]rtr.PDU, 0, 2)
	pdus = append(pdus, rtr.CacheResponse{Version: version, SessionID: sessionID})
	for _, d := range deltas {
		for _, vrp := range d.WithdrawnVRPs {
			pdus = append(pdus, rtr.PrefixPDU(version, rtr.FlagWithdraw, vrp))
		}
		for _, vrp := range d.AddedVRPs {
			pdus = append(pdus, rtr.PrefixPDU(version, rtr.FlagAnnounce, vrp))
		}
		if version >= rtr.Version1 {
			for _, key := range d.WithdrawnKeys {
				pdus = append(pdus, rtr.RouterKeyPDU(version, rtr.FlagWithdraw, key))
			}
			for _, key := range d.AddedKeys {
				pdus = append(pdus, rtr.RouterKeyPDU(version, rtr.FlagAnnounce, key))
			}
		}
	}
	pdus = append(pdus, s.endOfData(version, sessionID, newSerial))
	return s.writePDUs(ctx, pdus) == nil
}

func (s *session) endOfData(version uint8, sessionID uint16, serial uint32) rtr.PDU {
	return rtr.EndOfData{
		Version:   version,
		SessionID: sessionID,
		Serial:    serial,
		Refresh:   s.srv.cfg.Refresh,
		Retry:     s.srv.cfg.Retry,
		Expire:    s.srv.cfg.Expire,
	}
}

func (s *session) writePDUs(ctx context.Context, pdus []rtr.PDU) error {
	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()
	for _, p := range pdus {
		if err := s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
			return err
		}
		if _, err := s.conn.Write(p.Marshal()); err != nil {
			log.FromCtx(ctx).Debug("RTR write failed", "err", err)
			return err
		}
		metrics.CounterInc(s.srv.cfg.Metrics.PDUsSent)
	}
	return nil
}

// sendError sends an error report in the negotiated version, or in version 0
// before a version has been negotiated. Errors other than No Data Available
// are followed by session close at the caller.
func (s *session) sendError(ctx context.Context, code uint16, pdu []byte, text string) {
	s.sendErrorVersion(ctx, s.negotiatedVersion(), code, pdu, text)
}

func (s *session) sendErrorVersion(ctx context.Context, version uint8, code uint16,
	pdu []byte, text string) {

	metrics.CounterInc(s.srv.cfg.Metrics.ProtocolErrors)
	report := rtr.ErrorReport{Version: version, Code: code, PDU: pdu, Text: text}
	_ = s.writePDUs(ctx, []rtr.PDU{report})
}

// enqueueNotify hands a serial change to the session's notify loop. A
// pending notification coalesces with the new one.
func (s *session) enqueueNotify(serial uint32) {
	select {
	case s.notifyCh <- serial:
	default:
	}
}

// notifyLoop delivers serial notifies, spacing consecutive ones by the
// configured minimum interval.
func (s *session) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-s.notifyDone:
			return
		case serial := <-s.notifyCh:
			s.mtx.Lock()
			wait := s.srv.cfg.NotifyMinInterval - time.Since(s.lastNotify)
			s.mtx.Unlock()
			if wait > 0 {
				select {
				case <-s.notifyDone:
					return
				case <-time.After(wait):
				}
			}
			// Clients that have not negotiated a version yet get no
			// notifies.
			s.mtx.Lock()
			version := s.version
			s.lastNotify = time.Now()
			s.mtx.Unlock()
			if version < 0 {
				continue
			}
			notify := rtr.SerialNotify{
				Version:   uint8(version),
				SessionID: s.srv.cfg.DB.SessionID(),
				Serial:    serial,
			}
			if err := s.writePDUs(ctx, []rtr.PDU{notify}); err != nil {
				// Best effort: the reader side will notice a broken
				// connection and tear the session down.
				continue
			}
			metrics.CounterInc(s.srv.cfg.Metrics.NotifiesSent)
		}
	}
}
