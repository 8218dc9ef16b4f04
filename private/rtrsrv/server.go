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

// Package rtrsrv serves the validated data set to routers over the
// RPKI-to-Router protocol (RFC 6810, RFC 8210). The server accepts TCP
// connections and runs one session goroutine per client; the notifier
// broadcasts serial changes to all connected sessions on database commit.
package rtrsrv

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/relier-rpki/relier/pkg/log"
	"github.com/relier-rpki/relier/pkg/metrics"
	"github.com/relier-rpki/relier/pkg/private/serrors"
	"github.com/relier-rpki/relier/private/vrpdb"
	"github.com/relier-rpki/relier/private/worker"
)

// Metrics instruments the RTR server. Nil members are ignored.
type Metrics struct {
	// SessionsActive is the number of connected clients.
	SessionsActive metrics.Gauge
	// PDUsReceived counts PDUs read from clients.
	PDUsReceived metrics.Counter
	// PDUsSent counts PDUs written to clients.
	PDUsSent metrics.Counter
	// NotifiesSent counts serial notifies delivered to clients.
	NotifiesSent metrics.Counter
	// ProtocolErrors counts error reports sent to clients.
	ProtocolErrors metrics.Counter
}

// Config configures the RTR server.
type Config struct {
	// Address is the TCP listen address.
	Address string
	// DB provides snapshots and deltas.
	DB *vrpdb.DB
	// Refresh, Retry and Expire are the intervals passed to version 1
	// clients in End of Data, in seconds.
	Refresh uint32
	Retry   uint32
	Expire  uint32
	// IdleTimeout closes sessions with no client activity. Idle expiry
	// closes without an error report.
	IdleTimeout time.Duration
	// NotifyMinInterval spaces consecutive serial notifies to one session.
	// A notify arriving while one is pending coalesces with it.
	NotifyMinInterval time.Duration
	// DrainGrace bounds how long Close waits for sessions to finish their
	// current write.
	DrainGrace time.Duration
	// Metrics instruments the server.
	Metrics Metrics
}

// Server is the RTR server.
type Server struct {
	cfg Config

	wb       worker.Base
	mtx      sync.Mutex
	listener net.Listener

	registry registry
	sessions sync.WaitGroup
}

// New creates an RTR server.
func New(cfg Config) *Server {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Hour
	}
	if cfg.NotifyMinInterval == 0 {
		cfg.NotifyMinInterval = time.Second
	}
	if cfg.DrainGrace == 0 {
		cfg.DrainGrace = 3 * time.Second
	}
	return &Server{cfg: cfg}
}

// Run binds the listen socket and serves clients until Close. It implements
// the worker pattern: calling Run twice is an error, Close unblocks it.
func (s *Server) Run(ctx context.Context) error {
	return s.wb.RunWrapper(ctx, s.setup, s.run)
}

func (s *Server) setup(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return serrors.Wrap("binding RTR listen socket", err, "addr", s.cfg.Address)
	}
	s.mtx.Lock()
	s.listener = listener
	s.mtx.Unlock()
	log.FromCtx(ctx).Info("RTR server listening", "addr", listener.Addr())
	return nil
}

func (s *Server) run(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.wb.GetDoneChan():
				return nil
			default:
			}
			log.FromCtx(ctx).Error("Accepting RTR connection", "err", err)
			continue
		}
		sess := newSession(s, conn)
		s.registry.add(sess)
		metrics.GaugeAdd(s.cfg.Metrics.SessionsActive, 1)
		s.sessions.Add(1)
		go func() {
			defer log.HandlePanic()
			defer s.sessions.Done()
			sess.serve(ctx)
			s.registry.remove(sess)
			metrics.GaugeAdd(s.cfg.Metrics.SessionsActive, -1)
		}()
	}
}

// ListenAddr returns the bound address, for tests that listen on an
// ephemeral port. It is only valid after Run has completed setup.
func (s *Server) ListenAddr() net.Addr {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting connections, closes all client sessions, and waits
// up to the drain grace period for them to wind down.
func (s *Server) Close() error {
	return s.wb.CloseWrapper(context.Background(), func(ctx context.Context) error {
		s.mtx.Lock()
		listener := s.listener
		s.mtx.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				return err
			}
		}
		sessions := s.registry.snapshot()
		for _, sess := range sessions {
			go func(sess *session) {
				defer log.HandlePanic()
				// Let a write in progress finish before the connection closes.
				sess.writeMtx.Lock()
				defer sess.writeMtx.Unlock()
				sess.close()
			}(sess)
		}
		done := make(chan struct{})
		go func() {
			defer log.HandlePanic()
			s.sessions.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.DrainGrace):
			for _, sess := range sessions {
				sess.close()
			}
		}
		return nil
	})
}

// NotifySerial broadcasts a serial change to all connected sessions. It is
// wired to the database's commit hook. Delivery is best effort: a slow or
// broken session is skipped and does not disturb the others.
func (s *Server) NotifySerial(serial uint32) {
	for _, sess := range s.registry.snapshot() {
		sess.enqueueNotify(serial)
	}
}

// registry is the mutex-guarded list of live sessions. The notifier works
// on a point-in-time snapshot so the lock is not held during sends.
type registry struct {
	mtx      sync.Mutex
	sessions map[*session]struct{}
}

func (r *registry) add(s *session) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.sessions == nil {
		r.sessions = make(map[*session]struct{})
	}
	r.sessions[s] = struct{}{}
}

func (r *registry) remove(s *session) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.sessions, s)
}

func (r *registry) snapshot() []*session {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}
