/*
 * RuntimeScope
 * Copyright (C) 2025  RuntimeScope, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package ingest implements the framed TCP server that instrumented
// applications connect to. Each connection speaks the length-prefixed
// JSON protocol: a handshake naming the session, then event batches,
// heartbeats and command responses. Accepted events flow into the
// in-memory ring first and the durable log second, in arrival order.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	runtimescope "github.com/runtimescope/runtimescope"
	"github.com/runtimescope/runtimescope/lib/defaults"
	"github.com/runtimescope/runtimescope/lib/events"
	"github.com/runtimescope/runtimescope/lib/events/memlog"
	"github.com/runtimescope/runtimescope/lib/projects"
	"github.com/runtimescope/runtimescope/lib/session"
	"github.com/runtimescope/runtimescope/lib/utils"
	logutils "github.com/runtimescope/runtimescope/lib/utils/log"
)

var (
	connectedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: runtimescope.MetricNamespace,
		Name:      runtimescope.MetricConnectedSessions,
		Help:      "Number of currently connected SDK sessions",
	})
	ingestedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: runtimescope.MetricNamespace,
		Name:      runtimescope.MetricIngestedEvents,
		Help:      "Number of telemetry events accepted by the ingest server",
	}, []string{"kind"})
	commandOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: runtimescope.MetricNamespace,
		Name:      runtimescope.MetricCommandOutcomes,
		Help:      "Number of dispatched SDK commands by final outcome",
	}, []string{"command", "outcome"})
)

// EventLog is the durable sink of accepted events and session records.
// Implemented by the litelog manager.
type EventLog interface {
	EmitEvent(ctx context.Context, project string, e events.Event) error
	UpsertSession(ctx context.Context, s session.Session) error
	MarkSessionDisconnected(ctx context.Context, project, sessionID string, at time.Time, eventCount int64) error
}

// SessionNotifier observes session lifecycle transitions. Implemented by
// the session manager.
type SessionNotifier interface {
	OnSessionStart(sessionID, project string)
	OnSessionEnd(sessionID string)
}

// ServerConfig configures the ingest server.
type ServerConfig struct {
	// Addr is the host:port to bind.
	Addr string
	// MemLog is the in-memory event ring and fanout bus.
	MemLog *memlog.Log
	// EventLog persists accepted events per project.
	EventLog EventLog
	// Registry resolves and seeds on-disk project state.
	Registry *projects.Registry
	// Sessions receives session lifecycle transitions. Optional.
	Sessions SessionNotifier
	// Clock is used for timestamps and command timeouts.
	Clock clockwork.Clock
	// Log is the structured logger.
	Log *slog.Logger
	// PreStart runs before the first bind attempt, e.g. to evict a
	// stale owner of the port. Optional.
	PreStart func(ctx context.Context, addr string) error
	// HandshakeTimeout bounds the wait for the first frame.
	HandshakeTimeout time.Duration
	// IdleTimeout closes connections without frames for this long.
	IdleTimeout time.Duration
	// CommandTimeout bounds the wait for a command response.
	CommandTimeout time.Duration
	// MaxRetries is the number of port bind attempts.
	MaxRetries int
	// RetryDelay is the pause between bind attempts.
	RetryDelay time.Duration

	// testHook, when set, observes connection state transitions.
	testHook func(event, sessionID string)
}

func (c *ServerConfig) checkAndSetDefaults() error {
	if c.MemLog == nil {
		return trace.BadParameter("missing parameter MemLog")
	}
	if c.EventLog == nil {
		return trace.BadParameter("missing parameter EventLog")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Addr == "" {
		c.Addr = fmt.Sprintf("%v:%v", defaults.ListenHost, defaults.IngestPort)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(runtimescope.ComponentKey, runtimescope.ComponentIngest)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaults.IdleTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaults.CommandTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.BindMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaults.BindRetryDelay
	}
	return nil
}

// Server accepts SDK connections and routes their telemetry.
type Server struct {
	cfg      ServerConfig
	listener net.Listener

	mu       sync.Mutex
	conns    map[*conn]struct{}
	sessions map[string]*conn
	closed   bool

	wg sync.WaitGroup
}

// NewServer returns an ingest server ready to Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(connectedSessions, ingestedEvents, commandOutcomes); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{
		cfg:      cfg,
		conns:    make(map[*conn]struct{}),
		sessions: make(map[string]*conn),
	}, nil
}

// Start binds the ingest port, retrying while it is busy, and launches
// the accept loop.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.PreStart != nil {
		if err := s.cfg.PreStart(ctx, s.cfg.Addr); err != nil {
			return trace.Wrap(err)
		}
	}
	retry, err := utils.NewConstant(s.cfg.RetryDelay, s.cfg.Clock)
	if err != nil {
		return trace.Wrap(err)
	}
	var listener net.Listener
	for attempt := 1; ; attempt++ {
		listener, err = net.Listen("tcp", s.cfg.Addr)
		if err == nil {
			break
		}
		if attempt >= s.cfg.MaxRetries {
			return trace.ConnectionProblem(err, "failed to bind ingest address %v after %v attempts", s.cfg.Addr, attempt)
		}
		s.cfg.Log.WarnContext(ctx, "Ingest address is busy, retrying.",
			"addr", s.cfg.Addr,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-retry.After():
			retry.Inc()
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
	s.listener = listener
	s.cfg.Log.InfoContext(ctx, "Ingest server is listening.", "addr", listener.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if !s.isClosed() {
				s.cfg.Log.WarnContext(ctx, "Failed to accept connection.", "error", err)
			}
			return
		}
		c := newConn(s, nc)
		if !s.track(c) {
			nc.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.run(ctx)
		}()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) forget(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// registerSession makes c the owning connection of its session and
// returns the displaced previous owner, if any.
func (s *Server) registerSession(c *conn) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.sessions[c.sessionID]
	s.sessions[c.sessionID] = c
	if old == nil {
		connectedSessions.Inc()
	}
	return old
}

// unregisterSession removes c's session registration unless another
// connection has taken the session over.
func (s *Server) unregisterSession(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[c.sessionID] != c {
		return
	}
	delete(s.sessions, c.sessionID)
	connectedSessions.Dec()
}

// SendCommand dispatches the command to the session's SDK and waits for
// the response payload. The wait ends on response, command timeout,
// session disconnect or context cancellation, whichever happens first.
func (s *Server) SendCommand(ctx context.Context, sessionID string, cmd Command) (json.RawMessage, error) {
	s.mu.Lock()
	c := s.sessions[sessionID]
	s.mu.Unlock()
	if c == nil {
		return nil, trace.NotFound("session %v is not connected", sessionID)
	}
	return c.sendCommand(ctx, cmd)
}

func (s *Server) notifyTest(event, sessionID string) {
	if s.cfg.testHook != nil {
		s.cfg.testHook(event, sessionID)
	}
}

// Close stops accepting new connections and tears down active ones.
// Pending commands complete with a shutdown error.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for _, c := range conns {
		c.close(reasonShutdown)
	}
	s.wg.Wait()
	return trace.Wrap(err)
}
