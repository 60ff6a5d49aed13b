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

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	runtimescope "github.com/runtimescope/runtimescope"
	"github.com/runtimescope/runtimescope/lib/defaults"
	"github.com/runtimescope/runtimescope/lib/events"
	"github.com/runtimescope/runtimescope/lib/projects"
	"github.com/runtimescope/runtimescope/lib/session"
)

// Close reasons decide how much teardown bookkeeping runs. A displaced
// connection leaves its session alive because another connection took it
// over; the other reasons end the session.
const (
	reasonDisconnected = "disconnected"
	reasonDisplaced    = "displaced"
	reasonShutdown     = "shutdown"
)

type commandResult struct {
	payload json.RawMessage
	err     error
}

type pendingCommand struct {
	command string
	result  chan commandResult
}

// conn is one SDK connection moving through the AWAIT_HANDSHAKE →
// CONNECTED → CLOSING → CLOSED ladder. A reader goroutine owns all
// inbound frames; a writer goroutine serializes outbound frames.
type conn struct {
	server *Server
	nc     net.Conn
	log    *slog.Logger
	clock  clockwork.Clock

	// Set once by the handshake, read-only afterwards.
	sessionID   string
	project     string
	appName     string
	sdkVersion  string
	connectedAt time.Time
	// connected flips when the handshake has fully wired the session in.
	// Reader-goroutine only.
	connected bool

	writeC chan Frame
	// done closes when the connection enters CLOSING.
	done chan struct{}
	// closedC closes when teardown bookkeeping has finished.
	closedC   chan struct{}
	closeOnce sync.Once
	reason    string

	pmu     sync.Mutex
	pending map[string]*pendingCommand

	// parseErrors counts consecutive protocol errors, reader-owned.
	parseErrors int
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{
		server:  s,
		nc:      nc,
		log:     s.cfg.Log.With("remote_addr", nc.RemoteAddr().String()),
		clock:   s.cfg.Clock,
		writeC:  make(chan Frame, defaults.ConnWriteQueueSize),
		done:    make(chan struct{}),
		closedC: make(chan struct{}),
		pending: make(map[string]*pendingCommand),
	}
}

func (c *conn) run(ctx context.Context) {
	defer c.finalize()
	go c.writeLoop()
	if err := c.handshake(ctx); err != nil {
		c.log.WarnContext(ctx, "Handshake failed.", "error", err)
		return
	}
	c.readLoop(ctx)
}

// handshake consumes and validates the first frame, then wires the
// session into the collector: project directory, session rows, lifecycle
// notification and the synthetic connect event.
func (c *conn) handshake(ctx context.Context) error {
	c.nc.SetReadDeadline(time.Now().Add(c.server.cfg.HandshakeTimeout))
	f, err := ReadFrame(c.nc)
	if err != nil {
		return trace.Wrap(err)
	}
	if f.Type != FrameHandshake {
		return trace.BadParameter("expected a handshake frame, got %q", f.Type)
	}
	var hs HandshakePayload
	if err := json.Unmarshal(f.Payload, &hs); err != nil {
		return trace.BadParameter("malformed handshake payload: %v", err)
	}
	if err := hs.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	c.sessionID = hs.SessionID
	c.appName = hs.AppName
	c.sdkVersion = hs.SDKVersion
	c.project = projects.SanitizeProjectName(hs.AppName)
	c.connectedAt = c.clock.Now()
	c.log = c.log.With("session_id", c.sessionID, "project", c.project)

	if _, err := c.server.cfg.Registry.EnsureProjectDir(c.project); err != nil {
		return trace.Wrap(err)
	}
	if err := c.server.cfg.Registry.RecordSDKVersion(c.project, hs.SDKVersion); err != nil {
		c.log.WarnContext(ctx, "Failed to record the SDK version.", "error", err)
	}
	c.checkSDKVersion(ctx)

	// The same session reconnecting displaces its previous connection.
	// Wait out the old teardown so our bookkeeping lands last.
	if old := c.server.registerSession(c); old != nil {
		old.close(reasonDisplaced)
		<-old.closedC
		c.server.notifyTest("displaced", c.sessionID)
	}

	c.server.cfg.MemLog.UpsertSession(session.Info{
		SessionID:   c.sessionID,
		AppName:     c.appName,
		ConnectedAt: c.connectedAt.UnixMilli(),
		SDKVersion:  c.sdkVersion,
		IsConnected: true,
	})
	if err := c.server.cfg.EventLog.UpsertSession(ctx, session.Session{
		ID:          c.sessionID,
		Project:     c.project,
		AppName:     c.appName,
		SDKVersion:  c.sdkVersion,
		ConnectedAt: c.connectedAt,
		IsConnected: true,
		BuildMeta:   hs.BuildMeta,
	}); err != nil {
		c.log.WarnContext(ctx, "Failed to persist the session record.", "error", err)
	}
	if c.server.cfg.Sessions != nil {
		c.server.cfg.Sessions.OnSessionStart(c.sessionID, c.project)
	}
	c.emitLifecycleEvent(ctx, events.SessionPayload{
		AppName:     c.appName,
		ConnectedAt: c.connectedAt.UnixMilli(),
		SDKVersion:  c.sdkVersion,
		BuildMeta:   hs.BuildMeta,
		Status:      "connected",
	})

	c.connected = true
	c.log.InfoContext(ctx, "Session connected.",
		"app", c.appName,
		"sdk_version", c.sdkVersion,
	)
	c.server.notifyTest("handshake", c.sessionID)
	return nil
}

// checkSDKVersion warns about SDKs the collector may not fully
// understand; the connection is accepted either way.
func (c *conn) checkSDKVersion(ctx context.Context) {
	if c.sdkVersion == "" {
		return
	}
	v, err := semver.NewVersion(c.sdkVersion)
	if err != nil {
		c.log.WarnContext(ctx, "Client reported a malformed SDK version.", "sdk_version", c.sdkVersion)
		return
	}
	if v.LessThan(*semver.New(runtimescope.MinSDKVersion)) {
		c.log.WarnContext(ctx, "Client SDK is older than the supported minimum.",
			"sdk_version", c.sdkVersion,
			"min_sdk_version", runtimescope.MinSDKVersion,
		)
	}
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		c.nc.SetReadDeadline(time.Now().Add(c.server.cfg.IdleTimeout))
		f, err := ReadFrame(c.nc)
		if err != nil {
			if isProtocolError(err) {
				if c.strike(ctx, "Dropping unparsable frame.", err) {
					return
				}
				continue
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				c.log.InfoContext(ctx, "Closing idle connection.", "idle_timeout", c.server.cfg.IdleTimeout)
			}
			return
		}
		if err := c.handleFrame(ctx, f); err != nil {
			if c.strike(ctx, "Dropping frame that broke the protocol.", err) {
				return
			}
			continue
		}
		c.parseErrors = 0
	}
}

// handleFrame dispatches one parsed frame. A returned error means the
// frame broke the protocol and counts as a strike; the reset above only
// runs for frames handled cleanly.
func (c *conn) handleFrame(ctx context.Context, f *Frame) error {
	switch f.Type {
	case FrameEvent:
		return trace.Wrap(c.handleEvents(ctx, f))
	case FrameHeartbeat:
		// The read deadline in readLoop is the whole effect.
		return nil
	case FrameCommandResponse:
		return trace.Wrap(c.handleCommandResponse(ctx, f))
	default:
		return trace.BadParameter("unexpected frame type %q", f.Type)
	}
}

// strike records one protocol error and reports whether the connection
// used up its allowance. A cleanly handled frame resets the count.
func (c *conn) strike(ctx context.Context, msg string, err error) bool {
	c.parseErrors++
	c.log.WarnContext(ctx, msg,
		"error", err,
		"consecutive_errors", c.parseErrors,
	)
	if c.parseErrors < defaults.MaxParseErrors {
		return false
	}
	c.log.WarnContext(ctx, "Too many consecutive protocol errors, closing connection.")
	return true
}

// handleEvents stores one event batch: ring first, durable log second,
// preserving arrival order.
func (c *conn) handleEvents(ctx context.Context, f *Frame) error {
	var batch EventBatchPayload
	if err := json.Unmarshal(f.Payload, &batch); err != nil {
		return trace.BadParameter("malformed event batch: %v", err)
	}
	now := c.clock.Now().UnixMilli()
	for _, e := range batch.Events {
		if e.Kind == "" {
			c.log.DebugContext(ctx, "Skipping event without a kind.", "event_id", e.ID)
			continue
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.SessionID == "" {
			e.SessionID = c.sessionID
		}
		if e.Timestamp == 0 {
			e.Timestamp = now
		}
		c.server.cfg.MemLog.Emit(e)
		if err := c.server.cfg.EventLog.EmitEvent(ctx, c.project, e); err != nil {
			c.log.WarnContext(ctx, "Failed to queue event for persistence.", "error", err, "event_id", e.ID)
		}
		ingestedEvents.WithLabelValues(e.Kind).Inc()
	}
	return nil
}

func (c *conn) handleCommandResponse(ctx context.Context, f *Frame) error {
	var resp CommandResponsePayload
	if err := json.Unmarshal(f.Payload, &resp); err != nil {
		return trace.BadParameter("malformed command response: %v", err)
	}
	if !c.completePending(resp.RequestID, commandResult{payload: resp.Payload}) {
		// Duplicate or unsolicited responses are dropped, not struck: the
		// frame itself is well-formed.
		c.log.WarnContext(ctx, "Dropping unmatched command response.",
			"command", resp.Command,
			"request_id", resp.RequestID,
		)
	}
	return nil
}

// sendCommand queues a command frame and waits for exactly one
// completion: response, timeout, disconnect or caller cancellation.
func (c *conn) sendCommand(ctx context.Context, cmd Command) (json.RawMessage, error) {
	if cmd.Name == "" {
		return nil, trace.BadParameter("missing parameter Name")
	}
	var params json.RawMessage
	if cmd.Params != nil {
		data, err := json.Marshal(cmd.Params)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		params = data
	}
	requestID := uuid.NewString()
	payload, err := json.Marshal(CommandPayload{
		Command:   cmd.Name,
		RequestID: requestID,
		Params:    params,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	frame := Frame{
		Type:      FrameCommand,
		Payload:   payload,
		Timestamp: c.clock.Now().UnixMilli(),
		SessionID: c.sessionID,
	}

	pending := &pendingCommand{command: cmd.Name, result: make(chan commandResult, 1)}
	c.pmu.Lock()
	select {
	case <-c.done:
		c.pmu.Unlock()
		return nil, trace.NotFound("session %v is not connected", c.sessionID)
	default:
	}
	c.pending[requestID] = pending
	c.pmu.Unlock()

	select {
	case c.writeC <- frame:
	case <-c.done:
		c.removePending(requestID)
		return nil, trace.ConnectionProblem(nil, "session %v disconnected before the command was sent", c.sessionID)
	case <-ctx.Done():
		c.removePending(requestID)
		return nil, trace.Wrap(ctx.Err())
	}

	select {
	case res := <-pending.result:
		if res.err != nil {
			return nil, trace.Wrap(res.err)
		}
		commandOutcomes.WithLabelValues(cmd.Name, "response").Inc()
		return res.payload, nil
	case <-c.clock.After(c.server.cfg.CommandTimeout):
		if c.removePending(requestID) {
			commandOutcomes.WithLabelValues(cmd.Name, "timeout").Inc()
			return nil, trace.ConnectionProblem(nil, "command %v timed out after %v", cmd.Name, c.server.cfg.CommandTimeout)
		}
		// The response arrived as the timer fired; take it.
		res := <-pending.result
		if res.err != nil {
			return nil, trace.Wrap(res.err)
		}
		commandOutcomes.WithLabelValues(cmd.Name, "response").Inc()
		return res.payload, nil
	case <-ctx.Done():
		c.removePending(requestID)
		return nil, trace.Wrap(ctx.Err())
	}
}

// completePending resolves the pending command once; later completions
// of the same request find nothing and report false.
func (c *conn) completePending(requestID string, res commandResult) bool {
	c.pmu.Lock()
	pending, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.pmu.Unlock()
	if !ok {
		return false
	}
	pending.result <- res
	return true
}

func (c *conn) removePending(requestID string) bool {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	if _, ok := c.pending[requestID]; !ok {
		return false
	}
	delete(c.pending, requestID)
	return true
}

func (c *conn) writeLoop() {
	for {
		select {
		case f := <-c.writeC:
			c.nc.SetWriteDeadline(time.Now().Add(defaults.WriteTimeout))
			if err := WriteFrame(c.nc, f); err != nil {
				c.log.DebugContext(context.Background(), "Frame write failed.", "error", err)
				c.close(reasonDisconnected)
				return
			}
		case <-c.done:
			return
		}
	}
}

// close moves the connection to CLOSING: no further writes, pending
// commands complete with an error, the socket unblocks the reader.
// Safe to call from any goroutine, first reason wins.
func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
		c.failPending(reason)
		c.nc.Close()
	})
}

func (c *conn) failPending(reason string) {
	c.pmu.Lock()
	pendings := c.pending
	c.pending = make(map[string]*pendingCommand)
	c.pmu.Unlock()
	for _, pending := range pendings {
		var err error
		outcome := "disconnected"
		if reason == reasonShutdown {
			outcome = "shutdown"
			err = trace.ConnectionProblem(nil, "the collector is shutting down")
		} else {
			err = trace.ConnectionProblem(nil, "session %v disconnected before responding", c.sessionID)
		}
		pending.result <- commandResult{err: err}
		commandOutcomes.WithLabelValues(pending.command, outcome).Inc()
	}
}

// finalize runs on the reader goroutine after the loop exits and records
// the disconnect exactly once. Displaced connections skip the session
// bookkeeping: their session lives on under the new connection.
func (c *conn) finalize() {
	c.close(reasonDisconnected)
	defer close(c.closedC)
	defer c.server.forget(c)

	if !c.connected || c.reason == reasonDisplaced {
		c.server.notifyTest("closed", c.sessionID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()

	now := c.clock.Now()
	c.emitLifecycleEvent(ctx, events.SessionPayload{
		AppName:        c.appName,
		ConnectedAt:    c.connectedAt.UnixMilli(),
		SDKVersion:     c.sdkVersion,
		Status:         "disconnected",
		DisconnectedAt: now.UnixMilli(),
	})
	c.server.cfg.MemLog.MarkDisconnected(c.sessionID)
	var eventCount int64
	if info, ok := c.server.cfg.MemLog.Session(c.sessionID); ok {
		eventCount = info.EventCount
	}
	if err := c.server.cfg.EventLog.MarkSessionDisconnected(ctx, c.project, c.sessionID, now, eventCount); err != nil {
		c.log.WarnContext(ctx, "Failed to record the session disconnect.", "error", err)
	}
	if c.server.cfg.Sessions != nil {
		c.server.cfg.Sessions.OnSessionEnd(c.sessionID)
	}
	c.server.unregisterSession(c)
	c.log.InfoContext(ctx, "Session disconnected.",
		"reason", c.reason,
		"event_count", eventCount,
	)
	c.server.notifyTest("closed", c.sessionID)
}

// emitLifecycleEvent publishes a synthetic session event to both stores.
// Lifecycle events do not count toward the session's event total.
func (c *conn) emitLifecycleEvent(ctx context.Context, payload events.SessionPayload) {
	e, err := events.New(events.KindSession, uuid.NewString(), c.sessionID, c.clock.Now().UnixMilli(), payload)
	if err != nil {
		c.log.WarnContext(ctx, "Failed to build the session lifecycle event.", "error", err)
		return
	}
	c.server.cfg.MemLog.Emit(e)
	if err := c.server.cfg.EventLog.EmitEvent(ctx, c.project, e); err != nil {
		c.log.WarnContext(ctx, "Failed to queue the session lifecycle event.", "error", err)
	}
}
