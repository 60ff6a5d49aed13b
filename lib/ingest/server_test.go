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
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/runtimescope/runtimescope/lib/events"
	"github.com/runtimescope/runtimescope/lib/events/memlog"
	"github.com/runtimescope/runtimescope/lib/projects"
	"github.com/runtimescope/runtimescope/lib/session"
	logutils "github.com/runtimescope/runtimescope/lib/utils/log"
)

func TestMain(m *testing.M) {
	logutils.InitLoggerForTests()
	os.Exit(m.Run())
}

type storedEvent struct {
	project string
	event   events.Event
}

type disconnectRecord struct {
	project    string
	sessionID  string
	eventCount int64
}

// fakeEventLog records durable-log traffic without touching sqlite.
type fakeEventLog struct {
	mu          sync.Mutex
	events      []storedEvent
	sessions    map[string]session.Session
	disconnects []disconnectRecord
}

func newFakeEventLog() *fakeEventLog {
	return &fakeEventLog{sessions: make(map[string]session.Session)}
}

func (f *fakeEventLog) EmitEvent(ctx context.Context, project string, e events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, storedEvent{project: project, event: e})
	return nil
}

func (f *fakeEventLog) UpsertSession(ctx context.Context, s session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeEventLog) MarkSessionDisconnected(ctx context.Context, project, sessionID string, at time.Time, eventCount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, disconnectRecord{
		project:    project,
		sessionID:  sessionID,
		eventCount: eventCount,
	})
	return nil
}

func (f *fakeEventLog) storedEvents() []storedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storedEvent(nil), f.events...)
}

func (f *fakeEventLog) session(id string) (session.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeEventLog) disconnected() []disconnectRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]disconnectRecord(nil), f.disconnects...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	starts []string
	ends   []string
}

func (f *fakeNotifier) OnSessionStart(sessionID, project string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, sessionID+"/"+project)
}

func (f *fakeNotifier) OnSessionEnd(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, sessionID)
}

func (f *fakeNotifier) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.starts...)
}

func (f *fakeNotifier) ended() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ends...)
}

type testPack struct {
	server   *Server
	addr     string
	memLog   *memlog.Log
	eventLog *fakeEventLog
	notifier *fakeNotifier
	registry *projects.Registry
	hooks    chan string
}

func newTestPack(t *testing.T, mutate func(cfg *ServerConfig)) *testPack {
	t.Helper()
	registry, err := projects.NewRegistry(projects.RegistryConfig{
		RootDir: t.TempDir(),
		Log:     logutils.NewLoggerForTests(),
	})
	require.NoError(t, err)
	memLog, err := memlog.NewLog(memlog.Config{
		Capacity: 1000,
		Log:      logutils.NewLoggerForTests(),
	})
	require.NoError(t, err)

	pack := &testPack{
		memLog:   memLog,
		eventLog: newFakeEventLog(),
		notifier: &fakeNotifier{},
		registry: registry,
		hooks:    make(chan string, 256),
	}
	cfg := ServerConfig{
		Addr:     "127.0.0.1:0",
		MemLog:   memLog,
		EventLog: pack.eventLog,
		Registry: registry,
		Sessions: pack.notifier,
		Clock:    clockwork.NewRealClock(),
		Log:      logutils.NewLoggerForTests(),
		testHook: func(event, sessionID string) {
			select {
			case pack.hooks <- event + ":" + sessionID:
			default:
			}
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	server, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, server.Start(t.Context()))
	t.Cleanup(func() { require.NoError(t, server.Close()) })

	pack.server = server
	pack.addr = server.Addr().String()
	return pack
}

func (p *testPack) waitHook(t *testing.T, want string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-p.hooks:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %v", want)
		}
	}
}

type testClient struct {
	t  *testing.T
	nc net.Conn
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &testClient{t: t, nc: nc}
}

func (c *testClient) send(f Frame) {
	c.t.Helper()
	require.NoError(c.t, c.nc.SetWriteDeadline(time.Now().Add(3*time.Second)))
	require.NoError(c.t, WriteFrame(c.nc, f))
}

func (c *testClient) sendRaw(data []byte) {
	c.t.Helper()
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	_, err := c.nc.Write(append(prefix[:], data...))
	require.NoError(c.t, err)
}

func (c *testClient) handshake(sessionID, appName string) {
	c.t.Helper()
	payload, err := json.Marshal(HandshakePayload{
		AppName:    appName,
		SDKVersion: "0.4.2",
		SessionID:  sessionID,
	})
	require.NoError(c.t, err)
	c.send(Frame{
		Type:      FrameHandshake,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		SessionID: sessionID,
	})
}

func (c *testClient) sendEvents(sessionID string, evts ...events.Event) {
	c.t.Helper()
	payload, err := json.Marshal(EventBatchPayload{Events: evts})
	require.NoError(c.t, err)
	c.send(Frame{
		Type:      FrameEvent,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		SessionID: sessionID,
	})
}

func (c *testClient) readFrame() (*Frame, error) {
	c.t.Helper()
	if err := c.nc.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		return nil, err
	}
	return ReadFrame(c.nc)
}

// expectClosed drains remaining frames until the server closes the
// connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	for range 16 {
		if _, err := c.readFrame(); err != nil {
			return
		}
	}
	c.t.Fatal("connection is still open")
}

func TestHandshakeWiresSession(t *testing.T) {
	pack := newTestPack(t, nil)
	clt := dialTestClient(t, pack.addr)
	clt.handshake("s1", "shop-web")
	pack.waitHook(t, "handshake:s1")

	info, ok := pack.memLog.Session("s1")
	require.True(t, ok)
	require.True(t, info.IsConnected)
	require.Equal(t, "shop-web", info.AppName)
	require.Equal(t, "0.4.2", info.SDKVersion)

	stored, ok := pack.eventLog.session("s1")
	require.True(t, ok)
	require.Equal(t, "shop-web", stored.Project)
	require.True(t, stored.IsConnected)

	// The project directory is seeded on first contact.
	names, err := pack.registry.ListProjects()
	require.NoError(t, err)
	require.Equal(t, []string{"shop-web"}, names)
	cfg, err := pack.registry.ProjectConfig("shop-web")
	require.NoError(t, err)
	require.Equal(t, "0.4.2", cfg.SDKVersion)

	require.Equal(t, []string{"s1/shop-web"}, pack.notifier.started())

	// The synthetic connect event is buffered but not counted.
	lifecycle := pack.memLog.SearchEvents(events.Query{Kinds: []string{events.KindSession}})
	require.Len(t, lifecycle, 1)
	var payload events.SessionPayload
	require.NoError(t, lifecycle[0].DecodePayload(&payload))
	require.Equal(t, "connected", payload.Status)
	require.Zero(t, info.EventCount)
}

func TestHandshakeTimeout(t *testing.T) {
	pack := newTestPack(t, func(cfg *ServerConfig) {
		cfg.HandshakeTimeout = 100 * time.Millisecond
	})
	clt := dialTestClient(t, pack.addr)
	clt.expectClosed()
	require.Empty(t, pack.notifier.started())
}

func TestHandshakeMustComeFirst(t *testing.T) {
	pack := newTestPack(t, nil)
	clt := dialTestClient(t, pack.addr)
	clt.sendEvents("s1")
	clt.expectClosed()
	require.Empty(t, pack.notifier.started())
	require.Empty(t, pack.eventLog.disconnected())
}

func TestEventBatchFlow(t *testing.T) {
	pack := newTestPack(t, nil)
	clt := dialTestClient(t, pack.addr)
	clt.handshake("s1", "shop-web")
	pack.waitHook(t, "handshake:s1")

	full, err := events.New(events.KindConsole, "e1", "s1", 1234, events.ConsolePayload{
		Level:   events.LevelError,
		Message: "boom",
	})
	require.NoError(t, err)
	// The second event omits id, session and timestamp; the server
	// backfills all three.
	partial := events.Event{Kind: events.KindNetwork, Payload: json.RawMessage(`{"url":"/api/users","method":"GET","status":200,"duration":42}`)}
	clt.sendEvents("s1", full, partial)

	require.Eventually(t, func() bool {
		q := events.Query{SessionID: "s1", Kinds: []string{events.KindConsole, events.KindNetwork}}
		return len(pack.memLog.SearchEvents(q)) == 2
	}, 5*time.Second, 10*time.Millisecond)

	buffered := pack.memLog.SearchEvents(events.Query{SessionID: "s1", Kinds: []string{events.KindNetwork}})
	require.Len(t, buffered, 1)
	require.NotEmpty(t, buffered[0].ID)
	require.Equal(t, "s1", buffered[0].SessionID)
	require.NotZero(t, buffered[0].Timestamp)

	// Durable log saw the same two events, in arrival order, tagged with
	// the project.
	stored := pack.eventLog.storedEvents()
	var kinds []string
	for _, se := range stored {
		require.Equal(t, "shop-web", se.project)
		kinds = append(kinds, se.event.Kind)
	}
	require.Equal(t, []string{events.KindSession, events.KindConsole, events.KindNetwork}, kinds)

	info, ok := pack.memLog.Session("s1")
	require.True(t, ok)
	require.Equal(t, int64(2), info.EventCount)
}

func TestThreeStrikesCloses(t *testing.T) {
	pack := newTestPack(t, nil)
	clt := dialTestClient(t, pack.addr)
	clt.handshake("s1", "shop-web")
	pack.waitHook(t, "handshake:s1")

	// Two bad frames followed by a good one reset the allowance.
	clt.sendRaw([]byte("not json"))
	clt.sendRaw([]byte("still not json"))
	clt.send(Frame{Type: FrameHeartbeat, Timestamp: time.Now().UnixMilli(), SessionID: "s1"})

	clt.sendRaw([]byte("bad 1"))
	clt.sendRaw([]byte("bad 2"))
	clt.sendRaw([]byte("bad 3"))
	clt.expectClosed()
	pack.waitHook(t, "closed:s1")

	require.Equal(t, []string{"s1"}, pack.notifier.ended())
}

func TestUnexpectedFrameTypeStrikes(t *testing.T) {
	pack := newTestPack(t, nil)
	clt := dialTestClient(t, pack.addr)
	clt.handshake("s1", "shop-web")
	pack.waitHook(t, "handshake:s1")

	// Frames wrong for the connected state count toward the allowance,
	// and a good frame in between resets it.
	clt.send(Frame{Type: "bogus", Timestamp: time.Now().UnixMilli(), SessionID: "s1"})
	clt.send(Frame{Type: FrameHandshake, Timestamp: time.Now().UnixMilli(), SessionID: "s1"})
	clt.send(Frame{Type: FrameHeartbeat, Timestamp: time.Now().UnixMilli(), SessionID: "s1"})

	clt.send(Frame{Type: "bogus", Timestamp: time.Now().UnixMilli(), SessionID: "s1"})
	clt.send(Frame{Type: "bogus", Timestamp: time.Now().UnixMilli(), SessionID: "s1"})
	clt.send(Frame{Type: "bogus", Timestamp: time.Now().UnixMilli(), SessionID: "s1"})
	clt.expectClosed()
	pack.waitHook(t, "closed:s1")

	require.Equal(t, []string{"s1"}, pack.notifier.ended())
}

func TestMalformedPayloadStrikes(t *testing.T) {
	pack := newTestPack(t, nil)
	clt := dialTestClient(t, pack.addr)
	clt.handshake("s1", "shop-web")
	pack.waitHook(t, "handshake:s1")

	// Undecodable payloads count no matter which handler rejects them,
	// and consecutive strikes accumulate across frame types.
	clt.send(Frame{Type: FrameEvent, Payload: json.RawMessage(`{"events": "nope"}`), Timestamp: time.Now().UnixMilli(), SessionID: "s1"})
	clt.send(Frame{Type: FrameCommandResponse, Payload: json.RawMessage(`[]`), Timestamp: time.Now().UnixMilli(), SessionID: "s1"})
	clt.send(Frame{Type: FrameEvent, Payload: json.RawMessage(`{"events": 7}`), Timestamp: time.Now().UnixMilli(), SessionID: "s1"})
	clt.expectClosed()
	pack.waitHook(t, "closed:s1")

	require.Equal(t, []string{"s1"}, pack.notifier.ended())
}

func TestIdleConnectionCloses(t *testing.T) {
	pack := newTestPack(t, func(cfg *ServerConfig) {
		cfg.IdleTimeout = 200 * time.Millisecond
	})
	clt := dialTestClient(t, pack.addr)
	clt.handshake("s1", "shop-web")
	pack.waitHook(t, "handshake:s1")

	// Heartbeats keep the connection alive past the idle threshold.
	for range 3 {
		time.Sleep(100 * time.Millisecond)
		clt.send(Frame{Type: FrameHeartbeat, Timestamp: time.Now().UnixMilli(), SessionID: "s1"})
	}

	clt.expectClosed()
	pack.waitHook(t, "closed:s1")

	info, ok := pack.memLog.Session("s1")
	require.True(t, ok)
	require.False(t, info.IsConnected)

	disconnects := pack.eventLog.disconnected()
	require.Len(t, disconnects, 1)
	require.Equal(t, "s1", disconnects[0].sessionID)
	require.Equal(t, "shop-web", disconnects[0].project)

	// The synthetic disconnect event reached both stores.
	lifecycle := pack.memLog.SearchEvents(events.Query{Kinds: []string{events.KindSession}})
	require.Len(t, lifecycle, 2)
	var payload events.SessionPayload
	require.NoError(t, lifecycle[1].DecodePayload(&payload))
	require.Equal(t, "disconnected", payload.Status)
	require.NotZero(t, payload.DisconnectedAt)
}

func TestCommandRoundTrip(t *testing.T) {
	pack := newTestPack(t, nil)
	clt := dialTestClient(t, pack.addr)
	clt.handshake("s1", "shop-web")
	pack.waitHook(t, "handshake:s1")

	type result struct {
		payload json.RawMessage
		err     error
	}
	resultC := make(chan result, 1)
	go func() {
		payload, err := pack.server.SendCommand(t.Context(), "s1", Command{
			Name:   CommandCaptureDOMSnapshot,
			Params: SnapshotParams{MaxSize: 1024},
		})
		resultC <- result{payload: payload, err: err}
	}()

	f, err := clt.readFrame()
	require.NoError(t, err)
	require.Equal(t, FrameCommand, f.Type)
	var cmd CommandPayload
	require.NoError(t, json.Unmarshal(f.Payload, &cmd))
	require.Equal(t, CommandCaptureDOMSnapshot, cmd.Command)
	require.NotEmpty(t, cmd.RequestID)
	require.JSONEq(t, `{"maxSize": 1024}`, string(cmd.Params))

	response, err := json.Marshal(CommandResponsePayload{
		Command:   cmd.Command,
		RequestID: cmd.RequestID,
		Payload:   json.RawMessage(`{"html": "<div/>", "truncated": false}`),
	})
	require.NoError(t, err)
	clt.send(Frame{Type: FrameCommandResponse, Payload: response, SessionID: "s1"})

	res := <-resultC
	require.NoError(t, res.err)
	require.JSONEq(t, `{"html": "<div/>", "truncated": false}`, string(res.payload))

	// A duplicate response for the completed request is ignored and the
	// connection keeps working.
	clt.send(Frame{Type: FrameCommandResponse, Payload: response, SessionID: "s1"})
	_, err = pack.server.SendCommand(t.Context(), "ghost", Command{Name: CommandClearRenders})
	require.True(t, trace.IsNotFound(err))
}

func TestCommandTimeout(t *testing.T) {
	pack := newTestPack(t, func(cfg *ServerConfig) {
		cfg.CommandTimeout = 100 * time.Millisecond
	})
	clt := dialTestClient(t, pack.addr)
	clt.handshake("s1", "shop-web")
	pack.waitHook(t, "handshake:s1")

	_, err := pack.server.SendCommand(t.Context(), "s1", Command{Name: CommandCapturePerformanceMetrics})
	require.True(t, trace.IsConnectionProblem(err))
	require.ErrorContains(t, err, "timed out")

	// The late response finds no pending entry and is dropped quietly.
	f, readErr := clt.readFrame()
	require.NoError(t, readErr)
	var cmd CommandPayload
	require.NoError(t, json.Unmarshal(f.Payload, &cmd))
	response, err := json.Marshal(CommandResponsePayload{
		Command:   cmd.Command,
		RequestID: cmd.RequestID,
		Payload:   json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	clt.send(Frame{Type: FrameCommandResponse, Payload: response, SessionID: "s1"})
	clt.send(Frame{Type: FrameHeartbeat, SessionID: "s1"})
}

func TestCommandCompletesOnDisconnect(t *testing.T) {
	pack := newTestPack(t, nil)
	clt := dialTestClient(t, pack.addr)
	clt.handshake("s1", "shop-web")
	pack.waitHook(t, "handshake:s1")

	errC := make(chan error, 1)
	go func() {
		_, err := pack.server.SendCommand(t.Context(), "s1", Command{Name: CommandClearRenders})
		errC <- err
	}()
	_, err := clt.readFrame()
	require.NoError(t, err)

	require.NoError(t, clt.nc.Close())
	select {
	case err := <-errC:
		require.True(t, trace.IsConnectionProblem(err))
		require.ErrorContains(t, err, "disconnected")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the command to fail")
	}
}

func TestReconnectDisplacesOldConnection(t *testing.T) {
	pack := newTestPack(t, nil)
	first := dialTestClient(t, pack.addr)
	first.handshake("s1", "shop-web")
	pack.waitHook(t, "handshake:s1")

	second := dialTestClient(t, pack.addr)
	second.handshake("s1", "shop-web")
	pack.waitHook(t, "displaced:s1")
	pack.waitHook(t, "handshake:s1")

	// The first connection is gone, the session is not.
	first.expectClosed()
	info, ok := pack.memLog.Session("s1")
	require.True(t, ok)
	require.True(t, info.IsConnected)
	require.Empty(t, pack.eventLog.disconnected())
	require.Empty(t, pack.notifier.ended())
	require.Len(t, pack.notifier.started(), 2)

	// Only the real disconnect records one.
	require.NoError(t, second.nc.Close())
	pack.waitHook(t, "closed:s1")
	require.Len(t, pack.eventLog.disconnected(), 1)
	require.Equal(t, []string{"s1"}, pack.notifier.ended())
}

func TestShutdownFailsPendingCommands(t *testing.T) {
	pack := newTestPack(t, nil)
	clt := dialTestClient(t, pack.addr)
	clt.handshake("s1", "shop-web")
	pack.waitHook(t, "handshake:s1")

	errC := make(chan error, 1)
	go func() {
		_, err := pack.server.SendCommand(t.Context(), "s1", Command{Name: CommandCaptureDOMSnapshot})
		errC <- err
	}()
	_, err := clt.readFrame()
	require.NoError(t, err)

	require.NoError(t, pack.server.Close())
	select {
	case err := <-errC:
		require.True(t, trace.IsConnectionProblem(err))
		require.ErrorContains(t, err, "shutting down")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the command to fail")
	}
	clt.expectClosed()
}

func TestBindRetry(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := blocker.Addr().String()

	registry, err := projects.NewRegistry(projects.RegistryConfig{
		RootDir: t.TempDir(),
		Log:     logutils.NewLoggerForTests(),
	})
	require.NoError(t, err)
	memLog, err := memlog.NewLog(memlog.Config{Capacity: 10, Log: logutils.NewLoggerForTests()})
	require.NoError(t, err)

	server, err := NewServer(ServerConfig{
		Addr:       addr,
		MemLog:     memLog,
		EventLog:   newFakeEventLog(),
		Registry:   registry,
		MaxRetries: 5,
		RetryDelay: 30 * time.Millisecond,
		Log:        logutils.NewLoggerForTests(),
	})
	require.NoError(t, err)

	// Release the port while the server is retrying.
	go func() {
		time.Sleep(50 * time.Millisecond)
		blocker.Close()
	}()
	require.NoError(t, server.Start(t.Context()))
	require.NoError(t, server.Close())
}

func TestBindGivesUp(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()

	registry, err := projects.NewRegistry(projects.RegistryConfig{
		RootDir: t.TempDir(),
		Log:     logutils.NewLoggerForTests(),
	})
	require.NoError(t, err)
	memLog, err := memlog.NewLog(memlog.Config{Capacity: 10, Log: logutils.NewLoggerForTests()})
	require.NoError(t, err)

	server, err := NewServer(ServerConfig{
		Addr:       blocker.Addr().String(),
		MemLog:     memLog,
		EventLog:   newFakeEventLog(),
		Registry:   registry,
		MaxRetries: 2,
		RetryDelay: 10 * time.Millisecond,
		Log:        logutils.NewLoggerForTests(),
	})
	require.NoError(t, err)
	err = server.Start(t.Context())
	require.True(t, trace.IsConnectionProblem(err))
}

func TestPreStartHook(t *testing.T) {
	registry, err := projects.NewRegistry(projects.RegistryConfig{
		RootDir: t.TempDir(),
		Log:     logutils.NewLoggerForTests(),
	})
	require.NoError(t, err)
	memLog, err := memlog.NewLog(memlog.Config{Capacity: 10, Log: logutils.NewLoggerForTests()})
	require.NoError(t, err)

	var sawAddr string
	server, err := NewServer(ServerConfig{
		Addr:     "127.0.0.1:0",
		MemLog:   memLog,
		EventLog: newFakeEventLog(),
		Registry: registry,
		Log:      logutils.NewLoggerForTests(),
		PreStart: func(ctx context.Context, addr string) error {
			sawAddr = addr
			return trace.AccessDenied("port owner refused to die")
		},
	})
	require.NoError(t, err)
	err = server.Start(t.Context())
	require.True(t, trace.IsAccessDenied(err))
	require.Equal(t, "127.0.0.1:0", sawAddr)
}

func TestOversizedFrameCountsAsStrike(t *testing.T) {
	pack := newTestPack(t, nil)
	clt := dialTestClient(t, pack.addr)
	clt.handshake("s1", "shop-web")
	pack.waitHook(t, "handshake:s1")

	// Claim a giant frame, then send that many bytes of filler. The
	// server drains and strikes without losing framing.
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 5*1024*1024)
	_, err := clt.nc.Write(prefix[:])
	require.NoError(t, err)
	filler := make([]byte, 64*1024)
	for written := 0; written < 5*1024*1024; written += len(filler) {
		if _, err := clt.nc.Write(filler); err != nil {
			t.Fatalf("filler write failed: %v", err)
		}
	}

	// Framing survived: a well-formed heartbeat and event still land.
	clt.send(Frame{Type: FrameHeartbeat, SessionID: "s1"})
	e, err := events.New(events.KindConsole, "e1", "s1", 1000, events.ConsolePayload{Level: events.LevelLog, Message: "alive"})
	require.NoError(t, err)
	clt.sendEvents("s1", e)
	require.Eventually(t, func() bool {
		return len(pack.memLog.SearchEvents(events.Query{Kinds: []string{events.KindConsole}})) == 1
	}, 5*time.Second, 10*time.Millisecond)
}
