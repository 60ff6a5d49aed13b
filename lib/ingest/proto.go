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
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/gravitational/trace"

	"github.com/runtimescope/runtimescope/lib/defaults"
	"github.com/runtimescope/runtimescope/lib/events"
)

// Frame types of the ingest protocol.
const (
	// FrameHandshake opens a connection and names the session.
	FrameHandshake = "handshake"
	// FrameEvent carries a batch of telemetry events.
	FrameEvent = "event"
	// FrameHeartbeat keeps an otherwise quiet connection alive.
	FrameHeartbeat = "heartbeat"
	// FrameCommand asks the connected SDK to run a command.
	FrameCommand = "command"
	// FrameCommandResponse answers a previously sent command.
	FrameCommandResponse = "command_response"
)

// Commands the collector can dispatch to a connected SDK.
const (
	// CommandCaptureDOMSnapshot captures the current DOM tree.
	CommandCaptureDOMSnapshot = "capture_dom_snapshot"
	// CommandCapturePerformanceMetrics captures current web vitals.
	CommandCapturePerformanceMetrics = "capture_performance_metrics"
	// CommandClearRenders resets the SDK's render profiler.
	CommandClearRenders = "clear_renders"
)

// Frame is the envelope of every protocol message, in both directions.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// HandshakePayload is the body of the first frame of a connection.
type HandshakePayload struct {
	AppName    string            `json:"appName"`
	SDKVersion string            `json:"sdkVersion"`
	SessionID  string            `json:"sessionId"`
	BuildMeta  *events.BuildMeta `json:"buildMeta,omitempty"`
}

func (p *HandshakePayload) checkAndSetDefaults() error {
	if p.AppName == "" {
		return trace.BadParameter("missing parameter appName")
	}
	if p.SessionID == "" {
		return trace.BadParameter("missing parameter sessionId")
	}
	return nil
}

// EventBatchPayload is the body of an event frame.
type EventBatchPayload struct {
	Events []events.Event `json:"events"`
}

// CommandPayload is the body of a command frame sent to the SDK.
type CommandPayload struct {
	Command   string          `json:"command"`
	RequestID string          `json:"requestId"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// CommandResponsePayload is the body of the SDK's answer to a command.
type CommandResponsePayload struct {
	Command   string          `json:"command"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Command is a request for the SDK at the other end of a session.
type Command struct {
	// Name is one of the Command* constants.
	Name string
	// Params is the optional command parameter object.
	Params any
}

// SnapshotParams parameterizes CommandCaptureDOMSnapshot.
type SnapshotParams struct {
	// MaxSize caps the captured markup in bytes.
	MaxSize int `json:"maxSize,omitempty"`
}

// WriteFrame writes one length-prefixed JSON frame. The four byte
// big-endian prefix carries the JSON length.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(data) > defaults.MaxFrameBytes {
		return trace.LimitExceeded("frame of %v bytes exceeds the %v byte limit", len(data), defaults.MaxFrameBytes)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return trace.ConvertSystemError(err)
	}
	if _, err := w.Write(data); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame. Oversized frames are
// drained so the stream stays framed, then reported as a limit error;
// callers distinguish recoverable protocol errors (BadParameter,
// LimitExceeded) from transport errors.
func ReadFrame(r io.Reader) (*Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 {
		return nil, trace.BadParameter("empty frame")
	}
	if size > defaults.MaxFrameBytes {
		if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		return nil, trace.LimitExceeded("frame of %v bytes exceeds the %v byte limit", size, defaults.MaxFrameBytes)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, trace.BadParameter("malformed frame: %v", err)
	}
	if f.Type == "" {
		return nil, trace.BadParameter("frame has no type")
	}
	return &f, nil
}

// isProtocolError reports whether the read failure is a malformed or
// oversized frame rather than a dead transport.
func isProtocolError(err error) bool {
	return trace.IsBadParameter(err) || trace.IsLimitExceeded(err)
}
