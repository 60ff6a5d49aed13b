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

// Package events defines the telemetry event model shared by the ingest
// server, the in-memory store and the durable log.
//
// An event is a tagged variant: a fixed header plus a kind-specific JSON
// body. The body is carried verbatim as raw JSON so that unknown kinds and
// unknown fields survive storage and retrieval unchanged. Schema evolution
// is additive; readers ignore fields they do not know.
package events

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/gravitational/trace"
)

// Event kinds produced by the instrumentation SDKs. Unknown kinds are
// accepted and stored opaquely.
const (
	// KindNetwork is an HTTP/fetch request record.
	KindNetwork = "network"
	// KindConsole is a console log record.
	KindConsole = "console"
	// KindSession is a session lifecycle record.
	KindSession = "session"
	// KindState is a state store mutation record.
	KindState = "state"
	// KindRender is a component render profile record.
	KindRender = "render"
	// KindDOMSnapshot is a captured DOM document.
	KindDOMSnapshot = "dom_snapshot"
	// KindPerformance is a web-vital measurement record.
	KindPerformance = "performance"
	// KindDatabase is a database query record.
	KindDatabase = "database"
)

// Console log levels.
const (
	LevelLog   = "log"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelInfo  = "info"
	LevelDebug = "debug"
	LevelTrace = "trace"
)

// Event is one immutable telemetry record.
type Event struct {
	// ID identifies the event, unique enough for deduplication within
	// a session.
	ID string `json:"eventId"`
	// SessionID is the producing session.
	SessionID string `json:"sessionId"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
	// Kind discriminates the payload shape.
	Kind string `json:"type"`
	// Payload is the kind-specific body, carried verbatim.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Time returns the event timestamp as a time.Time.
func (e *Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// DecodePayload unmarshals the kind-specific body into out.
func (e *Event) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return trace.BadParameter("event %v has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return trace.BadParameter("malformed %v payload: %v", e.Kind, err)
	}
	return nil
}

// New builds an event of the given kind, JSON-encoding the payload.
func New(kind, id, sessionID string, timestamp int64, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, trace.Wrap(err)
	}
	return Event{
		ID:        id,
		SessionID: sessionID,
		Timestamp: timestamp,
		Kind:      kind,
		Payload:   data,
	}, nil
}

// SortByTime sorts events ascending by timestamp, preserving arrival order
// among equal timestamps.
func SortByTime(evts []Event) {
	sort.SliceStable(evts, func(i, j int) bool {
		return evts[i].Timestamp < evts[j].Timestamp
	})
}

// NetworkPayload is the body of a network event.
type NetworkPayload struct {
	URL              string            `json:"url"`
	Method           string            `json:"method"`
	Status           int               `json:"status"`
	RequestHeaders   map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders  map[string]string `json:"responseHeaders,omitempty"`
	RequestBodySize  int64             `json:"requestBodySize,omitempty"`
	ResponseBodySize int64             `json:"responseBodySize,omitempty"`
	// Duration is the total request time in milliseconds.
	Duration float64 `json:"duration"`
	// TTFB is time to first byte in milliseconds. Some SDK paths report
	// it equal to Duration; it is stored verbatim either way.
	TTFB             float64 `json:"ttfb,omitempty"`
	GraphQLOperation string  `json:"graphqlOperation,omitempty"`
	RequestBody      string  `json:"requestBody,omitempty"`
	ResponseBody     string  `json:"responseBody,omitempty"`
	ErrorPhase       string  `json:"errorPhase,omitempty"`
	ErrorMessage     string  `json:"errorMessage,omitempty"`
	Source           string  `json:"source,omitempty"`
}

// ConsolePayload is the body of a console event.
type ConsolePayload struct {
	Level      string            `json:"level"`
	Message    string            `json:"message"`
	Args       []json.RawMessage `json:"args,omitempty"`
	StackTrace string            `json:"stackTrace,omitempty"`
	SourceFile string            `json:"sourceFile,omitempty"`
}

// SessionPayload is the body of a session lifecycle event. Status and
// DisconnectedAt are additive collector-side fields.
type SessionPayload struct {
	AppName        string     `json:"appName"`
	ConnectedAt    int64      `json:"connectedAt"`
	SDKVersion     string     `json:"sdkVersion"`
	BuildMeta      *BuildMeta `json:"buildMeta,omitempty"`
	Status         string     `json:"status,omitempty"`
	DisconnectedAt int64      `json:"disconnectedAt,omitempty"`
}

// BuildMeta identifies the build of the instrumented application.
type BuildMeta struct {
	GitCommit string `json:"gitCommit,omitempty"`
	GitBranch string `json:"gitBranch,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
	DeployID  string `json:"deployId,omitempty"`
}

// StatePayload is the body of a state mutation event.
type StatePayload struct {
	StoreID string `json:"storeId"`
	Library string `json:"library,omitempty"`
	// Phase is "init" or "update".
	Phase         string          `json:"phase,omitempty"`
	State         json.RawMessage `json:"state,omitempty"`
	PreviousState json.RawMessage `json:"previousState,omitempty"`
	Diff          json.RawMessage `json:"diff,omitempty"`
	Action        string          `json:"action,omitempty"`
	StackTrace    string          `json:"stackTrace,omitempty"`
}

// RenderProfile is one component's render statistics within a render event.
type RenderProfile struct {
	ComponentName   string  `json:"componentName"`
	RenderCount     int64   `json:"renderCount"`
	TotalDuration   float64 `json:"totalDuration,omitempty"`
	AverageDuration float64 `json:"averageDuration,omitempty"`
}

// RenderPayload is the body of a render event.
type RenderPayload struct {
	Profiles             []RenderProfile `json:"profiles"`
	SnapshotWindowMS     int64           `json:"snapshotWindowMs,omitempty"`
	TotalRenders         int64           `json:"totalRenders,omitempty"`
	SuspiciousComponents []string        `json:"suspiciousComponents,omitempty"`
}

// Viewport is a browser viewport size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ScrollPosition is a browser scroll offset.
type ScrollPosition struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// DOMSnapshotPayload is the body of a dom_snapshot event.
type DOMSnapshotPayload struct {
	HTML           string         `json:"html"`
	URL            string         `json:"url,omitempty"`
	Viewport       Viewport       `json:"viewport,omitempty"`
	ScrollPosition ScrollPosition `json:"scrollPosition,omitempty"`
	ElementCount   int            `json:"elementCount"`
	Truncated      bool           `json:"truncated"`
}

// PerformancePayload is the body of a performance event. MetricName is a
// web-vital name (LCP, FCP, CLS, TTFB, FID, INP) or a custom metric.
type PerformancePayload struct {
	MetricName string  `json:"metricName"`
	Value      float64 `json:"value"`
	// Rating is "good", "needs-improvement" or "poor" as reported by
	// the SDK; the session manager recomputes it when absent.
	Rating  string          `json:"rating,omitempty"`
	Element string          `json:"element,omitempty"`
	Entries json.RawMessage `json:"entries,omitempty"`
}

// DatabasePayload is the body of a database event.
type DatabasePayload struct {
	Query           string `json:"query"`
	NormalizedQuery string `json:"normalizedQuery,omitempty"`
	// Duration is the query time in milliseconds.
	Duration       float64         `json:"duration"`
	RowsReturned   int64           `json:"rowsReturned,omitempty"`
	RowsAffected   int64           `json:"rowsAffected,omitempty"`
	TablesAccessed []string        `json:"tablesAccessed,omitempty"`
	Operation      string          `json:"operation,omitempty"`
	Source         string          `json:"source,omitempty"`
	StackTrace     string          `json:"stackTrace,omitempty"`
	Label          string          `json:"label,omitempty"`
	Error          string          `json:"error,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
}
