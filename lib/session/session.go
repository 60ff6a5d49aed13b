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

// Package session tracks instrumented application sessions: lifecycle,
// per-session metric aggregates, immutable snapshots and cross-session
// comparison.
package session

import (
	"context"
	"time"

	"github.com/runtimescope/runtimescope/lib/events"
)

// Session is one continuous connection from an instrumented application.
// The session id is chosen by the client and is opaque to the collector.
type Session struct {
	ID             string            `json:"sessionId"`
	Project        string            `json:"project"`
	AppName        string            `json:"appName"`
	SDKVersion     string            `json:"sdkVersion,omitempty"`
	ConnectedAt    time.Time         `json:"connectedAt"`
	DisconnectedAt time.Time         `json:"disconnectedAt,omitzero"`
	EventCount     int64             `json:"eventCount"`
	IsConnected    bool              `json:"isConnected"`
	BuildMeta      *events.BuildMeta `json:"buildMeta,omitempty"`
}

// Info is the summary form of a session returned by listings. Timestamps
// are milliseconds since the Unix epoch, matching the event wire format.
type Info struct {
	SessionID   string `json:"sessionId"`
	AppName     string `json:"appName"`
	ConnectedAt int64  `json:"connectedAt"`
	SDKVersion  string `json:"sdkVersion,omitempty"`
	EventCount  int64  `json:"eventCount"`
	IsConnected bool   `json:"isConnected"`
}

// Info converts the session to its summary form.
func (s *Session) Info() Info {
	return Info{
		SessionID:   s.ID,
		AppName:     s.AppName,
		ConnectedAt: s.ConnectedAt.UnixMilli(),
		SDKVersion:  s.SDKVersion,
		EventCount:  s.EventCount,
		IsConnected: s.IsConnected,
	}
}

// EndpointStats aggregates network calls sharing one normalized endpoint.
type EndpointStats struct {
	AvgLatency float64 `json:"avgLatency"`
	ErrorRate  float64 `json:"errorRate"`
	CallCount  int64   `json:"callCount"`
}

// ComponentStats aggregates render profiles of one component.
type ComponentStats struct {
	RenderCount int64   `json:"renderCount"`
	AvgDuration float64 `json:"avgDuration"`
}

// StoreStats aggregates mutations of one state store.
type StoreStats struct {
	UpdateCount int64 `json:"updateCount"`
}

// WebVital is the latest observed value of one web-vital metric.
type WebVital struct {
	Value  float64 `json:"value"`
	Rating string  `json:"rating"`
}

// QueryStats aggregates database calls sharing one normalized query.
type QueryStats struct {
	AvgDuration float64 `json:"avgDuration"`
	CallCount   int64   `json:"callCount"`
}

// Metrics is the immutable roll-up of one session, used for history and
// cross-session comparison.
type Metrics struct {
	SessionID string `json:"sessionId"`
	Project   string `json:"project"`
	// CreatedAt is milliseconds since the Unix epoch.
	CreatedAt   int64                     `json:"createdAt"`
	Endpoints   map[string]EndpointStats  `json:"endpoints"`
	Components  map[string]ComponentStats `json:"components"`
	Stores      map[string]StoreStats     `json:"stores"`
	WebVitals   map[string]WebVital       `json:"webVitals"`
	Queries     map[string]QueryStats     `json:"queries"`
	TotalEvents int64                     `json:"totalEvents"`
	ErrorCount  int64                     `json:"errorCount"`
}

// MetricsStore persists frozen session metrics. Implemented by the durable
// event log.
type MetricsStore interface {
	// SaveSessionMetrics stores one frozen roll-up, replacing any
	// previous roll-up of the same session.
	SaveSessionMetrics(ctx context.Context, m Metrics) error
	// SessionMetrics returns the stored roll-up of one session.
	SessionMetrics(ctx context.Context, sessionID string) (*Metrics, error)
	// SessionMetricsHistory returns the most recent roll-ups of a
	// project, newest first.
	SessionMetricsHistory(ctx context.Context, project string, limit int) ([]Metrics, error)
}
