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

// Package defaults contains default constants used across the collector.
package defaults

import "time"

const (
	// ListenHost is the address the collector binds to. The collector
	// serves local development tooling and never listens on a public
	// interface.
	ListenHost = "127.0.0.1"

	// IngestPort is the default port of the framed TCP ingest server.
	IngestPort = 9090

	// HTTPPort is the default port of the HTTP query/stream facade.
	HTTPPort = 9091

	// BufferSize is the default capacity of the in-memory event ring.
	BufferSize = 10000

	// BatchSize is the number of queued events that triggers a durable
	// log flush ahead of the flush timer.
	BatchSize = 50

	// FlushInterval is the period of the durable log flush timer.
	FlushInterval = 100 * time.Millisecond

	// SubscriberQueueSize is the buffered channel depth of one event bus
	// subscriber. A subscriber whose queue is full misses events rather
	// than stalling ingest.
	SubscriberQueueSize = 256

	// EventsQueryLimit is both the default and the maximum number of
	// events returned by one durable log read.
	EventsQueryLimit = 1000

	// SessionCacheSize bounds the number of finished session aggregates
	// kept in memory for comparison.
	SessionCacheSize = 128

	// RetentionDays is the default session snapshot retention period.
	RetentionDays = 30
)

const (
	// HandshakeTimeout is how long a new connection may take to produce
	// a valid handshake frame before it is dropped.
	HandshakeTimeout = 5 * time.Second

	// IdleTimeout closes connections that produced no frames at all,
	// heartbeats included, for this long.
	IdleTimeout = 60 * time.Second

	// CommandTimeout bounds how long a dispatched command waits for the
	// client's response frame.
	CommandTimeout = 10 * time.Second

	// HTTPRequestTimeout is the handler budget of the HTTP facade.
	HTTPRequestTimeout = 30 * time.Second

	// ReadHeadersTimeout bounds reading the request headers on the
	// collector's HTTP listeners.
	ReadHeadersTimeout = time.Second

	// ShutdownTimeout is the graceful shutdown budget before in-flight
	// work is abandoned.
	ShutdownTimeout = 5 * time.Second

	// BindMaxRetries is how many times the ingest server attempts to
	// bind its port on startup.
	BindMaxRetries = 5

	// BindRetryDelay is the pause between ingest port bind attempts.
	BindRetryDelay = time.Second

	// WriteTimeout bounds a single outbound frame write on a streaming
	// connection, ingest or websocket; a client slower than this is
	// dropped.
	WriteTimeout = 5 * time.Second
)

const (
	// MaxFrameBytes is the largest ingest frame the collector accepts.
	MaxFrameBytes = 4 * 1024 * 1024

	// MaxParseErrors is the number of consecutive protocol errors that
	// close a connection.
	MaxParseErrors = 3

	// ConnWriteQueueSize is the outbound frame queue depth of one ingest
	// connection.
	ConnWriteQueueSize = 64

	// MaxProjectNameLength caps sanitized project directory names.
	MaxProjectNameLength = 64

	// SnapshotDedupWindow is the window within which repeated snapshot
	// requests for one session return the cached snapshot.
	SnapshotDedupWindow = time.Second
)

const (
	// DataDirName is the per-user collector state directory under the
	// home directory.
	DataDirName = ".runtimescope"

	// ProjectsDirName holds per-project state under the data dir.
	ProjectsDirName = "projects"

	// SessionsDirName holds per-session snapshot files under a project.
	SessionsDirName = "sessions"

	// GlobalConfigFile is the collector-wide config file name.
	GlobalConfigFile = "config.json"

	// ProjectConfigFile is the per-project config file name.
	ProjectConfigFile = "config.json"

	// EventsDBFile is the durable event log file name within a project.
	EventsDBFile = "events.db"

	// DefaultProjectName is used when a handshake carries an app name
	// that sanitizes to nothing.
	DefaultProjectName = "default"
)
