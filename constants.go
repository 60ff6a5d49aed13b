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

// Package runtimescope holds constants shared across the collector.
package runtimescope

import "os"

const (
	// PrivateFileMode is the mode for files holding collector state.
	PrivateFileMode os.FileMode = 0o600
	// PrivateDirMode is the mode for directories holding collector state.
	PrivateDirMode os.FileMode = 0o700
)

const (
	// ComponentKey is the logging field name used to tag log entries with
	// the component that produced them.
	ComponentKey = "component"

	// ComponentCollector is the top-level collector process.
	ComponentCollector = "collector"

	// ComponentIngest is the framed TCP ingest server.
	ComponentIngest = "ingest"

	// ComponentMemLog is the in-memory ring buffer event store.
	ComponentMemLog = "memlog"

	// ComponentEventLog is the durable sqlite-backed event log.
	ComponentEventLog = "eventlog"

	// ComponentWeb is the HTTP query and stream facade.
	ComponentWeb = "web"

	// ComponentSession is the session lifecycle manager.
	ComponentSession = "session"

	// ComponentRegistry is the project and config registry.
	ComponentRegistry = "registry"

	// ComponentDiag is the optional diagnostics endpoint.
	ComponentDiag = "diag"

	// ComponentCLI is the runtimescope command line tool.
	ComponentCLI = "cli"
)

const (
	// DebugTestsEnvVar enables verbose log output in tests.
	DebugTestsEnvVar = "RUNTIMESCOPE_DEBUG_TESTS"

	// PortEnvVar overrides the ingest port.
	PortEnvVar = "RUNTIMESCOPE_PORT"

	// HTTPPortEnvVar overrides the query/stream port.
	HTTPPortEnvVar = "RUNTIMESCOPE_HTTP_PORT"

	// BufferSizeEnvVar overrides the memory ring capacity.
	BufferSizeEnvVar = "RUNTIMESCOPE_BUFFER_SIZE"

	// DebugEnvVar enables debug logging.
	DebugEnvVar = "RUNTIMESCOPE_DEBUG"
)

// MinSDKVersion is the oldest instrumentation SDK version the collector
// knows how to talk to. Older clients are still accepted, with a warning.
const MinSDKVersion = "0.2.0"
