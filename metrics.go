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

package runtimescope

const (
	// MetricNamespace is the prometheus namespace all collector metrics
	// are registered under.
	MetricNamespace = "runtimescope"

	// MetricIngestedEvents counts events accepted by the ingest server,
	// labeled by event kind.
	MetricIngestedEvents = "ingested_events_total"

	// MetricConnectedSessions gauges the number of currently connected
	// instrumented sessions.
	MetricConnectedSessions = "connected_sessions"

	// MetricRingEvictions counts events evicted from the memory ring on
	// overflow.
	MetricRingEvictions = "ring_evictions_total"

	// MetricSubscriberDrops counts events dropped for slow bus
	// subscribers, labeled by subscriber name.
	MetricSubscriberDrops = "subscriber_dropped_events_total"

	// MetricFlushBatches counts durable log batch flushes.
	MetricFlushBatches = "flush_batches_total"

	// MetricDroppedBatches counts durable log batches dropped after a
	// flush failure.
	MetricDroppedBatches = "dropped_batches_total"

	// MetricFlushDuration observes durable log flush latency in seconds.
	MetricFlushDuration = "flush_duration_seconds"

	// MetricCommandOutcomes counts command dispatch completions, labeled
	// by outcome (ok, timeout, disconnected, shutdown).
	MetricCommandOutcomes = "command_outcomes_total"

	// MetricHTTPRequests counts HTTP API requests, labeled by route.
	MetricHTTPRequests = "http_requests_total"

	// MetricSnapshotsCreated counts session metric snapshots.
	MetricSnapshotsCreated = "session_snapshots_total"
)
