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

// Package litelog implements the durable per-project event log on sqlite:
// write-batched appends, indexed filtered reads, session rows and frozen
// session metrics.
package litelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"

	runtimescope "github.com/runtimescope/runtimescope"
	"github.com/runtimescope/runtimescope/lib/defaults"
	"github.com/runtimescope/runtimescope/lib/events"
	"github.com/runtimescope/runtimescope/lib/session"
	"github.com/runtimescope/runtimescope/lib/utils"
	logutils "github.com/runtimescope/runtimescope/lib/utils/log"
)

var (
	flushBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: runtimescope.MetricNamespace,
		Name:      runtimescope.MetricFlushBatches,
		Help:      "Number of event batches flushed to the durable log",
	})
	droppedBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: runtimescope.MetricNamespace,
		Name:      runtimescope.MetricDroppedBatches,
		Help:      "Number of event batches dropped after a flush failure",
	})
	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: runtimescope.MetricNamespace,
		Name:      runtimescope.MetricFlushDuration,
		Help:      "Durable log flush latency in seconds",
		Buckets:   prometheus.DefBuckets,
	})
)

// schema is applied on every open. All statements are idempotent, so
// upgrades are by additive change only.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	project TEXT NOT NULL,
	kind TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	data_blob TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_session_id_idx ON events (session_id);
CREATE INDEX IF NOT EXISTS events_kind_idx ON events (kind);
CREATE INDEX IF NOT EXISTS events_timestamp_idx ON events (timestamp);
CREATE INDEX IF NOT EXISTS events_kind_timestamp_idx ON events (kind, timestamp);
CREATE INDEX IF NOT EXISTS events_project_idx ON events (project);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	project TEXT NOT NULL,
	app_name TEXT NOT NULL,
	connected_at INTEGER NOT NULL,
	disconnected_at INTEGER,
	sdk_version TEXT,
	event_count INTEGER NOT NULL DEFAULT 0,
	is_connected INTEGER NOT NULL DEFAULT 0,
	build_meta_blob TEXT
);
CREATE INDEX IF NOT EXISTS sessions_project_idx ON sessions (project);

CREATE TABLE IF NOT EXISTS session_metrics (
	session_id TEXT PRIMARY KEY,
	project TEXT NOT NULL,
	metrics_blob TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Config configures one project's durable event log.
type Config struct {
	// Path is the sqlite database file.
	Path string
	// Project is the project whose events this log stores.
	Project string
	// BatchSize is the queue depth that triggers a flush ahead of the
	// timer.
	BatchSize int
	// FlushInterval is the period of the flush timer.
	FlushInterval time.Duration
	// Clock drives the flush timer.
	Clock clockwork.Clock
	// Log is the logger.
	Log *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Project == "" {
		return trace.BadParameter("missing parameter Project")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaults.FlushInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(runtimescope.ComponentKey, runtimescope.ComponentEventLog)
	}
	return nil
}

// Log is the durable event log of one project.
type Log struct {
	cfg Config
	db  *sql.DB

	mu    sync.Mutex
	queue []events.Event

	trigger   chan struct{}
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New opens or creates the log and starts its background flusher. Schema
// errors are fatal; the collector refuses to run on a database it cannot
// shape.
func New(ctx context.Context, cfg Config) (*Log, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(flushBatches, droppedBatches, flushDuration); err != nil {
		return nil, trace.Wrap(err)
	}

	dsn := fmt.Sprintf("%v?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, trace.ConnectionProblem(err, "failed to open event log %v", cfg.Path)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err, "failed to apply event log schema")
	}

	l := &Log{
		cfg:     cfg,
		db:      db,
		trigger: make(chan struct{}, 1),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.flusher()
	return l, nil
}

// EmitEvent enqueues one event for batched persistence. It never blocks
// on the database.
func (l *Log) EmitEvent(ctx context.Context, e events.Event) error {
	select {
	case <-l.closed:
		return trace.ConnectionProblem(nil, "event log %v is closed", l.cfg.Project)
	default:
	}

	l.mu.Lock()
	l.queue = append(l.queue, e)
	full := len(l.queue) >= l.cfg.BatchSize
	l.mu.Unlock()

	if full {
		select {
		case l.trigger <- struct{}{}:
		default:
		}
	}
	return nil
}

func (l *Log) flusher() {
	defer close(l.done)
	ticker := l.cfg.Clock.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.trigger:
			l.flush(context.Background())
		case <-ticker.Chan():
			l.flush(context.Background())
		case <-l.closed:
			l.flush(context.Background())
			return
		}
	}
}

// flush writes the pending batch in one transaction. A failed batch is
// logged once and dropped; ingestion never blocks on persistence.
func (l *Log) flush(ctx context.Context) {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	start := l.cfg.Clock.Now()
	if err := l.writeBatch(ctx, batch); err != nil {
		droppedBatches.Inc()
		l.cfg.Log.ErrorContext(ctx, "Failed to flush event batch, dropping it.",
			"error", err, "batch_size", len(batch), "project", l.cfg.Project)
		return
	}
	flushBatches.Inc()
	flushDuration.Observe(l.cfg.Clock.Now().Sub(start).Seconds())
}

func (l *Log) writeBatch(ctx context.Context, batch []events.Event) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO events (event_id, session_id, project, kind, timestamp, data_blob)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return trace.Wrap(err)
	}
	defer stmt.Close()

	// Duplicate event ids are ignored without aborting the batch, and
	// per-session counters advance only for rows actually inserted.
	// Synthetic session lifecycle events are stored but never counted.
	inserted := make(map[string]int64)
	for _, e := range batch {
		res, err := stmt.ExecContext(ctx, e.ID, e.SessionID, l.cfg.Project, e.Kind, e.Timestamp, string(e.Payload))
		if err != nil {
			return trace.Wrap(err)
		}
		if e.Kind == events.KindSession {
			continue
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted[e.SessionID] += n
		}
	}
	for sessionID, count := range inserted {
		_, err := tx.ExecContext(ctx,
			"UPDATE sessions SET event_count = event_count + ? WHERE session_id = ?",
			count, sessionID)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(tx.Commit())
}

// Flush forces a synchronous write of the pending batch.
func (l *Log) Flush(ctx context.Context) {
	l.flush(ctx)
}

// Filter selects events on read. Zero fields do not constrain.
type Filter struct {
	// SessionID selects one session's events.
	SessionID string
	// Kinds selects event kinds.
	Kinds []string
	// Since is the inclusive lower timestamp bound in milliseconds.
	Since int64
	// Until is the inclusive upper timestamp bound in milliseconds.
	Until int64
	// Limit caps returned events; capped at the query maximum.
	Limit int
	// Offset skips leading events for pagination.
	Offset int
}

func (f *Filter) whereClause() (string, []any) {
	var conds []string
	var args []any
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Kinds) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(f.Kinds)), ", ")
		conds = append(conds, "kind IN ("+marks+")")
		for _, kind := range f.Kinds {
			args = append(args, kind)
		}
	}
	if f.Since > 0 {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.Until)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > defaults.EventsQueryLimit {
		return defaults.EventsQueryLimit
	}
	return limit
}

// SearchEvents returns persisted events matching the filter in ascending
// timestamp order, ties broken by insertion order.
func (l *Log) SearchEvents(ctx context.Context, f Filter) ([]events.Event, error) {
	where, args := f.whereClause()
	query := "SELECT event_id, session_id, kind, timestamp, data_blob FROM events" +
		where + " ORDER BY timestamp ASC, id ASC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	out := []events.Event{}
	for rows.Next() {
		var e events.Event
		var blob string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Timestamp, &blob); err != nil {
			return nil, trace.Wrap(err)
		}
		if blob != "" {
			e.Payload = json.RawMessage(blob)
		}
		out = append(out, e)
	}
	return out, trace.Wrap(rows.Err())
}

// CountEvents returns the total number of persisted events matching the
// filter, ignoring limit and offset.
func (l *Log) CountEvents(ctx context.Context, f Filter) (int64, error) {
	where, args := f.whereClause()
	var count int64
	err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&count)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return count, nil
}

// UpsertSession records a session connect. Reconnects refresh the row but
// keep the accumulated event count.
func (l *Log) UpsertSession(ctx context.Context, s session.Session) error {
	var buildMeta any
	if s.BuildMeta != nil {
		data, err := json.Marshal(s.BuildMeta)
		if err != nil {
			return trace.Wrap(err)
		}
		buildMeta = string(data)
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, project, app_name, connected_at, disconnected_at, sdk_version, event_count, is_connected, build_meta_blob)
		VALUES (?, ?, ?, ?, NULL, ?, ?, 1, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			project = excluded.project,
			app_name = excluded.app_name,
			connected_at = excluded.connected_at,
			disconnected_at = NULL,
			sdk_version = excluded.sdk_version,
			is_connected = 1,
			build_meta_blob = excluded.build_meta_blob
	`, s.ID, s.Project, s.AppName, s.ConnectedAt.UnixMilli(), s.SDKVersion, s.EventCount, buildMeta)
	return trace.Wrap(err)
}

// MarkSessionDisconnected records a session disconnect with its final
// event count. Pending events flush first so a later batch cannot bump
// the reconciled count.
func (l *Log) MarkSessionDisconnected(ctx context.Context, sessionID string, at time.Time, eventCount int64) error {
	l.flush(ctx)
	_, err := l.db.ExecContext(ctx,
		"UPDATE sessions SET is_connected = 0, disconnected_at = ?, event_count = ? WHERE session_id = ?",
		at.UnixMilli(), eventCount, sessionID)
	return trace.Wrap(err)
}

// GetSessions returns all recorded sessions, most recently connected
// first.
func (l *Log) GetSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_id, project, app_name, connected_at, disconnected_at, sdk_version, event_count, is_connected, build_meta_blob
		FROM sessions ORDER BY connected_at DESC
	`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	out := []session.Session{}
	for rows.Next() {
		var s session.Session
		var connectedAt int64
		var disconnectedAt sql.NullInt64
		var sdkVersion, buildMeta sql.NullString
		var isConnected int64
		err := rows.Scan(&s.ID, &s.Project, &s.AppName, &connectedAt, &disconnectedAt, &sdkVersion, &s.EventCount, &isConnected, &buildMeta)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.ConnectedAt = time.UnixMilli(connectedAt)
		if disconnectedAt.Valid {
			s.DisconnectedAt = time.UnixMilli(disconnectedAt.Int64)
		}
		s.SDKVersion = sdkVersion.String
		s.IsConnected = isConnected != 0
		if buildMeta.Valid && buildMeta.String != "" {
			var meta events.BuildMeta
			if err := json.Unmarshal([]byte(buildMeta.String), &meta); err != nil {
				return nil, trace.BadParameter("malformed build metadata of session %v: %v", s.ID, err)
			}
			s.BuildMeta = &meta
		}
		out = append(out, s)
	}
	return out, trace.Wrap(rows.Err())
}

// SaveSessionMetrics stores one frozen session roll-up, replacing any
// previous roll-up of the same session.
func (l *Log) SaveSessionMetrics(ctx context.Context, m session.Metrics) error {
	blob, err := json.Marshal(m)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO session_metrics (session_id, project, metrics_blob, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			project = excluded.project,
			metrics_blob = excluded.metrics_blob,
			created_at = excluded.created_at
	`, m.SessionID, m.Project, string(blob), m.CreatedAt)
	return trace.Wrap(err)
}

// SessionMetrics returns the stored roll-up of one session.
func (l *Log) SessionMetrics(ctx context.Context, sessionID string) (*session.Metrics, error) {
	var blob string
	err := l.db.QueryRowContext(ctx,
		"SELECT metrics_blob FROM session_metrics WHERE session_id = ?",
		sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trace.NotFound("no metrics for session %v", sessionID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var m session.Metrics
	if err := json.Unmarshal([]byte(blob), &m); err != nil {
		return nil, trace.BadParameter("malformed metrics of session %v: %v", sessionID, err)
	}
	return &m, nil
}

// SessionMetricsHistory returns the most recent roll-ups of a project,
// newest first.
func (l *Log) SessionMetricsHistory(ctx context.Context, project string, limit int) ([]session.Metrics, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT metrics_blob FROM session_metrics
		WHERE project = ? ORDER BY created_at DESC LIMIT ?
	`, project, clampLimit(limit))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	out := []session.Metrics{}
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, trace.Wrap(err)
		}
		var m session.Metrics
		if err := json.Unmarshal([]byte(blob), &m); err != nil {
			return nil, trace.BadParameter("malformed metrics blob in project %v: %v", project, err)
		}
		out = append(out, m)
	}
	return out, trace.Wrap(rows.Err())
}

// DeleteEventsBefore removes events older than the given timestamp,
// returning how many were removed.
func (l *Log) DeleteEventsBefore(ctx context.Context, ts int64) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", ts)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	return n, trace.Wrap(err)
}

// DeleteSessionMetricsBefore removes session roll-ups created before the
// given timestamp, returning how many were removed.
func (l *Log) DeleteSessionMetricsBefore(ctx context.Context, ts int64) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM session_metrics WHERE created_at < ?", ts)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	return n, trace.Wrap(err)
}

// Compact reclaims storage released by deletions.
func (l *Log) Compact(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "VACUUM")
	return trace.Wrap(err)
}

// Close flushes the pending batch and closes the database.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
	})
	<-l.done
	return trace.Wrap(l.db.Close())
}
