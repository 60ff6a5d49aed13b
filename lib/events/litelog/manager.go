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

package litelog

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	runtimescope "github.com/runtimescope/runtimescope"
	"github.com/runtimescope/runtimescope/lib/defaults"
	"github.com/runtimescope/runtimescope/lib/events"
	"github.com/runtimescope/runtimescope/lib/projects"
	"github.com/runtimescope/runtimescope/lib/session"
	logutils "github.com/runtimescope/runtimescope/lib/utils/log"
)

// ManagerConfig configures the durable log manager.
type ManagerConfig struct {
	// Registry resolves project directories and seeds them on demand.
	Registry *projects.Registry
	// BatchSize overrides the per-log flush batch size.
	BatchSize int
	// FlushInterval overrides the per-log flush period.
	FlushInterval time.Duration
	// Clock drives the per-log flush timers.
	Clock clockwork.Clock
	// Log is the logger.
	Log *slog.Logger
}

func (c *ManagerConfig) checkAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(runtimescope.ComponentKey, runtimescope.ComponentEventLog)
	}
	return nil
}

// Manager routes durable log operations to per-project logs, opening them
// lazily on first use. It satisfies the session metrics store contract
// across all projects.
type Manager struct {
	cfg ManagerConfig

	mu   sync.Mutex
	logs map[string]*Log
}

// NewManager creates a durable log manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		cfg:  cfg,
		logs: make(map[string]*Log),
	}, nil
}

// ProjectLog returns the project's durable log, opening it on first use.
func (m *Manager) ProjectLog(ctx context.Context, project string) (*Log, error) {
	if project == "" {
		project = defaults.DefaultProjectName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if log, ok := m.logs[project]; ok {
		return log, nil
	}
	if _, err := m.cfg.Registry.EnsureProjectDir(project); err != nil {
		return nil, trace.Wrap(err)
	}
	log, err := New(ctx, Config{
		Path:          m.cfg.Registry.EventsDBPath(project),
		Project:       project,
		BatchSize:     m.cfg.BatchSize,
		FlushInterval: m.cfg.FlushInterval,
		Clock:         m.cfg.Clock,
		Log:           m.cfg.Log.With("project", project),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.logs[project] = log
	return log, nil
}

// EmitEvent enqueues one event into the project's durable log.
func (m *Manager) EmitEvent(ctx context.Context, project string, e events.Event) error {
	log, err := m.ProjectLog(ctx, project)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(log.EmitEvent(ctx, e))
}

// SearchEvents reads persisted events of one project.
func (m *Manager) SearchEvents(ctx context.Context, project string, f Filter) ([]events.Event, error) {
	log, err := m.ProjectLog(ctx, project)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return log.SearchEvents(ctx, f)
}

// CountEvents counts persisted events of one project.
func (m *Manager) CountEvents(ctx context.Context, project string, f Filter) (int64, error) {
	log, err := m.ProjectLog(ctx, project)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return log.CountEvents(ctx, f)
}

// UpsertSession records a session connect in its project's log.
func (m *Manager) UpsertSession(ctx context.Context, s session.Session) error {
	log, err := m.ProjectLog(ctx, s.Project)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(log.UpsertSession(ctx, s))
}

// MarkSessionDisconnected records a session disconnect in its project's
// log.
func (m *Manager) MarkSessionDisconnected(ctx context.Context, project, sessionID string, at time.Time, eventCount int64) error {
	log, err := m.ProjectLog(ctx, project)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(log.MarkSessionDisconnected(ctx, sessionID, at, eventCount))
}

// Sessions returns recorded sessions across all projects on disk, most
// recently connected first.
func (m *Manager) Sessions(ctx context.Context) ([]session.Session, error) {
	names, err := m.cfg.Registry.ListProjects()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := []session.Session{}
	for _, project := range names {
		log, err := m.ProjectLog(ctx, project)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		sessions, err := log.GetSessions(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, sessions...)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.After(out[j].ConnectedAt)
	})
	return out, nil
}

// SaveSessionMetrics stores a frozen roll-up in its project's log.
func (m *Manager) SaveSessionMetrics(ctx context.Context, metrics session.Metrics) error {
	log, err := m.ProjectLog(ctx, metrics.Project)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(log.SaveSessionMetrics(ctx, metrics))
}

// SessionMetrics finds a session's stored roll-up. The owning project is
// not part of the key, so all projects on disk are consulted.
func (m *Manager) SessionMetrics(ctx context.Context, sessionID string) (*session.Metrics, error) {
	names, err := m.cfg.Registry.ListProjects()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, project := range names {
		log, err := m.ProjectLog(ctx, project)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		metrics, err := log.SessionMetrics(ctx, sessionID)
		if err == nil {
			return metrics, nil
		}
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
	}
	return nil, trace.NotFound("no metrics for session %v", sessionID)
}

// SessionMetricsHistory returns the most recent roll-ups of one project,
// newest first.
func (m *Manager) SessionMetricsHistory(ctx context.Context, project string, limit int) ([]session.Metrics, error) {
	log, err := m.ProjectLog(ctx, project)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return log.SessionMetricsHistory(ctx, project, limit)
}

// PruneSessionMetrics removes a project's session roll-ups created before
// the cutoff, returning how many were removed.
func (m *Manager) PruneSessionMetrics(ctx context.Context, project string, cutoff time.Time) (int64, error) {
	log, err := m.ProjectLog(ctx, project)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return log.DeleteSessionMetricsBefore(ctx, cutoff.UnixMilli())
}

// FlushAll forces a synchronous flush of every open log.
func (m *Manager) FlushAll(ctx context.Context) {
	m.mu.Lock()
	logs := make([]*Log, 0, len(m.logs))
	for _, log := range m.logs {
		logs = append(logs, log)
	}
	m.mu.Unlock()
	for _, log := range logs {
		log.Flush(ctx)
	}
}

// CloseAll flushes and closes every open log.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	logs := m.logs
	m.logs = make(map[string]*Log)
	m.mu.Unlock()

	var errs []error
	for project, log := range logs {
		if err := log.Close(); err != nil {
			errs = append(errs, trace.Wrap(err, "failed to close event log of project %v", project))
		}
	}
	return trace.NewAggregate(errs...)
}
