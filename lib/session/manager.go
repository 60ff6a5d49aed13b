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

package session

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	runtimescope "github.com/runtimescope/runtimescope"
	"github.com/runtimescope/runtimescope/lib/defaults"
	"github.com/runtimescope/runtimescope/lib/events"
	"github.com/runtimescope/runtimescope/lib/utils"
	logutils "github.com/runtimescope/runtimescope/lib/utils/log"
)

var snapshotsCreated = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: runtimescope.MetricNamespace,
		Name:      runtimescope.MetricSnapshotsCreated,
		Help:      "Number of session metric snapshots persisted",
	},
)

// ManagerConfig configures the session metrics manager.
type ManagerConfig struct {
	// Store persists frozen roll-ups.
	Store MetricsStore
	// Events optionally feeds the manager from the event bus; consumed
	// by Run.
	Events <-chan events.Event
	// Clock is used to stamp snapshots and drive dedup.
	Clock clockwork.Clock
	// Log is the logger.
	Log *slog.Logger
	// Workers bounds concurrent snapshot and comparison work.
	Workers int
	// CacheSize bounds retained finished-session aggregates.
	CacheSize int
	// DedupWindow is how long a snapshot stays authoritative before a
	// new request recomputes it.
	DedupWindow time.Duration
}

func (c *ManagerConfig) checkAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(runtimescope.ComponentKey, runtimescope.ComponentSession)
	}
	if c.Workers <= 0 {
		c.Workers = max(2, runtime.NumCPU())
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaults.SessionCacheSize
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaults.SnapshotDedupWindow
	}
	return nil
}

type snapshotEntry struct {
	metrics *Metrics
	at      time.Time
}

// Manager tracks live session aggregates and serves snapshot, history and
// comparison requests over them.
type Manager struct {
	cfg ManagerConfig

	mu sync.Mutex
	// live holds aggregates of currently connected sessions.
	live map[string]*aggregate
	// recent dedups snapshot requests per session.
	recent map[string]snapshotEntry
	// finished retains roll-ups of disconnected sessions for comparison
	// without a store read.
	finished *lru.Cache[string, *Metrics]

	// sem bounds concurrent snapshot/compare work; save holds the
	// in-flight final-snapshot writers.
	sem  *semaphore.Weighted
	save *errgroup.Group
}

// NewManager creates a session metrics manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(snapshotsCreated); err != nil {
		return nil, trace.Wrap(err)
	}
	finished, err := lru.New[string, *Metrics](cfg.CacheSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	save := &errgroup.Group{}
	save.SetLimit(cfg.Workers)
	return &Manager{
		cfg:      cfg,
		live:     make(map[string]*aggregate),
		recent:   make(map[string]snapshotEntry),
		finished: finished,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		save:     save,
	}, nil
}

// OnSessionStart begins aggregating for a session. A session id seen
// before resumes its previous aggregate, so reconnects keep accumulating
// rather than starting over.
func (m *Manager) OnSessionStart(sessionID, project string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[sessionID]; ok {
		// Displaced reconnect, the aggregate keeps running.
		return
	}
	if frozen, ok := m.finished.Get(sessionID); ok {
		m.finished.Remove(sessionID)
		m.live[sessionID] = unfreeze(frozen)
		m.cfg.Log.DebugContext(context.Background(), "Resumed session aggregate.", "session_id", sessionID)
		return
	}
	m.live[sessionID] = newAggregate(sessionID, project)
}

// OnSessionEnd freezes the session's aggregate, retains it for comparison
// and persists it in the background.
func (m *Manager) OnSessionEnd(sessionID string) {
	m.mu.Lock()
	agg, ok := m.live[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.live, sessionID)
	frozen := agg.freeze(m.cfg.Clock.Now().UnixMilli())
	m.finished.Add(sessionID, frozen)
	m.mu.Unlock()

	if !m.save.TryGo(func() error {
		m.persist(frozen)
		return nil
	}) {
		// Writer pool saturated, persist on the caller.
		m.persist(frozen)
	}
}

func (m *Manager) persist(frozen *Metrics) {
	ctx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()
	if err := m.cfg.Store.SaveSessionMetrics(ctx, *frozen); err != nil {
		m.cfg.Log.WarnContext(ctx, "Failed to persist session metrics.",
			"session_id", frozen.SessionID, "error", err)
		return
	}
	snapshotsCreated.Inc()
}

// Observe folds one event into its session's aggregate. Session lifecycle
// events are bookkeeping, not telemetry, and are skipped.
func (m *Manager) Observe(e events.Event) {
	if e.Kind == events.KindSession {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	agg, ok := m.live[e.SessionID]
	if !ok {
		// Event raced ahead of lifecycle bookkeeping; start an
		// aggregate with the project unknown.
		agg = newAggregate(e.SessionID, "")
		m.live[e.SessionID] = agg
	}
	agg.observe(e)
}

// Run consumes the configured event channel until the context ends.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.Events == nil {
		return trace.BadParameter("manager has no event channel configured")
	}
	for {
		select {
		case e, ok := <-m.cfg.Events:
			if !ok {
				return nil
			}
			m.Observe(e)
		case <-ctx.Done():
			return nil
		}
	}
}

// CreateSnapshot freezes and persists the current aggregate of a session.
// Repeated requests within the dedup window return the snapshot already
// taken, so bursts of UI refreshes cost one store write.
func (m *Manager) CreateSnapshot(ctx context.Context, sessionID string) (*Metrics, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, trace.Wrap(err)
	}
	defer m.sem.Release(1)

	now := m.cfg.Clock.Now()
	m.mu.Lock()
	if entry, ok := m.recent[sessionID]; ok && now.Sub(entry.at) < m.cfg.DedupWindow {
		m.mu.Unlock()
		return entry.metrics, nil
	}
	for id, entry := range m.recent {
		if now.Sub(entry.at) >= m.cfg.DedupWindow {
			delete(m.recent, id)
		}
	}
	agg, live := m.live[sessionID]
	var frozen *Metrics
	if live {
		frozen = agg.freeze(now.UnixMilli())
		m.recent[sessionID] = snapshotEntry{metrics: frozen, at: now}
	} else if cached, ok := m.finished.Get(sessionID); ok {
		frozen = cached
	}
	m.mu.Unlock()

	if frozen == nil {
		stored, err := m.cfg.Store.SessionMetrics(ctx, sessionID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return stored, nil
	}
	if live {
		if err := m.cfg.Store.SaveSessionMetrics(ctx, *frozen); err != nil {
			return nil, trace.Wrap(err)
		}
		snapshotsCreated.Inc()
	}
	return frozen, nil
}

// SessionHistory returns the most recent persisted roll-ups of a project,
// newest first.
func (m *Manager) SessionHistory(ctx context.Context, project string, limit int) ([]Metrics, error) {
	history, err := m.cfg.Store.SessionMetricsHistory(ctx, project, limit)
	return history, trace.Wrap(err)
}

// CompareSessions diffs two sessions, live or finished. The first session
// is the baseline.
func (m *Manager) CompareSessions(ctx context.Context, baselineID, candidateID string) (*DiffResult, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, trace.Wrap(err)
	}
	defer m.sem.Release(1)

	baseline, err := m.resolveMetrics(ctx, baselineID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	candidate, err := m.resolveMetrics(ctx, candidateID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return Compare(baseline, candidate), nil
}

// resolveMetrics finds a session's roll-up wherever it currently lives:
// a live aggregate, the finished cache, or the store.
func (m *Manager) resolveMetrics(ctx context.Context, sessionID string) (*Metrics, error) {
	m.mu.Lock()
	if agg, ok := m.live[sessionID]; ok {
		frozen := agg.freeze(m.cfg.Clock.Now().UnixMilli())
		m.mu.Unlock()
		return frozen, nil
	}
	if cached, ok := m.finished.Get(sessionID); ok {
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	stored, err := m.cfg.Store.SessionMetrics(ctx, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return stored, nil
}

// Close waits for in-flight metric writes to finish.
func (m *Manager) Close() error {
	return trace.Wrap(m.save.Wait())
}
