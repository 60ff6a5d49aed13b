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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/runtimescope/runtimescope/lib/defaults"
	"github.com/runtimescope/runtimescope/lib/projects"
	"github.com/runtimescope/runtimescope/lib/session"
	logutils "github.com/runtimescope/runtimescope/lib/utils/log"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	registry, err := projects.NewRegistry(projects.RegistryConfig{
		RootDir: t.TempDir(),
		Clock:   clockwork.NewFakeClock(),
		Log:     logutils.NewLoggerForTests(),
	})
	require.NoError(t, err)
	m, err := NewManager(ManagerConfig{
		Registry: registry,
		Clock:    clockwork.NewFakeClock(),
		Log:      logutils.NewLoggerForTests(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.CloseAll()) })
	return m
}

func TestManagerRoutesProjects(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	require.NoError(t, m.EmitEvent(t.Context(), "shop", consoleEvent(t, uuid.NewString(), "s1", 1000, "shop event")))
	require.NoError(t, m.EmitEvent(t.Context(), "blog", consoleEvent(t, uuid.NewString(), "s2", 2000, "blog event")))
	// The empty project name falls back to the default project.
	require.NoError(t, m.EmitEvent(t.Context(), "", consoleEvent(t, uuid.NewString(), "s3", 3000, "default event")))
	m.FlushAll(t.Context())

	for project, want := range map[string]int64{"shop": 1, "blog": 1, defaults.DefaultProjectName: 1} {
		count, err := m.CountEvents(t.Context(), project, Filter{})
		require.NoError(t, err)
		require.Equal(t, want, count, "project %v", project)
	}

	names, err := m.cfg.Registry.ListProjects()
	require.NoError(t, err)
	require.Equal(t, []string{"blog", defaults.DefaultProjectName, "shop"}, names)
}

func TestManagerSessionsMerged(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	base := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, m.UpsertSession(t.Context(), session.Session{
		ID: "older", Project: "shop", AppName: "shop-web",
		ConnectedAt: base, IsConnected: true,
	}))
	require.NoError(t, m.UpsertSession(t.Context(), session.Session{
		ID: "newer", Project: "blog", AppName: "blog-web",
		ConnectedAt: base.Add(time.Minute), IsConnected: true,
	}))
	require.NoError(t, m.MarkSessionDisconnected(t.Context(), "shop", "older", base.Add(time.Hour), 12))

	sessions, err := m.Sessions(t.Context())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "newer", sessions[0].ID)
	require.Equal(t, "older", sessions[1].ID)
	require.False(t, sessions[1].IsConnected)
	require.Equal(t, int64(12), sessions[1].EventCount)
}

func TestManagerMetricsAcrossProjects(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	_, err := m.SessionMetrics(t.Context(), "ghost")
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, m.SaveSessionMetrics(t.Context(), session.Metrics{
		SessionID: "s1", Project: "shop", CreatedAt: 1000, TotalEvents: 5,
	}))
	require.NoError(t, m.SaveSessionMetrics(t.Context(), session.Metrics{
		SessionID: "s2", Project: "blog", CreatedAt: 2000, TotalEvents: 9,
	}))

	// The owning project is found by searching every log.
	got, err := m.SessionMetrics(t.Context(), "s2")
	require.NoError(t, err)
	require.Equal(t, "blog", got.Project)
	require.Equal(t, int64(9), got.TotalEvents)

	history, err := m.SessionMetricsHistory(t.Context(), "shop", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "s1", history[0].SessionID)

	removed, err := m.PruneSessionMetrics(t.Context(), "shop", time.UnixMilli(1500))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
	_, err = m.SessionMetrics(t.Context(), "s1")
	require.True(t, trace.IsNotFound(err))
}
