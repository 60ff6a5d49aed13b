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

// Package service wires the collector components into one runnable
// process: project registry, durable and in-memory event logs, session
// metrics manager, ingest server and the HTTP facade.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	runtimescope "github.com/runtimescope/runtimescope"
	"github.com/runtimescope/runtimescope/lib/defaults"
	"github.com/runtimescope/runtimescope/lib/events/litelog"
	"github.com/runtimescope/runtimescope/lib/events/memlog"
	"github.com/runtimescope/runtimescope/lib/ingest"
	"github.com/runtimescope/runtimescope/lib/projects"
	"github.com/runtimescope/runtimescope/lib/session"
	"github.com/runtimescope/runtimescope/lib/web"
)

// Collector is the assembled collector process.
type Collector struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	registry *projects.Registry
	memLog   *memlog.Log
	eventLog *litelog.Manager
	sessions *session.Manager
	ingest   *ingest.Server
	web      *web.Handler

	supervisor *Supervisor
	// eventsSub feeds the session metrics manager from the event bus.
	eventsSub *memlog.Subscription

	mu           sync.Mutex
	started      bool
	closed       bool
	httpListener net.Listener
	httpServer   *http.Server
	diagListener net.Listener
	diagServer   *http.Server
}

// New builds a collector from the config without binding any port.
// Listeners come up in Start.
func New(cfg Config) (*Collector, error) {
	registry, err := projects.NewRegistry(projects.RegistryConfig{
		RootDir: cfg.RootDir,
		Clock:   cfg.Clock,
		Log:     componentLogger(cfg.Log, runtimescope.ComponentRegistry),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := registry.EnsureGlobalDir(); err != nil {
		return nil, trace.Wrap(err)
	}
	// The on-disk global config backfills anything flags and env left
	// unset; hard defaults cover the rest.
	global, err := registry.GlobalConfig()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.IngestPort == 0 {
		cfg.IngestPort = global.DefaultPort
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = global.HTTPPort
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = global.BufferSize
	}
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	memLog, err := memlog.NewLog(memlog.Config{
		Capacity: cfg.BufferSize,
		Clock:    cfg.Clock,
		Log:      componentLogger(cfg.Log, runtimescope.ComponentMemLog),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	eventLog, err := litelog.NewManager(litelog.ManagerConfig{
		Registry: registry,
		Clock:    cfg.Clock,
		Log:      componentLogger(cfg.Log, runtimescope.ComponentEventLog),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	eventsSub := memLog.Subscribe("session-manager")
	sessions, err := session.NewManager(session.ManagerConfig{
		Store:  eventLog,
		Events: eventsSub.Events(),
		Clock:  cfg.Clock,
		Log:    componentLogger(cfg.Log, runtimescope.ComponentSession),
	})
	if err != nil {
		eventsSub.Close()
		return nil, trace.Wrap(err)
	}
	ingestServer, err := ingest.NewServer(ingest.ServerConfig{
		Addr:     cfg.ingestAddr(),
		MemLog:   memLog,
		EventLog: eventLog,
		Registry: registry,
		Sessions: sessions,
		Clock:    cfg.Clock,
		Log:      componentLogger(cfg.Log, runtimescope.ComponentIngest),
		PreStart: cfg.PreStart,
	})
	if err != nil {
		eventsSub.Close()
		return nil, trace.Wrap(err)
	}
	webHandler, err := web.NewHandler(web.Config{
		MemLog:    memLog,
		Registry:  registry,
		Commander: ingestServer,
		Clock:     cfg.Clock,
		Log:       componentLogger(cfg.Log, runtimescope.ComponentWeb),
	})
	if err != nil {
		eventsSub.Close()
		return nil, trace.Wrap(err)
	}
	return &Collector{
		cfg:        cfg,
		log:        componentLogger(cfg.Log, runtimescope.ComponentCollector),
		clock:      cfg.Clock,
		registry:   registry,
		memLog:     memLog,
		eventLog:   eventLog,
		sessions:   sessions,
		ingest:     ingestServer,
		web:        webHandler,
		supervisor: NewSupervisor(componentLogger(cfg.Log, runtimescope.ComponentCollector)),
		eventsSub:  eventsSub,
	}, nil
}

func componentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(runtimescope.ComponentKey, component)
}

// Start brings up the listeners and launches the supervised services. On
// error everything already started is torn down.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return trace.BadParameter("collector is already started")
	}
	c.started = true
	c.mu.Unlock()

	c.hydrateSessions(ctx)
	c.pruneRetention(ctx)

	if err := c.ingest.Start(ctx); err != nil {
		return trace.Wrap(err)
	}
	httpListener, err := net.Listen("tcp", c.cfg.httpAddr())
	if err != nil {
		c.ingest.Close()
		return trace.Wrap(trace.ConvertSystemError(err), "failed to bind HTTP address %v", c.cfg.httpAddr())
	}
	httpServer := &http.Server{
		Handler:           c.web,
		ReadHeaderTimeout: defaults.ReadHeadersTimeout,
	}
	c.mu.Lock()
	c.httpListener = httpListener
	c.httpServer = httpServer
	c.mu.Unlock()

	c.supervisor.RegisterFunc("web", func(ctx context.Context) error {
		if err := httpServer.Serve(httpListener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	c.supervisor.RegisterFunc("session-metrics", func(ctx context.Context) error {
		return trace.Wrap(c.sessions.Run(ctx))
	})
	if c.cfg.DiagAddr != "" {
		if err := c.startDiagnostics(ctx); err != nil {
			c.ingest.Close()
			httpListener.Close()
			return trace.Wrap(err)
		}
	}
	if err := c.supervisor.Start(ctx); err != nil {
		return trace.Wrap(err)
	}
	c.log.InfoContext(ctx, "Collector is ready.",
		"ingest_addr", c.ingest.Addr().String(),
		"http_addr", httpListener.Addr().String(),
		"data_dir", c.registry.RootDir())
	return nil
}

// startDiagnostics binds the optional diagnostics endpoint: Prometheus
// metrics, a liveness probe and the pprof handlers.
func (c *Collector) startDiagnostics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		roundtrip.ReplyJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	listener, err := net.Listen("tcp", c.cfg.DiagAddr)
	if err != nil {
		return trace.Wrap(trace.ConvertSystemError(err), "failed to bind diagnostics address %v", c.cfg.DiagAddr)
	}
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: defaults.ReadHeadersTimeout,
	}
	c.mu.Lock()
	c.diagListener = listener
	c.diagServer = server
	c.mu.Unlock()

	c.supervisor.RegisterFunc("diagnostics", func(ctx context.Context) error {
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	c.log.InfoContext(ctx, "Diagnostics endpoint is enabled.", "diag_addr", listener.Addr().String())
	return nil
}

// hydrateSessions restores the in-memory session table from the durable
// logs so listings know about sessions recorded by previous runs. Failures
// are logged, a collector that cannot read old state still serves live
// traffic.
func (c *Collector) hydrateSessions(ctx context.Context) {
	stored, err := c.eventLog.Sessions(ctx)
	if err != nil {
		c.log.WarnContext(ctx, "Failed to restore sessions from disk.", "error", err)
		return
	}
	for _, s := range stored {
		// A crashed process can leave sessions marked connected.
		// Nothing is connected at startup.
		s.IsConnected = false
		c.memLog.UpsertSession(s.Info())
	}
	if len(stored) > 0 {
		c.log.InfoContext(ctx, "Restored sessions from disk.", "sessions", len(stored))
	}
}

// pruneRetention removes per-project session snapshots and stored metric
// roll-ups older than the project's retention period.
func (c *Collector) pruneRetention(ctx context.Context) {
	names, err := c.registry.ListProjects()
	if err != nil {
		c.log.WarnContext(ctx, "Failed to list projects for retention pruning.", "error", err)
		return
	}
	for _, project := range names {
		projectConfig, err := c.registry.ProjectConfig(project)
		if err != nil {
			c.log.WarnContext(ctx, "Failed to read project config, skipping retention pruning.",
				"project", project, "error", err)
			continue
		}
		days := projectConfig.Settings.RetentionDays
		if days <= 0 {
			days = defaults.RetentionDays
		}
		cutoff := c.clock.Now().AddDate(0, 0, -days)
		pruned, err := c.registry.PruneSessionFiles(project, cutoff)
		if err != nil {
			c.log.WarnContext(ctx, "Failed to prune session files.", "project", project, "error", err)
		} else if pruned > 0 {
			c.log.InfoContext(ctx, "Pruned expired session files.", "project", project, "files", pruned)
		}
		rollups, err := c.eventLog.PruneSessionMetrics(ctx, project, cutoff)
		if err != nil {
			c.log.WarnContext(ctx, "Failed to prune stored session metrics.", "project", project, "error", err)
		} else if rollups > 0 {
			c.log.InfoContext(ctx, "Pruned expired session metrics.", "project", project, "rollups", rollups)
		}
	}
}

// IngestAddr returns the bound ingest listener address. Valid after Start.
func (c *Collector) IngestAddr() net.Addr {
	return c.ingest.Addr()
}

// HTTPAddr returns the bound HTTP listener address. Valid after Start.
func (c *Collector) HTTPAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpListener == nil {
		return nil
	}
	return c.httpListener.Addr()
}

// Close shuts the collector down in dependency order: the ingest server
// stops accepting and completes pending commands, session aggregates and
// durable logs flush, then the HTTP facade drains within the shutdown
// budget. Close is idempotent.
func (c *Collector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	httpServer := c.httpServer
	diagServer := c.diagServer
	c.mu.Unlock()

	var errs []error
	// SDK connections first: their teardown writes the final disconnect
	// records and metric roll-ups, so the logs must still be open.
	if err := c.ingest.Close(); err != nil {
		errs = append(errs, trace.Wrap(err))
	}
	c.supervisor.Stop()
	c.eventsSub.Close()
	if err := c.sessions.Close(); err != nil {
		errs = append(errs, trace.Wrap(err))
	}
	if err := c.eventLog.CloseAll(); err != nil {
		errs = append(errs, trace.Wrap(err))
	}
	// Live event streams are hijacked connections; HTTP shutdown does
	// not reach them, the handler closes them itself.
	if err := c.web.Close(); err != nil {
		errs = append(errs, trace.Wrap(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, trace.Wrap(err))
		}
	}
	if diagServer != nil {
		if err := diagServer.Shutdown(ctx); err != nil {
			errs = append(errs, trace.Wrap(err))
		}
	}
	if err := c.supervisor.Wait(); err != nil {
		errs = append(errs, trace.Wrap(err))
	}
	return trace.NewAggregate(errs...)
}

// Run starts a collector and blocks until the context ends or a service
// fails, then shuts everything down.
func Run(ctx context.Context, cfg Config) error {
	collector, err := New(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := collector.Start(ctx); err != nil {
		return trace.Wrap(err)
	}
	select {
	case <-ctx.Done():
	case <-collector.supervisor.Done():
	}
	return trace.Wrap(collector.Close())
}
