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

// Package web implements the collector's HTTP facade: the historical query
// API under /api, the live event stream under /api/ws/events and command
// pass-through dispatch to connected sessions.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"

	runtimescope "github.com/runtimescope/runtimescope"
	"github.com/runtimescope/runtimescope/lib/events"
	"github.com/runtimescope/runtimescope/lib/events/memlog"
	"github.com/runtimescope/runtimescope/lib/httplib"
	"github.com/runtimescope/runtimescope/lib/ingest"
	"github.com/runtimescope/runtimescope/lib/projects"
	"github.com/runtimescope/runtimescope/lib/utils"
	logutils "github.com/runtimescope/runtimescope/lib/utils/log"
)

var httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: runtimescope.MetricNamespace,
	Name:      runtimescope.MetricHTTPRequests,
	Help:      "Number of HTTP API requests by route",
}, []string{"route"})

// Commander dispatches a command to a connected session. Implemented by
// the ingest server.
type Commander interface {
	SendCommand(ctx context.Context, sessionID string, cmd ingest.Command) (json.RawMessage, error)
}

// Config holds the web handler dependencies.
type Config struct {
	// MemLog is the in-memory event store queries are served from.
	MemLog *memlog.Log
	// Registry lists the known projects.
	Registry *projects.Registry
	// Commander dispatches commands to connected sessions. Optional;
	// without it SendCommand fails.
	Commander Commander
	// Clock is the time source.
	Clock clockwork.Clock
	// Log is the logger.
	Log *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.MemLog == nil {
		return trace.BadParameter("missing parameter MemLog")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(runtimescope.ComponentKey, runtimescope.ComponentWeb)
	}
	return nil
}

// Handler is the HTTP query and stream handler.
type Handler struct {
	httprouter.Router
	cfg      Config
	log      *slog.Logger
	clock    clockwork.Clock
	upgrader websocket.Upgrader

	closeOnce sync.Once
	// closing is closed on shutdown to end open event streams.
	closing chan struct{}
}

// NewHandler returns an HTTP handler serving the collector API.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(httpRequests); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:   cfg,
		log:   cfg.Log,
		clock: cfg.Clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		closing: make(chan struct{}),
	}

	h.handle(http.MethodGet, "/api/health", h.health)
	h.handle(http.MethodGet, "/api/sessions", h.sessions)

	// Historical event queries, one route per event kind plus the merged
	// timeline.
	h.handle(http.MethodGet, "/api/events/network", h.networkEvents)
	h.handle(http.MethodGet, "/api/events/console", h.consoleEvents)
	h.handle(http.MethodGet, "/api/events/state", h.stateEvents)
	h.handle(http.MethodGet, "/api/events/renders", h.renderEvents)
	h.handle(http.MethodGet, "/api/events/performance", h.performanceEvents)
	h.handle(http.MethodGet, "/api/events/database", h.databaseEvents)
	h.handle(http.MethodGet, "/api/events/timeline", h.timeline)
	h.handle(http.MethodDelete, "/api/events", h.clearEvents)

	h.handle(http.MethodGet, "/api/projects", h.projects)
	h.handle(http.MethodGet, "/api/projects/:project/infrastructure", h.projectInfrastructure)

	// Live stream. Bound without the JSON handler wrapper: the connection
	// is hijacked on upgrade and outlives the request budget.
	h.GET("/api/ws/events", h.streamEvents)

	h.HandleOPTIONS = true
	h.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.SetCORSHeaders(w)
		w.WriteHeader(http.StatusNoContent)
	})
	h.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httplib.SetCORSHeaders(w)
		httplib.ReplyNotFound(w, r)
	})
	h.PanicHandler = func(w http.ResponseWriter, r *http.Request, p any) {
		h.log.ErrorContext(r.Context(), "Recovered from a panic in an API handler.",
			"path", r.URL.Path, "panic", p)
		httplib.ReplyError(w, trace.Errorf("%v", p))
	}
	return h, nil
}

// Close terminates open event stream connections. The HTTP server itself
// is owned by the caller.
func (h *Handler) Close() error {
	h.closeOnce.Do(func() {
		close(h.closing)
	})
	return nil
}

// handle binds a JSON handler with request counting and CORS headers.
func (h *Handler) handle(method, path string, fn httplib.HandlerFunc) {
	handler := httplib.MakeHandler(fn)
	h.Handle(method, path, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		httpRequests.WithLabelValues(path).Inc()
		httplib.SetCORSHeaders(w)
		handler(w, r, p)
	})
}

// SendCommand dispatches a command to a connected session and returns its
// response payload.
func (h *Handler) SendCommand(ctx context.Context, sessionID string, cmd ingest.Command) (json.RawMessage, error) {
	if h.cfg.Commander == nil {
		return nil, trace.NotImplemented("command dispatch is not available")
	}
	out, err := h.cfg.Commander.SendCommand(ctx, sessionID, cmd)
	return out, trace.Wrap(err)
}

// listResponse is the envelope of every listing route. Data is never null.
type listResponse[T any] struct {
	Data  []T `json:"data"`
	Count int `json:"count"`
}

func listOf[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Data: items, Count: len(items)}
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// health is a liveness probe.
//
// GET /api/health
func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return healthResponse{
		Status:    "ok",
		Timestamp: h.clock.Now().UnixMilli(),
	}, nil
}

// sessions lists the sessions known to the in-memory store, connected and
// recently finished.
//
// GET /api/sessions
func (h *Handler) sessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return listOf(h.cfg.MemLog.Sessions()), nil
}

// GET /api/events/network?since_seconds=&url_pattern=&method=&status=&session_id=
func (h *Handler) networkEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	values := r.URL.Query()
	q := eventQuery(values)
	q.URLPattern = values.Get("url_pattern")
	q.Method = values.Get("method")
	q.Status = intParam(values, "status")
	return listOf(h.cfg.MemLog.NetworkEvents(q)), nil
}

// GET /api/events/console?since_seconds=&level=&search=&session_id=
func (h *Handler) consoleEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	values := r.URL.Query()
	q := eventQuery(values)
	q.Level = values.Get("level")
	q.Search = values.Get("search")
	return listOf(h.cfg.MemLog.ConsoleEvents(q)), nil
}

// GET /api/events/state?since_seconds=&store_id=&session_id=
func (h *Handler) stateEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	values := r.URL.Query()
	q := eventQuery(values)
	q.StoreID = values.Get("store_id")
	return listOf(h.cfg.MemLog.StateEvents(q)), nil
}

// GET /api/events/renders?since_seconds=&component=&session_id=
func (h *Handler) renderEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	values := r.URL.Query()
	q := eventQuery(values)
	q.Component = values.Get("component")
	return listOf(h.cfg.MemLog.RenderEvents(q)), nil
}

// GET /api/events/performance?since_seconds=&metric=&session_id=
func (h *Handler) performanceEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	values := r.URL.Query()
	q := eventQuery(values)
	q.Metric = values.Get("metric")
	return listOf(h.cfg.MemLog.PerformanceEvents(q)), nil
}

// GET /api/events/database?since_seconds=&table=&min_duration_ms=&search=&session_id=
func (h *Handler) databaseEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	values := r.URL.Query()
	q := eventQuery(values)
	q.Table = values.Get("table")
	q.Search = values.Get("search")
	q.MinDurationMS = floatParam(values, "min_duration_ms")
	return listOf(h.cfg.MemLog.DatabaseEvents(q)), nil
}

// timeline returns events of all kinds merged in time order, optionally
// restricted by a comma-separated kind list.
//
// GET /api/events/timeline?since_seconds=&event_types=&session_id=
func (h *Handler) timeline(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	values := r.URL.Query()
	q := eventQuery(values)
	q.Kinds = splitKinds(values.Get("event_types"))
	return listOf(h.cfg.MemLog.Timeline(q)), nil
}

type clearedResponse struct {
	Cleared int `json:"cleared"`
}

// clearEvents empties the in-memory event ring. The durable log and the
// session table are untouched.
//
// DELETE /api/events
func (h *Handler) clearEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return clearedResponse{Cleared: h.cfg.MemLog.Clear()}, nil
}

// ProjectSummary is one project in the /api/projects listing, merging the
// on-disk registry with live session state.
type ProjectSummary struct {
	AppName     string   `json:"appName"`
	Sessions    []string `json:"sessions"`
	IsConnected bool     `json:"isConnected"`
	EventCount  int64    `json:"eventCount"`
}

// projects lists the known projects with their sessions.
//
// GET /api/projects
func (h *Handler) projects(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	names, err := h.cfg.Registry.ListProjects()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	summaries := make(map[string]*ProjectSummary, len(names))
	for _, name := range names {
		summaries[name] = &ProjectSummary{AppName: name, Sessions: []string{}}
	}
	for _, info := range h.cfg.MemLog.Sessions() {
		name := projects.SanitizeProjectName(info.AppName)
		summary, ok := summaries[name]
		if !ok {
			summary = &ProjectSummary{AppName: name, Sessions: []string{}}
			summaries[name] = summary
		}
		summary.Sessions = append(summary.Sessions, info.SessionID)
		summary.IsConnected = summary.IsConnected || info.IsConnected
		summary.EventCount += info.EventCount
	}
	out := make([]ProjectSummary, 0, len(summaries))
	for _, summary := range summaries {
		out = append(out, *summary)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AppName < out[j].AppName
	})
	return listOf(out), nil
}

// projectInfrastructure returns the infrastructure a project declared
// next to its state, with environment references expanded.
//
// GET /api/projects/:project/infrastructure
func (h *Handler) projectInfrastructure(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	infra, err := h.cfg.Registry.Infrastructure(p.ByName("project"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return infra, nil
}

// eventQuery parses the filters every event route shares.
func eventQuery(values url.Values) events.Query {
	return events.Query{
		SessionID:    values.Get("session_id"),
		SinceSeconds: intParam(values, "since_seconds"),
	}
}

// intParam parses a numeric query parameter. Values that do not parse are
// treated as absent rather than rejected.
func intParam(values url.Values, name string) int {
	v, err := strconv.Atoi(values.Get(name))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func floatParam(values url.Values, name string) float64 {
	v, err := strconv.ParseFloat(values.Get(name), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func splitKinds(csv string) []string {
	if csv == "" {
		return nil
	}
	var kinds []string
	for _, kind := range strings.Split(csv, ",") {
		if kind = strings.TrimSpace(kind); kind != "" {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
