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

// Package client implements a typed HTTP client for the collector query
// API. It is used by the command line tool and by tests.
package client

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/runtimescope/runtimescope/lib/events"
	"github.com/runtimescope/runtimescope/lib/httplib"
	"github.com/runtimescope/runtimescope/lib/session"
	"github.com/runtimescope/runtimescope/lib/web"
)

// Client talks to a collector's HTTP API.
type Client struct {
	*roundtrip.Client
}

// New returns a client for the collector at addr. addr is a host:port pair
// or a full URL; a bare pair is dialed over plain HTTP, which matches the
// collector's loopback-only listener.
func New(addr string, params ...roundtrip.ClientParam) (*Client, error) {
	if addr == "" {
		return nil, trace.BadParameter("missing parameter addr")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	clt, err := roundtrip.NewClient(addr, "api", params...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{Client: clt}, nil
}

// HealthStatus is the reply of the health probe.
type HealthStatus struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Health checks that the collector is up.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	out, err := httplib.ConvertResponse(c.Get(ctx, c.Endpoint("health"), url.Values{}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var status HealthStatus
	if err := json.Unmarshal(out.Bytes(), &status); err != nil {
		return nil, trace.Wrap(err)
	}
	return &status, nil
}

// Sessions lists the sessions the collector knows about.
func (c *Client) Sessions(ctx context.Context) ([]session.Info, error) {
	out, err := httplib.ConvertResponse(c.Get(ctx, c.Endpoint("sessions"), url.Values{}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return decodeList[session.Info](out.Bytes())
}

// NetworkEvents queries buffered network events.
func (c *Client) NetworkEvents(ctx context.Context, q events.Query) ([]events.Event, error) {
	return c.getEvents(ctx, "network", q)
}

// ConsoleEvents queries buffered console events.
func (c *Client) ConsoleEvents(ctx context.Context, q events.Query) ([]events.Event, error) {
	return c.getEvents(ctx, "console", q)
}

// Timeline queries buffered events of every kind merged in time order. Use
// q.Kinds to restrict the kinds.
func (c *Client) Timeline(ctx context.Context, q events.Query) ([]events.Event, error) {
	return c.getEvents(ctx, "timeline", q)
}

func (c *Client) getEvents(ctx context.Context, route string, q events.Query) ([]events.Event, error) {
	out, err := httplib.ConvertResponse(c.Get(ctx, c.Endpoint("events", route), queryValues(q)))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return decodeList[events.Event](out.Bytes())
}

// Projects lists the known projects with their sessions.
func (c *Client) Projects(ctx context.Context) ([]web.ProjectSummary, error) {
	out, err := httplib.ConvertResponse(c.Get(ctx, c.Endpoint("projects"), url.Values{}))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return decodeList[web.ProjectSummary](out.Bytes())
}

// ClearEvents empties the collector's in-memory event buffer and returns
// how many events were dropped.
func (c *Client) ClearEvents(ctx context.Context) (int, error) {
	out, err := httplib.ConvertResponse(c.Delete(ctx, c.Endpoint("events")))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	var cleared struct {
		Cleared int `json:"cleared"`
	}
	if err := json.Unmarshal(out.Bytes(), &cleared); err != nil {
		return 0, trace.Wrap(err)
	}
	return cleared.Cleared, nil
}

// decodeList unwraps a {data, count} listing body.
func decodeList[T any](data []byte) ([]T, error) {
	var out struct {
		Data []T `json:"data"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out.Data, nil
}

// queryValues translates an event query into the API's query parameters.
func queryValues(q events.Query) url.Values {
	values := url.Values{}
	if q.SessionID != "" {
		values.Set("session_id", q.SessionID)
	}
	if q.SinceSeconds > 0 {
		values.Set("since_seconds", strconv.Itoa(q.SinceSeconds))
	}
	if len(q.Kinds) > 0 {
		values.Set("event_types", strings.Join(q.Kinds, ","))
	}
	if q.URLPattern != "" {
		values.Set("url_pattern", q.URLPattern)
	}
	if q.Method != "" {
		values.Set("method", q.Method)
	}
	if q.Status != 0 {
		values.Set("status", strconv.Itoa(q.Status))
	}
	if q.Level != "" {
		values.Set("level", q.Level)
	}
	if q.Search != "" {
		values.Set("search", q.Search)
	}
	if q.StoreID != "" {
		values.Set("store_id", q.StoreID)
	}
	if q.Component != "" {
		values.Set("component", q.Component)
	}
	if q.Metric != "" {
		values.Set("metric", q.Metric)
	}
	if q.Table != "" {
		values.Set("table", q.Table)
	}
	if q.MinDurationMS > 0 {
		values.Set("min_duration_ms", strconv.FormatFloat(q.MinDurationMS, 'f', -1, 64))
	}
	return values
}
