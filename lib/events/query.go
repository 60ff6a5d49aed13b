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

package events

import (
	"slices"
	"strings"
	"time"
)

// Query selects events from the in-memory store. The zero value matches
// everything; zero-valued fields are omitted filters.
type Query struct {
	// SessionID restricts to one session.
	SessionID string
	// Kinds restricts to the listed event kinds.
	Kinds []string
	// SinceSeconds restricts to events in a window relative to now.
	SinceSeconds int
	// URLPattern is a substring match against network URLs.
	URLPattern string
	// Method matches the network request method, case-insensitively.
	Method string
	// Status matches the network response status exactly.
	Status int
	// Level matches the console level, case-insensitively.
	Level string
	// Search is a case-insensitive substring match against console
	// messages and database query text.
	Search string
	// StoreID matches the state store id exactly.
	StoreID string
	// Component is a substring match against render profile component
	// names.
	Component string
	// Metric matches the performance metric name, case-insensitively.
	Metric string
	// Table matches one of the tables accessed by a database query.
	Table string
	// MinDurationMS keeps network and database events at least this
	// slow.
	MinDurationMS float64
}

// Matches reports whether the event passes the query filters. now anchors
// the SinceSeconds window.
func (q *Query) Matches(e Event, now time.Time) bool {
	if q.SessionID != "" && e.SessionID != q.SessionID {
		return false
	}
	if len(q.Kinds) > 0 && !slices.Contains(q.Kinds, e.Kind) {
		return false
	}
	if q.SinceSeconds > 0 {
		cutoff := now.Add(-time.Duration(q.SinceSeconds) * time.Second).UnixMilli()
		if e.Timestamp < cutoff {
			return false
		}
	}
	switch e.Kind {
	case KindNetwork:
		return q.matchesNetwork(e)
	case KindConsole:
		return q.matchesConsole(e)
	case KindState:
		return q.matchesState(e)
	case KindRender:
		return q.matchesRender(e)
	case KindPerformance:
		return q.matchesPerformance(e)
	case KindDatabase:
		return q.matchesDatabase(e)
	}
	return true
}

func (q *Query) matchesNetwork(e Event) bool {
	if q.URLPattern == "" && q.Method == "" && q.Status == 0 && q.MinDurationMS <= 0 {
		return true
	}
	var p NetworkPayload
	if err := e.DecodePayload(&p); err != nil {
		return false
	}
	if q.URLPattern != "" && !strings.Contains(p.URL, q.URLPattern) {
		return false
	}
	if q.Method != "" && !strings.EqualFold(p.Method, q.Method) {
		return false
	}
	if q.Status != 0 && p.Status != q.Status {
		return false
	}
	if q.MinDurationMS > 0 && p.Duration < q.MinDurationMS {
		return false
	}
	return true
}

func (q *Query) matchesConsole(e Event) bool {
	if q.Level == "" && q.Search == "" {
		return true
	}
	var p ConsolePayload
	if err := e.DecodePayload(&p); err != nil {
		return false
	}
	if q.Level != "" && !strings.EqualFold(p.Level, q.Level) {
		return false
	}
	if q.Search != "" && !containsFold(p.Message, q.Search) {
		return false
	}
	return true
}

func (q *Query) matchesState(e Event) bool {
	if q.StoreID == "" {
		return true
	}
	var p StatePayload
	if err := e.DecodePayload(&p); err != nil {
		return false
	}
	return p.StoreID == q.StoreID
}

func (q *Query) matchesRender(e Event) bool {
	if q.Component == "" {
		return true
	}
	var p RenderPayload
	if err := e.DecodePayload(&p); err != nil {
		return false
	}
	for _, profile := range p.Profiles {
		if containsFold(profile.ComponentName, q.Component) {
			return true
		}
	}
	return false
}

func (q *Query) matchesPerformance(e Event) bool {
	if q.Metric == "" {
		return true
	}
	var p PerformancePayload
	if err := e.DecodePayload(&p); err != nil {
		return false
	}
	return strings.EqualFold(p.MetricName, q.Metric)
}

func (q *Query) matchesDatabase(e Event) bool {
	if q.Table == "" && q.Search == "" && q.MinDurationMS <= 0 {
		return true
	}
	var p DatabasePayload
	if err := e.DecodePayload(&p); err != nil {
		return false
	}
	if q.Table != "" && !slices.ContainsFunc(p.TablesAccessed, func(t string) bool {
		return strings.EqualFold(t, q.Table)
	}) {
		return false
	}
	if q.Search != "" && !containsFold(p.Query, q.Search) && !containsFold(p.NormalizedQuery, q.Search) {
		return false
	}
	if q.MinDurationMS > 0 && p.Duration < q.MinDurationMS {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
