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
	"math"

	"github.com/runtimescope/runtimescope/lib/events"
)

// aggregate is the running roll-up of one session. It keeps sums rather
// than averages so observation order cannot change the frozen result.
type aggregate struct {
	sessionID string
	project   string

	endpoints   map[string]*endpointAgg
	components  map[string]*componentAgg
	stores      map[string]int64
	vitals      map[string]WebVital
	queries     map[string]*queryAgg
	totalEvents int64
	errorCount  int64
}

type endpointAgg struct {
	totalLatency float64
	errors       int64
	calls        int64
}

type componentAgg struct {
	totalDuration float64
	renders       int64
}

type queryAgg struct {
	totalDuration float64
	calls         int64
}

func newAggregate(sessionID, project string) *aggregate {
	return &aggregate{
		sessionID:  sessionID,
		project:    project,
		endpoints:  make(map[string]*endpointAgg),
		components: make(map[string]*componentAgg),
		stores:     make(map[string]int64),
		vitals:     make(map[string]WebVital),
		queries:    make(map[string]*queryAgg),
	}
}

// observe folds one event into the aggregate. Events with undecodable
// payloads still count toward the total.
func (a *aggregate) observe(e events.Event) {
	a.totalEvents++
	switch e.Kind {
	case events.KindNetwork:
		a.observeNetwork(e)
	case events.KindConsole:
		a.observeConsole(e)
	case events.KindState:
		a.observeState(e)
	case events.KindRender:
		a.observeRender(e)
	case events.KindPerformance:
		a.observePerformance(e)
	case events.KindDatabase:
		a.observeDatabase(e)
	}
}

func (a *aggregate) observeNetwork(e events.Event) {
	var p events.NetworkPayload
	if err := e.DecodePayload(&p); err != nil {
		return
	}
	key := p.Method + " " + NormalizeURL(p.URL)
	ep, ok := a.endpoints[key]
	if !ok {
		ep = &endpointAgg{}
		a.endpoints[key] = ep
	}
	ep.calls++
	ep.totalLatency += p.Duration
	if p.Status >= 400 || p.ErrorMessage != "" {
		ep.errors++
	}
	if p.Status >= 500 {
		a.errorCount++
	}
}

func (a *aggregate) observeConsole(e events.Event) {
	var p events.ConsolePayload
	if err := e.DecodePayload(&p); err != nil {
		return
	}
	if p.Level == events.LevelError {
		a.errorCount++
	}
}

func (a *aggregate) observeState(e events.Event) {
	var p events.StatePayload
	if err := e.DecodePayload(&p); err != nil {
		return
	}
	// Store initialization is not an update.
	if p.Phase == "init" {
		return
	}
	a.stores[p.StoreID]++
}

func (a *aggregate) observeRender(e events.Event) {
	var p events.RenderPayload
	if err := e.DecodePayload(&p); err != nil {
		return
	}
	for _, profile := range p.Profiles {
		count := profile.RenderCount
		if count <= 0 {
			count = 1
		}
		total := profile.TotalDuration
		if total == 0 {
			total = profile.AverageDuration * float64(count)
		}
		comp, ok := a.components[profile.ComponentName]
		if !ok {
			comp = &componentAgg{}
			a.components[profile.ComponentName] = comp
		}
		comp.renders += count
		comp.totalDuration += total
	}
}

func (a *aggregate) observePerformance(e events.Event) {
	var p events.PerformancePayload
	if err := e.DecodePayload(&p); err != nil {
		return
	}
	rating := p.Rating
	if rating == "" {
		rating = VitalRating(p.MetricName, p.Value)
	}
	// Latest wins.
	a.vitals[p.MetricName] = WebVital{Value: p.Value, Rating: rating}
}

func (a *aggregate) observeDatabase(e events.Event) {
	var p events.DatabasePayload
	if err := e.DecodePayload(&p); err != nil {
		return
	}
	key := p.NormalizedQuery
	if key == "" {
		key = NormalizeSQL(p.Query)
	}
	q, ok := a.queries[key]
	if !ok {
		q = &queryAgg{}
		a.queries[key] = q
	}
	q.calls++
	q.totalDuration += p.Duration
}

// unfreeze reconstructs a running aggregate from a frozen roll-up so a
// reconnecting session keeps accumulating where it left off. Sums are
// recovered from averages and counts.
func unfreeze(m *Metrics) *aggregate {
	a := newAggregate(m.SessionID, m.Project)
	a.totalEvents = m.TotalEvents
	a.errorCount = m.ErrorCount
	for key, stats := range m.Endpoints {
		a.endpoints[key] = &endpointAgg{
			totalLatency: stats.AvgLatency * float64(stats.CallCount),
			errors:       int64(math.Round(stats.ErrorRate * float64(stats.CallCount))),
			calls:        stats.CallCount,
		}
	}
	for name, stats := range m.Components {
		a.components[name] = &componentAgg{
			totalDuration: stats.AvgDuration * float64(stats.RenderCount),
			renders:       stats.RenderCount,
		}
	}
	for id, stats := range m.Stores {
		a.stores[id] = stats.UpdateCount
	}
	for name, vital := range m.WebVitals {
		a.vitals[name] = vital
	}
	for key, stats := range m.Queries {
		a.queries[key] = &queryAgg{
			totalDuration: stats.AvgDuration * float64(stats.CallCount),
			calls:         stats.CallCount,
		}
	}
	return a
}

// freeze converts the running aggregate into an immutable roll-up.
func (a *aggregate) freeze(createdAt int64) *Metrics {
	m := &Metrics{
		SessionID:   a.sessionID,
		Project:     a.project,
		CreatedAt:   createdAt,
		Endpoints:   make(map[string]EndpointStats, len(a.endpoints)),
		Components:  make(map[string]ComponentStats, len(a.components)),
		Stores:      make(map[string]StoreStats, len(a.stores)),
		WebVitals:   make(map[string]WebVital, len(a.vitals)),
		Queries:     make(map[string]QueryStats, len(a.queries)),
		TotalEvents: a.totalEvents,
		ErrorCount:  a.errorCount,
	}
	for key, ep := range a.endpoints {
		stats := EndpointStats{CallCount: ep.calls}
		if ep.calls > 0 {
			stats.AvgLatency = ep.totalLatency / float64(ep.calls)
			stats.ErrorRate = float64(ep.errors) / float64(ep.calls)
		}
		m.Endpoints[key] = stats
	}
	for name, comp := range a.components {
		stats := ComponentStats{RenderCount: comp.renders}
		if comp.renders > 0 {
			stats.AvgDuration = comp.totalDuration / float64(comp.renders)
		}
		m.Components[name] = stats
	}
	for id, updates := range a.stores {
		m.Stores[id] = StoreStats{UpdateCount: updates}
	}
	for name, vital := range a.vitals {
		m.WebVitals[name] = vital
	}
	for key, q := range a.queries {
		stats := QueryStats{CallCount: q.calls}
		if q.calls > 0 {
			stats.AvgDuration = q.totalDuration / float64(q.calls)
		}
		m.Queries[key] = stats
	}
	return m
}
