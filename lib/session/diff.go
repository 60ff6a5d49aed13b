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
	"sort"
)

// Classification buckets for a single compared metric.
const (
	ClassificationRegression  = "regression"
	ClassificationImprovement = "improvement"
	ClassificationUnchanged   = "unchanged"
)

// Thresholds used when classifying metric movement between two sessions.
const (
	// noiseFloorPercent is the band in which any movement is treated as
	// noise regardless of the metric kind.
	noiseFloorPercent = 5.0
	// latencyThresholdPercent is the movement needed before a latency
	// metric counts as a regression or an improvement.
	latencyThresholdPercent = 10.0
	// countThresholdPercent is the movement needed before a volume
	// metric (calls, renders, updates) counts as changed.
	countThresholdPercent = 25.0
)

// Delta is one compared metric between a baseline and a candidate session.
type Delta struct {
	Key            string  `json:"key"`
	Before         float64 `json:"before"`
	After          float64 `json:"after"`
	Delta          float64 `json:"delta"`
	PercentChange  float64 `json:"percentChange"`
	Classification string  `json:"classification"`
}

// DiffResult is the full comparison of two session roll-ups.
type DiffResult struct {
	SessionA         string  `json:"sessionA"`
	SessionB         string  `json:"sessionB"`
	EndpointDeltas   []Delta `json:"endpointDeltas"`
	ComponentDeltas  []Delta `json:"componentDeltas"`
	StoreDeltas      []Delta `json:"storeDeltas"`
	WebVitalDeltas   []Delta `json:"webVitalDeltas"`
	QueryDeltas      []Delta `json:"queryDeltas"`
	ErrorCountDelta  Delta   `json:"errorCountDelta"`
	TotalEventsDelta Delta   `json:"totalEventsDelta"`
}

// percentChange computes relative movement from before to after. A zero
// baseline with a nonzero candidate reads as 100% growth so new metrics
// do not divide by zero.
func percentChange(before, after float64) float64 {
	if before == 0 {
		if after == 0 {
			return 0
		}
		return 100
	}
	return (after - before) / before * 100
}

// classifyLatency treats higher as worse beyond the latency threshold.
func classifyLatency(pct float64) string {
	if math.Abs(pct) < noiseFloorPercent {
		return ClassificationUnchanged
	}
	switch {
	case pct >= latencyThresholdPercent:
		return ClassificationRegression
	case pct <= -latencyThresholdPercent:
		return ClassificationImprovement
	default:
		return ClassificationUnchanged
	}
}

// classifyErrors treats any real movement as meaningful: more errors is
// always a regression, fewer always an improvement.
func classifyErrors(before, after float64) string {
	pct := percentChange(before, after)
	if math.Abs(pct) < noiseFloorPercent {
		return ClassificationUnchanged
	}
	switch {
	case after > before:
		return ClassificationRegression
	case after < before:
		return ClassificationImprovement
	default:
		return ClassificationUnchanged
	}
}

// classifyCount treats volume swings beyond the count threshold as
// meaningful in either direction. Counts are noisier than latencies, so
// the threshold is wider.
func classifyCount(pct float64) string {
	if math.Abs(pct) < noiseFloorPercent {
		return ClassificationUnchanged
	}
	switch {
	case pct >= countThresholdPercent:
		return ClassificationRegression
	case pct <= -countThresholdPercent:
		return ClassificationImprovement
	default:
		return ClassificationUnchanged
	}
}

// classifyVital compares rating buckets, not raw values: a vital only
// regresses or improves when it crosses a rating boundary, and movement
// inside the noise floor never counts as a crossing.
func classifyVital(before, after WebVital) string {
	pct := percentChange(before.Value, after.Value)
	if math.Abs(pct) < noiseFloorPercent {
		return ClassificationUnchanged
	}
	beforeRank := ratingRank(before.Rating)
	afterRank := ratingRank(after.Rating)
	if beforeRank < 0 || afterRank < 0 {
		// Unknown rating on either side, fall back to value movement.
		return classifyLatency(pct)
	}
	switch {
	case afterRank > beforeRank:
		return ClassificationRegression
	case afterRank < beforeRank:
		return ClassificationImprovement
	default:
		return ClassificationUnchanged
	}
}

func latencyDelta(key string, before, after float64) Delta {
	pct := percentChange(before, after)
	return Delta{
		Key:            key,
		Before:         before,
		After:          after,
		Delta:          after - before,
		PercentChange:  pct,
		Classification: classifyLatency(pct),
	}
}

func errorDelta(key string, before, after float64) Delta {
	return Delta{
		Key:            key,
		Before:         before,
		After:          after,
		Delta:          after - before,
		PercentChange:  percentChange(before, after),
		Classification: classifyErrors(before, after),
	}
}

func countDelta(key string, before, after float64) Delta {
	pct := percentChange(before, after)
	return Delta{
		Key:            key,
		Before:         before,
		After:          after,
		Delta:          after - before,
		PercentChange:  pct,
		Classification: classifyCount(pct),
	}
}

// Compare produces the metric-by-metric diff of two frozen roll-ups,
// with a as the baseline and b as the candidate. Keys absent on one
// side compare against zero values.
func Compare(a, b *Metrics) *DiffResult {
	result := &DiffResult{
		SessionA:        a.SessionID,
		SessionB:        b.SessionID,
		EndpointDeltas:  []Delta{},
		ComponentDeltas: []Delta{},
		StoreDeltas:     []Delta{},
		WebVitalDeltas:  []Delta{},
		QueryDeltas:     []Delta{},
	}

	for _, key := range unionKeys(a.Endpoints, b.Endpoints) {
		before, after := a.Endpoints[key], b.Endpoints[key]
		result.EndpointDeltas = append(result.EndpointDeltas,
			latencyDelta(key+" avgLatency", before.AvgLatency, after.AvgLatency),
			errorDelta(key+" errorRate", before.ErrorRate, after.ErrorRate),
			countDelta(key+" callCount", float64(before.CallCount), float64(after.CallCount)),
		)
	}

	for _, key := range unionKeys(a.Components, b.Components) {
		before, after := a.Components[key], b.Components[key]
		result.ComponentDeltas = append(result.ComponentDeltas,
			countDelta(key+" renderCount", float64(before.RenderCount), float64(after.RenderCount)),
			latencyDelta(key+" avgDuration", before.AvgDuration, after.AvgDuration),
		)
	}

	for _, key := range unionKeys(a.Stores, b.Stores) {
		before, after := a.Stores[key], b.Stores[key]
		result.StoreDeltas = append(result.StoreDeltas,
			countDelta(key+" updateCount", float64(before.UpdateCount), float64(after.UpdateCount)),
		)
	}

	for _, key := range unionKeys(a.WebVitals, b.WebVitals) {
		before, after := a.WebVitals[key], b.WebVitals[key]
		result.WebVitalDeltas = append(result.WebVitalDeltas, Delta{
			Key:            key,
			Before:         before.Value,
			After:          after.Value,
			Delta:          after.Value - before.Value,
			PercentChange:  percentChange(before.Value, after.Value),
			Classification: classifyVital(before, after),
		})
	}

	for _, key := range unionKeys(a.Queries, b.Queries) {
		before, after := a.Queries[key], b.Queries[key]
		result.QueryDeltas = append(result.QueryDeltas,
			latencyDelta(key+" avgDuration", before.AvgDuration, after.AvgDuration),
			countDelta(key+" callCount", float64(before.CallCount), float64(after.CallCount)),
		)
	}

	result.ErrorCountDelta = errorDelta("errorCount", float64(a.ErrorCount), float64(b.ErrorCount))
	result.TotalEventsDelta = countDelta("totalEvents", float64(a.TotalEvents), float64(b.TotalEvents))
	return result
}

// unionKeys returns the sorted union of both maps' keys so diff output
// is stable across runs.
func unionKeys[V any](a, b map[string]V) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for key := range a {
		seen[key] = struct{}{}
	}
	for key := range b {
		seen[key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
