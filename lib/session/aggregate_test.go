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
	"encoding/json"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/runtimescope/runtimescope/lib/events"
	logutils "github.com/runtimescope/runtimescope/lib/utils/log"
)

func TestMain(m *testing.M) {
	logutils.InitLoggerForTests()
	os.Exit(m.Run())
}

func mustEvent(t *testing.T, kind string, payload any) events.Event {
	t.Helper()
	e, err := events.New(kind, uuid.NewString(), "s1", 1000, payload)
	require.NoError(t, err)
	return e
}

func networkEvent(t *testing.T, method, url string, status int, duration float64) events.Event {
	t.Helper()
	return mustEvent(t, events.KindNetwork, events.NetworkPayload{
		URL:      url,
		Method:   method,
		Status:   status,
		Duration: duration,
	})
}

func TestAggregateEndpoints(t *testing.T) {
	t.Parallel()

	agg := newAggregate("s1", "shop")
	agg.observe(networkEvent(t, "GET", "/api/users/123/posts", 200, 100))
	agg.observe(networkEvent(t, "GET", "/api/users/456/posts", 200, 200))
	agg.observe(networkEvent(t, "POST", "/api/users", 201, 50))

	m := agg.freeze(5000)
	require.Len(t, m.Endpoints, 2)
	require.Equal(t, EndpointStats{
		AvgLatency: 150,
		ErrorRate:  0,
		CallCount:  2,
	}, m.Endpoints["GET /api/users/:id/posts"])
	require.Equal(t, EndpointStats{
		AvgLatency: 50,
		ErrorRate:  0,
		CallCount:  1,
	}, m.Endpoints["POST /api/users"])
	require.Equal(t, int64(3), m.TotalEvents)
	require.Equal(t, int64(5000), m.CreatedAt)
}

func TestAggregateErrorAccounting(t *testing.T) {
	t.Parallel()

	agg := newAggregate("s1", "shop")
	// 404 is an endpoint error but not a session-level error.
	agg.observe(networkEvent(t, "GET", "/api/missing", 404, 10))
	// 500 counts both ways.
	agg.observe(networkEvent(t, "GET", "/api/broken", 500, 10))
	// A transport failure has no status but carries an error message.
	agg.observe(mustEvent(t, events.KindNetwork, events.NetworkPayload{
		URL:          "/api/refused",
		Method:       "GET",
		ErrorMessage: "connection refused",
	}))
	agg.observe(mustEvent(t, events.KindConsole, events.ConsolePayload{
		Level:   events.LevelError,
		Message: "boom",
	}))
	agg.observe(mustEvent(t, events.KindConsole, events.ConsolePayload{
		Level:   events.LevelWarn,
		Message: "just a warning",
	}))

	m := agg.freeze(0)
	require.Equal(t, float64(1), m.Endpoints["GET /api/missing"].ErrorRate)
	require.Equal(t, float64(1), m.Endpoints["GET /api/broken"].ErrorRate)
	require.Equal(t, float64(1), m.Endpoints["GET /api/refused"].ErrorRate)
	// One 500 plus one console error.
	require.Equal(t, int64(2), m.ErrorCount)
	require.Equal(t, int64(5), m.TotalEvents)
}

func TestAggregateStores(t *testing.T) {
	t.Parallel()

	agg := newAggregate("s1", "shop")
	agg.observe(mustEvent(t, events.KindState, events.StatePayload{
		StoreID: "cart",
		Phase:   "init",
	}))
	agg.observe(mustEvent(t, events.KindState, events.StatePayload{
		StoreID: "cart",
		Phase:   "update",
		Action:  "addItem",
	}))
	agg.observe(mustEvent(t, events.KindState, events.StatePayload{
		StoreID: "cart",
		Phase:   "update",
		Action:  "removeItem",
	}))

	m := agg.freeze(0)
	require.Equal(t, StoreStats{UpdateCount: 2}, m.Stores["cart"])
}

func TestAggregateRenders(t *testing.T) {
	t.Parallel()

	agg := newAggregate("s1", "shop")
	agg.observe(mustEvent(t, events.KindRender, events.RenderPayload{
		Profiles: []events.RenderProfile{
			{ComponentName: "ProductList", RenderCount: 3, TotalDuration: 30},
			// Older SDKs report only the average.
			{ComponentName: "Header", AverageDuration: 5},
		},
	}))
	agg.observe(mustEvent(t, events.KindRender, events.RenderPayload{
		Profiles: []events.RenderProfile{
			{ComponentName: "ProductList", RenderCount: 1, TotalDuration: 20},
		},
	}))

	m := agg.freeze(0)
	require.Equal(t, ComponentStats{RenderCount: 4, AvgDuration: 12.5}, m.Components["ProductList"])
	require.Equal(t, ComponentStats{RenderCount: 1, AvgDuration: 5}, m.Components["Header"])
}

func TestAggregateVitals(t *testing.T) {
	t.Parallel()

	agg := newAggregate("s1", "shop")
	// No rating supplied, the collector rates it.
	agg.observe(mustEvent(t, events.KindPerformance, events.PerformancePayload{
		MetricName: "LCP",
		Value:      3000,
	}))
	require.Equal(t, WebVital{Value: 3000, Rating: RatingNeedsImprovement}, agg.vitals["LCP"])

	// A later measurement replaces the earlier one.
	agg.observe(mustEvent(t, events.KindPerformance, events.PerformancePayload{
		MetricName: "LCP",
		Value:      2000,
		Rating:     RatingGood,
	}))
	agg.observe(mustEvent(t, events.KindPerformance, events.PerformancePayload{
		MetricName: "CLS",
		Value:      0.3,
	}))

	m := agg.freeze(0)
	require.Equal(t, WebVital{Value: 2000, Rating: RatingGood}, m.WebVitals["LCP"])
	require.Equal(t, WebVital{Value: 0.3, Rating: RatingPoor}, m.WebVitals["CLS"])
}

func TestAggregateQueries(t *testing.T) {
	t.Parallel()

	agg := newAggregate("s1", "shop")
	agg.observe(mustEvent(t, events.KindDatabase, events.DatabasePayload{
		Query:           "SELECT * FROM users WHERE id = 1",
		NormalizedQuery: "SELECT * FROM users WHERE id = ?",
		Duration:        10,
	}))
	// Raw statement only, normalized by the collector into the same key.
	agg.observe(mustEvent(t, events.KindDatabase, events.DatabasePayload{
		Query:    "SELECT * FROM users WHERE id = 7",
		Duration: 30,
	}))

	m := agg.freeze(0)
	require.Len(t, m.Queries, 1)
	require.Equal(t, QueryStats{AvgDuration: 20, CallCount: 2}, m.Queries["SELECT * FROM users WHERE id = ?"])
}

func TestAggregateMalformedPayload(t *testing.T) {
	t.Parallel()

	agg := newAggregate("s1", "shop")
	agg.observe(events.Event{
		ID:        uuid.NewString(),
		SessionID: "s1",
		Kind:      events.KindNetwork,
		Payload:   json.RawMessage(`{"duration":"fast"}`),
	})

	m := agg.freeze(0)
	require.Empty(t, m.Endpoints)
	require.Equal(t, int64(1), m.TotalEvents)
}

func TestAggregateOrderIndependence(t *testing.T) {
	t.Parallel()

	evts := []events.Event{
		networkEvent(t, "GET", "/api/users/1", 200, 100),
		networkEvent(t, "GET", "/api/users/2", 500, 300),
		mustEvent(t, events.KindConsole, events.ConsolePayload{Level: events.LevelError, Message: "x"}),
		mustEvent(t, events.KindState, events.StatePayload{StoreID: "cart", Phase: "update"}),
		mustEvent(t, events.KindPerformance, events.PerformancePayload{MetricName: "FID", Value: 50}),
	}

	forward := newAggregate("s1", "shop")
	for _, e := range evts {
		forward.observe(e)
	}
	backward := newAggregate("s1", "shop")
	for i := len(evts) - 1; i >= 0; i-- {
		backward.observe(evts[i])
	}

	require.Empty(t, cmp.Diff(forward.freeze(0), backward.freeze(0)))
}

func TestUnfreezeRoundTrip(t *testing.T) {
	t.Parallel()

	agg := newAggregate("s1", "shop")
	agg.observe(networkEvent(t, "GET", "/api/users", 200, 100))
	agg.observe(networkEvent(t, "GET", "/api/users", 500, 300))
	agg.observe(mustEvent(t, events.KindDatabase, events.DatabasePayload{
		NormalizedQuery: "SELECT ?",
		Duration:        5,
	}))
	frozen := agg.freeze(1234)

	resumed := unfreeze(frozen)
	resumed.observe(networkEvent(t, "GET", "/api/users", 200, 200))

	m := resumed.freeze(5678)
	require.Equal(t, int64(4), m.TotalEvents)
	require.Equal(t, EndpointStats{
		AvgLatency: 200,
		ErrorRate:  1.0 / 3.0,
		CallCount:  3,
	}, m.Endpoints["GET /api/users"])
	require.Equal(t, QueryStats{AvgDuration: 5, CallCount: 1}, m.Queries["SELECT ?"])
}
