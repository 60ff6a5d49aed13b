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

// Package memlog implements the bounded in-memory event store: one global
// ring buffer shared by all projects, per-session counters that survive
// eviction, and a publish/subscribe bus for live listeners.
//
// Subscribers receive events over bounded channels. Fanout happens after
// the ring lock is released and never blocks: a subscriber whose queue is
// full misses the event and a per-subscriber drop counter increments. A
// slow dashboard therefore cannot back-pressure the instrumented
// application.
package memlog

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	runtimescope "github.com/runtimescope/runtimescope"
	"github.com/runtimescope/runtimescope/lib/defaults"
	"github.com/runtimescope/runtimescope/lib/events"
	"github.com/runtimescope/runtimescope/lib/session"
	"github.com/runtimescope/runtimescope/lib/utils"
)

var (
	ringEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: runtimescope.MetricNamespace,
		Name:      runtimescope.MetricRingEvictions,
		Help:      "Number of events evicted from the memory ring on overflow",
	})
	subscriberDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: runtimescope.MetricNamespace,
		Name:      runtimescope.MetricSubscriberDrops,
		Help:      "Number of events dropped for slow bus subscribers",
	}, []string{"subscriber"})
)

// Config configures the in-memory event log.
type Config struct {
	// Capacity is the ring size. Zero is legal and means every event is
	// evicted immediately; counters and fanout still run.
	Capacity int
	// QueueSize is the buffered channel depth of one subscriber.
	QueueSize int
	// Clock anchors relative query windows.
	Clock clockwork.Clock
	// Log is the structured logger.
	Log *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Capacity < 0 {
		return trace.BadParameter("memlog capacity can't be negative, got %v", c.Capacity)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.SubscriberQueueSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(runtimescope.ComponentKey, runtimescope.ComponentMemLog)
	}
	return nil
}

// Log is the bounded in-memory event store.
type Log struct {
	cfg Config

	mu       sync.Mutex
	buf      []events.Event
	start    int
	size     int
	sessions map[string]session.Info
	subs     map[*Subscription]struct{}
}

// NewLog returns an empty in-memory event log.
func NewLog(cfg Config) (*Log, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(ringEvictions, subscriberDrops); err != nil {
		return nil, trace.Wrap(err)
	}
	var buf []events.Event
	if cfg.Capacity > 0 {
		buf = make([]events.Event, cfg.Capacity)
	}
	return &Log{
		cfg:      cfg,
		buf:      buf,
		sessions: make(map[string]session.Info),
		subs:     make(map[*Subscription]struct{}),
	}, nil
}

// Capacity returns the configured ring capacity.
func (l *Log) Capacity() int {
	return l.cfg.Capacity
}

// Len returns the number of events currently held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Emit appends the event, evicting the oldest on overflow, updates the
// producing session's counters and fans the event out to subscribers.
// Session lifecycle events do not count toward a session's event total.
func (l *Log) Emit(e events.Event) {
	l.mu.Lock()
	l.append(e)
	info, ok := l.sessions[e.SessionID]
	if !ok {
		info = session.Info{SessionID: e.SessionID}
	}
	if e.Kind != events.KindSession {
		info.EventCount++
	}
	l.sessions[e.SessionID] = info
	subs := make([]*Subscription, 0, len(l.subs))
	for sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			subscriberDrops.WithLabelValues(sub.name).Inc()
		}
	}
}

// append adds the event to the ring. Callers must hold l.mu.
func (l *Log) append(e events.Event) {
	if l.cfg.Capacity == 0 {
		ringEvictions.Inc()
		return
	}
	if l.size < l.cfg.Capacity {
		l.buf[(l.start+l.size)%l.cfg.Capacity] = e
		l.size++
		return
	}
	l.buf[l.start] = e
	l.start = (l.start + 1) % l.cfg.Capacity
	ringEvictions.Inc()
}

// snapshot copies the ring contents in arrival order.
func (l *Log) snapshot() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Event, 0, l.size)
	for i := range l.size {
		out = append(out, l.buf[(l.start+i)%l.cfg.Capacity])
	}
	return out
}

// SearchEvents returns a point-in-time view of the buffered events passing
// the query, ascending by timestamp.
func (l *Log) SearchEvents(q events.Query) []events.Event {
	snapshot := l.snapshot()
	now := l.cfg.Clock.Now()
	out := make([]events.Event, 0, len(snapshot))
	for _, e := range snapshot {
		if q.Matches(e, now) {
			out = append(out, e)
		}
	}
	events.SortByTime(out)
	return out
}

// NetworkEvents returns buffered network events passing the query.
func (l *Log) NetworkEvents(q events.Query) []events.Event {
	q.Kinds = []string{events.KindNetwork}
	return l.SearchEvents(q)
}

// ConsoleEvents returns buffered console events passing the query.
func (l *Log) ConsoleEvents(q events.Query) []events.Event {
	q.Kinds = []string{events.KindConsole}
	return l.SearchEvents(q)
}

// StateEvents returns buffered state events passing the query.
func (l *Log) StateEvents(q events.Query) []events.Event {
	q.Kinds = []string{events.KindState}
	return l.SearchEvents(q)
}

// RenderEvents returns buffered render events passing the query.
func (l *Log) RenderEvents(q events.Query) []events.Event {
	q.Kinds = []string{events.KindRender}
	return l.SearchEvents(q)
}

// PerformanceEvents returns buffered performance events passing the query.
func (l *Log) PerformanceEvents(q events.Query) []events.Event {
	q.Kinds = []string{events.KindPerformance}
	return l.SearchEvents(q)
}

// DatabaseEvents returns buffered database events passing the query.
func (l *Log) DatabaseEvents(q events.Query) []events.Event {
	q.Kinds = []string{events.KindDatabase}
	return l.SearchEvents(q)
}

// Timeline returns all buffered events in the query window, optionally
// restricted by kind, ascending by timestamp.
func (l *Log) Timeline(q events.Query) []events.Event {
	return l.SearchEvents(q)
}

// Clear truncates the ring and returns the number of events removed.
// Session records and their monotonic counters are retained.
func (l *Log) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cleared := l.size
	l.start, l.size = 0, 0
	return cleared
}

// UpsertSession records a session seen by the ingest server. An existing
// record keeps its monotonic event count.
func (l *Log) UpsertSession(info session.Info) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.sessions[info.SessionID]; ok {
		info.EventCount = existing.EventCount
	}
	l.sessions[info.SessionID] = info
}

// MarkDisconnected flips the session's connected flag.
func (l *Log) MarkDisconnected(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.sessions[sessionID]
	if !ok {
		return
	}
	info.IsConnected = false
	l.sessions[sessionID] = info
}

// Session returns one session's summary.
func (l *Log) Session(sessionID string) (session.Info, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.sessions[sessionID]
	return info, ok
}

// Sessions summarizes every session that appeared in the buffer or was
// registered by the ingest server, ordered by connect time.
func (l *Log) Sessions() []session.Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]session.Info, 0, len(l.sessions))
	for _, info := range l.sessions {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt != out[j].ConnectedAt {
			return out[i].ConnectedAt < out[j].ConnectedAt
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Subscribe registers a live event listener. The name appears in logs and
// drop metrics.
func (l *Log) Subscribe(name string) *Subscription {
	sub := &Subscription{
		name: name,
		log:  l,
		ch:   make(chan events.Event, l.cfg.QueueSize),
		done: make(chan struct{}),
	}
	l.mu.Lock()
	l.subs[sub] = struct{}{}
	l.mu.Unlock()
	l.cfg.Log.Debug("Subscriber registered.", "subscriber", name)
	return sub
}

func (l *Log) removeSub(sub *Subscription) {
	l.mu.Lock()
	delete(l.subs, sub)
	l.mu.Unlock()
}

// SubscriberCount returns the number of live subscribers.
func (l *Log) SubscriberCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Subscription is one live event listener. Events are delivered over a
// bounded channel; when the channel is full at delivery time the event is
// skipped for this subscriber.
type Subscription struct {
	name      string
	log       *Log
	ch        chan events.Event
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// Events is the subscriber's event channel.
func (s *Subscription) Events() <-chan events.Event {
	return s.ch
}

// Done closes when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Name returns the subscriber name.
func (s *Subscription) Name() string {
	return s.name
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.log.removeSub(s)
		close(s.done)
	})
}
