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

package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/runtimescope/runtimescope/lib/defaults"
)

// streamFrame is one outbound message of the live event stream.
type streamFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// streamEvents upgrades the request to a websocket and forwards every
// event from the in-memory bus, one frame per event. Delivery is best
// effort: the bus drops events for a subscriber whose queue is full, and a
// client that blocks a single write past the deadline is disconnected.
//
// WS /api/ws/events
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	httpRequests.WithLabelValues("/api/ws/events").Inc()
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.log.WarnContext(r.Context(), "Failed to upgrade event stream connection.", "error", err)
		return
	}
	defer ws.Close()

	log := h.log.With("remote_addr", r.RemoteAddr)
	sub := h.cfg.MemLog.Subscribe("ws/" + r.RemoteAddr)
	defer sub.Close()
	log.DebugContext(r.Context(), "Event stream client connected.")

	// The reader drains control frames and surfaces client disconnect.
	// Inbound data frames are ignored; the stream is one-way.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-sub.Events():
			data, err := json.Marshal(streamFrame{Type: "event", Data: e})
			if err != nil {
				log.WarnContext(r.Context(), "Failed to encode stream event.", "error", err)
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(defaults.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.DebugContext(r.Context(), "Dropping event stream client.",
					"error", err, "dropped_events", sub.Dropped())
				return
			}
		case <-readerDone:
			log.DebugContext(r.Context(), "Event stream client disconnected.")
			return
		case <-h.closing:
			deadline := time.Now().Add(defaults.WriteTimeout)
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return
		}
	}
}
