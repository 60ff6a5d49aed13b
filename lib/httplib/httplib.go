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

// Package httplib implements common utility functions for writing
// classic HTTP handlers
package httplib

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/runtimescope/runtimescope/lib/defaults"
)

// HandlerFunc specifies an HTTP handler function that returns a JSON
// serializable result or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
// The request context carries the handler budget; a handler that returns
// a nil result has already written its own response.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		ctx, cancel := context.WithTimeout(r.Context(), defaults.HTTPRequestTimeout)
		defer cancel()
		out, err := fn(w, r.WithContext(ctx), p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			roundtrip.ReplyJSON(w, http.StatusOK, out)
		}
	}
}

type errorMessage struct {
	Error string `json:"error"`
	Path  string `json:"path,omitempty"`
}

// ReplyError maps the error to an HTTP status and writes it to writer w.
func ReplyError(w http.ResponseWriter, err error) {
	roundtrip.ReplyJSON(w, ErrorToCode(err), errorMessage{Error: trace.UserMessage(err)})
}

// ReplyNotFound writes the fallback response for routes the router does
// not know.
func ReplyNotFound(w http.ResponseWriter, r *http.Request) {
	roundtrip.ReplyJSON(w, http.StatusNotFound, errorMessage{
		Error: "endpoint not found",
		Path:  r.URL.Path,
	})
}

// ErrorToCode computes the HTTP status code of the error.
func ErrorToCode(err error) int {
	switch {
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	case trace.IsConnectionProblem(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ConvertResponse converts an HTTP error to an internal error type based
// on the HTTP response code and the HTTP body contents.
func ConvertResponse(re *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Err != nil {
			return nil, trace.ConnectionProblem(uerr.Err, "failed to reach the collector at %v", uerr.URL)
		}
		return nil, trace.ConvertSystemError(err)
	}
	code := re.Code()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return re, nil
	}
	msg := errorText(re.Bytes())
	switch code {
	case http.StatusNotFound:
		return nil, trace.NotFound("%s", msg)
	case http.StatusBadRequest:
		return nil, trace.BadParameter("%s", msg)
	case http.StatusForbidden:
		return nil, trace.AccessDenied("%s", msg)
	case http.StatusConflict:
		return nil, trace.AlreadyExists("%s", msg)
	case http.StatusTooManyRequests:
		return nil, trace.LimitExceeded("%s", msg)
	case http.StatusGatewayTimeout:
		return nil, trace.ConnectionProblem(nil, "%s", msg)
	}
	return nil, trace.BadParameter("unrecognized status code %v: %v", code, msg)
}

func errorText(body []byte) string {
	var m errorMessage
	if err := json.Unmarshal(body, &m); err == nil && m.Error != "" {
		return m.Error
	}
	return strings.TrimSpace(string(body))
}

// SetCORSHeaders allows cross-origin requests. The collector binds
// loopback interfaces only and the dashboard is served from another
// origin, so the browser needs these on every reply.
func SetCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Accept, Origin, Content-type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "1728000")
}
