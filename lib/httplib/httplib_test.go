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

package httplib

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func TestErrorToCode(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		err  error
		code int
	}{
		{trace.NotFound("no session"), http.StatusNotFound},
		{trace.BadParameter("bad limit"), http.StatusBadRequest},
		{trace.AccessDenied("nope"), http.StatusForbidden},
		{trace.AlreadyExists("duplicate"), http.StatusConflict},
		{trace.LimitExceeded("slow down"), http.StatusTooManyRequests},
		{trace.ConnectionProblem(nil, "gone"), http.StatusGatewayTimeout},
		{trace.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.code, ErrorToCode(tc.err), "error %v", tc.err)
	}
}

func TestMakeHandler(t *testing.T) {
	t.Parallel()

	router := httprouter.New()
	router.GET("/ok", MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		// The handler budget is attached to the request context.
		if _, ok := r.Context().Deadline(); !ok {
			return nil, trace.BadParameter("missing deadline")
		}
		return map[string]string{"status": "ok"}, nil
	}))
	router.GET("/missing", MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		return nil, trace.NotFound("no such session")
	}))
	router.GET("/raw", MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		w.WriteHeader(http.StatusNoContent)
		return nil, nil
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/ok", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status": "ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error": "no such session"}`, rec.Body.String())

	// A nil result means the handler wrote the response itself.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/raw", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestReplyNotFound(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	ReplyNotFound(rec, httptest.NewRequest("GET", "/api/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		Error string `json:"error"`
		Path  string `json:"path"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "endpoint not found", body.Error)
	require.Equal(t, "/api/nope", body.Path)
}

func TestConvertResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/missing":
			ReplyError(w, trace.NotFound("no such session"))
		case "/api/invalid":
			ReplyError(w, trace.BadParameter("bad query"))
		case "/api/plain":
			http.Error(w, "unreadable", http.StatusTeapot)
		default:
			roundtrip.ReplyJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		}
	}))
	defer srv.Close()

	clt, err := roundtrip.NewClient(srv.URL, "api")
	require.NoError(t, err)

	re, err := ConvertResponse(clt.Get(t.Context(), clt.Endpoint("health"), url.Values{}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, re.Code())

	_, err = ConvertResponse(clt.Get(t.Context(), clt.Endpoint("missing"), url.Values{}))
	require.True(t, trace.IsNotFound(err))
	require.ErrorContains(t, err, "no such session")

	_, err = ConvertResponse(clt.Get(t.Context(), clt.Endpoint("invalid"), url.Values{}))
	require.True(t, trace.IsBadParameter(err))

	// Non-JSON bodies surface trimmed as the message.
	_, err = ConvertResponse(clt.Get(t.Context(), clt.Endpoint("plain"), url.Values{}))
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "unreadable")

	// Transport failures convert to connection problems.
	srv.Close()
	_, err = ConvertResponse(clt.Get(t.Context(), clt.Endpoint("health"), url.Values{}))
	require.True(t, trace.IsConnectionProblem(err))
}
