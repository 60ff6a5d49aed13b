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
	"regexp"
	"strings"
)

var (
	uuidSegment  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hex24Segment = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)
	numSegment   = regexp.MustCompile(`^\d+$`)

	sqlString = regexp.MustCompile(`'[^']*'`)
	sqlNumber = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
)

// NormalizeURL rewrites id-like path segments to :id and strips the query
// string and fragment, producing a stable aggregation key.
//
// Path segments matching a uuid, a 24-character hex id or a pure number
// are considered ids.
func NormalizeURL(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	parts := strings.Split(raw, "/")
	for i, part := range parts {
		if isIDSegment(part) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func isIDSegment(s string) bool {
	if s == "" {
		return false
	}
	return uuidSegment.MatchString(s) || hex24Segment.MatchString(s) || numSegment.MatchString(s)
}

// NormalizeSQL rewrites literal values to placeholders and collapses
// whitespace, producing a stable aggregation key for query statistics.
// SDKs usually pre-normalize; this is the fallback for raw statements.
func NormalizeSQL(query string) string {
	q := sqlString.ReplaceAllString(query, "?")
	q = sqlNumber.ReplaceAllString(q, "?")
	return strings.Join(strings.Fields(q), " ")
}
