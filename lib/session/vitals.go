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

import "strings"

// Web-vital ratings.
const (
	RatingGood             = "good"
	RatingNeedsImprovement = "needs-improvement"
	RatingPoor             = "poor"
)

// vitalThreshold holds the fixed web-vital boundaries: a value at or below
// good rates "good", at or below poor rates "needs-improvement", above
// rates "poor". LCP, FCP, TTFB, FID and INP are milliseconds; CLS is a
// unitless score.
type vitalThreshold struct {
	good float64
	poor float64
}

var vitalThresholds = map[string]vitalThreshold{
	"LCP":  {good: 2500, poor: 4000},
	"FCP":  {good: 1800, poor: 3000},
	"CLS":  {good: 0.1, poor: 0.25},
	"TTFB": {good: 800, poor: 1800},
	"FID":  {good: 100, poor: 300},
	"INP":  {good: 200, poor: 500},
}

// VitalRating rates a web-vital value against the fixed thresholds.
// Unknown metrics rate empty.
func VitalRating(metric string, value float64) string {
	t, ok := vitalThresholds[strings.ToUpper(metric)]
	if !ok {
		return ""
	}
	switch {
	case value <= t.good:
		return RatingGood
	case value <= t.poor:
		return RatingNeedsImprovement
	default:
		return RatingPoor
	}
}

// ratingRank orders ratings from best to worst; unknown ratings rank -1.
func ratingRank(rating string) int {
	switch rating {
	case RatingGood:
		return 0
	case RatingNeedsImprovement:
		return 1
	case RatingPoor:
		return 2
	default:
		return -1
	}
}
