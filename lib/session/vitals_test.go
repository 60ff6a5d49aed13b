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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVitalRating(t *testing.T) {
	t.Parallel()

	tests := []struct {
		metric string
		value  float64
		want   string
	}{
		{metric: "LCP", value: 2500, want: RatingGood},
		{metric: "LCP", value: 2501, want: RatingNeedsImprovement},
		{metric: "LCP", value: 4000, want: RatingNeedsImprovement},
		{metric: "LCP", value: 4001, want: RatingPoor},
		{metric: "FCP", value: 1800, want: RatingGood},
		{metric: "FCP", value: 3100, want: RatingPoor},
		{metric: "CLS", value: 0.05, want: RatingGood},
		{metric: "CLS", value: 0.2, want: RatingNeedsImprovement},
		{metric: "CLS", value: 0.3, want: RatingPoor},
		{metric: "TTFB", value: 799, want: RatingGood},
		{metric: "TTFB", value: 1801, want: RatingPoor},
		{metric: "FID", value: 100, want: RatingGood},
		{metric: "FID", value: 301, want: RatingPoor},
		{metric: "INP", value: 350, want: RatingNeedsImprovement},
		// Metric names arrive in whatever case the SDK uses.
		{metric: "lcp", value: 1000, want: RatingGood},
		{metric: "custom.paint", value: 10, want: ""},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%v %v", tc.metric, tc.value), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, VitalRating(tc.metric, tc.value))
		})
	}
}
