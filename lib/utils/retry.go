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

package utils

import (
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Retry provides retry delay logic.
type Retry interface {
	// Reset resets retry state.
	Reset()
	// Inc increments the retry attempt counter.
	Inc()
	// Duration returns the current retry delay, which may be 0.
	Duration() time.Duration
	// After returns a channel that fires after the current delay. It
	// fires immediately when the delay is 0.
	After() <-chan time.Time
}

// LinearConfig configures retry delays following an arithmetic progression.
type LinearConfig struct {
	// First is the first element of the progression, may be 0.
	First time.Duration
	// Step is the progression step, can't be 0.
	Step time.Duration
	// Max caps the progression.
	Max time.Duration
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

func (c *LinearConfig) checkAndSetDefaults() error {
	if c.Step == 0 {
		return trace.BadParameter("missing parameter Step")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewLinear returns a new linear retry.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Linear{LinearConfig: cfg, closedChan: closedChan}, nil
}

// NewConstant returns a retry with a fixed interval between attempts.
func NewConstant(interval time.Duration, clock clockwork.Clock) (*Linear, error) {
	return NewLinear(LinearConfig{First: interval, Step: interval, Max: interval, Clock: clock})
}

// Linear computes retry delays as an arithmetic progression capped at Max.
type Linear struct {
	LinearConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset resets the progression to its initial state.
func (r *Linear) Reset() {
	r.attempt = 0
}

// Inc increments the attempt counter.
func (r *Linear) Inc() {
	r.attempt++
}

// Duration returns the current delay.
func (r *Linear) Duration() time.Duration {
	d := r.First + time.Duration(r.attempt)*r.Step
	if d < 1 {
		return 0
	}
	if d > r.Max {
		return r.Max
	}
	return d
}

// After returns a channel firing after the current delay, or a closed
// channel when the delay is 0.
func (r *Linear) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns a human friendly representation of the retry state.
func (r *Linear) String() string {
	return fmt.Sprintf("Linear(attempt=%v, duration=%v)", r.attempt, r.Duration())
}
