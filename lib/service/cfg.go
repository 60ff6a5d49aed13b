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

package service

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	runtimescope "github.com/runtimescope/runtimescope"
	"github.com/runtimescope/runtimescope/lib/defaults"
)

// Config holds the collector process configuration. Zero fields are filled
// from the on-disk global config and then from defaults, so explicit
// values, set by flags or ParseEnv, always win.
type Config struct {
	// ListenHost is the interface both listeners bind. The collector
	// serves local development tooling and defaults to loopback.
	ListenHost string

	// IngestPort is the framed TCP ingest port.
	IngestPort int

	// HTTPPort is the query and stream facade port.
	HTTPPort int

	// BufferSize is the in-memory event ring capacity.
	BufferSize int

	// RootDir is the on-disk state directory. Empty means
	// ~/.runtimescope.
	RootDir string

	// DiagAddr, when set, serves the diagnostics endpoint (Prometheus
	// metrics, health, pprof) on the given host:port.
	DiagAddr string

	// Debug widens log verbosity.
	Debug bool

	// Clock is the collector time source.
	Clock clockwork.Clock

	// Log is the base process logger. Components derive their own
	// loggers from it.
	Log *slog.Logger

	// PreStart runs before the first ingest bind attempt, e.g. to evict
	// a stale owner of the port. Optional.
	PreStart func(ctx context.Context, addr string) error
}

// ParseEnv overlays RUNTIMESCOPE_* environment variables onto the config.
// A set but malformed variable is a hard error, not a silent fallback.
func (c *Config) ParseEnv() error {
	if v := os.Getenv(runtimescope.PortEnvVar); v != "" {
		port, err := parsePort(v)
		if err != nil {
			return trace.BadParameter("%v: %v", runtimescope.PortEnvVar, err)
		}
		c.IngestPort = port
	}
	if v := os.Getenv(runtimescope.HTTPPortEnvVar); v != "" {
		port, err := parsePort(v)
		if err != nil {
			return trace.BadParameter("%v: %v", runtimescope.HTTPPortEnvVar, err)
		}
		c.HTTPPort = port
	}
	if v := os.Getenv(runtimescope.BufferSizeEnvVar); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size < 0 {
			return trace.BadParameter("%v: not a valid buffer size: %q", runtimescope.BufferSizeEnvVar, v)
		}
		c.BufferSize = size
	}
	if v := os.Getenv(runtimescope.DebugEnvVar); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return trace.BadParameter("%v: not a valid boolean: %q", runtimescope.DebugEnvVar, v)
		}
		c.Debug = debug
	}
	return nil
}

func parsePort(v string) (int, error) {
	port, err := strconv.Atoi(v)
	if err != nil || port < 1 || port > 65535 {
		return 0, trace.BadParameter("not a valid port: %q", v)
	}
	return port, nil
}

func (c *Config) checkAndSetDefaults() error {
	if c.ListenHost == "" {
		c.ListenHost = defaults.ListenHost
	}
	if c.IngestPort < 0 || c.IngestPort > 65535 {
		return trace.BadParameter("invalid ingest port %v", c.IngestPort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return trace.BadParameter("invalid HTTP port %v", c.HTTPPort)
	}
	if c.IngestPort == 0 {
		c.IngestPort = defaults.IngestPort
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = defaults.HTTPPort
	}
	if c.BufferSize < 0 {
		return trace.BadParameter("invalid buffer size %v", c.BufferSize)
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaults.BufferSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// ingestAddr returns the host:port the ingest server binds.
func (c *Config) ingestAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.IngestPort))
}

// httpAddr returns the host:port the HTTP facade binds.
func (c *Config) httpAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.HTTPPort))
}
