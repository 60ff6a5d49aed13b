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

// Package log configures the process-wide structured logger.
package log

import (
	"log/slog"
	"os"

	runtimescope "github.com/runtimescope/runtimescope"
)

// NewLogger returns an slog logger writing text records to stderr at the
// given level.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// InitLogger installs the default process logger. Debug widens the level
// and includes source locations.
func InitLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug,
	}))
	slog.SetDefault(logger)
}

// NewPackageLogger returns a logger with preset key/value pairs, typically
// a component tag.
func NewPackageLogger(keyvals ...any) *slog.Logger {
	return slog.Default().With(keyvals...)
}

// NewLoggerForTests returns a logger for use in tests. Output is discarded
// unless RUNTIMESCOPE_DEBUG_TESTS is set.
func NewLoggerForTests() *slog.Logger {
	if os.Getenv(runtimescope.DebugTestsEnvVar) == "" {
		return slog.New(slog.DiscardHandler)
	}
	return NewLogger(slog.LevelDebug)
}

// InitLoggerForTests installs the test logger as the process default.
// Call from TestMain.
func InitLoggerForTests() {
	slog.SetDefault(NewLoggerForTests())
}
