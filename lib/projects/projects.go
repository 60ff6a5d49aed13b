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

// Package projects owns the collector's on-disk layout: the per-user root
// directory, per-project directories with their configs and durable logs,
// and the mapping from a client-supplied app name to a project.
package projects

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	runtimescope "github.com/runtimescope/runtimescope"
	"github.com/runtimescope/runtimescope/lib/defaults"
	logutils "github.com/runtimescope/runtimescope/lib/utils/log"
)

// GlobalConfig is the collector-wide config stored at <root>/config.json.
type GlobalConfig struct {
	DefaultPort int `json:"defaultPort"`
	BufferSize  int `json:"bufferSize"`
	HTTPPort    int `json:"httpPort"`
}

// ProjectSettings are optional per-project overrides.
type ProjectSettings struct {
	BufferSize    int `json:"bufferSize,omitempty"`
	RetentionDays int `json:"retentionDays,omitempty"`
}

// ProjectConfig is stored at <root>/projects/<name>/config.json.
type ProjectConfig struct {
	Name       string          `json:"name"`
	CreatedAt  time.Time       `json:"createdAt"`
	SDKVersion string          `json:"sdkVersion,omitempty"`
	Settings   ProjectSettings `json:"settings"`
}

// RegistryConfig configures the project registry.
type RegistryConfig struct {
	// RootDir overrides the default per-user state directory.
	RootDir string
	// Clock stamps project creation times.
	Clock clockwork.Clock
	// Log is the logger.
	Log *slog.Logger
}

func (c *RegistryConfig) checkAndSetDefaults() error {
	if c.RootDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		c.RootDir = filepath.Join(home, defaults.DataDirName)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logutils.NewPackageLogger(runtimescope.ComponentKey, runtimescope.ComponentRegistry)
	}
	return nil
}

// Registry resolves projects to on-disk paths and seeds their directories.
type Registry struct {
	cfg RegistryConfig
}

// NewRegistry creates a project registry rooted at cfg.RootDir.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{cfg: cfg}, nil
}

// RootDir returns the collector state directory.
func (r *Registry) RootDir() string {
	return r.cfg.RootDir
}

// ProjectDir returns the state directory of one project.
func (r *Registry) ProjectDir(project string) string {
	return filepath.Join(r.cfg.RootDir, defaults.ProjectsDirName, project)
}

// EventsDBPath returns the durable event log path of one project.
func (r *Registry) EventsDBPath(project string) string {
	return filepath.Join(r.ProjectDir(project), defaults.EventsDBFile)
}

// SessionsDir returns the per-session snapshot directory of one project.
func (r *Registry) SessionsDir(project string) string {
	return filepath.Join(r.ProjectDir(project), defaults.SessionsDirName)
}

// EnsureGlobalDir creates the root layout and seeds the global config if
// absent. Safe to call repeatedly.
func (r *Registry) EnsureGlobalDir() error {
	if err := os.MkdirAll(filepath.Join(r.cfg.RootDir, defaults.ProjectsDirName), runtimescope.PrivateDirMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.Wrap(r.seedConfig(
		filepath.Join(r.cfg.RootDir, defaults.GlobalConfigFile),
		GlobalConfig{
			DefaultPort: defaults.IngestPort,
			BufferSize:  defaults.BufferSize,
			HTTPPort:    defaults.HTTPPort,
		},
	))
}

// EnsureProjectDir creates a project's directory layout and seeds its
// config if absent, returning the project directory. Safe to call
// repeatedly.
func (r *Registry) EnsureProjectDir(project string) (string, error) {
	if err := r.EnsureGlobalDir(); err != nil {
		return "", trace.Wrap(err)
	}
	dir := r.ProjectDir(project)
	if err := os.MkdirAll(filepath.Join(dir, defaults.SessionsDirName), runtimescope.PrivateDirMode); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	err := r.seedConfig(filepath.Join(dir, defaults.ProjectConfigFile), ProjectConfig{
		Name:      project,
		CreatedAt: r.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return dir, nil
}

// seedConfig writes the default config unless the file already exists.
func (r *Registry) seedConfig(path string, defaultValue any) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	data, err := json.MarshalIndent(defaultValue, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.WriteFile(path, append(data, '\n'), runtimescope.PrivateFileMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	r.cfg.Log.DebugContext(context.Background(), "Seeded default config.", "path", path)
	return nil
}

// ListProjects returns the names of all project directories, sorted.
func (r *Registry) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.cfg.RootDir, defaults.ProjectsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// GlobalConfig reads the collector-wide config.
func (r *Registry) GlobalConfig() (*GlobalConfig, error) {
	var config GlobalConfig
	if err := r.readConfig(filepath.Join(r.cfg.RootDir, defaults.GlobalConfigFile), &config); err != nil {
		return nil, trace.Wrap(err)
	}
	return &config, nil
}

// ProjectConfig reads one project's config.
func (r *Registry) ProjectConfig(project string) (*ProjectConfig, error) {
	var config ProjectConfig
	if err := r.readConfig(filepath.Join(r.ProjectDir(project), defaults.ProjectConfigFile), &config); err != nil {
		return nil, trace.Wrap(err)
	}
	return &config, nil
}

func (r *Registry) readConfig(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return trace.BadParameter("malformed config %v: %v", path, err)
	}
	return nil
}

// RecordSDKVersion stores the instrumentation SDK version last seen for a
// project. No-op when unchanged.
func (r *Registry) RecordSDKVersion(project, version string) error {
	if version == "" {
		return nil
	}
	config, err := r.ProjectConfig(project)
	if err != nil {
		return trace.Wrap(err)
	}
	if config.SDKVersion == version {
		return nil
	}
	config.SDKVersion = version
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	path := filepath.Join(r.ProjectDir(project), defaults.ProjectConfigFile)
	if err := os.WriteFile(path, append(data, '\n'), runtimescope.PrivateFileMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// PruneSessionFiles removes per-session snapshot files of a project whose
// modification time is before the cutoff, returning how many were removed.
func (r *Registry) PruneSessionFiles(project string, olderThan time.Time) (int, error) {
	dir := r.SessionsDir(project)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, trace.ConvertSystemError(err)
	}
	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = append(errs, trace.ConvertSystemError(err))
			continue
		}
		if !info.ModTime().Before(olderThan) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, trace.ConvertSystemError(err))
			continue
		}
		removed++
	}
	return removed, trace.NewAggregate(errs...)
}

// SanitizeProjectName maps a client-supplied app name to a safe project
// directory name: path separators become dashes, control characters are
// dropped, leading dots are stripped and the result is length-capped.
// Names that sanitize to nothing map to the default project.
func SanitizeProjectName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r == '/' || r == '\\' || r == ':':
			b.WriteRune('-')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if runes := []rune(out); len(runes) > defaults.MaxProjectNameLength {
		out = string(runes[:defaults.MaxProjectNameLength])
	}
	if out == "" {
		return defaults.DefaultProjectName
	}
	return out
}
