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

package projects

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"
)

// Infrastructure describes the environment an instrumented application
// runs against, declared by the developer next to the project state. All
// sections are optional.
type Infrastructure struct {
	Project     string       `json:"project,omitempty"`
	Databases   []Database   `json:"databases,omitempty"`
	Deployments []Deployment `json:"deployments,omitempty"`
	Services    []Service    `json:"services,omitempty"`
}

// Database is one backing database of the instrumented application.
type Database struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Deployment is one environment the application deploys to.
type Deployment struct {
	Name        string `json:"name"`
	Environment string `json:"environment,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Service is one upstream service the application calls.
type Service struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// infrastructureFiles are the accepted file names, probed in order.
var infrastructureFiles = []string{
	"infrastructure.json",
	"infrastructure.yaml",
	"infrastructure.yml",
}

// Infrastructure loads a project's infrastructure declaration. Returns a
// NotFound error when the project declares none.
func (r *Registry) Infrastructure(project string) (*Infrastructure, error) {
	dir := r.ProjectDir(project)
	for _, name := range infrastructureFiles {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, trace.ConvertSystemError(err)
		}
		infra, err := parseInfrastructure(data)
		if err != nil {
			return nil, trace.BadParameter("malformed infrastructure config %v: %v", path, err)
		}
		return infra, nil
	}
	return nil, trace.NotFound("project %v has no infrastructure config", project)
}

// parseInfrastructure decodes JSON or YAML and expands ${VAR} references
// in every string value before typing the result. Unknown variables
// expand to the empty string.
func parseInfrastructure(data []byte) (*Infrastructure, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	expanded, err := json.Marshal(expandEnv(raw))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var infra Infrastructure
	if err := json.Unmarshal(expanded, &infra); err != nil {
		return nil, trace.Wrap(err)
	}
	return &infra, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv walks the parsed document: strings get ${VAR} expansion,
// arrays and objects recurse, everything else passes through.
func expandEnv(v any) any {
	switch val := v.(type) {
	case string:
		return envVarPattern.ReplaceAllStringFunc(val, func(ref string) string {
			return os.Getenv(ref[2 : len(ref)-1])
		})
	case []any:
		for i, item := range val {
			val[i] = expandEnv(item)
		}
		return val
	case map[string]any:
		for key, item := range val {
			val[key] = expandEnv(item)
		}
		return val
	default:
		return v
	}
}
