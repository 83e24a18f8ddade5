// Package manifest loads per-project build manifests (kiln.yaml): what
// image a project builds, with which Dockerfile, arguments, and tags,
// and whether the project rebuilds automatically on file changes.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cfilipov/kiln/internal/engine"
)

// acceptedManifestNames are the file names recognized as a project
// manifest, in lookup order.
var acceptedManifestNames = []string{"kiln.yaml", "kiln.yml"}

// Manifest is one project's build configuration.
type Manifest struct {
	Image      string            `yaml:"image"`
	Tags       []string          `yaml:"tags"`
	Dockerfile string            `yaml:"dockerfile"`
	BuildArgs  map[string]string `yaml:"build_args"`
	Labels     map[string]string `yaml:"labels"`
	Target     string            `yaml:"target"`
	NoCache    bool              `yaml:"no_cache"`
	Pull       bool              `yaml:"pull"`
	Autobuild  bool              `yaml:"autobuild"`
}

// FindManifest returns the path of the project's manifest file, or ""
// if the project has none.
func FindManifest(contextsDir, project string) string {
	for _, name := range acceptedManifestNames {
		path := filepath.Join(contextsDir, project, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// ParseFile reads and parses a manifest file.
func ParseFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse parses manifest YAML.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// EffectiveTags returns the tags a build of this project should apply:
// the explicit tags, or image:latest, or project:latest when the
// manifest names no image at all.
func (m *Manifest) EffectiveTags(project string) []string {
	if len(m.Tags) > 0 {
		return m.Tags
	}
	if m.Image != "" {
		return []string{m.Image + ":latest"}
	}
	return []string{project + ":latest"}
}

// BuildOptions maps the manifest to engine build options for project.
func (m *Manifest) BuildOptions(project string) engine.BuildOptions {
	var args map[string]*string
	if len(m.BuildArgs) > 0 {
		args = make(map[string]*string, len(m.BuildArgs))
		for k, v := range m.BuildArgs {
			v := v
			args[k] = &v
		}
	}

	return engine.BuildOptions{
		Dockerfile: m.Dockerfile,
		Tags:       m.EffectiveTags(project),
		BuildArgs:  args,
		Labels:     m.Labels,
		Target:     m.Target,
		NoCache:    m.NoCache,
		Remove:     true,
		PullParent: m.Pull,
	}
}
