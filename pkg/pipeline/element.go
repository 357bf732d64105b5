package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/forge/pkg/registry"
	"gopkg.in/yaml.v3"
)

// Element is a project manifest entry traversing the pipeline. Elements
// register themselves in the plugin registry for their lifetime so that
// messages from worker processes can be routed back to them by id.
type Element struct {
	name     string
	uniqueID uint64
	stages   map[string][]string
	output   string
	workDir  string
}

// NewElement creates an element and registers it
func NewElement(name string, stages map[string][]string, output, workDir string) *Element {
	e := &Element{
		name:    name,
		stages:  stages,
		output:  output,
		workDir: workDir,
	}
	e.uniqueID = registry.Register(e)
	return e
}

// Name returns the element's display name
func (e *Element) Name() string { return e.name }

// UniqueID returns the element's plugin registry id
func (e *Element) UniqueID() uint64 { return e.uniqueID }

// Commands returns the commands of one pipeline stage, nil when the
// manifest declares none
func (e *Element) Commands(stage string) []string {
	return e.stages[stage]
}

// WorkDir returns the directory stage commands run in
func (e *Element) WorkDir() string { return e.workDir }

// OutputSize walks the element's declared output path and returns its
// total size in bytes. Elements without an output have size zero.
func (e *Element) OutputSize() int64 {
	if e.output == "" {
		return 0
	}

	var total int64
	root := filepath.Join(e.workDir, e.output)
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Unregister removes the element from the plugin registry. Called when
// the pipeline is torn down.
func (e *Element) Unregister() {
	registry.Unregister(e.uniqueID)
}

// Manifest is the YAML project description consumed by forge build
type Manifest struct {
	Name     string            `yaml:"name"`
	Elements []ManifestElement `yaml:"elements"`
}

// ManifestElement describes one element and its per-stage commands
type ManifestElement struct {
	Name   string              `yaml:"name"`
	Stages map[string][]string `yaml:"stages"`
	Output string              `yaml:"output"`
}

// LoadManifest reads a project manifest and creates its elements. Stage
// commands run relative to the manifest's directory.
func LoadManifest(path string) ([]*Element, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if len(manifest.Elements) == 0 {
		return nil, fmt.Errorf("manifest %s declares no elements", path)
	}

	workDir := filepath.Dir(path)
	elements := make([]*Element, 0, len(manifest.Elements))
	seen := make(map[string]bool)
	for _, me := range manifest.Elements {
		if me.Name == "" {
			return nil, fmt.Errorf("manifest %s has an element without a name", path)
		}
		if seen[me.Name] {
			return nil, fmt.Errorf("manifest %s declares element %s twice", path, me.Name)
		}
		seen[me.Name] = true
		elements = append(elements, NewElement(me.Name, me.Stages, me.Output, workDir))
	}

	return elements, nil
}
