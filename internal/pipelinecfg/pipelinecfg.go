// Package pipelinecfg loads a declarative pipeline definition from YAML into
// blockgraph.TaskSpecs.
package pipelinecfg

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"blockscheduler/internal/blockgraph"
)

// DependencyConfig is one YAML-declared requires entry.
type DependencyConfig struct {
	Upstream string `yaml:"upstream"`
	Pattern  string `yaml:"pattern"`
}

// TaskConfig is one YAML-declared task.
type TaskConfig struct {
	Name       string             `yaml:"name"`
	Blocks     int                `yaml:"blocks"`
	MaxRetries int                `yaml:"max_retries"`
	Requires   []DependencyConfig `yaml:"requires"`
}

// PipelineConfig is the top-level YAML document.
type PipelineConfig struct {
	CountAllOrphans bool         `yaml:"count_all_orphans"`
	Tasks           []TaskConfig `yaml:"tasks"`

	// Hash is the sha256 hex digest of the raw document this config was
	// parsed from. Load sets it; Parse leaves it empty, since callers that
	// already have a pipeline identity of their own (e.g. tests) shouldn't
	// have one manufactured for them.
	Hash string `yaml:"-"`
}

// Load reads and parses a pipeline definition from path, stamping the
// returned config's Hash with a digest of the file's exact bytes — this is
// what identifies a run's pipeline in its blocktrace.Trace, so that two
// runs of the same definition produce comparable trace hashes.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipelinecfg: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	cfg.Hash = hex.EncodeToString(sum[:])
	return cfg, nil
}

// Parse parses a pipeline definition already held in memory.
func Parse(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("pipelinecfg: parse: %w", err)
	}
	if len(cfg.Tasks) == 0 {
		return nil, fmt.Errorf("pipelinecfg: no tasks defined")
	}
	return &cfg, nil
}

// Specs converts the parsed configuration into blockgraph.TaskSpecs.
// check_function is deliberately not configurable from YAML: callers that
// need one set it directly on the returned specs before calling
// blockgraph.Generate.
func (c *PipelineConfig) Specs() ([]blockgraph.TaskSpec, error) {
	specs := make([]blockgraph.TaskSpec, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		spec := blockgraph.TaskSpec{
			Name:       t.Name,
			Blocks:     t.Blocks,
			MaxRetries: t.MaxRetries,
		}
		for _, dep := range t.Requires {
			var pattern blockgraph.Pattern
			switch dep.Pattern {
			case "", string(blockgraph.PatternAligned):
				pattern = blockgraph.PatternAligned
			case string(blockgraph.PatternBroadcast):
				pattern = blockgraph.PatternBroadcast
			default:
				return nil, fmt.Errorf("pipelinecfg: task %q: unknown pattern %q", t.Name, dep.Pattern)
			}
			spec.Requires = append(spec.Requires, blockgraph.Dependency{Upstream: dep.Upstream, Pattern: pattern})
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
