// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrEmptyConfig = errors.New("empty config")

// Config holds the analysis settings that can be kept in a file.
type Config struct {
	SortKeys  []string        `yaml:"sort_keys,omitempty"`
	Period    string          `yaml:"period,omitempty"`
	Filters   FiltersConfig   `yaml:"filters,omitempty"`
	CallGraph CallGraphConfig `yaml:"callgraph,omitempty"`
	Unwinding UnwindingConfig `yaml:"unwinding,omitempty"`
}

// FiltersConfig restricts which samples are reported. Empty lists match
// everything.
type FiltersConfig struct {
	Pids  []int    `yaml:"pids,omitempty"`
	Tids  []int    `yaml:"tids,omitempty"`
	Comms []string `yaml:"comms,omitempty"`
	Dsos  []string `yaml:"dsos,omitempty"`
}

type CallGraphConfig struct {
	// Accumulate adds the period of a sample to every caller.
	Accumulate bool `yaml:"accumulate,omitempty"`
	// Build keeps a call chain tree per entry. It implies Accumulate.
	Build        bool `yaml:"build,omitempty"`
	CallerAsRoot bool `yaml:"caller_as_root,omitempty"`
	// Branch reports taken branches instead of sampled instructions.
	Branch bool `yaml:"branch,omitempty"`
}

// UnwindingConfig tunes offline unwinding. Zero values select the defaults.
type UnwindingConfig struct {
	MaxFrames          int    `yaml:"max_frames,omitempty"`
	JITBrokenThreshold int    `yaml:"jit_broken_threshold,omitempty"`
	StackAccessWindow  uint64 `yaml:"stack_access_window,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Validate checks values the YAML decoder accepts but the analysis cannot.
func (c *Config) Validate() error {
	var errs []error
	switch c.Period {
	case "", "event_count", "timestamp":
	default:
		errs = append(errs, fmt.Errorf("period %q: must be event_count or timestamp", c.Period))
	}
	if c.Unwinding.MaxFrames < 0 {
		errs = append(errs, fmt.Errorf("unwinding.max_frames %d: must not be negative", c.Unwinding.MaxFrames))
	}
	if c.Unwinding.JITBrokenThreshold < 0 {
		errs = append(errs, fmt.Errorf("unwinding.jit_broken_threshold %d: must not be negative", c.Unwinding.JITBrokenThreshold))
	}
	for _, pid := range c.Filters.Pids {
		if pid < 0 {
			errs = append(errs, fmt.Errorf("filters.pids: invalid pid %d", pid))
		}
	}
	for _, tid := range c.Filters.Tids {
		if tid < 0 {
			errs = append(errs, fmt.Errorf("filters.tids: invalid tid %d", tid))
		}
	}
	return errors.Join(errs...)
}

// Load parses the YAML input b into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
