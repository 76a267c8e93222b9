/*
Copyright 2024 The AgentCP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agentcp

import (
	"os"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk shape of an AgentCP bootstrap file: where to
// keep identities, which authority to talk to, and how loud to log.
type FileConfig struct {
	StoragePath  string `yaml:"storage_path"`
	SeedPassword string `yaml:"seed_password"`
	CABase       string `yaml:"ca_base"`
	APBase       string `yaml:"ap_base"`
	LogLevel     string `yaml:"log_level"`
}

// CheckAndSetDefaults validates required fields and fills in defaults.
func (c *FileConfig) CheckAndSetDefaults() error {
	if c.StoragePath == "" {
		return trace.BadParameter("storage_path is required")
	}
	if c.CABase == "" {
		return trace.BadParameter("ca_base is required")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// LoadConfig reads and validates a FileConfig from path.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err, "parsing %s", path)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// NewFromConfig builds and fully initializes an AgentCP facade from a
// FileConfig: it opens the identity store and configures the entry point
// in one call, equivalent to New + Initialize + SetBaseURLs.
func NewFromConfig(cfg *FileConfig) (*AgentCP, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, trace.Wrap(err, "invalid log_level %q", cfg.LogLevel)
	}

	a := New()
	a.SetLogLevel(level)
	if err := a.Initialize(cfg.StoragePath, cfg.SeedPassword); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := a.SetBaseURLs(cfg.CABase, cfg.APBase); err != nil {
		return nil, trace.Wrap(err)
	}
	return a, nil
}
