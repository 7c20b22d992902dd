// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for vmitool. Each setting is a field of Config that is populated from a
// command line flag of the same name.
package config

import (
	"fmt"
	"time"
)

// Config holds configuration that is shared by every vmitool command.
type Config struct {
	// Driver is the name of the registered driver to attach with.
	Driver string `flag:"driver"`

	// Path is the driver-specific location of the guest.
	Path string `flag:"path"`

	// RegistersPath names a TOML or YAML register snapshot for drivers that
	// cannot read registers from the guest.
	RegistersPath string `flag:"registers"`

	// Vcpus is the number of vCPUs for drivers that cannot discover it.
	Vcpus int `flag:"vcpus"`

	// AttachTimeout bounds the time spent retrying a failed attach. Zero
	// attempts once.
	AttachTimeout time.Duration `flag:"attach-timeout"`

	// GfnCacheSize is the number of pages cached by the core. Zero disables
	// the cache.
	GfnCacheSize int `flag:"gfn-cache"`

	// V2PCacheSize is the number of translations cached by the core. Zero
	// disables the cache.
	V2PCacheSize int `flag:"v2p-cache"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// LogFilename is the file to log to. Empty logs to stderr.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text, json, json-k8s or logrus.
	LogFormat string `flag:"log-format"`
}

// LogFormats lists the accepted values of --log-format.
var LogFormats = []string{"text", "json", "json-k8s", "logrus"}

func (c *Config) validate() error {
	if c.Driver == "" {
		return fmt.Errorf("--driver is required")
	}
	if c.Vcpus < 1 {
		return fmt.Errorf("--vcpus must be at least 1, got %d", c.Vcpus)
	}
	if c.AttachTimeout < 0 {
		return fmt.Errorf("--attach-timeout must not be negative, got %v", c.AttachTimeout)
	}
	if c.GfnCacheSize < 0 || c.V2PCacheSize < 0 {
		return fmt.Errorf("cache sizes must not be negative, got %d and %d", c.GfnCacheSize, c.V2PCacheSize)
	}
	for _, f := range LogFormats {
		if c.LogFormat == f {
			return nil
		}
	}
	return fmt.Errorf("invalid log format %q, must be one of %v", c.LogFormat, LogFormats)
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	return c.validate()
}
