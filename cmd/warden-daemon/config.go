/*
Copyright 2025 The Warden Authors

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

package main

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// ConfigPathEnvKey points at the daemon's YAML configuration file.
const ConfigPathEnvKey = "WARDEN_DAEMON_CONFIG_PATH"

// loadConfig loads the configuration from the file specified in the
// WARDEN_DAEMON_CONFIG_PATH environment variable.
func loadConfig() (*Config, error) {
	configPath := os.Getenv(ConfigPathEnvKey)
	if configPath == "" {
		return nil, fmt.Errorf("environment variable %q must be set", ConfigPathEnvKey)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Parse YAML (uses json tags)
	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Config is used to configure the warden daemon.
type Config struct {
	// Pool configures the VM pool.
	Pool struct {
		// MinSize is the number of pre-warmed VMs kept ready.
		MinSize int `json:"minSize"`
		// MaxSize bounds the total number of pooled VMs.
		MaxSize int `json:"maxSize"`
		// TTLSeconds is the maximum age of a pooled VM before it is
		// destroyed and replaced.
		TTLSeconds int `json:"ttlSeconds"`
		// AcquireTimeoutSeconds bounds how long an execution request waits
		// for a pooled VM before creating one on demand.
		AcquireTimeoutSeconds int `json:"acquireTimeoutSeconds"`
	} `json:"pool"`

	// Executor configures per-execution timeouts.
	Executor struct {
		// DefaultTimeoutSeconds applies when a request carries no timeout.
		DefaultTimeoutSeconds int `json:"defaultTimeoutSeconds"`
		// MaxTimeoutSeconds caps any requested timeout.
		MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`
	} `json:"executor"`

	// VM configures domain creation.
	VM struct {
		// ImagePath is the qcow2 base image every sandbox boots from.
		ImagePath string `json:"imagePath"`
		// BaseDir holds per-VM artifacts (disk overlays, workspace shares).
		BaseDir string `json:"baseDir"`
		// LibvirtURI overrides the default qemu:///system.
		LibvirtURI string `json:"libvirtURI"`
		// MemoryMB and VCPUs size each sandbox domain.
		MemoryMB uint `json:"memoryMB"`
		VCPUs    uint `json:"vcpus"`
	} `json:"vm"`

	// Guest configures the in-VM agent connection.
	Guest struct {
		// Port is the vsock port the guest agent listens on.
		Port uint32 `json:"port"`
	} `json:"guest"`

	// APIServer is the configuration for the execution API server.
	APIServer struct {
		// Port is the port for the API server.
		Port int `json:"port"`
	} `json:"apiServer"`

	// ProbesServer is the configuration for the probes server.
	ProbesServer struct {
		// LivenessPath is the path for the liveness probe.
		LivenessPath string `json:"livenessPath"`
		// ReadinessPath is the path for the readiness probe.
		ReadinessPath string `json:"readinessPath"`
		// Port is the port for the probes server.
		Port int `json:"port"`
	} `json:"probesServer"`

	// MetricsServer is the configuration for the metrics server.
	MetricsServer struct {
		// Path is the path for the metrics server.
		Path string `json:"path"`
		// Port is the port for the metrics server.
		Port int `json:"port"`
	} `json:"metricsServer"`
}

func defaultConfig() *Config {
	c := &Config{}
	c.Pool.MinSize = 2
	c.Pool.MaxSize = 5
	c.Pool.TTLSeconds = 3600
	c.Pool.AcquireTimeoutSeconds = 30
	c.Executor.DefaultTimeoutSeconds = 30
	c.Executor.MaxTimeoutSeconds = 300
	c.VM.MemoryMB = 1024
	c.VM.VCPUs = 2
	c.Guest.Port = 5580
	c.APIServer.Port = 8080
	c.ProbesServer.Port = 8081
	c.ProbesServer.LivenessPath = "/healthz"
	c.ProbesServer.ReadinessPath = "/readyz"
	c.MetricsServer.Port = 8082
	c.MetricsServer.Path = "/metrics"
	return c
}

func (c *Config) validate() error {
	if c.VM.ImagePath == "" {
		return fmt.Errorf("vm.imagePath must be set")
	}
	if c.Pool.TTLSeconds <= 0 {
		return fmt.Errorf("pool.ttlSeconds must be positive")
	}
	if c.Pool.AcquireTimeoutSeconds <= 0 {
		return fmt.Errorf("pool.acquireTimeoutSeconds must be positive")
	}
	return nil
}

func (c *Config) poolTTL() time.Duration {
	return time.Duration(c.Pool.TTLSeconds) * time.Second
}

func (c *Config) acquireTimeout() time.Duration {
	return time.Duration(c.Pool.AcquireTimeoutSeconds) * time.Second
}

func (c *Config) defaultTimeout() time.Duration {
	return time.Duration(c.Executor.DefaultTimeoutSeconds) * time.Second
}

func (c *Config) maxTimeout() time.Duration {
	return time.Duration(c.Executor.MaxTimeoutSeconds) * time.Second
}
