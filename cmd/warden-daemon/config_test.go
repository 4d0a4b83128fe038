package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, yaml string) {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0o644))
	t.Setenv(ConfigPathEnvKey, configPath)
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		check       func(t *testing.T, config *Config)
	}{
		{
			name: "valid config with all fields",
			configYAML: `
pool:
  minSize: 3
  maxSize: 8
  ttlSeconds: 1800
  acquireTimeoutSeconds: 15
executor:
  defaultTimeoutSeconds: 20
  maxTimeoutSeconds: 120
vm:
  imagePath: "/var/lib/warden/base.qcow2"
  baseDir: "/var/lib/warden/vms"
  libvirtURI: "qemu:///session"
  memoryMB: 2048
  vcpus: 4
guest:
  port: 5581
apiServer:
  port: 9090
probesServer:
  port: 9091
  livenessPath: "/live"
  readinessPath: "/ready"
metricsServer:
  port: 9092
  path: "/metrics"
`,
			check: func(t *testing.T, config *Config) {
				t.Helper()
				assert.Equal(t, 3, config.Pool.MinSize)
				assert.Equal(t, 8, config.Pool.MaxSize)
				assert.Equal(t, 1800, config.Pool.TTLSeconds)
				assert.Equal(t, "/var/lib/warden/base.qcow2", config.VM.ImagePath)
				assert.Equal(t, "qemu:///session", config.VM.LibvirtURI)
				assert.Equal(t, uint(2048), config.VM.MemoryMB)
				assert.Equal(t, uint32(5581), config.Guest.Port)
				assert.Equal(t, 9090, config.APIServer.Port)
				assert.Equal(t, "/live", config.ProbesServer.LivenessPath)
			},
		},
		{
			name: "minimal config keeps defaults",
			configYAML: `
vm:
  imagePath: "/var/lib/warden/base.qcow2"
`,
			check: func(t *testing.T, config *Config) {
				t.Helper()
				assert.Equal(t, 2, config.Pool.MinSize)
				assert.Equal(t, 5, config.Pool.MaxSize)
				assert.Equal(t, 3600, config.Pool.TTLSeconds)
				assert.Equal(t, 30, config.Executor.DefaultTimeoutSeconds)
				assert.Equal(t, 300, config.Executor.MaxTimeoutSeconds)
				assert.Equal(t, uint32(5580), config.Guest.Port)
				assert.Equal(t, 8080, config.APIServer.Port)
				assert.Equal(t, "/healthz", config.ProbesServer.LivenessPath)
				assert.Equal(t, "/metrics", config.MetricsServer.Path)
			},
		},
		{
			name: "missing image path",
			configYAML: `
pool:
  minSize: 1
`,
			expectError: true,
		},
		{
			name: "non-positive ttl",
			configYAML: `
vm:
  imagePath: "/var/lib/warden/base.qcow2"
pool:
  ttlSeconds: 0
`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfigFile(t, tt.configYAML)

			config, err := loadConfig()

			if tt.expectError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, config)
			tt.check(t, config)
		})
	}
}

func TestLoadConfig_MissingEnvVar(t *testing.T) {
	os.Unsetenv(ConfigPathEnvKey)

	config, err := loadConfig()

	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), ConfigPathEnvKey)
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	t.Setenv(ConfigPathEnvKey, "/non/existent/path/config.yaml")

	config, err := loadConfig()

	assert.Error(t, err)
	assert.Nil(t, config)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	writeConfigFile(t, "invalid: yaml: content: [")

	config, err := loadConfig()

	assert.Error(t, err)
	assert.Nil(t, config)
}
