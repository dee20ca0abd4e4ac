//go:build unit

// Copyright 2024 Alexandre Mahdhaoui
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

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/alexandremahdhaoui/qubeskvm/pkg/provision"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/resources"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/vmm"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, "/var/lib/qubeskvm", config.BaseDir)
	assert.Equal(t, vmm.DefaultURI, config.LibvirtURI)
	assert.Equal(t, uint(2), config.ReserveCores)
	assert.Equal(t, "2048", config.ReserveMemory)
	assert.Equal(t, vmm.XenSignature, config.Xen.Signature)
	assert.Equal(t, vmm.DefaultXenVersion, config.Xen.Version)
	assert.Equal(t, vmm.NetworkModeNetwork, config.Network.Mode)
	assert.Equal(t, provision.FormatCloudInit, config.Provisioning.Format)
	assert.Equal(t, 30*time.Second, config.stopTimeout())
	assert.NoError(t, config.Validate())
}

func TestLoadConfig_YAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
baseDir: /srv/vms
baseImage: /srv/images/fedora-41.qcow2
memory: 4Gi
reserveCores: 1
xen:
  version: "4.17"
network:
  mode: bridge
  source: br0
stopTimeout: 15s
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o600))

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/srv/vms", config.BaseDir)
	assert.Equal(t, "/srv/images/fedora-41.qcow2", config.BaseImage)
	assert.Equal(t, "4Gi", config.Memory)
	assert.Equal(t, uint(1), config.ReserveCores)
	assert.Equal(t, "4.17", config.Xen.Version)
	assert.Equal(t, vmm.XenSignature, config.Xen.Signature, "unset fields keep their defaults")
	assert.Equal(t, vmm.NetworkAttachment{Mode: vmm.NetworkModeBridge, Source: "br0"}, config.Network)
	assert.Equal(t, 15*time.Second, config.stopTimeout())
}

func TestLoadConfig_JSON(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"baseDir": "/tmp/vms", "cores": 3}`), 0o600))

	config, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/vms", config.BaseDir)
	assert.Equal(t, ptr.To(uint(3)), config.Cores)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		config, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
		assert.Nil(t, config)
	})

	t.Run("invalid YAML", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("baseDir: [unterminated"), 0o600))

		config, err := LoadConfig(configPath)
		assert.Error(t, err)
		assert.Nil(t, config)
	})
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("QUBESKVM_BASE_DIR", "/env/vms")
	t.Setenv("QUBESKVM_CORES", "4")
	t.Setenv("QUBESKVM_MEMORY", "8192")
	t.Setenv("QUBESKVM_XEN_VERSION", "4.10")
	t.Setenv("QUBESKVM_NETWORK_MODE", "user")
	t.Setenv("QUBESKVM_STOP_TIMEOUT", "5s")
	t.Setenv("QUBESKVM_DEV_MODE", "yes")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/env/vms", config.BaseDir)
	assert.Equal(t, ptr.To(uint(4)), config.Cores)
	assert.Equal(t, "8192", config.Memory)
	assert.Equal(t, "4.10", config.Xen.Version)
	assert.Equal(t, vmm.NetworkModeUser, config.Network.Mode)
	assert.Equal(t, 5*time.Second, config.stopTimeout())
	assert.True(t, config.DevelopmentMode)
}

func TestLoadConfig_BadEnvironment(t *testing.T) {
	t.Setenv("QUBESKVM_CORES", "many")

	_, err := LoadConfig("")
	assert.ErrorContains(t, err, "QUBESKVM_CORES")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "empty base dir", mutate: func(c *Config) { c.BaseDir = "" }, errMsg: "baseDir"},
		{name: "unknown xen version", mutate: func(c *Config) { c.Xen.Version = "4.2" }, errMsg: "xen"},
		{name: "signature without version", mutate: func(c *Config) { c.Xen.Version = "" }, errMsg: "xen"},
		{name: "mismatched cpu flag", mutate: func(c *Config) { c.Xen.CPUFlag = "xen-pvh" }, errMsg: "xen"},
		{name: "bad memory", mutate: func(c *Config) { c.Memory = "lots" }, errMsg: "memory"},
		{name: "bad reserve memory", mutate: func(c *Config) { c.ReserveMemory = "-1Gi" }, errMsg: "reserveMemory"},
		{name: "bridge without source", mutate: func(c *Config) {
			c.Network = vmm.NetworkAttachment{Mode: vmm.NetworkModeBridge}
		}, errMsg: "bridge"},
		{name: "unknown network mode", mutate: func(c *Config) { c.Network.Mode = "macvtap" }, errMsg: "network.mode"},
		{name: "unknown provisioning format", mutate: func(c *Config) { c.Provisioning.Format = "kickstart" }, errMsg: "provisioning.format"},
		{name: "bad stop timeout", mutate: func(c *Config) { c.StopTimeout = "soon" }, errMsg: "stopTimeout"},
		{name: "zero stop timeout", mutate: func(c *Config) { c.StopTimeout = "0s" }, errMsg: "stopTimeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_Validate_AggregatesErrors(t *testing.T) {
	config := NewDefaultConfig()
	config.BaseDir = ""
	config.StopTimeout = "soon"

	err := config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baseDir")
	assert.Contains(t, err.Error(), "stopTimeout")
}

func TestConfig_Plan(t *testing.T) {
	host := resources.Host{Cores: 8, MemoryMB: 16384}

	t.Run("reservation subtracted", func(t *testing.T) {
		alloc, err := NewDefaultConfig().Plan(host)
		require.NoError(t, err)
		assert.Equal(t, uint(6), alloc.Cores)
		assert.Equal(t, uint(14336), alloc.MemoryMB)
	})

	t.Run("explicit values win", func(t *testing.T) {
		config := NewDefaultConfig()
		config.Cores = ptr.To(uint(2))
		config.Memory = "4Gi"

		alloc, err := config.Plan(host)
		require.NoError(t, err)
		assert.Equal(t, uint(2), alloc.Cores)
		assert.Equal(t, uint(4096), alloc.MemoryMB)
	})
}

func TestConfig_VMConfig(t *testing.T) {
	id, err := vmm.NewIdentity(t.TempDir(), "node1")
	require.NoError(t, err)
	alloc := resources.Allocation{Cores: 2, MemoryMB: 2048}

	t.Run("generated user-data", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "id_ed25519.pub")
		require.NoError(t, os.WriteFile(keyPath, []byte("ssh-ed25519 AAAA test\n"), 0o600))

		config := NewDefaultConfig()
		config.BaseImage = "/images/base.qcow2"
		config.Provisioning.PublicKeyPaths = []string{keyPath}
		config.Provisioning.Packages = []string{"qubes-core-agent"}

		cfg, err := config.VMConfig(id, alloc)
		require.NoError(t, err)
		assert.Equal(t, id, cfg.Identity)
		assert.Equal(t, alloc, cfg.Allocation)
		assert.Equal(t, "/images/base.qcow2", cfg.BaseImage)
		assert.Equal(t, "node1", cfg.Provisioning.UserData.Hostname)
		assert.Equal(t, []string{"qubes-core-agent"}, cfg.Provisioning.UserData.Packages)
		require.Len(t, cfg.Provisioning.UserData.Users, 1)
		assert.Equal(t, []string{"ssh-ed25519 AAAA test"}, cfg.Provisioning.UserData.Users[0].SSHAuthorizedKeys)
	})

	t.Run("template file", func(t *testing.T) {
		tmpl := filepath.Join(t.TempDir(), "user-data")
		require.NoError(t, os.WriteFile(tmpl, []byte("#cloud-config\n"), 0o600))

		config := NewDefaultConfig()
		config.Provisioning.Template = tmpl

		cfg, err := config.VMConfig(id, alloc)
		require.NoError(t, err)
		assert.Equal(t, []byte("#cloud-config\n"), cfg.Provisioning.Template)
	})

	t.Run("missing template", func(t *testing.T) {
		config := NewDefaultConfig()
		config.Provisioning.Template = filepath.Join(t.TempDir(), "nope")

		_, err := config.VMConfig(id, alloc)
		assert.Error(t, err)
	})

	t.Run("disabled", func(t *testing.T) {
		config := NewDefaultConfig()
		config.Provisioning.Disabled = true
		config.Provisioning.Template = "/does/not/matter"

		cfg, err := config.VMConfig(id, alloc)
		require.NoError(t, err)
		assert.True(t, cfg.Provisioning.Disabled)
		assert.Nil(t, cfg.Provisioning.Template)
	})
}
