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
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"

	"github.com/alexandremahdhaoui/qubeskvm/pkg/provision"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/resources"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/vmm"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path
	ConfigPathEnvKey = "QUBESKVM_CONFIG_PATH"

	defaultBaseDir       = "/var/lib/qubeskvm"
	defaultReserveCores  = 2
	defaultReserveMemory = "2048"
	defaultStopTimeout   = "30s"
)

// ProvisioningConfig selects the first-boot payload.
type ProvisioningConfig struct {
	// Disabled skips the provisioning image entirely.
	Disabled bool `json:"disabled,omitempty"`

	// Format is "cloud-init" (default) or "ignition".
	Format provision.Format `json:"format,omitempty"`

	// Template is a file passed verbatim as user-data (cloud-init) or Butane
	// document (ignition). When empty a payload is generated from the fields
	// below.
	Template string `json:"template,omitempty"`

	User           string   `json:"user,omitempty"`
	PublicKeyPaths []string `json:"publicKeyPaths,omitempty"`
	Packages       []string `json:"packages,omitempty"`
}

// SSHConfig is how verify reaches the guest.
type SSHConfig struct {
	User           string `json:"user"`
	PrivateKeyPath string `json:"privateKeyPath"`
	Port           string `json:"port,omitempty"`
	// Sudo runs the guest cache dump through sudo -n.
	Sudo bool `json:"sudo,omitempty"`
}

// Config holds the configuration for qubeskvm
type Config struct {
	// BaseDir holds every per-VM artifact (disk, images, sockets, state).
	BaseDir string `json:"baseDir"`

	// LibvirtURI is the hypervisor manager connection (default qemu:///system).
	LibvirtURI string `json:"libvirtURI,omitempty"`

	// BaseImage backs the qcow2 overlay of new VMs.
	BaseImage string `json:"baseImage,omitempty"`
	DiskSize  string `json:"diskSize,omitempty"`

	// Cores and Memory override the planned allocation. Memory accepts MiB
	// ("4096") or a quantity ("4Gi").
	Cores  *uint  `json:"cores,omitempty"`
	Memory string `json:"memory,omitempty"`

	ReserveCores  uint   `json:"reserveCores"`
	ReserveMemory string `json:"reserveMemory"`

	Xen vmm.XenEmulation `json:"xen"`
	// QEMUBinary is the QEMU the per-VM emulator wrapper runs (default
	// /usr/bin/qemu-system-x86_64).
	QEMUBinary string `json:"qemuBinary,omitempty"`

	Firmware     vmm.Firmware          `json:"firmware"`
	Network      vmm.NetworkAttachment `json:"network"`
	CheckNetwork bool                  `json:"checkNetwork,omitempty"`
	Provisioning ProvisioningConfig    `json:"provisioning"`
	SSH          SSHConfig             `json:"ssh"`

	// StopTimeout bounds the graceful shutdown wait, e.g. "30s".
	StopTimeout string `json:"stopTimeout"`

	// MetricsTextfile, when set, receives the lifecycle metrics in the
	// node-exporter textfile format after every command.
	MetricsTextfile string `json:"metricsTextfile,omitempty"`

	// DevelopmentMode enables development logging
	DevelopmentMode bool `json:"developmentMode"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		BaseDir:       defaultBaseDir,
		LibvirtURI:    vmm.DefaultURI,
		ReserveCores:  defaultReserveCores,
		ReserveMemory: defaultReserveMemory,
		Xen:           vmm.XenEmulation{Signature: vmm.XenSignature, Version: vmm.DefaultXenVersion},
		Network:       vmm.NetworkAttachment{Mode: vmm.NetworkModeNetwork, Source: vmm.DefaultNetwork},
		Provisioning:  ProvisioningConfig{Format: provision.FormatCloudInit, User: "user"},
		SSH:           SSHConfig{User: "user"},
		StopTimeout:   defaultStopTimeout,
	}
}

// LoadConfig loads configuration from a YAML or JSON file path and applies
// environment variable overrides. If configPath is empty, defaults and
// environment variables are used.
func LoadConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := config.applyEnvironmentOverrides(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config
func (c *Config) applyEnvironmentOverrides() error {
	var errs []error

	if val := os.Getenv("QUBESKVM_BASE_DIR"); val != "" {
		c.BaseDir = val
	}
	if val := os.Getenv("QUBESKVM_LIBVIRT_URI"); val != "" {
		c.LibvirtURI = val
	}
	if val := os.Getenv("QUBESKVM_BASE_IMAGE"); val != "" {
		c.BaseImage = val
	}
	if val := os.Getenv("QUBESKVM_DISK_SIZE"); val != "" {
		c.DiskSize = val
	}
	if val := os.Getenv("QUBESKVM_CORES"); val != "" {
		n, err := strconv.ParseUint(val, 10, 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("QUBESKVM_CORES: %w", err))
		} else {
			c.Cores = ptr.To(uint(n))
		}
	}
	if val := os.Getenv("QUBESKVM_MEMORY"); val != "" {
		c.Memory = val
	}
	if val := os.Getenv("QUBESKVM_RESERVE_CORES"); val != "" {
		n, err := strconv.ParseUint(val, 10, 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("QUBESKVM_RESERVE_CORES: %w", err))
		} else {
			c.ReserveCores = uint(n)
		}
	}
	if val := os.Getenv("QUBESKVM_RESERVE_MEMORY"); val != "" {
		c.ReserveMemory = val
	}
	if val := os.Getenv("QUBESKVM_XEN_VERSION"); val != "" {
		c.Xen.Version = val
	}
	if val := os.Getenv("QUBESKVM_QEMU_BINARY"); val != "" {
		c.QEMUBinary = val
	}
	if val := os.Getenv("QUBESKVM_NETWORK_MODE"); val != "" {
		c.Network.Mode = vmm.NetworkMode(val)
	}
	if val := os.Getenv("QUBESKVM_NETWORK_SOURCE"); val != "" {
		c.Network.Source = val
	}
	if val := os.Getenv("QUBESKVM_SSH_USER"); val != "" {
		c.SSH.User = val
	}
	if val := os.Getenv("QUBESKVM_SSH_KEY"); val != "" {
		c.SSH.PrivateKeyPath = val
	}
	if val := os.Getenv("QUBESKVM_STOP_TIMEOUT"); val != "" {
		c.StopTimeout = val
	}
	if val := os.Getenv("QUBESKVM_METRICS_TEXTFILE"); val != "" {
		c.MetricsTextfile = val
	}
	if val := os.Getenv("QUBESKVM_DEV_MODE"); val != "" {
		c.DevelopmentMode = isTrue(val)
	}

	return errors.Join(errs...)
}

func isTrue(val string) bool {
	switch strings.ToLower(val) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.BaseDir == "" {
		errs = append(errs, errors.New("baseDir cannot be empty"))
	}

	if _, err := c.Xen.Resolve(); err != nil {
		errs = append(errs, fmt.Errorf("xen: %w", err))
	}

	if c.Memory != "" {
		if _, err := resources.ParseMemoryMB(c.Memory); err != nil {
			errs = append(errs, fmt.Errorf("memory: %w", err))
		}
	}
	if _, err := resources.ParseMemoryMB(c.ReserveMemory); err != nil {
		errs = append(errs, fmt.Errorf("reserveMemory: %w", err))
	}

	switch c.Network.Mode {
	case vmm.NetworkModeNetwork, vmm.NetworkModeUser, "":
	case vmm.NetworkModeBridge:
		if c.Network.Source == "" {
			errs = append(errs, errors.New("network.source must name a bridge in bridge mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("network.mode %q is not one of network, bridge, user", c.Network.Mode))
	}

	switch c.Provisioning.Format {
	case provision.FormatCloudInit, provision.FormatIgnition, "":
	default:
		errs = append(errs, fmt.Errorf("provisioning.format %q is not one of cloud-init, ignition", c.Provisioning.Format))
	}

	if d, err := time.ParseDuration(c.StopTimeout); err != nil {
		errs = append(errs, fmt.Errorf("stopTimeout: %w", err))
	} else if d <= 0 {
		errs = append(errs, errors.New("stopTimeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func (c *Config) stopTimeout() time.Duration {
	d, _ := time.ParseDuration(c.StopTimeout)
	return d
}

// Plan computes the allocation of a guest on host.
func (c *Config) Plan(host resources.Host) (resources.Allocation, error) {
	reserve, err := resources.ParseMemoryMB(c.ReserveMemory)
	if err != nil {
		return resources.Allocation{}, err
	}

	req := resources.Request{
		Host:            host,
		ReserveCores:    c.ReserveCores,
		ReserveMemoryMB: reserve,
		Cores:           c.Cores,
	}
	if c.Memory != "" {
		mem, err := resources.ParseMemoryMB(c.Memory)
		if err != nil {
			return resources.Allocation{}, err
		}
		req.MemoryMB = ptr.To(mem)
	}

	return resources.Plan(req), nil
}

// VMConfig assembles what the controller needs to create the VM id.
func (c *Config) VMConfig(id vmm.Identity, alloc resources.Allocation) (vmm.VMConfig, error) {
	cfg := vmm.VMConfig{
		Identity:   id,
		Allocation: alloc,
		BaseImage:  c.BaseImage,
		DiskSize:   c.DiskSize,
		Xen:        c.Xen,
		Firmware:   c.Firmware,
		Network:    c.Network,
		QEMUBinary: c.QEMUBinary,
		Provisioning: vmm.ProvisioningConfig{
			Disabled: c.Provisioning.Disabled,
			Format:   c.Provisioning.Format,
		},
	}
	if c.Provisioning.Disabled {
		return cfg, nil
	}

	if c.Provisioning.Template != "" {
		tmpl, err := os.ReadFile(c.Provisioning.Template)
		if err != nil {
			return vmm.VMConfig{}, fmt.Errorf("reading provisioning template %s: %w", c.Provisioning.Template, err)
		}
		cfg.Provisioning.Template = tmpl
		return cfg, nil
	}

	ud := provision.UserData{
		Hostname: id.Name,
		Packages: c.Provisioning.Packages,
	}
	if c.Provisioning.User != "" {
		user, err := provision.NewUser(c.Provisioning.User, c.Provisioning.PublicKeyPaths...)
		if err != nil {
			return vmm.VMConfig{}, err
		}
		ud.Users = []provision.User{user}
	}
	cfg.Provisioning.UserData = ud

	return cfg, nil
}
