/*
Copyright 2024 Alexandre Mahdhaoui

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

package vmm

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/alexandremahdhaoui/qubeskvm/pkg/provision"
	"github.com/google/uuid"
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// identityNamespace seeds the name-based domain UUIDs so that a given name
// always maps to the same UUID.
var identityNamespace = uuid.MustParse("7c1f9d3e-5a43-4c61-9a1e-2f0b8e6d4a10")

// Identity binds a VM name to every host artifact derived from it. All paths
// are namespaced by the name so that VMs sharing a base directory never
// collide.
type Identity struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`

	DiskPath         string `json:"diskPath"`
	ProvisioningPath string `json:"provisioningPath"`
	IgnitionPath     string `json:"ignitionPath"`
	ChannelPath      string `json:"channelPath"`
	MonitorPath      string `json:"monitorPath"`
	NVRAMPath        string `json:"nvramPath"`
	StatePath        string `json:"statePath"`
	EmulatorPath     string `json:"emulatorPath"`
}

// NewIdentity derives the identity of the VM called name under baseDir.
func NewIdentity(baseDir, name string) (Identity, error) {
	if !validName.MatchString(name) {
		return Identity{}, errors.Join(fmt.Errorf("vmName=%q", name), errInvalidName, ErrConfiguration)
	}
	if baseDir == "" {
		return Identity{}, errors.Join(errBaseDirRequired, ErrConfiguration)
	}

	return Identity{
		Name:             name,
		UUID:             uuid.NewSHA1(identityNamespace, []byte(name)).String(),
		DiskPath:         filepath.Join(baseDir, fmt.Sprintf("%s.qcow2", name)),
		ProvisioningPath: filepath.Join(baseDir, fmt.Sprintf("%s-cloud-init.iso", name)),
		IgnitionPath:     filepath.Join(baseDir, fmt.Sprintf("%s.ign", name)),
		ChannelPath:      filepath.Join(baseDir, fmt.Sprintf("%s-qubesdb.sock", name)),
		MonitorPath:      filepath.Join(baseDir, fmt.Sprintf("%s-qmp.sock", name)),
		NVRAMPath:        filepath.Join(baseDir, fmt.Sprintf("%s_VARS.fd", name)),
		StatePath:        filepath.Join(baseDir, fmt.Sprintf("%s.state.json", name)),
		EmulatorPath:     filepath.Join(baseDir, fmt.Sprintf("%s-qemu.sh", name)),
	}, nil
}

// Endpoints returns the socket paths owned by the running VM. They are stale
// whenever the VM is not running.
func (id Identity) Endpoints() []string {
	return []string{id.ChannelPath, id.MonitorPath}
}

// ProvisioningImage is the provisioning image path for format.
func (id Identity) ProvisioningImage(format provision.Format) string {
	if format == provision.FormatIgnition {
		return id.IgnitionPath
	}
	return id.ProvisioningPath
}

// Artifacts returns every file Delete removes.
func (id Identity) Artifacts() []string {
	return []string{
		id.DiskPath,
		id.ProvisioningPath,
		id.IgnitionPath,
		id.ChannelPath,
		id.MonitorPath,
		id.NVRAMPath,
		id.StatePath,
		id.EmulatorPath,
	}
}

var (
	errInvalidName     = errors.New("VM name must match " + validName.String())
	errBaseDirRequired = errors.New("base directory is required")
)
