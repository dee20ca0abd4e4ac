//go:build unit

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

package vmm_test

import (
	"testing"

	"github.com/alexandremahdhaoui/qubeskvm/pkg/provision"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdentity(t *testing.T) {
	id, err := vmm.NewIdentity("/var/lib/qubeskvm", "node1")
	require.NoError(t, err)

	assert.Equal(t, "node1", id.Name)
	assert.Equal(t, "/var/lib/qubeskvm/node1.qcow2", id.DiskPath)
	assert.Equal(t, "/var/lib/qubeskvm/node1-cloud-init.iso", id.ProvisioningPath)
	assert.Equal(t, "/var/lib/qubeskvm/node1.ign", id.IgnitionPath)
	assert.Equal(t, "/var/lib/qubeskvm/node1-qubesdb.sock", id.ChannelPath)
	assert.Equal(t, "/var/lib/qubeskvm/node1-qmp.sock", id.MonitorPath)
	assert.Equal(t, "/var/lib/qubeskvm/node1_VARS.fd", id.NVRAMPath)
	assert.Equal(t, "/var/lib/qubeskvm/node1.state.json", id.StatePath)
	assert.Equal(t, "/var/lib/qubeskvm/node1-qemu.sh", id.EmulatorPath)
	assert.Contains(t, id.Artifacts(), id.EmulatorPath)

	assert.Equal(t, id.ProvisioningPath, id.ProvisioningImage(provision.FormatCloudInit))
	assert.Equal(t, id.IgnitionPath, id.ProvisioningImage(provision.FormatIgnition))

	again, err := vmm.NewIdentity("/var/lib/qubeskvm", "node1")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	other, err := vmm.NewIdentity("/var/lib/qubeskvm", "node2")
	require.NoError(t, err)
	assert.NotEqual(t, id.UUID, other.UUID)
	for _, a := range id.Artifacts() {
		assert.NotContains(t, other.Artifacts(), a)
	}

	assert.ElementsMatch(t, []string{id.ChannelPath, id.MonitorPath}, id.Endpoints())
	assert.Subset(t, id.Artifacts(), id.Endpoints())
}

func TestNewIdentity_Invalid(t *testing.T) {
	for _, name := range []string{"", "-leading-dash", "has space", "../escape", "a/b"} {
		t.Run(name, func(t *testing.T) {
			_, err := vmm.NewIdentity("/var/lib/qubeskvm", name)
			assert.ErrorIs(t, err, vmm.ErrConfiguration)
		})
	}

	_, err := vmm.NewIdentity("", "node1")
	assert.ErrorIs(t, err, vmm.ErrConfiguration)
}
