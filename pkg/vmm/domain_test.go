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

package vmm

import (
	"regexp"
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/qubeskvm/pkg/provision"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"
)

func testIdentity(t *testing.T, name string) Identity {
	t.Helper()
	id, err := NewIdentity("/var/lib/qubeskvm", name)
	require.NoError(t, err)
	return id
}

func renderXML(t *testing.T, id Identity, alloc resources.Allocation, opts RenderOptions) (string, libvirtxml.Domain) {
	t.Helper()
	def, err := Render(id, alloc, opts)
	require.NoError(t, err)
	s, err := def.XML()
	require.NoError(t, err)

	var domain libvirtxml.Domain
	require.NoError(t, domain.Unmarshal(s))
	return s, domain
}

func qemuArgs(d libvirtxml.Domain) []string {
	var out []string
	for _, a := range d.QEMUCommandline.Args {
		out = append(out, a.Value)
	}
	return out
}

func TestRender_Deterministic(t *testing.T) {
	id := testIdentity(t, "node1")
	alloc := resources.Allocation{Cores: 6, MemoryMB: 14336}
	opts := RenderOptions{
		Xen:               XenEmulation{Signature: XenSignature, Version: "4.19"},
		Firmware:          Firmware{Loader: "/usr/share/OVMF/OVMF_CODE.fd", NVRAMTemplate: "/usr/share/OVMF/OVMF_VARS.fd"},
		ProvisioningImage: id.ProvisioningPath,
	}

	first, _ := renderXML(t, id, alloc, opts)
	second, _ := renderXML(t, id, alloc, opts)
	assert.Equal(t, first, second)
}

func TestRender_XenEmulation(t *testing.T) {
	id := testIdentity(t, "node1")
	alloc := resources.Allocation{Cores: 2, MemoryMB: 2048}

	tests := []struct {
		version string
		encoded string
	}{
		{"4.10", "0x4000a"},
		{"4.17", "0x40011"},
		{"4.19", "0x40013"},
		{"", "0x40013"},
	}

	for _, tt := range tests {
		t.Run("version "+tt.version, func(t *testing.T) {
			_, d := renderXML(t, id, alloc, RenderOptions{Xen: XenEmulation{Version: tt.version}})

			for _, arg := range qemuArgs(d) {
				assert.NotEqual(t, "-accel", arg, "libvirt generates the accelerator")
			}
			assert.Equal(t, id.EmulatorPath, d.Devices.Emulator)
			require.NotNil(t, d.Metadata)
			assert.Contains(t, d.Metadata.XML, `xenVersion="`+tt.encoded+`"`)

			require.NotNil(t, d.CPU)
			assert.Equal(t, "host-passthrough", d.CPU.Mode)
			assert.Empty(t, d.CPU.Features, "xen-vapic is not a libvirt CPU feature")

			require.NotNil(t, d.Features.IOAPIC)
			assert.Equal(t, "qemu", d.Features.IOAPIC.Driver)
			assert.Nil(t, d.Features.KVM)
		})
	}

	t.Run("hide KVM", func(t *testing.T) {
		_, d := renderXML(t, id, alloc, RenderOptions{Xen: XenEmulation{HideKVM: true}})
		require.NotNil(t, d.Features.KVM)
		require.NotNil(t, d.Features.KVM.Hidden)
		assert.Equal(t, "on", d.Features.KVM.Hidden.State)
	})
}

func TestRender_ConfigurationErrors(t *testing.T) {
	id := testIdentity(t, "node1")
	alloc := resources.Allocation{Cores: 2, MemoryMB: 2048}

	tests := []struct {
		name  string
		id    Identity
		alloc resources.Allocation
		opts  RenderOptions
	}{
		{"signature without version", id, alloc, RenderOptions{Xen: XenEmulation{Signature: XenSignature}}},
		{"unknown version", id, alloc, RenderOptions{Xen: XenEmulation{Version: "3.0"}}},
		{"flag drifted from version", id, alloc, RenderOptions{Xen: XenEmulation{Version: "4.19", CPUFlag: "xen-pvclock"}}},
		{"unknown signature", id, alloc, RenderOptions{Xen: XenEmulation{Signature: "KVMKVMKVM", Version: "4.19"}}},
		{"bridge without name", id, alloc, RenderOptions{Network: NetworkAttachment{Mode: NetworkModeBridge}}},
		{"unknown network mode", id, alloc, RenderOptions{Network: NetworkAttachment{Mode: "macvtap"}}},
		{"nvram without loader", id, alloc, RenderOptions{Firmware: Firmware{NVRAMTemplate: "/vars.fd"}}},
		{"unknown provisioning format", id, alloc, RenderOptions{ProvisioningImage: "/x", ProvisioningFormat: "kickstart"}},
		{"empty allocation", id, resources.Allocation{}, RenderOptions{}},
		{"no name", Identity{}, alloc, RenderOptions{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Render(tt.id, tt.alloc, tt.opts)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestRender_QubesDBChannel(t *testing.T) {
	id := testIdentity(t, "node1")
	_, d := renderXML(t, id, resources.Allocation{Cores: 1, MemoryMB: 1024}, RenderOptions{})

	var qubesdb []libvirtxml.DomainChannel
	for _, ch := range d.Devices.Channels {
		if ch.Target != nil && ch.Target.VirtIO != nil && ch.Target.VirtIO.Name == QubesDBChannelName {
			qubesdb = append(qubesdb, ch)
		}
	}
	require.Len(t, qubesdb, 1)
	require.NotNil(t, qubesdb[0].Source.UNIX)
	assert.Equal(t, "bind", qubesdb[0].Source.UNIX.Mode)
	assert.Equal(t, "/var/lib/qubeskvm/node1-qubesdb.sock", qubesdb[0].Source.UNIX.Path)

	args := strings.Join(qemuArgs(d), " ")
	assert.Contains(t, args, "path=/var/lib/qubeskvm/node1-qmp.sock,server=on,wait=off")
	assert.Contains(t, args, "-mon chardev=qubeskvm-qmp,mode=control")
}

func TestRender_Devices(t *testing.T) {
	id := testIdentity(t, "node1")
	alloc := resources.Allocation{Cores: 4, MemoryMB: 8192}

	t.Run("base devices", func(t *testing.T) {
		_, d := renderXML(t, id, alloc, RenderOptions{})

		assert.Equal(t, "kvm", d.Type)
		assert.Equal(t, "node1", d.Name)
		assert.Equal(t, id.UUID, d.UUID)
		assert.Equal(t, uint(8192), d.Memory.Value)
		assert.Equal(t, "MiB", d.Memory.Unit)
		assert.Equal(t, uint(4), d.VCPU.Value)

		require.NotNil(t, d.OS)
		assert.Equal(t, "q35", d.OS.Type.Machine)
		assert.Nil(t, d.OS.Loader)
		assert.Nil(t, d.OS.NVRam)

		require.Len(t, d.Devices.Disks, 1)
		assert.Equal(t, id.DiskPath, d.Devices.Disks[0].Source.File.File)
		assert.Equal(t, "vda", d.Devices.Disks[0].Target.Dev)
		assert.Equal(t, "qcow2", d.Devices.Disks[0].Driver.Type)

		require.Len(t, d.Devices.Serials, 1)
		require.Len(t, d.Devices.Consoles, 1)
		assert.Equal(t, "serial", d.Devices.Consoles[0].Target.Type)
		require.Len(t, d.Devices.RNGs, 1)
	})

	t.Run("cloud-init cdrom", func(t *testing.T) {
		_, d := renderXML(t, id, alloc, RenderOptions{
			ProvisioningImage:  id.ProvisioningPath,
			ProvisioningFormat: provision.FormatCloudInit,
		})
		require.Len(t, d.Devices.Disks, 2)
		assert.Equal(t, "cdrom", d.Devices.Disks[1].Device)
		assert.NotNil(t, d.Devices.Disks[1].ReadOnly)
		assert.Equal(t, id.ProvisioningPath, d.Devices.Disks[1].Source.File.File)
	})

	t.Run("firmware", func(t *testing.T) {
		_, d := renderXML(t, id, alloc, RenderOptions{
			Firmware: Firmware{Loader: "/ovmf/CODE.fd", NVRAMTemplate: "/ovmf/VARS.fd"},
		})
		require.NotNil(t, d.OS.Loader)
		assert.Equal(t, "/ovmf/CODE.fd", d.OS.Loader.Path)
		assert.Equal(t, "pflash", d.OS.Loader.Type)
		assert.Equal(t, "yes", d.OS.Loader.Readonly)
		require.NotNil(t, d.OS.NVRam)
		assert.Equal(t, id.NVRAMPath, d.OS.NVRam.NVRam)
		assert.Equal(t, "/ovmf/VARS.fd", d.OS.NVRam.Template)
	})
}

func TestRender_Network(t *testing.T) {
	id := testIdentity(t, "node1")
	alloc := resources.Allocation{Cores: 1, MemoryMB: 1024}

	t.Run("default network", func(t *testing.T) {
		_, d := renderXML(t, id, alloc, RenderOptions{})
		require.Len(t, d.Devices.Interfaces, 1)
		iface := d.Devices.Interfaces[0]
		require.NotNil(t, iface.Source.Network)
		assert.Equal(t, DefaultNetwork, iface.Source.Network.Network)
		assert.Equal(t, "virtio", iface.Model.Type)
	})

	t.Run("named network", func(t *testing.T) {
		_, d := renderXML(t, id, alloc, RenderOptions{Network: NetworkAttachment{Mode: NetworkModeNetwork, Source: "qubes"}})
		assert.Equal(t, "qubes", d.Devices.Interfaces[0].Source.Network.Network)
	})

	t.Run("bridge", func(t *testing.T) {
		_, d := renderXML(t, id, alloc, RenderOptions{Network: NetworkAttachment{Mode: NetworkModeBridge, Source: "br0"}})
		require.NotNil(t, d.Devices.Interfaces[0].Source.Bridge)
		assert.Equal(t, "br0", d.Devices.Interfaces[0].Source.Bridge.Bridge)
	})

	t.Run("user", func(t *testing.T) {
		_, d := renderXML(t, id, alloc, RenderOptions{Network: NetworkAttachment{Mode: NetworkModeUser}})
		assert.NotNil(t, d.Devices.Interfaces[0].Source.User)
	})
}

func TestMacFromName(t *testing.T) {
	macRe := regexp.MustCompile(`^52:54:00:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}$`)

	a := macFromName("node1")
	assert.Regexp(t, macRe, a)
	assert.Equal(t, a, macFromName("node1"))
	assert.NotEqual(t, a, macFromName("node2"))
}

func TestParseEmulationMode(t *testing.T) {
	id := testIdentity(t, "node1")
	s, _ := renderXML(t, id, resources.Allocation{Cores: 3, MemoryMB: 3072}, RenderOptions{
		Xen: XenEmulation{Version: "4.10"},
	})

	mode, err := ParseEmulationMode(s)
	require.NoError(t, err)
	assert.Equal(t, EmulationMode{
		CPUMode:    "host-passthrough",
		CPUFlags:   []string{"xen-vapic"},
		XenVersion: "4.10",
		Emulator:   id.EmulatorPath,
		VCPUs:      3,
		MemoryMB:   3072,
	}, mode)

	t.Run("prefix rewritten by libvirt", func(t *testing.T) {
		mode, err := ParseEmulationMode(`<domain type="kvm"><name>x</name><metadata>` +
			`<other xmlns="urn:other"/>` +
			`<q:xen xmlns:q="` + MetadataNamespace + `" xenVersion="0x40011" cpuFlag="xen-vapic"/>` +
			`</metadata></domain>`)
		require.NoError(t, err)
		assert.Equal(t, "4.17", mode.XenVersion)
		assert.Equal(t, []string{"xen-vapic"}, mode.CPUFlags)
	})

	t.Run("libvirt reports KiB", func(t *testing.T) {
		mode, err := ParseEmulationMode(`<domain type="kvm"><name>x</name><memory unit="KiB">2097152</memory><vcpu>2</vcpu></domain>`)
		require.NoError(t, err)
		assert.Equal(t, uint(2048), mode.MemoryMB)
		assert.Equal(t, uint(2), mode.VCPUs)
		assert.Empty(t, mode.XenVersion)
	})

	t.Run("invalid XML", func(t *testing.T) {
		_, err := ParseEmulationMode("<domain")
		assert.Error(t, err)
	})
}

func TestToMiB(t *testing.T) {
	tests := []struct {
		value uint
		unit  string
		want  uint
	}{
		{1048576, "KiB", 1024},
		{1048576, "", 1024},
		{2048, "MiB", 2048},
		{2, "GiB", 2048},
		{1073741824, "bytes", 1024},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toMiB(tt.value, tt.unit), "%d %s", tt.value, tt.unit)
	}
}
