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
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/qubeskvm/pkg/provision"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/resources"
	"k8s.io/utils/ptr"
	"libvirt.org/go/libvirtxml"
)

const (
	// QubesDBChannelName is the virtio-serial port name the guest reader opens
	// under /dev/virtio-ports.
	QubesDBChannelName = "org.qubes-os.qubesdb"
	// GuestAgentChannelName is the qemu-guest-agent port.
	GuestAgentChannelName = "org.qemu.guest_agent.0"

	monitorChardevID = "qubeskvm-qmp"
	ignitionFwCfgKey = "opt/com.coreos/config"
)

var (
	errNameRequired         = errors.New("identity name is required")
	errNVRAMWithoutLoader   = errors.New("NVRAM template requires a firmware loader")
	errMarshalDomainXML     = errors.New("failed to marshal domain XML")
	errUnmarshalDomainXML   = errors.New("failed to unmarshal domain XML")
	errUnknownNetworkMode   = errors.New("unknown network mode")
	errBridgeNameRequired   = errors.New("bridge network mode requires a bridge name")
	errEmptyAllocation      = errors.New("allocation must have at least one core and some memory")
	errUnknownProvisionType = errors.New("unknown provisioning format")
)

// NetworkMode selects how the guest NIC is attached.
type NetworkMode string

const (
	NetworkModeNetwork NetworkMode = "network"
	NetworkModeBridge  NetworkMode = "bridge"
	NetworkModeUser    NetworkMode = "user"

	DefaultNetwork = "default"
)

// NetworkAttachment is the guest NIC. Source is the libvirt network name in
// network mode and the Linux bridge in bridge mode.
type NetworkAttachment struct {
	Mode   NetworkMode `json:"mode"`
	Source string      `json:"source,omitempty"`
}

// Firmware references UEFI firmware. Both fields are optional; an empty
// Loader boots with the default BIOS.
type Firmware struct {
	Loader        string `json:"loader,omitempty"`
	NVRAMTemplate string `json:"nvramTemplate,omitempty"`
}

// RenderOptions carries everything Render needs besides identity and
// allocation.
type RenderOptions struct {
	Xen      XenEmulation
	Firmware Firmware
	Network  NetworkAttachment

	// ProvisioningImage is attached when non-empty. The caller decides
	// whether the file exists.
	ProvisioningImage  string
	ProvisioningFormat provision.Format

	// QEMUBinary is executed by the emulator wrapper. Empty means
	// DefaultQEMUBinary.
	QEMUBinary string
}

// Definition is the rendered VM definition.
type Definition struct {
	Identity   Identity
	Allocation resources.Allocation
	Xen        XenProfile
	Domain     *libvirtxml.Domain
	// Emulator is the script installed at Identity.EmulatorPath.
	Emulator []byte
}

// XML marshals the definition. The output is byte-identical for identical
// inputs.
func (d *Definition) XML() (string, error) {
	s, err := d.Domain.Marshal()
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s", d.Identity.Name), errMarshalDomainXML)
	}
	return s, nil
}

// Render builds the VM definition. It is a pure function of its inputs.
// Exactly one QubesDB channel is attached, bound to the socket path derived
// from the identity.
func Render(id Identity, alloc resources.Allocation, opts RenderOptions) (*Definition, error) {
	if id.Name == "" {
		return nil, errors.Join(errNameRequired, ErrConfiguration)
	}
	if alloc.Cores == 0 || alloc.MemoryMB == 0 {
		return nil, errors.Join(fmt.Errorf("vmName=%s", id.Name), errEmptyAllocation, ErrConfiguration)
	}

	profile, err := opts.Xen.Resolve()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("vmName=%s", id.Name), err)
	}

	iface, err := buildNetworkInterface(opts.Network, macFromName(id.Name))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("vmName=%s", id.Name), err)
	}

	osCfg, err := buildOS(id, opts.Firmware)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("vmName=%s", id.Name), err)
	}

	features := &libvirtxml.DomainFeatureList{
		ACPI: &libvirtxml.DomainFeature{},
		APIC: &libvirtxml.DomainFeatureAPIC{},
		// split irqchip: the PIC and IOAPIC are emulated in userspace
		IOAPIC: &libvirtxml.DomainFeatureIOAPIC{Driver: "qemu"},
	}
	if opts.Xen.HideKVM {
		features.KVM = &libvirtxml.DomainFeatureKVM{
			Hidden: &libvirtxml.DomainFeatureState{State: "on"},
		}
	}

	disks := []libvirtxml.DomainDisk{
		{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "qcow2",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{
					File: id.DiskPath,
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "vda",
				Bus: "virtio",
			},
		},
	}

	emulator, err := EmulatorWrapper(id.Name, profile, opts.QEMUBinary)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("vmName=%s", id.Name), err)
	}

	qemuArgs := []string{
		"-chardev", fmt.Sprintf("socket,id=%s,path=%s,server=on,wait=off", monitorChardevID, id.MonitorPath),
		"-mon", fmt.Sprintf("chardev=%s,mode=control", monitorChardevID),
	}

	if opts.ProvisioningImage != "" {
		switch opts.ProvisioningFormat {
		case provision.FormatCloudInit, "":
			disks = append(disks, libvirtxml.DomainDisk{
				Device: "cdrom",
				Driver: &libvirtxml.DomainDiskDriver{
					Name: "qemu",
					Type: "raw",
				},
				Source: &libvirtxml.DomainDiskSource{
					File: &libvirtxml.DomainDiskSourceFile{
						File: opts.ProvisioningImage,
					},
				},
				Target: &libvirtxml.DomainDiskTarget{
					Dev: "sdb",
					Bus: "sata",
				},
				ReadOnly: &libvirtxml.DomainDiskReadOnly{},
			})
		case provision.FormatIgnition:
			qemuArgs = append(qemuArgs,
				"-fw_cfg", fmt.Sprintf("name=%s,file=%s", ignitionFwCfgKey, opts.ProvisioningImage),
			)
		default:
			return nil, errors.Join(
				fmt.Errorf("vmName=%s format=%q", id.Name, opts.ProvisioningFormat),
				errUnknownProvisionType,
				ErrConfiguration,
			)
		}
	}

	args := make([]libvirtxml.DomainQEMUCommandlineArg, 0, len(qemuArgs))
	for _, a := range qemuArgs {
		args = append(args, libvirtxml.DomainQEMUCommandlineArg{Value: a})
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: id.Name,
		UUID: id.UUID,
		Memory: &libvirtxml.DomainMemory{
			Value: alloc.MemoryMB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: alloc.Cores,
		},
		OS:       osCfg,
		Features: features,
		Metadata: &libvirtxml.DomainMetadata{
			XML: xenMetadata{Version: profile.Version, Encoded: profile.Encoded, CPUFlag: profile.CPUFlag}.innerXML(),
		},
		// the Xen CPU flag is a QEMU property libvirt does not know; the
		// emulator wrapper adds it to -cpu
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Emulator:   id.EmulatorPath,
			Disks:      disks,
			Interfaces: []libvirtxml.DomainInterface{iface},
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainSerialTarget{
						Port: ptr.To[uint](0),
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: ptr.To[uint](0),
					},
				},
			},
			Channels: []libvirtxml.DomainChannel{
				{
					Target: &libvirtxml.DomainChannelTarget{
						VirtIO: &libvirtxml.DomainChannelTargetVirtIO{
							Name: GuestAgentChannelName,
						},
					},
				},
				{
					// QEMU listens on the socket before the guest opens the
					// port, so writes made early are buffered, not dropped.
					Source: &libvirtxml.DomainChardevSource{
						UNIX: &libvirtxml.DomainChardevSourceUNIX{
							Mode: "bind",
							Path: id.ChannelPath,
						},
					},
					Target: &libvirtxml.DomainChannelTarget{
						VirtIO: &libvirtxml.DomainChannelTargetVirtIO{
							Name: QubesDBChannelName,
						},
					},
				},
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
		},
		QEMUCommandline: &libvirtxml.DomainQEMUCommandline{
			Args: args,
		},
	}

	return &Definition{
		Identity:   id,
		Allocation: alloc,
		Xen:        profile,
		Domain:     domain,
		Emulator:   emulator,
	}, nil
}

func buildOS(id Identity, fw Firmware) (*libvirtxml.DomainOS, error) {
	out := &libvirtxml.DomainOS{
		Type: &libvirtxml.DomainOSType{
			Arch:    "x86_64",
			Machine: "q35",
			Type:    "hvm",
		},
		BootDevices: []libvirtxml.DomainBootDevice{
			{Dev: "hd"},
		},
	}

	if fw.Loader == "" {
		if fw.NVRAMTemplate != "" {
			return nil, errors.Join(errNVRAMWithoutLoader, ErrConfiguration)
		}
		return out, nil
	}

	out.Loader = &libvirtxml.DomainLoader{
		Path:     fw.Loader,
		Readonly: "yes",
		Type:     "pflash",
	}
	if fw.NVRAMTemplate != "" {
		out.NVRam = &libvirtxml.DomainNVRam{
			NVRam:    id.NVRAMPath,
			Template: fw.NVRAMTemplate,
		}
	}
	return out, nil
}

// buildNetworkInterface creates a network interface configuration
func buildNetworkInterface(net NetworkAttachment, macAddress string) (libvirtxml.DomainInterface, error) {
	iface := libvirtxml.DomainInterface{
		Model: &libvirtxml.DomainInterfaceModel{
			Type: "virtio",
		},
		MAC: &libvirtxml.DomainInterfaceMAC{
			Address: macAddress,
		},
	}

	switch net.Mode {
	case NetworkModeBridge:
		if net.Source == "" {
			return iface, errors.Join(errBridgeNameRequired, ErrConfiguration)
		}
		iface.Source = &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{
				Bridge: net.Source,
			},
		}
	case NetworkModeNetwork, "":
		networkName := DefaultNetwork
		if net.Source != "" {
			networkName = net.Source
		}
		iface.Source = &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{
				Network: networkName,
			},
		}
	case NetworkModeUser:
		iface.Source = &libvirtxml.DomainInterfaceSource{
			User: &libvirtxml.DomainInterfaceSourceUser{},
		}
	default:
		return iface, errors.Join(fmt.Errorf("mode=%q", net.Mode), errUnknownNetworkMode, ErrConfiguration)
	}

	return iface, nil
}

// macFromName derives a stable MAC address with libvirt's prefix (52:54:00).
func macFromName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}

// EmulationMode is what Status reports about the CPU and memory setup of a
// defined domain.
type EmulationMode struct {
	CPUMode    string   `json:"cpuMode"`
	CPUFlags   []string `json:"cpuFlags,omitempty"`
	XenVersion string   `json:"xenVersion,omitempty"`
	Emulator   string   `json:"emulator,omitempty"`
	VCPUs      uint     `json:"vcpus"`
	MemoryMB   uint     `json:"memoryMB"`
}

// ParseEmulationMode decodes the effective emulation settings from a domain
// XML document returned by the hypervisor.
func ParseEmulationMode(domainXML string) (EmulationMode, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(domainXML); err != nil {
		return EmulationMode{}, errors.Join(err, errUnmarshalDomainXML)
	}

	var mode EmulationMode
	if dom.CPU != nil {
		mode.CPUMode = dom.CPU.Mode
		for _, f := range dom.CPU.Features {
			mode.CPUFlags = append(mode.CPUFlags, f.Name)
		}
	}
	if dom.VCPU != nil {
		mode.VCPUs = dom.VCPU.Value
	}
	if dom.Memory != nil {
		mode.MemoryMB = toMiB(dom.Memory.Value, dom.Memory.Unit)
	}

	if dom.Metadata != nil {
		if m, ok := parseXenMetadata(dom.Metadata.XML); ok {
			mode.XenVersion = m.Version
			if m.Version == "" {
				if p, found := LookupXenProfileByEncoded(m.Encoded); found {
					mode.XenVersion = p.Version
				}
			}
			if m.CPUFlag != "" {
				mode.CPUFlags = append(mode.CPUFlags, m.CPUFlag)
			}
		}
	}
	if dom.Devices != nil {
		mode.Emulator = dom.Devices.Emulator
	}

	return mode, nil
}

func toMiB(value uint, unit string) uint {
	switch strings.ToLower(unit) {
	case "b", "bytes":
		return value / (1024 * 1024)
	case "k", "kib", "":
		return value / 1024
	case "m", "mib":
		return value
	case "g", "gib":
		return value * 1024
	case "kb":
		return uint(uint64(value) * 1000 / (1024 * 1024))
	case "mb":
		return uint(uint64(value) * 1000 * 1000 / (1024 * 1024))
	case "gb":
		return uint(uint64(value) * 1000 * 1000 * 1000 / (1024 * 1024))
	default:
		return value / 1024
	}
}
