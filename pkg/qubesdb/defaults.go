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

package qubesdb

import "strconv"

// VMInfo feeds the default entries.
type VMInfo struct {
	Name     string
	MemoryMB uint
	VCPUs    uint
}

// DefaultEntries is what a Qubes AppVM behind sys-firewall expects to find
// at boot.
func DefaultEntries(vm VMInfo) Entries {
	return Entries{
		{Key: "/name", Value: vm.Name},
		{Key: "/type", Value: "AppVM"},
		{Key: "/label", Value: "green"},
		{Key: "/netvm", Value: "sys-firewall"},
		{Key: "/memory", Value: strconv.FormatUint(uint64(vm.MemoryMB), 10)},
		{Key: "/vcpus", Value: strconv.FormatUint(uint64(vm.VCPUs), 10)},
		{Key: "/qubes-vm-updateable", Value: "False"},
		{Key: "/qubes-base-template", Value: "fedora-41"},
		{Key: "/qubes-vm-persistence", Value: "full"},
		{Key: "/qubes-ip", Value: "10.137.0.100"},
		{Key: "/qubes-netmask", Value: "255.255.255.255"},
		{Key: "/qubes-gateway", Value: "10.137.0.1"},
		{Key: "/qubes-primary-dns", Value: "10.139.1.1"},
		{Key: "/qubes-secondary-dns", Value: "10.139.1.2"},
	}
}
