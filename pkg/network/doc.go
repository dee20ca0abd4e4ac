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

// Package network checks that the host side of a guest NIC attachment exists
// before a VM is defined against it.
//
// Three attachment modes are understood:
//
//   - network: a libvirt virtual network, which must be defined and is
//     started when inactive (LibvirtNetworkManager)
//   - bridge: a Linux bridge, looked up through netlink (BridgeExists)
//   - user: QEMU user-mode networking, which needs nothing on the host
//
// # Example Usage
//
//	hv, err := vmm.NewLibvirtHypervisor("")
//	if err != nil {
//	    // handle error
//	}
//	ensurer := network.NewEnsurer(network.NewLibvirtNetworkManager(hv.GetConnection()))
//
//	ctrl := vmm.NewController(hv, vmm.WithNetworkEnsurer(ensurer))
//
// Ensure reports ErrNetworkNotFound or ErrBridgeNotFound (joined) when the
// attachment is missing, so callers can tell a host misconfiguration apart
// from a libvirt failure.
package network
