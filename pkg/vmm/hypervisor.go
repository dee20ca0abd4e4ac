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

import "context"

// State is the lifecycle state of a VM as reported by the hypervisor manager.
type State string

const (
	StateAbsent  State = "absent"
	StateDefined State = "defined"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Hypervisor is the typed client of the hypervisor manager. Implementations
// report ErrDomainNotFound (joined) when the named domain does not exist.
//
// Query results are typed values; nothing is ever parsed out of a free-text
// status dump.
type Hypervisor interface {
	// Define registers (or replaces) a domain from its XML definition.
	Define(ctx context.Context, domainXML string) error
	// Undefine removes the definition of a stopped domain.
	Undefine(ctx context.Context, name string) error
	// Start boots a defined domain.
	Start(ctx context.Context, name string) error
	// Shutdown asks the guest to power off gracefully. It returns immediately.
	Shutdown(ctx context.Context, name string) error
	// Destroy forcibly stops a domain.
	Destroy(ctx context.Context, name string) error
	// State returns StateAbsent (and no error) for unknown domains.
	State(ctx context.Context, name string) (State, error)
	// DomainXML returns the live definition.
	DomainXML(ctx context.Context, name string) (string, error)
	// GuestAddress returns the first IPv4 lease of the guest, or "" when none
	// is known yet.
	GuestAddress(ctx context.Context, name string) (string, error)
	Close() error
}
