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

// Package hypervisorfake is an in-memory vmm.Hypervisor.
package hypervisorfake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alexandremahdhaoui/qubeskvm/pkg/vmm"
	"libvirt.org/go/libvirtxml"
)

var (
	errAlreadyRunning = errors.New("domain is already running")
	errNotRunning     = errors.New("domain is not running")
)

type Domain struct {
	XML     string
	State   vmm.State
	Address string
	// Transient is true once a running domain lost its definition.
	Transient bool
}

// Fake keeps domains in memory. It is safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	domains map[string]*Domain
	calls   []string

	// IgnoreShutdown leaves domains running after Shutdown.
	IgnoreShutdown bool
	// Address is reported for every running domain.
	Address string
	// Errors forces a method, by name, to fail.
	Errors map[string]error
}

var _ vmm.Hypervisor = &Fake{}

func New() *Fake {
	return &Fake{
		domains: make(map[string]*Domain),
		Errors:  make(map[string]error),
	}
}

// Calls returns the methods called so far, as "Method:name".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Domain returns a copy of the named domain.
func (f *Fake) Domain(name string) (Domain, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[name]
	if !ok {
		return Domain{}, false
	}
	return *d, true
}

// SetState forces the state of an existing domain.
func (f *Fake) SetState(name string, state vmm.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.domains[name]; ok {
		d.State = state
	}
}

func (f *Fake) record(method, name string) error {
	f.calls = append(f.calls, method+":"+name)
	return f.Errors[method]
}

func notFound(name string) error {
	return errors.Join(fmt.Errorf("vmName=%s", name), vmm.ErrDomainNotFound)
}

func (f *Fake) Define(_ context.Context, domainXML string) error {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(domainXML); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Define", dom.Name); err != nil {
		return err
	}

	if d, ok := f.domains[dom.Name]; ok {
		d.XML = domainXML
		d.Transient = false
		return nil
	}
	f.domains[dom.Name] = &Domain{XML: domainXML, State: vmm.StateDefined}
	return nil
}

func (f *Fake) Undefine(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Undefine", name); err != nil {
		return err
	}

	d, ok := f.domains[name]
	if !ok || d.Transient {
		return notFound(name)
	}
	if d.State == vmm.StateRunning {
		d.Transient = true
		return nil
	}
	delete(f.domains, name)
	return nil
}

func (f *Fake) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Start", name); err != nil {
		return err
	}

	d, ok := f.domains[name]
	if !ok {
		return notFound(name)
	}
	if d.State == vmm.StateRunning {
		return errAlreadyRunning
	}
	d.State = vmm.StateRunning
	return nil
}

func (f *Fake) Shutdown(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Shutdown", name); err != nil {
		return err
	}

	d, ok := f.domains[name]
	if !ok {
		return notFound(name)
	}
	if d.State != vmm.StateRunning {
		return errNotRunning
	}
	if !f.IgnoreShutdown {
		f.stop(name, d)
	}
	return nil
}

func (f *Fake) Destroy(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Destroy", name); err != nil {
		return err
	}

	d, ok := f.domains[name]
	if !ok {
		return notFound(name)
	}
	if d.State == vmm.StateRunning {
		f.stop(name, d)
	}
	return nil
}

func (f *Fake) stop(name string, d *Domain) {
	if d.Transient {
		delete(f.domains, name)
		return
	}
	d.State = vmm.StateStopped
}

func (f *Fake) State(_ context.Context, name string) (vmm.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("State", name); err != nil {
		return "", err
	}

	d, ok := f.domains[name]
	if !ok {
		return vmm.StateAbsent, nil
	}
	return d.State, nil
}

func (f *Fake) DomainXML(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DomainXML", name); err != nil {
		return "", err
	}

	d, ok := f.domains[name]
	if !ok {
		return "", notFound(name)
	}
	return d.XML, nil
}

func (f *Fake) GuestAddress(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GuestAddress", name); err != nil {
		return "", err
	}

	d, ok := f.domains[name]
	if !ok {
		return "", notFound(name)
	}
	if d.State != vmm.StateRunning {
		return "", nil
	}
	if d.Address != "" {
		return d.Address, nil
	}
	return f.Address, nil
}

func (f *Fake) Close() error {
	return nil
}
