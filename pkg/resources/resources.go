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

// Package resources computes how many vCPUs and how much memory a guest
// receives out of the host totals.
package resources

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	// MinCores is the smallest vCPU count ever handed to a guest.
	MinCores uint = 1
	// MinMemoryMB is the smallest amount of guest memory in MiB.
	MinMemoryMB uint = 1024

	// DefaultReserveCores is the number of host cores kept for the host.
	DefaultReserveCores uint = 2
	// DefaultReserveMemoryMB is the amount of host memory in MiB kept for the host.
	DefaultReserveMemoryMB uint = 2048
)

var (
	errParseMemory    = errors.New("failed to parse memory quantity")
	errNegativeMemory = errors.New("memory quantity must not be negative")
)

// Host holds the totals of the machine the guest runs on.
type Host struct {
	Cores    uint
	MemoryMB uint
}

// Request is the input of Plan.
type Request struct {
	Host Host

	ReserveCores    uint
	ReserveMemoryMB uint

	// Cores and MemoryMB override the computed values when set.
	Cores    *uint
	MemoryMB *uint
}

// Allocation is the outcome of Plan. It is computed fresh on every launch
// and never persisted.
type Allocation struct {
	HostCores       uint `json:"hostCores"`
	HostMemoryMB    uint `json:"hostMemoryMB"`
	ReserveCores    uint `json:"reserveCores"`
	ReserveMemoryMB uint `json:"reserveMemoryMB"`

	Cores    uint `json:"cores"`
	MemoryMB uint `json:"memoryMB"`
}

// Overcommitted reports whether the guest plus the reservation exceed the
// host totals. This is informational only: the floors may legitimately push
// a guest past what the host has.
func (a Allocation) Overcommitted() bool {
	return a.Cores+a.ReserveCores > a.HostCores || a.MemoryMB+a.ReserveMemoryMB > a.HostMemoryMB
}

// Plan computes the guest allocation. Explicit values win outright, otherwise
// the reservation is subtracted from the host totals. In both cases the
// result is raised to MinCores and MinMemoryMB. No upper bound is enforced:
// asking for more than the host has fails later, when the hypervisor starts
// the guest.
func Plan(req Request) Allocation {
	alloc := Allocation{
		HostCores:       req.Host.Cores,
		HostMemoryMB:    req.Host.MemoryMB,
		ReserveCores:    req.ReserveCores,
		ReserveMemoryMB: req.ReserveMemoryMB,
	}

	if req.Cores != nil {
		alloc.Cores = *req.Cores
	} else {
		alloc.Cores = subtract(req.Host.Cores, req.ReserveCores)
	}

	if req.MemoryMB != nil {
		alloc.MemoryMB = *req.MemoryMB
	} else {
		alloc.MemoryMB = subtract(req.Host.MemoryMB, req.ReserveMemoryMB)
	}

	alloc.Cores = max(alloc.Cores, MinCores)
	alloc.MemoryMB = max(alloc.MemoryMB, MinMemoryMB)

	return alloc
}

// subtract is a saturating a-b for unsigned values.
func subtract(a, b uint) uint {
	if b >= a {
		return 0
	}
	return a - b
}

// ParseMemoryMB parses a memory amount. A bare integer is a number of MiB
// ("4096"); anything else is read as a Kubernetes quantity ("4Gi", "512M")
// and rounded up to the next MiB.
func ParseMemoryMB(s string) (uint, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 0); err == nil {
		return uint(n), nil
	}

	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, errors.Join(err, fmt.Errorf("value=%q", s), errParseMemory)
	}
	if q.Sign() < 0 {
		return 0, errors.Join(fmt.Errorf("value=%q", s), errNegativeMemory)
	}

	const mib = 1024 * 1024
	bytes := q.Value()
	return uint((bytes + mib - 1) / mib), nil
}
