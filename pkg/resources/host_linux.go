//go:build linux

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

package resources

import (
	"errors"
	"runtime"

	"golang.org/x/sys/unix"
)

var errSysinfo = errors.New("failed to read host memory from sysinfo")

// HostTotals returns the number of online CPUs and the total RAM of the host.
func HostTotals() (Host, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Host{}, errors.Join(err, errSysinfo)
	}

	totalBytes := uint64(info.Totalram) * uint64(info.Unit)

	return Host{
		Cores:    uint(runtime.NumCPU()),
		MemoryMB: uint(totalBytes / (1024 * 1024)),
	}, nil
}
