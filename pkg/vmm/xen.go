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
	"sort"
	"strings"
)

const (
	// XenSignature is the CPUID hypervisor signature a Xen guest looks for.
	XenSignature = "XenVMMXenVMM"

	// DefaultXenVersion is used when no version is configured.
	DefaultXenVersion = "4.19"
)

var (
	errSignatureWithoutVersion = errors.New("hypervisor signature set without a Xen version")
	errUnknownXenVersion       = errors.New("unknown Xen version")
	errXenFlagMismatch         = errors.New("CPU flag does not match the Xen version")
	errUnknownSignature        = errors.New("unsupported hypervisor signature")
)

// XenProfile is a versioned Xen emulation unit. The encoded version and the
// CPU flag always travel together.
type XenProfile struct {
	Version string
	// Encoded is the value of QEMU's xen-version accelerator property:
	// major<<16 | minor.
	Encoded string
	CPUFlag string
}

var xenProfiles = map[string]XenProfile{
	"4.10": {Version: "4.10", Encoded: "0x4000a", CPUFlag: "xen-vapic"},
	"4.17": {Version: "4.17", Encoded: "0x40011", CPUFlag: "xen-vapic"},
	"4.19": {Version: "4.19", Encoded: "0x40013", CPUFlag: "xen-vapic"},
}

// XenVersions lists the supported Xen versions in ascending order.
func XenVersions() []string {
	out := make([]string, 0, len(xenProfiles))
	for v := range xenProfiles {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// LookupXenProfileByEncoded finds the profile whose encoded version matches.
func LookupXenProfileByEncoded(encoded string) (XenProfile, bool) {
	for _, p := range xenProfiles {
		if strings.EqualFold(p.Encoded, encoded) {
			return p, true
		}
	}
	return XenProfile{}, false
}

// XenEmulation is what the caller asks for. Signature and Version are
// optional, CPUFlag may be left empty to take the one the version implies.
type XenEmulation struct {
	Signature string `json:"signature,omitempty"`
	Version   string `json:"version,omitempty"`
	CPUFlag   string `json:"cpuFlag,omitempty"`
	// HideKVM hides the KVM signature leaf from the guest.
	HideKVM bool `json:"hideKVM,omitempty"`
}

// Resolve validates the request and returns the coupled profile. A
// signature without a version, an unknown version or a CPU flag that does not
// belong to the version are configuration errors.
func (x XenEmulation) Resolve() (XenProfile, error) {
	if x.Signature != "" && x.Signature != XenSignature {
		return XenProfile{}, errors.Join(fmt.Errorf("signature=%q", x.Signature), errUnknownSignature, ErrConfiguration)
	}

	version := x.Version
	switch {
	case version == "" && x.Signature != "":
		return XenProfile{}, errors.Join(errSignatureWithoutVersion, ErrConfiguration)
	case version == "" && x.CPUFlag != "":
		return XenProfile{}, errors.Join(fmt.Errorf("cpuFlag=%q", x.CPUFlag), errXenFlagMismatch, ErrConfiguration)
	case version == "":
		version = DefaultXenVersion
	}

	profile, ok := xenProfiles[version]
	if !ok {
		return XenProfile{}, errors.Join(
			fmt.Errorf("version=%q supported=%v", version, XenVersions()),
			errUnknownXenVersion,
			ErrConfiguration,
		)
	}

	if x.CPUFlag != "" && x.CPUFlag != profile.CPUFlag {
		return XenProfile{}, errors.Join(
			fmt.Errorf("version=%q cpuFlag=%q want=%q", version, x.CPUFlag, profile.CPUFlag),
			errXenFlagMismatch,
			ErrConfiguration,
		)
	}

	return profile, nil
}
