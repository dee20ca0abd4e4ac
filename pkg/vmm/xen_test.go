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

	"github.com/alexandremahdhaoui/qubeskvm/pkg/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXenEmulation_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		in      vmm.XenEmulation
		want    string
		wantErr bool
	}{
		{name: "defaults", in: vmm.XenEmulation{}, want: "4.19"},
		{name: "signature and version", in: vmm.XenEmulation{Signature: vmm.XenSignature, Version: "4.17"}, want: "4.17"},
		{name: "matching flag", in: vmm.XenEmulation{Version: "4.10", CPUFlag: "xen-vapic"}, want: "4.10"},
		{name: "signature alone", in: vmm.XenEmulation{Signature: vmm.XenSignature}, wantErr: true},
		{name: "flag alone", in: vmm.XenEmulation{CPUFlag: "xen-vapic"}, wantErr: true},
		{name: "mismatched flag", in: vmm.XenEmulation{Version: "4.17", CPUFlag: "hv-vapic"}, wantErr: true},
		{name: "unknown version", in: vmm.XenEmulation{Version: "4.2"}, wantErr: true},
		{name: "foreign signature", in: vmm.XenEmulation{Signature: "Microsoft Hv", Version: "4.19"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.in.Resolve()
			if tt.wantErr {
				assert.ErrorIs(t, err, vmm.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Version)
			assert.Equal(t, "xen-vapic", p.CPUFlag)
		})
	}
}

func TestXenProfiles(t *testing.T) {
	assert.Equal(t, []string{"4.10", "4.17", "4.19"}, vmm.XenVersions())

	p, ok := vmm.LookupXenProfileByEncoded("0x40013")
	require.True(t, ok)
	assert.Equal(t, "4.19", p.Version)

	p, ok = vmm.LookupXenProfileByEncoded("0X4000A")
	require.True(t, ok)
	assert.Equal(t, "4.10", p.Version)

	_, ok = vmm.LookupXenProfileByEncoded("0x50000")
	assert.False(t, ok)
}
