//go:build unit

package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibvirtNetworkManager_ValidationErrors(t *testing.T) {
	mgr := NewLibvirtNetworkManager(nil)
	ctx := context.Background()

	assert.ErrorIs(t, mgr.EnsureActive(ctx, "default"), ErrConnNil)

	_, err := mgr.Get(ctx, "")
	assert.ErrorIs(t, err, ErrNetworkNameRequired)

	_, err = mgr.Get(ctx, "default")
	assert.ErrorIs(t, err, ErrConnNil)
}

func TestParseNetworkXML(t *testing.T) {
	tests := []struct {
		name string
		xml  string
		want LibvirtNetworkInfo
	}{
		{
			name: "nat",
			xml: `<network><name>default</name><forward mode='nat'/>` +
				`<bridge name='virbr0' stp='on'/><ip address='192.168.122.1' netmask='255.255.255.0'/></network>`,
			want: LibvirtNetworkInfo{Name: "default", BridgeName: "virbr0", Mode: "nat"},
		},
		{
			name: "bridge",
			xml:  `<network><name>host-bridge</name><forward mode='bridge'/><bridge name='br0'/></network>`,
			want: LibvirtNetworkInfo{Name: "host-bridge", BridgeName: "br0", Mode: "bridge"},
		},
		{
			name: "isolated",
			xml:  `<network><name>private</name><bridge name='virbr9'/></network>`,
			want: LibvirtNetworkInfo{Name: "private", BridgeName: "virbr9", Mode: "isolated"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := parseNetworkXML(tt.xml)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *info)
		})
	}
}

func TestParseNetworkXML_Invalid(t *testing.T) {
	_, err := parseNetworkXML("<network")
	assert.Error(t, err)
}
