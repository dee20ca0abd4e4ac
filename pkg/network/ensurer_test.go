//go:build unit

package network

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

type fakeNetworks struct {
	active  map[string]bool
	started []string
}

func (f *fakeNetworks) EnsureActive(_ context.Context, name string) error {
	active, ok := f.active[name]
	if !ok {
		return errors.Join(errors.New("network="+name), ErrNetworkNotFound)
	}
	if !active {
		f.active[name] = true
		f.started = append(f.started, name)
	}
	return nil
}

func fakeLinks(links ...netlink.Link) LinkByName {
	return func(name string) (netlink.Link, error) {
		for _, l := range links {
			if l.Attrs().Name == name {
				return l, nil
			}
		}
		return nil, netlink.LinkNotFoundError{}
	}
}

func TestEnsurer_Ensure(t *testing.T) {
	links := fakeLinks(
		&netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: "br0"}},
		&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "dummy0"}},
	)

	tests := []struct {
		name    string
		mode    string
		source  string
		wantErr error
		started []string
	}{
		{name: "default network already active", mode: ModeNetwork},
		{name: "empty mode means network", mode: "", source: "default"},
		{name: "inactive network is started", mode: ModeNetwork, source: "isolated", started: []string{"isolated"}},
		{name: "missing network", mode: ModeNetwork, source: "nope", wantErr: ErrNetworkNotFound},
		{name: "bridge exists", mode: ModeBridge, source: "br0"},
		{name: "missing bridge", mode: ModeBridge, source: "br1", wantErr: ErrBridgeNotFound},
		{name: "link is not a bridge", mode: ModeBridge, source: "dummy0", wantErr: ErrNotABridge},
		{name: "bridge without name", mode: ModeBridge, wantErr: ErrBridgeNameRequired},
		{name: "user mode needs nothing", mode: ModeUser},
		{name: "unknown mode", mode: "macvtap", wantErr: ErrUnknownMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			networks := &fakeNetworks{active: map[string]bool{"default": true, "isolated": false}}
			e := NewEnsurer(networks, WithLinkByName(links))

			err := e.Ensure(context.Background(), tt.mode, tt.source)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.started, networks.started)
		})
	}
}

func TestEnsurer_NoLibvirt(t *testing.T) {
	e := NewEnsurer(nil, WithLinkByName(fakeLinks()))

	assert.ErrorIs(t, e.Ensure(context.Background(), ModeNetwork, ""), ErrConnNil)
	assert.NoError(t, e.Ensure(context.Background(), ModeUser, ""))
}

func TestBridgeExists_LookupFailure(t *testing.T) {
	boom := errors.New("netlink socket closed")
	_, err := bridgeExists(func(string) (netlink.Link, error) { return nil, boom }, "br0")

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrCheckBridgeExists)
}
