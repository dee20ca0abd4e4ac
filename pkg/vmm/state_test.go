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

package vmm

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirt"
)

func TestOwnershipFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := ownershipFile{fs: fs, path: "/run/qubeskvm/vm.state.json"}

	got, err := f.load()
	require.NoError(t, err)
	assert.Nil(t, got)

	want := Ownership{Name: "vm", UUID: "u", PID: 42, StartedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	require.NoError(t, f.save(want))

	got, err = f.load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	ok, err := afero.Exists(fs, f.path+".tmp")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, afero.WriteFile(fs, f.path, []byte("{"), 0o644))
	_, err = f.load()
	assert.ErrorIs(t, err, errParseOwnership)
}

type stateOnly struct {
	Hypervisor
	state State
}

func (s stateOnly) State(context.Context, string) (State, error) { return s.state, nil }

func (s stateOnly) Start(context.Context, string) error { return nil }

func TestStartRecordsOwnership(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewController(stateOnly{state: StateStopped}, WithFs(fs), withClock(func() time.Time { return now }))

	id, err := NewIdentity("/var/lib/qubeskvm", "vm")
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), id))

	own, err := ownershipFile{fs: fs, path: id.StatePath}.load()
	require.NoError(t, err)
	require.NotNil(t, own)
	assert.Equal(t, id.UUID, own.UUID)
	assert.Equal(t, now, own.StartedAt)
	assert.Positive(t, own.PID)
}

func TestMapDomainState(t *testing.T) {
	tests := []struct {
		state  libvirt.DomainState
		reason int
		want   State
	}{
		{libvirt.DOMAIN_SHUTOFF, int(libvirt.DOMAIN_SHUTOFF_UNKNOWN), StateDefined},
		{libvirt.DOMAIN_SHUTOFF, int(libvirt.DOMAIN_SHUTOFF_SHUTDOWN), StateStopped},
		{libvirt.DOMAIN_SHUTOFF, int(libvirt.DOMAIN_SHUTOFF_DESTROYED), StateStopped},
		{libvirt.DOMAIN_CRASHED, 0, StateStopped},
		{libvirt.DOMAIN_NOSTATE, 0, StateDefined},
		{libvirt.DOMAIN_RUNNING, 0, StateRunning},
		{libvirt.DOMAIN_PAUSED, 0, StateRunning},
		{libvirt.DOMAIN_SHUTDOWN, 0, StateRunning},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapDomainState(tt.state, tt.reason), "state=%d reason=%d", tt.state, tt.reason)
	}
}
