//go:build unit

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

package provision_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/qubeskvm/pkg/provision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRun struct {
	name     string
	args     []string
	userData string
	metaData string
}

// fakeXorriso captures the staged files and writes a placeholder image at the -o path.
func fakeXorriso(t *testing.T, runs *[]recordedRun) provision.CommandRunner {
	t.Helper()
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		rec := recordedRun{name: name, args: args}
		configDir := args[len(args)-1]

		ud, err := os.ReadFile(filepath.Join(configDir, "user-data"))
		require.NoError(t, err)
		md, err := os.ReadFile(filepath.Join(configDir, "meta-data"))
		require.NoError(t, err)
		rec.userData, rec.metaData = string(ud), string(md)
		*runs = append(*runs, rec)

		for i, a := range args {
			if a == "-o" {
				require.NoError(t, os.WriteFile(args[i+1], []byte("iso"), 0o644))
			}
		}
		return nil, nil
	}
}

func TestBuild_CloudInit(t *testing.T) {
	var runs []recordedRun
	b := provision.NewBuilder(provision.WithCommandRunner(fakeXorriso(t, &runs)))
	out := filepath.Join(t.TempDir(), "node1-cloud-init.iso")

	path, err := b.Build(context.Background(), provision.Request{
		Name: "node1",
		UserData: provision.UserData{
			Hostname: "node1",
			Users:    []provision.User{provision.NewUserWithAuthorizedKeys("user", []string{"ssh-ed25519 AAAA"})},
			Packages: []string{"socat"},
		},
		OutputPath: out,
	})
	require.NoError(t, err)
	assert.Equal(t, out, path)
	assert.FileExists(t, out)

	require.Len(t, runs, 1)
	assert.Equal(t, "xorriso", runs[0].name)
	assert.Contains(t, runs[0].args, "cidata")
	assert.True(t, strings.HasPrefix(runs[0].userData, "#cloud-config\n"))
	assert.Contains(t, runs[0].userData, "hostname: node1")
	assert.Contains(t, runs[0].userData, "socat")
	assert.Equal(t, "instance-id: node1\nlocal-hostname: node1\n", runs[0].metaData)

	// staging directory is cleaned up
	_, err = os.Stat(out + "-config")
	assert.True(t, os.IsNotExist(err))
}

func TestBuild_CloudInitTemplateIsOpaque(t *testing.T) {
	var runs []recordedRun
	b := provision.NewBuilder(provision.WithCommandRunner(fakeXorriso(t, &runs)))
	out := filepath.Join(t.TempDir(), "img.iso")
	tmpl := []byte("#cloud-config\nruncmd:\n  - echo hello\n")

	_, err := b.Build(context.Background(), provision.Request{Name: "vm", Template: tmpl, OutputPath: out})
	require.NoError(t, err)

	// rebuilding is allowed and replaces the image
	_, err = b.Build(context.Background(), provision.Request{Name: "vm", Template: tmpl, OutputPath: out})
	require.NoError(t, err)

	require.Len(t, runs, 2)
	assert.Equal(t, string(tmpl), runs[0].userData)
	assert.Equal(t, runs[0].userData, runs[1].userData)
}

func TestBuild_XorrisoFailure(t *testing.T) {
	b := provision.NewBuilder(provision.WithCommandRunner(
		func(context.Context, string, ...string) ([]byte, error) {
			return []byte("boom"), errors.New("exit status 1")
		},
	))

	_, err := b.Build(context.Background(), provision.Request{
		Name:       "vm",
		OutputPath: filepath.Join(t.TempDir(), "img.iso"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestBuild_Ignition(t *testing.T) {
	b := provision.NewBuilder(provision.WithCommandRunner(
		func(context.Context, string, ...string) ([]byte, error) {
			t.Fatal("ignition must not shell out")
			return nil, nil
		},
	))
	out := filepath.Join(t.TempDir(), "node1.ign")

	_, err := b.Build(context.Background(), provision.Request{
		Name:   "node1",
		Format: provision.FormatIgnition,
		UserData: provision.UserData{
			Hostname: "node1",
			Users:    []provision.User{{Name: "core", SSHAuthorizedKeys: []string{"ssh-ed25519 AAAA"}}},
		},
		OutputPath: out,
	})
	require.NoError(t, err)

	b2, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(b2), `"ignition"`)
	assert.Contains(t, string(b2), `"core"`)
	assert.Contains(t, string(b2), `/etc/hostname`)
}

func TestBuild_Validation(t *testing.T) {
	b := provision.NewBuilder()

	_, err := b.Build(context.Background(), provision.Request{OutputPath: "/tmp/x"})
	assert.ErrorIs(t, err, provision.ErrNameRequired)

	_, err = b.Build(context.Background(), provision.Request{Name: "vm"})
	assert.ErrorIs(t, err, provision.ErrOutputRequired)

	_, err = b.Build(context.Background(), provision.Request{Name: "vm", OutputPath: "/tmp/x", Format: "floppy"})
	assert.ErrorIs(t, err, provision.ErrUnknownFormat)
}
