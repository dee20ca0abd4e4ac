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
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runWrapper installs the wrapper of profile in front of a QEMU that prints
// its arguments one per line, runs it with args and returns what QEMU got.
func runWrapper(t *testing.T, profile XenProfile, args ...string) []string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no POSIX shell")
	}

	dir := t.TempDir()
	qemu := filepath.Join(dir, "qemu-system-x86_64")
	require.NoError(t, os.WriteFile(qemu, []byte("#!/bin/sh\nprintf '%s\\n' \"$@\"\n"), 0o755))

	script, err := EmulatorWrapper("node1", profile, qemu)
	require.NoError(t, err)
	wrapper := filepath.Join(dir, "node1-qemu.sh")
	require.NoError(t, os.WriteFile(wrapper, script, 0o755))

	out, err := exec.Command(wrapper, args...).Output()
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(out), "\n"), "\n")
}

func TestEmulatorWrapper(t *testing.T) {
	profile, err := XenEmulation{Version: "4.19"}.Resolve()
	require.NoError(t, err)

	t.Run("accel generated by libvirt", func(t *testing.T) {
		got := runWrapper(t, profile,
			"-name", "guest=node1,debug-threads=on",
			"-machine", "pc-q35-8.2,usb=off,kernel_irqchip=split",
			"-accel", "kvm",
			"-cpu", "host,migratable=on",
			"-m", "size=2097152k",
		)
		assert.Equal(t, []string{
			"-name", "guest=node1,debug-threads=on",
			"-machine", "pc-q35-8.2,usb=off,kernel_irqchip=split",
			"-accel", "kvm,xen-version=0x40013",
			"-cpu", "host,migratable=on,xen-vapic=on",
			"-m", "size=2097152k",
		}, got)
	})

	t.Run("accel on the machine option", func(t *testing.T) {
		got := runWrapper(t, profile,
			"-name", "guest=node1",
			"-machine", "pc-q35-6.2,accel=kvm,usb=off",
			"-cpu", "host",
		)
		assert.Equal(t, []string{
			"-name", "guest=node1",
			"-machine", "pc-q35-6.2,usb=off",
			"-cpu", "host,xen-vapic=on",
			"-accel", "kvm,xen-version=0x40013",
		}, got)
	})

	t.Run("capability query runs unchanged", func(t *testing.T) {
		args := []string{"-S", "-machine", "none,accel=kvm:tcg", "-qmp", "unix:/tmp/qmp.sock,server=on,wait=off"}
		assert.Equal(t, args, runWrapper(t, profile, args...))
	})

	t.Run("arguments with spaces survive", func(t *testing.T) {
		got := runWrapper(t, profile, "-name", "guest=node1", "-append", "console=ttyS0 quiet")
		assert.Equal(t, []string{"-name", "guest=node1", "-append", "console=ttyS0 quiet"}, got)
	})
}

func TestEmulatorWrapper_InvalidBinary(t *testing.T) {
	profile, err := XenEmulation{}.Resolve()
	require.NoError(t, err)

	for _, qemu := range []string{"qemu-system-x86_64", "/usr/bin/qemu'; rm -rf /"} {
		_, err := EmulatorWrapper("node1", profile, qemu)
		assert.ErrorIs(t, err, ErrConfiguration, qemu)
	}

	script, err := EmulatorWrapper("node1", profile, "")
	require.NoError(t, err)
	assert.Contains(t, string(script), "qemu='"+DefaultQEMUBinary+"'")
}

func TestXenMetadata(t *testing.T) {
	want := xenMetadata{Version: "4.17", Encoded: "0x40011", CPUFlag: "xen-vapic"}
	got, ok := parseXenMetadata(want.innerXML())
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = parseXenMetadata(`<xen version="4.17"/>`)
	assert.False(t, ok, "element outside the namespace")
	_, ok = parseXenMetadata("")
	assert.False(t, ok)
}
