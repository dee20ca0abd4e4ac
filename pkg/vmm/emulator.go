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
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
)

// DefaultQEMUBinary is the QEMU the emulator wrapper executes.
const DefaultQEMUBinary = "/usr/bin/qemu-system-x86_64"

// MetadataNamespace qualifies the Xen profile recorded in the domain
// metadata.
const MetadataNamespace = "https://github.com/alexandremahdhaoui/qubeskvm/xen/1.0"

var (
	errInvalidQEMUBinary = errors.New("QEMU binary must be an absolute path without quotes")
	errRenderEmulator    = errors.New("failed to render emulator wrapper")
)

// The Xen accelerator properties only take effect on the first -accel kvm
// QEMU initializes, and that one is generated by libvirt. The wrapper is the
// domain's <emulator>: it appends xen-version to libvirt's own -accel kvm (or
// moves accel=kvm off -machine on older libvirt) and the Xen CPU flag to
// -cpu. Invocations without -name are capability queries and run unchanged.
// Split irqchip comes from <ioapic driver='qemu'/>.
const emulatorWrapperTemplate = `#!/bin/sh
# QEMU for the qubeskvm VM {{ .Name }} with Xen {{ .Version }} emulation.
qemu='{{ .QEMU }}'
xen='xen-version={{ .Encoded }}'
cpuflag='{{ .CPUFlag }}=on'

case " $* " in
*" -name "*) ;;
*) exec "$qemu" "$@" ;;
esac

accel=
n=$#
while [ "$n" -gt 0 ]; do
	arg=$1
	shift
	n=$((n - 1))
	case "$arg" in
	-accel | -machine | -cpu)
		if [ "$n" -eq 0 ]; then
			set -- "$@" "$arg"
			continue
		fi
		val=$1
		shift
		n=$((n - 1))
		case "$arg,$val" in
		-accel,kvm | -accel,kvm,*)
			val="$val,$xen"
			;;
		-machine,*)
			case ",$val," in
			*,accel=kvm,*)
				val=$(printf '%s\n' ",$val," | sed -e 's/,accel=kvm,/,/' -e 's/^,//' -e 's/,$//')
				accel=machine
				;;
			esac
			;;
		-cpu,*)
			val="$val,$cpuflag"
			;;
		esac
		set -- "$@" "$arg" "$val"
		;;
	*)
		set -- "$@" "$arg"
		;;
	esac
done

if [ "$accel" = machine ]; then
	set -- "$@" -accel "kvm,$xen"
fi
exec "$qemu" "$@"
`

var emulatorWrapper = template.Must(template.New("emulator").Parse(emulatorWrapperTemplate))

// EmulatorWrapper renders the emulator script of the VM called name.
func EmulatorWrapper(name string, profile XenProfile, qemu string) ([]byte, error) {
	if qemu == "" {
		qemu = DefaultQEMUBinary
	}
	if !filepath.IsAbs(qemu) || strings.ContainsAny(qemu, `'"\`+"\n") {
		return nil, errors.Join(fmt.Errorf("qemuBinary=%q", qemu), errInvalidQEMUBinary, ErrConfiguration)
	}

	var buf bytes.Buffer
	if err := emulatorWrapper.Execute(&buf, struct {
		Name    string
		Version string
		Encoded string
		CPUFlag string
		QEMU    string
	}{
		Name:    name,
		Version: profile.Version,
		Encoded: profile.Encoded,
		CPUFlag: profile.CPUFlag,
		QEMU:    qemu,
	}); err != nil {
		return nil, errors.Join(err, errRenderEmulator)
	}
	return buf.Bytes(), nil
}

// xenMetadata is the Xen profile recorded in the domain metadata.
type xenMetadata struct {
	Version string `xml:"version,attr"`
	Encoded string `xml:"xenVersion,attr"`
	CPUFlag string `xml:"cpuFlag,attr"`
}

func (m xenMetadata) innerXML() string {
	var sb strings.Builder
	sb.WriteString(`<qubeskvm:xen xmlns:qubeskvm="` + MetadataNamespace + `"`)
	for _, attr := range [][2]string{
		{"version", m.Version},
		{"xenVersion", m.Encoded},
		{"cpuFlag", m.CPUFlag},
	} {
		sb.WriteString(" " + attr[0] + `="`)
		_ = xml.EscapeText(&sb, []byte(attr[1]))
		sb.WriteString(`"`)
	}
	sb.WriteString("/>")
	return sb.String()
}

// parseXenMetadata finds the Xen profile among the metadata elements. libvirt
// may rewrite the prefix, so only the namespace is matched.
func parseXenMetadata(inner string) (xenMetadata, bool) {
	dec := xml.NewDecoder(strings.NewReader(inner))
	for {
		tok, err := dec.Token()
		if err != nil {
			return xenMetadata{}, false
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Space != MetadataNamespace || start.Name.Local != "xen" {
			continue
		}
		var m xenMetadata
		if err := dec.DecodeElement(&m, &start); err != nil {
			return xenMetadata{}, false
		}
		return m, true
	}
}
