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

// Package qubesdb carries QubesDB key/value configuration from the host to a
// guest over a byte stream, and caches it durably inside the guest.
package qubesdb

import (
	"bytes"
	"strings"
)

const (
	DefaultStartSentinel = "QUBESDB-KVM-CONFIG"
	DefaultEndSentinel   = "QUBESDB-END"
)

// Codec frames entries between a start and an end sentinel line.
type Codec struct {
	Start string
	End   string
}

func DefaultCodec() Codec {
	return Codec{Start: DefaultStartSentinel, End: DefaultEndSentinel}
}

// Encode renders one frame:
//
//	<start>
//	key=value
//	...
//
//	<end>
func (c Codec) Encode(entries Entries) []byte {
	var b bytes.Buffer
	b.WriteString(c.Start)
	b.WriteByte('\n')
	for _, e := range entries {
		b.WriteString(e.Key)
		b.WriteByte('=')
		b.WriteString(e.Value)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(c.End)
	b.WriteByte('\n')
	return b.Bytes()
}

// Terminated reports whether data holds an end sentinel line.
func (c Codec) Terminated(data []byte) bool {
	_, ok := c.lastFrame(data)
	return ok
}

// Decode returns the entries of the last complete frame in data. ok is false
// when no end sentinel was seen; the caller must then discard data.
//
// Lines are whitespace-trimmed. Blank lines, lines without "=" and lines
// with an empty key are skipped. A key seen twice keeps its first position
// and its last value.
func (c Codec) Decode(data []byte) (entries Entries, ok bool) {
	lines, ok := c.lastFrame(data)
	if !ok {
		return nil, false
	}

	entries = Entries{}
	for _, line := range lines {
		k, v, found := strings.Cut(line, "=")
		if !found || k == "" {
			continue
		}
		entries = entries.Set(k, v)
	}
	return entries, true
}

// lastFrame returns the trimmed lines between the start sentinel preceding
// the last end sentinel and that end sentinel. Without a start sentinel the
// frame begins at the first line.
func (c Codec) lastFrame(data []byte) (body []string, ok bool) {
	lines := strings.Split(string(data), "\n")
	end := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == c.End {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, false
	}

	start := 0
	for i := end - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == c.Start {
			start = i + 1
			break
		}
	}

	for _, l := range lines[start:end] {
		l = strings.TrimSpace(l)
		if l == "" || l == c.Start {
			continue
		}
		body = append(body, l)
	}
	return body, true
}
