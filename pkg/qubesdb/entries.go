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

package qubesdb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	errInvalidEntry    = errors.New("entry must be KEY=VALUE")
	errSnapshotNotJSON = errors.New("snapshot is not a JSON object")
)

// Entry is one QubesDB key and its value. Keys are path-like, e.g. "/name".
type Entry struct {
	Key   string
	Value string
}

// Entries is a configuration mapping that remembers insertion order. Keys are
// unique.
type Entries []Entry

// ParseEntry parses "KEY=VALUE", splitting on the first "=".
func ParseEntry(s string) (Entry, error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return Entry{}, errors.Join(fmt.Errorf("entry=%q", s), errInvalidEntry)
	}
	return Entry{Key: k, Value: v}, nil
}

// Set replaces the value of key in place, or appends it.
func (e Entries) Set(key, value string) Entries {
	for i := range e {
		if e[i].Key == key {
			e[i].Value = value
			return e
		}
	}
	return append(e, Entry{Key: key, Value: value})
}

func (e Entries) Get(key string) (string, bool) {
	for _, entry := range e {
		if entry.Key == key {
			return entry.Value, true
		}
	}
	return "", false
}

func (e Entries) Map() map[string]string {
	out := make(map[string]string, len(e))
	for _, entry := range e {
		out[entry.Key] = entry.Value
	}
	return out
}

// MarshalJSON renders a JSON object whose members keep the insertion order.
func (e Entries) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, entry := range e {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(entry.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(entry.Value)
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// UnmarshalJSON reads a JSON object of strings, keeping member order.
func (e *Entries) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errSnapshotNotJSON
	}

	out := Entries{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return errSnapshotNotJSON
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return errors.Join(fmt.Errorf("key=%q", key), err)
		}
		out = out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*e = out
	return nil
}
