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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

var (
	errReadOwnership  = errors.New("failed to read ownership file")
	errParseOwnership = errors.New("failed to parse ownership file")
	errWriteOwnership = errors.New("failed to write ownership file")
)

// Ownership records that this controller started the VM. It is the only
// state kept across invocations; the hypervisor remains the source of truth
// for the lifecycle state.
type Ownership struct {
	Name      string    `json:"name"`
	UUID      string    `json:"uuid"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

type ownershipFile struct {
	fs   afero.Fs
	path string
}

// load returns nil, nil when no ownership was recorded.
func (o ownershipFile) load() (*Ownership, error) {
	data, err := afero.ReadFile(o.fs, o.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", o.path), errReadOwnership)
	}

	var own Ownership
	if err := json.Unmarshal(data, &own); err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", o.path), errParseOwnership)
	}
	return &own, nil
}

func (o ownershipFile) save(own Ownership) error {
	if err := o.fs.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
		return errors.Join(err, errWriteOwnership)
	}

	data, err := json.MarshalIndent(own, "", "  ")
	if err != nil {
		return errors.Join(err, errWriteOwnership)
	}

	// Write atomically
	tmp := o.path + ".tmp"
	if err := afero.WriteFile(o.fs, tmp, data, 0o644); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", tmp), errWriteOwnership)
	}
	if err := o.fs.Rename(tmp, o.path); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", o.path), errWriteOwnership)
	}
	return nil
}
