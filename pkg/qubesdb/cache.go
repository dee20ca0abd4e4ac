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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	DefaultCacheDir = "/var/lib/qubesdb"
	SnapshotFile    = "qubesdb.json"
	EntriesDir      = "entries"

	stagingDir = ".staging"
)

var (
	// ErrNoCache is returned by the read accessors before the first
	// successful fetch.
	ErrNoCache = errors.New("no cached QubesDB configuration")
	// ErrKeyNotFound is returned by Get for a key absent from the cache.
	ErrKeyNotFound = errors.New("key not found")

	errReadSnapshot  = errors.New("failed to read QubesDB snapshot")
	errWriteSnapshot = errors.New("failed to write QubesDB snapshot")
	errWriteEntry    = errors.New("failed to write QubesDB entry file")
	errRemoveEntry   = errors.New("failed to remove stale QubesDB entry file")
	errStageCache    = errors.New("failed to stage QubesDB cache")
)

// FlatName is the file name of key under the entries directory: the leading
// slashes are dropped and the remaining ones become underscores. Keys that
// would name the directory itself ("", ".", "..") have no flat file and yield
// "".
func FlatName(key string) string {
	name := strings.ReplaceAll(strings.TrimLeft(key, "/"), "/", "_")
	if name == "." || name == ".." {
		return ""
	}
	return name
}

// Cache is the durable guest-side store: one JSON snapshot plus one flat file
// per entry. Only FetchAndCache writes it.
type Cache struct {
	fs  afero.Fs
	dir string
}

func NewCache(fs afero.Fs, dir string) *Cache {
	if dir == "" {
		dir = DefaultCacheDir
	}
	return &Cache{fs: fs, dir: dir}
}

func (c *Cache) SnapshotPath() string {
	return filepath.Join(c.dir, SnapshotFile)
}

func (c *Cache) EntryPath(key string) string {
	return filepath.Join(c.dir, EntriesDir, FlatName(key))
}

// Write replaces the cache content with entries. Flat files of keys that are
// no longer present are removed so both views agree.
//
// Every file is first written to a staging directory and only moved into
// place once all of them were written, so a failed write leaves the previous
// cache untouched.
func (c *Cache) Write(entries Entries) error {
	staging := filepath.Join(c.dir, stagingDir)
	if err := c.fs.RemoveAll(staging); err != nil {
		return errors.Join(err, errStageCache)
	}
	defer func() { _ = c.fs.RemoveAll(staging) }()

	names, err := c.stage(staging, entries)
	if err != nil {
		return err
	}

	entriesDir := filepath.Join(c.dir, EntriesDir)
	if err := c.fs.MkdirAll(entriesDir, 0o755); err != nil {
		return errors.Join(err, errWriteEntry)
	}
	for _, name := range names {
		if err := c.fs.Rename(filepath.Join(staging, EntriesDir, name), filepath.Join(entriesDir, name)); err != nil {
			return errors.Join(err, fmt.Errorf("file=%s", name), errWriteEntry)
		}
	}
	if err := c.fs.Rename(filepath.Join(staging, SnapshotFile), c.SnapshotPath()); err != nil {
		return errors.Join(err, errWriteSnapshot)
	}

	want := make(map[string]struct{}, len(names))
	for _, name := range names {
		want[name] = struct{}{}
	}
	infos, err := afero.ReadDir(c.fs, entriesDir)
	if err != nil {
		return errors.Join(err, errRemoveEntry)
	}
	for _, info := range infos {
		if _, ok := want[info.Name()]; ok || info.IsDir() {
			continue
		}
		if err := c.fs.Remove(filepath.Join(entriesDir, info.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Join(err, fmt.Errorf("file=%s", info.Name()), errRemoveEntry)
		}
	}
	return nil
}

// stage writes the flat files and the snapshot under dir and returns the flat
// file names in entry order.
func (c *Cache) stage(dir string, entries Entries) ([]string, error) {
	if err := c.fs.MkdirAll(filepath.Join(dir, EntriesDir), 0o755); err != nil {
		return nil, errors.Join(err, errStageCache)
	}

	names := make([]string, 0, len(entries))
	seen := make(map[string]int, len(entries))
	for _, e := range entries {
		name := FlatName(e.Key)
		if name == "" {
			continue
		}
		if err := afero.WriteFile(c.fs, filepath.Join(dir, EntriesDir, name), []byte(e.Value), 0o644); err != nil {
			return nil, errors.Join(err, fmt.Errorf("key=%q", e.Key), errWriteEntry)
		}
		// last value wins on flat name collisions
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = len(names)
		names = append(names, name)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, errors.Join(err, errWriteSnapshot)
	}
	if err := afero.WriteFile(c.fs, filepath.Join(dir, SnapshotFile), append(data, '\n'), 0o644); err != nil {
		return nil, errors.Join(err, errWriteSnapshot)
	}
	return names, nil
}

// List returns the cached entries in insertion order.
func (c *Cache) List() (Entries, error) {
	data, err := afero.ReadFile(c.fs, c.SnapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCache
	}
	if err != nil {
		return nil, errors.Join(err, errReadSnapshot)
	}

	var entries Entries
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Join(err, fmt.Errorf("path=%s", c.SnapshotPath()), errReadSnapshot)
	}
	return entries, nil
}

func (c *Cache) Get(key string) (string, error) {
	entries, err := c.List()
	if err != nil {
		return "", err
	}
	v, ok := entries.Get(key)
	if !ok {
		return "", errors.Join(fmt.Errorf("key=%q", key), ErrKeyNotFound)
	}
	return v, nil
}

// AsStructured returns the snapshot as indented JSON.
func (c *Cache) AsStructured() ([]byte, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(entries, "", "  ")
}
