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

// Package provision builds the first-boot payload attached to a VM.
//
// Two formats are supported. A cloud-init NoCloud ISO (volume label "cidata")
// holding user-data and meta-data, and an Ignition JSON file produced from a
// Butane document and handed to the guest through QEMU fw_cfg.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Format selects the provisioning payload flavour.
type Format string

const (
	FormatCloudInit Format = "cloud-init"
	FormatIgnition  Format = "ignition"
)

var (
	ErrUnknownFormat  = errors.New("unknown provisioning format")
	ErrNameRequired   = errors.New("provisioning image requires a VM name")
	ErrOutputRequired = errors.New("provisioning image requires an output path")

	errCreateConfigDir = errors.New("failed to create cloud-init config directory")
	errWriteUserData   = errors.New("failed to write user-data file")
	errWriteMetaData   = errors.New("failed to write meta-data file")
	errCreateISO       = errors.New("failed to create cloud-init ISO with xorriso")
	errWriteIgnition   = errors.New("failed to write ignition config")
)

// CommandRunner executes an external tool and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecCommandRunner runs the command on the local host.
func ExecCommandRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Request describes one provisioning payload.
type Request struct {
	// Name is used as instance-id and local-hostname.
	Name   string
	Format Format

	// UserData is rendered when Template is empty.
	UserData UserData
	// Template is a collaborator-supplied payload taken verbatim: raw
	// user-data for cloud-init, a Butane document for Ignition.
	Template []byte

	OutputPath string
}

// Builder packs provisioning payloads into files a VM can mount.
type Builder struct {
	run CommandRunner
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithCommandRunner replaces the runner used to invoke xorriso.
func WithCommandRunner(run CommandRunner) BuilderOption {
	return func(b *Builder) {
		b.run = run
	}
}

func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{run: ExecCommandRunner}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build writes the payload to req.OutputPath, replacing any previous image.
// Calling it again with the same request yields the same image.
func (b *Builder) Build(ctx context.Context, req Request) (string, error) {
	if req.Name == "" {
		return "", ErrNameRequired
	}
	if req.OutputPath == "" {
		return "", ErrOutputRequired
	}

	switch req.Format {
	case FormatCloudInit, "":
		return b.buildCloudInitISO(ctx, req)
	case FormatIgnition:
		return b.buildIgnition(req)
	default:
		return "", errors.Join(fmt.Errorf("format=%q", req.Format), ErrUnknownFormat)
	}
}

func (b *Builder) buildCloudInitISO(ctx context.Context, req Request) (string, error) {
	userData := string(req.Template)
	if userData == "" {
		var err error
		if userData, err = req.UserData.Render(); err != nil {
			return "", err
		}
	}

	configDir := fmt.Sprintf("%s-config", req.OutputPath)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", errors.Join(err, errCreateConfigDir)
	}
	defer os.RemoveAll(configDir)

	if err := os.WriteFile(filepath.Join(configDir, "user-data"), []byte(userData), 0o644); err != nil {
		return "", errors.Join(err, errWriteUserData)
	}
	if err := os.WriteFile(filepath.Join(configDir, "meta-data"), []byte(MetaData(req.Name)), 0o644); err != nil {
		return "", errors.Join(err, errWriteMetaData)
	}

	// xorriso refuses to overwrite an existing image.
	if err := os.Remove(req.OutputPath); err != nil && !os.IsNotExist(err) {
		slog.Debug("failed to remove previous provisioning image", "path", req.OutputPath, "error", err.Error())
	}

	output, err := b.run(ctx,
		"xorriso",
		"-as", "mkisofs",
		"-o", req.OutputPath,
		"-V", "cidata",
		"-J", "-R",
		configDir,
	)
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("output: %s", output), errCreateISO)
	}

	slog.Debug("built cloud-init image", "vmName", req.Name, "path", req.OutputPath)
	return req.OutputPath, nil
}

func (b *Builder) buildIgnition(req Request) (string, error) {
	butane := req.Template
	if len(butane) == 0 {
		var err error
		if butane, err = ButaneFromUserData(req.UserData); err != nil {
			return "", err
		}
	}

	ign, err := TranslateButane(butane)
	if err != nil {
		return "", err
	}

	tmp := req.OutputPath + ".tmp"
	if err := os.WriteFile(tmp, ign, 0o644); err != nil {
		return "", errors.Join(err, errWriteIgnition)
	}
	if err := os.Rename(tmp, req.OutputPath); err != nil {
		return "", errors.Join(err, errWriteIgnition)
	}

	slog.Debug("built ignition config", "vmName", req.Name, "path", req.OutputPath)
	return req.OutputPath, nil
}
