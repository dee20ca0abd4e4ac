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
	"errors"
	"fmt"
	"os/exec"
)

const defaultDiskSize = "20G"

var errCreateVMDisk = errors.New("failed to create VM disk")

// DiskCreator creates the VM disk at path. backingFile may be empty, in which
// case a blank disk of the given size is created.
type DiskCreator func(ctx context.Context, backingFile, path, size string) error

// QemuImgCreate creates a qcow2 disk with qemu-img, as an overlay of
// backingFile when one is given.
func QemuImgCreate(ctx context.Context, backingFile, path, size string) error {
	if size == "" {
		size = defaultDiskSize
	}

	args := []string{"create", "-f", "qcow2"}
	if backingFile != "" {
		args = append(args, "-o", fmt.Sprintf("backing_file=%s,backing_fmt=qcow2", backingFile))
	}
	args = append(args, path, size)

	cmd := exec.CommandContext(ctx, "qemu-img", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Join(err, fmt.Errorf("output: %s", output), errCreateVMDisk)
	}
	return nil
}
