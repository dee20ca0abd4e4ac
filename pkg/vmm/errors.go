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
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks bad or contradictory input. The caller must fix it.
	ErrConfiguration = errors.New("configuration error")
	// ErrPrecondition marks an operation attempted on a VM in the wrong state.
	ErrPrecondition = errors.New("precondition failed")
	// ErrNotDefined is joined with ErrPrecondition when the VM has no definition.
	ErrNotDefined = errors.New("VM is not defined")
	// ErrTimeout marks a bounded wait that ran out. It is not fatal: the caller
	// decides whether to escalate.
	ErrTimeout = errors.New("timed out")

	// ErrDomainNotFound is returned by a Hypervisor when the named domain does
	// not exist.
	ErrDomainNotFound = errors.New("domain not found")
)

// Step names a stage of a lifecycle operation.
type Step string

const (
	StepValidate       Step = "validate"
	StepNetwork        Step = "ensure-network"
	StepDisk           Step = "ensure-disk"
	StepProvisioning   Step = "ensure-provisioning-image"
	StepStaleEndpoints Step = "clear-stale-endpoints"
	StepRender         Step = "render-definition"
	StepEmulator       Step = "install-emulator"
	StepUndefine       Step = "undefine"
	StepDefine         Step = "define"
	StepStart          Step = "start"
	StepShutdown       Step = "shutdown"
	StepWaitShutdown   Step = "wait-shutdown"
	StepDestroy        Step = "destroy"
	StepRemoveArtifact Step = "remove-artifacts"
	StepState          Step = "query-state"
	StepOwnership      Step = "record-ownership"
)

// OpError reports which VM and which step of an operation failed.
type OpError struct {
	Op   string
	VM   string
	Step Step
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s vmName=%s step=%s: %v", e.Op, e.VM, e.Step, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opErr(op, vm string, step Step, errs ...error) error {
	return &OpError{Op: op, VM: vm, Step: step, Err: errors.Join(errs...)}
}
