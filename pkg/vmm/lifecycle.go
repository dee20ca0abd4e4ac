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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexandremahdhaoui/qubeskvm/pkg/provision"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/resources"
	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultStopTimeout  = 30 * time.Second
	DefaultPollInterval = time.Second
)

const (
	opCreate  = "create"
	opStart   = "start"
	opStop    = "stop"
	opDestroy = "destroy"
	opDelete  = "delete"
	opStatus  = "status"
)

var errDiskSourceMissing = errors.New("disk does not exist and no base image is configured")

// ImageBuilder builds provisioning images. *provision.Builder implements it.
type ImageBuilder interface {
	Build(ctx context.Context, req provision.Request) (string, error)
}

// NetworkEnsurer verifies that the attachment a VM is about to use exists on
// the host.
type NetworkEnsurer interface {
	Ensure(ctx context.Context, mode, source string) error
}

// ProvisioningConfig describes the first-boot payload of a VM.
type ProvisioningConfig struct {
	Disabled bool             `json:"disabled,omitempty"`
	Format   provision.Format `json:"format,omitempty"`
	UserData provision.UserData
	// Template is passed through verbatim when set.
	Template []byte `json:"-"`
}

// VMConfig is everything Create needs to bring one VM identity up. There is
// no process-wide default: callers build one per invocation.
type VMConfig struct {
	Identity   Identity
	Allocation resources.Allocation

	// BaseImage backs the qcow2 overlay created when the disk is missing.
	BaseImage string
	// DiskSize defaults to 20G.
	DiskSize string

	Xen          XenEmulation
	Firmware     Firmware
	Network      NetworkAttachment
	Provisioning ProvisioningConfig
	// QEMUBinary is run by the emulator wrapper. Empty means
	// DefaultQEMUBinary.
	QEMUBinary string
}

// Status is the read-only view of a VM.
type Status struct {
	Name  string         `json:"name"`
	State State          `json:"state"`
	Mode  *EmulationMode `json:"emulationMode,omitempty"`
	// Address is empty until the guest holds a lease.
	Address string     `json:"address,omitempty"`
	Owned   bool       `json:"owned"`
	Owner   *Ownership `json:"owner,omitempty"`
}

// Controller drives VM identities through the lifecycle states. Operations on
// different identities are independent. Operations on the same identity must
// be serialized by the caller.
type Controller struct {
	hv       Hypervisor
	fs       afero.Fs
	images   ImageBuilder
	disks    DiskCreator
	network  NetworkEnsurer
	log      logr.Logger
	metrics  *Metrics
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

func WithLogger(log logr.Logger) ControllerOption {
	return func(c *Controller) { c.log = log }
}

// WithFs sets the filesystem holding the VM artifacts.
func WithFs(fs afero.Fs) ControllerOption {
	return func(c *Controller) { c.fs = fs }
}

func WithImageBuilder(b ImageBuilder) ControllerOption {
	return func(c *Controller) { c.images = b }
}

func WithDiskCreator(d DiskCreator) ControllerOption {
	return func(c *Controller) { c.disks = d }
}

// WithNetworkEnsurer enables the network pre-check of Create.
func WithNetworkEnsurer(n NetworkEnsurer) ControllerOption {
	return func(c *Controller) { c.network = n }
}

func WithMetrics(m *Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithStopTimeout bounds the wait of Stop.
func WithStopTimeout(timeout, interval time.Duration) ControllerOption {
	return func(c *Controller) {
		c.timeout = timeout
		c.interval = interval
	}
}

func withClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

func NewController(hv Hypervisor, opts ...ControllerOption) *Controller {
	c := &Controller{
		hv:       hv,
		fs:       afero.NewOsFs(),
		images:   provision.NewBuilder(),
		disks:    QemuImgCreate,
		log:      logr.Discard(),
		timeout:  DefaultStopTimeout,
		interval: DefaultPollInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create brings the VM to running. It never overwrites an existing disk and
// replaces any prior definition of the same identity. Calling Create on a
// running VM refreshes its definition without restarting it.
func (c *Controller) Create(ctx context.Context, cfg VMConfig) (def *Definition, err error) {
	id := cfg.Identity
	defer c.observe(opCreate, time.Now(), &err)
	log := c.log.WithValues("vmName", id.Name, "operation", opCreate)

	if id.Name == "" {
		return nil, opErr(opCreate, id.Name, StepValidate, errNameRequired, ErrConfiguration)
	}
	if _, err := cfg.Xen.Resolve(); err != nil {
		return nil, opErr(opCreate, id.Name, StepValidate, err)
	}

	if c.network != nil {
		log.V(1).Info("ensuring network", "step", StepNetwork)
		if err := c.network.Ensure(ctx, string(cfg.Network.Mode), cfg.Network.Source); err != nil {
			return nil, opErr(opCreate, id.Name, StepNetwork, err)
		}
	}

	if err := c.ensureDisk(ctx, cfg); err != nil {
		return nil, opErr(opCreate, id.Name, StepDisk, err)
	}

	image, err := c.ensureProvisioningImage(ctx, cfg)
	if err != nil {
		return nil, opErr(opCreate, id.Name, StepProvisioning, err)
	}

	state, err := c.hv.State(ctx, id.Name)
	if err != nil {
		return nil, opErr(opCreate, id.Name, StepState, err)
	}

	// Endpoints of a running VM are live.
	if state != StateRunning {
		log.V(1).Info("clearing stale endpoints", "step", StepStaleEndpoints)
		if err := c.removeFiles(id.Endpoints()); err != nil {
			return nil, opErr(opCreate, id.Name, StepStaleEndpoints, err)
		}
	}

	opts := RenderOptions{
		Xen:                cfg.Xen,
		Firmware:           cfg.Firmware,
		Network:            cfg.Network,
		ProvisioningImage:  image,
		ProvisioningFormat: cfg.Provisioning.Format,
		QEMUBinary:         cfg.QEMUBinary,
	}
	def, err = Render(id, cfg.Allocation, opts)
	if err != nil {
		return nil, opErr(opCreate, id.Name, StepRender, err)
	}
	domainXML, err := def.XML()
	if err != nil {
		return nil, opErr(opCreate, id.Name, StepRender, err)
	}

	// libvirt checks the emulator when the domain is defined
	if err := c.installEmulator(id, def.Emulator); err != nil {
		return nil, opErr(opCreate, id.Name, StepEmulator, err)
	}

	if state != StateAbsent {
		log.V(1).Info("replacing previous definition", "step", StepUndefine, "state", state)
		if err := c.hv.Undefine(ctx, id.Name); err != nil && !errors.Is(err, ErrDomainNotFound) {
			return nil, opErr(opCreate, id.Name, StepUndefine, err)
		}
	}

	if err := c.hv.Define(ctx, domainXML); err != nil {
		return nil, opErr(opCreate, id.Name, StepDefine, err)
	}

	if state == StateRunning {
		log.Info("VM already running, definition refreshed")
		return def, nil
	}

	if err := c.hv.Start(ctx, id.Name); err != nil {
		return nil, opErr(opCreate, id.Name, StepStart, err)
	}

	if err := c.recordOwnership(id); err != nil {
		return nil, opErr(opCreate, id.Name, StepOwnership, err)
	}

	log.Info("VM created",
		"cores", cfg.Allocation.Cores,
		"memoryMB", cfg.Allocation.MemoryMB,
		"xenVersion", def.Xen.Version,
	)
	return def, nil
}

// Start boots a defined or stopped VM. Starting a running VM is a no-op.
func (c *Controller) Start(ctx context.Context, id Identity) (err error) {
	defer c.observe(opStart, time.Now(), &err)

	state, err := c.hv.State(ctx, id.Name)
	if err != nil {
		return opErr(opStart, id.Name, StepState, err)
	}

	switch state {
	case StateAbsent:
		return opErr(opStart, id.Name, StepState, ErrNotDefined, ErrPrecondition)
	case StateRunning:
		c.log.V(1).Info("VM already running", "vmName", id.Name)
		return nil
	}

	if err := c.removeFiles(id.Endpoints()); err != nil {
		return opErr(opStart, id.Name, StepStaleEndpoints, err)
	}

	if err := c.hv.Start(ctx, id.Name); err != nil {
		return opErr(opStart, id.Name, StepStart, err)
	}

	if err := c.recordOwnership(id); err != nil {
		return opErr(opStart, id.Name, StepOwnership, err)
	}

	c.log.Info("VM started", "vmName", id.Name)
	return nil
}

// Stop requests a graceful shutdown and waits for it within the configured
// deadline. On expiry it returns an error wrapping ErrTimeout and leaves the
// VM running; forcing it off is Destroy's job.
func (c *Controller) Stop(ctx context.Context, id Identity) (err error) {
	defer c.observe(opStop, time.Now(), &err)

	state, err := c.hv.State(ctx, id.Name)
	if err != nil {
		return opErr(opStop, id.Name, StepState, err)
	}

	switch state {
	case StateAbsent:
		return opErr(opStop, id.Name, StepState, ErrNotDefined, ErrPrecondition)
	case StateDefined, StateStopped:
		return nil
	}

	if err := c.hv.Shutdown(ctx, id.Name); err != nil {
		return opErr(opStop, id.Name, StepShutdown, err)
	}

	c.log.V(1).Info("waiting for shutdown", "vmName", id.Name, "step", StepWaitShutdown, "timeout", c.timeout)
	err = wait.PollUntilContextTimeout(ctx, c.interval, c.timeout, false, func(ctx context.Context) (bool, error) {
		state, err := c.hv.State(ctx, id.Name)
		if err != nil {
			return false, err
		}
		return state != StateRunning, nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			return opErr(opStop, id.Name, StepWaitShutdown, fmt.Errorf("still running after %s", c.timeout), ErrTimeout)
		}
		return opErr(opStop, id.Name, StepWaitShutdown, err)
	}

	c.log.Info("VM stopped", "vmName", id.Name)
	return nil
}

// Destroy forcibly stops the VM. It succeeds on a VM that is not running,
// including one that does not exist.
func (c *Controller) Destroy(ctx context.Context, id Identity) (err error) {
	defer c.observe(opDestroy, time.Now(), &err)

	state, err := c.hv.State(ctx, id.Name)
	if err != nil {
		return opErr(opDestroy, id.Name, StepState, err)
	}
	if state != StateRunning {
		c.log.V(1).Info("VM not running, nothing to destroy", "vmName", id.Name, "state", state)
		return nil
	}

	if err := c.hv.Destroy(ctx, id.Name); err != nil && !errors.Is(err, ErrDomainNotFound) {
		return opErr(opDestroy, id.Name, StepDestroy, err)
	}

	c.log.Info("VM destroyed", "vmName", id.Name)
	return nil
}

// Delete brings the VM to absent and removes every artifact derived from its
// identity. Missing artifacts and missing definitions are not errors.
func (c *Controller) Delete(ctx context.Context, id Identity) (err error) {
	defer c.observe(opDelete, time.Now(), &err)

	if err := c.hv.Destroy(ctx, id.Name); err != nil && !errors.Is(err, ErrDomainNotFound) {
		// best effort: the undefine below reports anything that matters
		c.log.Info("destroy before delete failed", "vmName", id.Name, "error", err.Error())
	}

	if err := c.hv.Undefine(ctx, id.Name); err != nil && !errors.Is(err, ErrDomainNotFound) {
		return opErr(opDelete, id.Name, StepUndefine, err)
	}

	if err := c.removeFiles(id.Artifacts()); err != nil {
		return opErr(opDelete, id.Name, StepRemoveArtifact, err)
	}

	c.log.Info("VM deleted", "vmName", id.Name)
	return nil
}

// Status reports the VM without changing anything.
func (c *Controller) Status(ctx context.Context, id Identity) (st Status, err error) {
	defer c.observe(opStatus, time.Now(), &err)

	st = Status{Name: id.Name}

	st.State, err = c.hv.State(ctx, id.Name)
	if err != nil {
		return Status{}, opErr(opStatus, id.Name, StepState, err)
	}

	owner, err := ownershipFile{fs: c.fs, path: id.StatePath}.load()
	if err != nil {
		c.log.Info("ignoring unreadable ownership file", "vmName", id.Name, "error", err.Error())
	}
	if owner != nil && owner.UUID == id.UUID {
		st.Owned = true
		st.Owner = owner
	}

	if st.State == StateAbsent {
		return st, nil
	}

	domainXML, err := c.hv.DomainXML(ctx, id.Name)
	if err != nil {
		return Status{}, opErr(opStatus, id.Name, StepState, err)
	}
	mode, err := ParseEmulationMode(domainXML)
	if err != nil {
		return Status{}, opErr(opStatus, id.Name, StepState, err)
	}
	st.Mode = &mode

	if st.State == StateRunning {
		addr, err := c.hv.GuestAddress(ctx, id.Name)
		if err != nil {
			c.log.V(1).Info("guest address unknown", "vmName", id.Name, "error", err.Error())
		}
		st.Address = addr
	}

	return st, nil
}

func (c *Controller) ensureDisk(ctx context.Context, cfg VMConfig) error {
	path := cfg.Identity.DiskPath
	// qemu-img does not create parent directories.
	if err := c.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	exists, err := afero.Exists(c.fs, path)
	if err != nil {
		return err
	}
	if exists {
		c.log.V(1).Info("disk exists, keeping it", "vmName", cfg.Identity.Name, "step", StepDisk, "path", path)
		return nil
	}

	if cfg.BaseImage != "" {
		ok, err := afero.Exists(c.fs, cfg.BaseImage)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Join(fmt.Errorf("baseImage=%s", cfg.BaseImage), errDiskSourceMissing, ErrConfiguration)
		}
	}

	c.log.Info("creating disk", "vmName", cfg.Identity.Name, "step", StepDisk, "path", path, "baseImage", cfg.BaseImage)
	return c.disks(ctx, cfg.BaseImage, path, cfg.DiskSize)
}

// installEmulator writes the emulator wrapper unless it already holds script.
func (c *Controller) installEmulator(id Identity, script []byte) error {
	current, err := afero.ReadFile(c.fs, id.EmulatorPath)
	if err == nil && bytes.Equal(current, script) {
		return nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	tmp := id.EmulatorPath + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, script, 0o755); err != nil {
		return err
	}
	if err := c.fs.Chmod(tmp, 0o755); err != nil {
		return err
	}
	return c.fs.Rename(tmp, id.EmulatorPath)
}

// ensureProvisioningImage returns the image to attach, or "" when none
// exists.
func (c *Controller) ensureProvisioningImage(ctx context.Context, cfg VMConfig) (string, error) {
	id := cfg.Identity
	path := id.ProvisioningImage(cfg.Provisioning.Format)

	if !cfg.Provisioning.Disabled {
		if _, err := c.images.Build(ctx, provision.Request{
			Name:       id.Name,
			Format:     cfg.Provisioning.Format,
			UserData:   cfg.Provisioning.UserData,
			Template:   cfg.Provisioning.Template,
			OutputPath: path,
		}); err != nil {
			return "", err
		}
	}

	exists, err := afero.Exists(c.fs, path)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", nil
	}
	return path, nil
}

func (c *Controller) removeFiles(paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := c.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("path=%s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) recordOwnership(id Identity) error {
	return ownershipFile{fs: c.fs, path: id.StatePath}.save(Ownership{
		Name:      id.Name,
		UUID:      id.UUID,
		PID:       os.Getpid(),
		StartedAt: c.now().UTC(),
	})
}

func (c *Controller) observe(op string, start time.Time, err *error) {
	c.metrics.observe(op, start, *err)
}
