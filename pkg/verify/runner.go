package verify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/alexandremahdhaoui/qubeskvm/internal/util/ssh"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/qubesdb"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/vmm"
)

var errNoDialer = errors.New("no guest dialer configured")

// Dialer opens a command runner inside the guest reachable at address.
type Dialer func(ctx context.Context, address string) (ssh.Runner, error)

// Target is the VM under verification and what it is expected to look like.
type Target struct {
	Identity vmm.Identity
	Xen      vmm.XenProfile
	// Expected entries must all be present in the guest cache.
	Expected qubesdb.Entries
	// Device is the guest channel device. Empty means
	// qubesdb.DefaultDevicePath.
	Device string
}

// Runner drives the checklist.
type Runner struct {
	hv          vmm.Hypervisor
	dial        Dialer
	fs          afero.Fs
	readCommand string
	log         *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithFs sets the host filesystem the channel endpoint is looked up in.
func WithFs(fs afero.Fs) RunnerOption {
	return func(r *Runner) { r.fs = fs }
}

// WithReadCommand replaces the guest command dumping the cache as JSON.
func WithReadCommand(cmd string) RunnerOption {
	return func(r *Runner) { r.readCommand = cmd }
}

func WithLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// NewRunner returns a Runner. dial may be nil, in which case every guest check
// fails.
func NewRunner(hv vmm.Hypervisor, dial Dialer, opts ...RunnerOption) *Runner {
	r := &Runner{
		hv:          hv,
		dial:        dial,
		fs:          afero.NewOsFs(),
		readCommand: DefaultReadCommand,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every check against target. It never returns an error: a
// check that cannot observe its property fails, one whose precondition is
// unmet is skipped.
func (r *Runner) Run(ctx context.Context, target Target) Report {
	log := r.log.With("vmName", target.Identity.Name)
	device := target.Device
	if device == "" {
		device = qubesdb.DefaultDevicePath
	}

	var hs hostState
	hs.state, hs.err = r.hv.State(ctx, target.Identity.Name)
	if hs.err == nil && hs.state == vmm.StateRunning {
		addr, err := r.hv.GuestAddress(ctx, target.Identity.Name)
		if err != nil {
			log.Warn("guest address lookup failed", "error", err.Error())
		}
		hs.address = addr
	}

	report := Report{VM: target.Identity.Name, Address: hs.address}
	report.add(r.checkDomainRunning(target, hs))
	report.add(r.checkChannelEndpoint(target, hs))

	guestChecks := []string{CheckHypervisorSignature, CheckXenVersion, CheckChannelDevice, CheckQubesDBCache}
	if hs.address == "" {
		for _, name := range guestChecks {
			report.add(skip(name, "no guest address known"))
		}
		log.Info("verification finished", "passed", report.Passed, "failed", report.Failed, "skipped", report.Skipped)
		return report
	}

	guest, err := r.dialGuest(ctx, hs.address)
	if err != nil {
		log.Warn("cannot reach guest", "address", hs.address, "error", err.Error())
		for _, name := range guestChecks {
			report.add(fail(name, "reaching guest at %s: %v", hs.address, err))
		}
		log.Info("verification finished", "passed", report.Passed, "failed", report.Failed, "skipped", report.Skipped)
		return report
	}

	report.add(r.checkHypervisorSignature(ctx, guest))
	report.add(r.checkXenVersion(ctx, guest, target.Xen))
	report.add(r.checkChannelDevice(ctx, guest, device))
	report.add(r.checkQubesDBCache(ctx, guest, target.Expected))

	log.Info("verification finished", "passed", report.Passed, "failed", report.Failed, "skipped", report.Skipped)
	return report
}

func (r *Runner) dialGuest(ctx context.Context, address string) (ssh.Runner, error) {
	if r.dial == nil {
		return nil, errNoDialer
	}
	return r.dial(ctx, address)
}
