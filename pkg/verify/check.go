package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alexandremahdhaoui/qubeskvm/internal/util/ssh"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/qubesdb"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/vmm"
)

// Check names, in the order they run.
const (
	CheckDomainRunning       = "domain-running"
	CheckChannelEndpoint     = "channel-endpoint"
	CheckHypervisorSignature = "hypervisor-signature"
	CheckXenVersion          = "xen-version"
	CheckChannelDevice       = "channel-device"
	CheckQubesDBCache        = "qubesdb-cache"
)

const (
	hypervisorTypePath  = "/sys/hypervisor/type"
	hypervisorMajorPath = "/sys/hypervisor/version/major"
	hypervisorMinorPath = "/sys/hypervisor/version/minor"

	// DefaultReadCommand dumps the guest cache as a JSON object.
	DefaultReadCommand = "qubesdb-read json"
)

// Outcome is the result of a single check.
type Outcome string

const (
	Pass Outcome = "pass"
	Fail Outcome = "fail"
	Skip Outcome = "skip"
)

// Result is the outcome of one check with a human readable detail.
type Result struct {
	Check   string  `json:"check"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
}

func pass(check, format string, args ...any) Result {
	return Result{Check: check, Outcome: Pass, Detail: fmt.Sprintf(format, args...)}
}

func fail(check, format string, args ...any) Result {
	return Result{Check: check, Outcome: Fail, Detail: fmt.Sprintf(format, args...)}
}

func skip(check, format string, args ...any) Result {
	return Result{Check: check, Outcome: Skip, Detail: fmt.Sprintf(format, args...)}
}

// hostState is what the host checks and the guest check gating share.
type hostState struct {
	state   vmm.State
	err     error
	address string
}

func (r *Runner) checkDomainRunning(target Target, hs hostState) Result {
	switch {
	case hs.err != nil:
		return fail(CheckDomainRunning, "querying state: %v", hs.err)
	case hs.state != vmm.StateRunning:
		return fail(CheckDomainRunning, "domain %s is %s", target.Identity.Name, hs.state)
	default:
		return pass(CheckDomainRunning, "domain %s is running", target.Identity.Name)
	}
}

// checkChannelEndpoint looks for the host side of the QubesDB channel. The
// endpoint only exists while the VM runs.
func (r *Runner) checkChannelEndpoint(target Target, hs hostState) Result {
	if hs.state != vmm.StateRunning {
		return skip(CheckChannelEndpoint, "domain is not running")
	}

	path := target.Identity.ChannelPath
	info, err := r.fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fail(CheckChannelEndpoint, "%s does not exist", path)
	}
	if err != nil {
		return fail(CheckChannelEndpoint, "stat %s: %v", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fail(CheckChannelEndpoint, "%s is not a socket (mode %s)", path, info.Mode())
	}
	return pass(CheckChannelEndpoint, "%s", path)
}

func (r *Runner) checkHypervisorSignature(ctx context.Context, guest ssh.Runner) Result {
	out, code, err := guest.Run(ctx, "cat", hypervisorTypePath)
	if res, ok := commandFailed(CheckHypervisorSignature, out, code, err); !ok {
		return res
	}
	if got := strings.TrimSpace(out); got != "xen" {
		return fail(CheckHypervisorSignature, "%s is %q, want \"xen\"", hypervisorTypePath, got)
	}
	return pass(CheckHypervisorSignature, "guest detects xen")
}

func (r *Runner) checkXenVersion(ctx context.Context, guest ssh.Runner, want vmm.XenProfile) Result {
	out, code, err := guest.Run(ctx, "cat", hypervisorMajorPath, hypervisorMinorPath)
	if res, ok := commandFailed(CheckXenVersion, out, code, err); !ok {
		return res
	}

	fields := strings.Fields(out)
	if len(fields) != 2 {
		return fail(CheckXenVersion, "unexpected version output %q", out)
	}
	got := fields[0] + "." + fields[1]
	if got != want.Version {
		return fail(CheckXenVersion, "guest reports xen %s, want %s", got, want.Version)
	}
	return pass(CheckXenVersion, "xen %s", got)
}

func (r *Runner) checkChannelDevice(ctx context.Context, guest ssh.Runner, device string) Result {
	_, code, err := guest.Run(ctx, "test", "-e", device)
	switch {
	case err != nil:
		return fail(CheckChannelDevice, "running command: %v", err)
	case code != 0:
		return fail(CheckChannelDevice, "%s does not exist", device)
	default:
		return pass(CheckChannelDevice, "%s", device)
	}
}

// checkQubesDBCache compares the guest cache with the entries the host
// published. Extra guest entries are fine.
func (r *Runner) checkQubesDBCache(ctx context.Context, guest ssh.Runner, expected qubesdb.Entries) Result {
	if len(expected) == 0 {
		return skip(CheckQubesDBCache, "no expected entries")
	}

	out, code, err := guest.Run(ctx, strings.Fields(r.readCommand)...)
	if res, ok := commandFailed(CheckQubesDBCache, out, code, err); !ok {
		return res
	}

	var cached qubesdb.Entries
	if err := cached.UnmarshalJSON([]byte(out)); err != nil {
		return fail(CheckQubesDBCache, "parsing cache dump: %v", err)
	}

	var problems []string
	for _, e := range expected {
		got, ok := cached.Get(e.Key)
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("%s missing", e.Key))
		case got != e.Value:
			problems = append(problems, fmt.Sprintf("%s=%q want %q", e.Key, got, e.Value))
		}
	}
	if len(problems) > 0 {
		return fail(CheckQubesDBCache, "%s", strings.Join(problems, ", "))
	}
	return pass(CheckQubesDBCache, "%d entries match", len(expected))
}

// commandFailed turns a transport error or a non-zero exit into a failed
// Result. ok is true when the command succeeded.
func commandFailed(check, out string, code int, err error) (Result, bool) {
	if err != nil {
		return fail(check, "running command: %v", err), false
	}
	if code != 0 {
		return fail(check, "command exited %d: %s", code, strings.TrimSpace(out)), false
	}
	return Result{}, true
}
