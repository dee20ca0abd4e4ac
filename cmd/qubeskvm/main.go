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

// Command qubeskvm runs Qubes-style VMs on KVM with Xen emulation. It plans
// resources, renders and drives libvirt domains, publishes QubesDB entries
// to the guest and verifies the result.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/alexandremahdhaoui/qubeskvm/internal/util/logging"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/network"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/resources"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/vmm"
)

// exitError carries a specific process exit code, e.g. the number of failed
// verification checks.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newApp(os.Stdin, os.Stdout, os.Stderr).run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code.
func (a *app) run(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)

	// Failed commands are counted too, and cobra skips post-run hooks on error.
	if flushErr := a.flushMetrics(); flushErr != nil {
		if err == nil {
			err = flushErr
		} else {
			a.log.Warn("metrics not written", "error", flushErr.Error())
		}
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// app is the state shared by every command of one invocation.
type app struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	configPath      string
	metricsTextfile string
	devMode         bool

	cfg     *Config
	log     *slog.Logger
	logr    logr.Logger
	metrics *vmm.Metrics

	// replaced in tests
	newHypervisor func(uri string) (vmm.Hypervisor, error)
	hostTotals    func() (resources.Host, error)
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		newHypervisor: func(uri string) (vmm.Hypervisor, error) {
			return vmm.NewLibvirtHypervisor(uri)
		},
		hostTotals: resources.HostTotals,
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "qubeskvm",
		Short: "Run Qubes-style VMs on KVM with Xen emulation",
		Long: `qubeskvm plans, defines and drives libvirt VMs that present a Xen
hypervisor signature to the guest, publishes QubesDB configuration over a
virtio channel and verifies the guest sees both.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file, YAML or JSON (env "+ConfigPathEnvKey+")")
	root.PersistentFlags().StringVar(&a.metricsTextfile, "metrics-textfile", "", "write lifecycle metrics to this node-exporter textfile")
	root.PersistentFlags().BoolVar(&a.devMode, "dev", false, "human-readable debug logging")

	root.AddCommand(
		a.planCmd(),
		a.renderCmd(),
		a.createCmd(),
		a.startCmd(),
		a.stopCmd(),
		a.destroyCmd(),
		a.deleteCmd(),
		a.statusCmd(),
		a.publishCmd(),
		a.verifyCmd(),
	)
	return root
}

func (a *app) setup(*cobra.Command, []string) error {
	path := a.configPath
	if path == "" {
		path = os.Getenv(ConfigPathEnvKey)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logOpts := logging.DefaultOptions()
	logOpts.Output = a.stderr
	if a.devMode || cfg.DevelopmentMode {
		logOpts.Development = true
		logOpts.Level = slog.LevelDebug
	}
	a.log, a.logr = logging.Setup(logOpts)

	if a.metricsTextfile == "" {
		a.metricsTextfile = cfg.MetricsTextfile
	}
	a.metrics = vmm.NewMetrics()
	return nil
}

func (a *app) flushMetrics() error {
	if a.metricsTextfile == "" || a.metrics == nil {
		return nil
	}
	if err := a.metrics.WriteTextfile(a.metricsTextfile); err != nil {
		return fmt.Errorf("writing metrics textfile %s: %w", a.metricsTextfile, err)
	}
	return nil
}

func (a *app) identity(name string) (vmm.Identity, error) {
	return vmm.NewIdentity(a.cfg.BaseDir, name)
}

func (a *app) plan() (resources.Allocation, error) {
	host, err := a.hostTotals()
	if err != nil {
		return resources.Allocation{}, err
	}
	alloc, err := a.cfg.Plan(host)
	if err != nil {
		return resources.Allocation{}, err
	}
	if alloc.Overcommitted() {
		a.log.Warn("guest allocation exceeds host capacity",
			"cores", alloc.Cores, "hostCores", alloc.HostCores,
			"memoryMB", alloc.MemoryMB, "hostMemoryMB", alloc.HostMemoryMB)
	}
	return alloc, nil
}

// withController connects to the hypervisor for the duration of fn.
func (a *app) withController(fn func(hv vmm.Hypervisor, ctrl *vmm.Controller) error) error {
	hv, err := a.newHypervisor(a.cfg.LibvirtURI)
	if err != nil {
		return err
	}
	defer func() {
		if err := hv.Close(); err != nil {
			a.log.Debug("failed to close hypervisor connection", "error", err.Error())
		}
	}()

	opts := []vmm.ControllerOption{
		vmm.WithLogger(a.logr.WithName("lifecycle")),
		vmm.WithMetrics(a.metrics),
		vmm.WithStopTimeout(a.cfg.stopTimeout(), vmm.DefaultPollInterval),
	}
	if a.cfg.CheckNetwork {
		opts = append(opts, vmm.WithNetworkEnsurer(a.networkEnsurer(hv)))
	}

	return fn(hv, vmm.NewController(hv, opts...))
}

func (a *app) networkEnsurer(hv vmm.Hypervisor) *network.Ensurer {
	lv, ok := hv.(*vmm.LibvirtHypervisor)
	if !ok {
		return network.NewEnsurer(nil)
	}
	return network.NewEnsurer(network.NewLibvirtNetworkManager(lv.GetConnection()))
}
