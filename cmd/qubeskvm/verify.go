package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexandremahdhaoui/qubeskvm/internal/util/ssh"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/execcontext"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/qubesdb"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/verify"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/vmm"
)

var errNoSSHKey = errors.New("ssh.privateKeyPath is not configured")

func (a *app) verifyCmd() *cobra.Command {
	var (
		asJSON  bool
		expect  []string
		sshWait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "verify NAME",
		Short: "Check that a VM runs with Xen emulation and received its QubesDB entries",
		Long: `verify runs a fixed checklist against the VM: domain running, channel
endpoint present, guest sees a xen hypervisor of the configured version, guest
channel device present and guest cache holding the expected entries. Guest
checks are skipped while the VM has no known address.

The exit status is the number of failed checks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.identity(args[0])
			if err != nil {
				return err
			}
			profile, err := a.cfg.Xen.Resolve()
			if err != nil {
				return err
			}

			expected, err := parseEntries(expect)
			if err != nil {
				return err
			}
			if len(expected) == 0 {
				alloc, err := a.plan()
				if err != nil {
					return err
				}
				expected = a.defaultEntries(id.Name, alloc)
			}

			target := verify.Target{
				Identity: id,
				Xen:      profile,
				Expected: expected,
				Device:   qubesdb.DefaultDevicePath,
			}

			var report verify.Report
			err = a.withController(func(hv vmm.Hypervisor, _ *vmm.Controller) error {
				runner := verify.NewRunner(hv, a.sshDialer(sshWait), verify.WithLogger(a.log))
				report = runner.Run(cmd.Context(), target)
				return nil
			})
			if err != nil {
				return err
			}

			if asJSON {
				err = report.WriteJSON(a.stdout)
			} else {
				err = report.WriteText(a.stdout)
			}
			if err != nil {
				return err
			}

			if !report.OK() {
				return &exitError{code: report.ExitCode()}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().StringArrayVar(&expect, "expect", nil, "KEY=VALUE the guest cache must hold (default: the default AppVM entries)")
	cmd.Flags().DurationVar(&sshWait, "ssh-wait", 30*time.Second, "how long to wait for the guest SSH server")
	return cmd
}

func (a *app) sshDialer(wait time.Duration) verify.Dialer {
	return func(ctx context.Context, address string) (ssh.Runner, error) {
		if a.cfg.SSH.PrivateKeyPath == "" {
			return nil, errNoSSHKey
		}
		client, err := ssh.NewClient(address, a.cfg.SSH.User, a.cfg.SSH.PrivateKeyPath, a.cfg.SSH.Port)
		if err != nil {
			return nil, err
		}
		if a.cfg.SSH.Sudo {
			client.Exec = execcontext.Sudo()
		}
		if wait > 0 {
			if err := client.AwaitServer(ctx, wait); err != nil {
				return nil, err
			}
		}
		return client, nil
	}
}
