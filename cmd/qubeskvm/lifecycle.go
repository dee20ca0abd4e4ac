package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/alexandremahdhaoui/qubeskvm/pkg/vmm"
)

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func (a *app) planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the CPU and memory allocation a new VM would get",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			alloc, err := a.plan()
			if err != nil {
				return err
			}
			return writeJSON(a.stdout, alloc)
		},
	}
}

func (a *app) renderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render NAME",
		Short: "Print the libvirt domain XML of a VM without defining it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.identity(args[0])
			if err != nil {
				return err
			}
			alloc, err := a.plan()
			if err != nil {
				return err
			}

			opts := vmm.RenderOptions{
				Xen:                a.cfg.Xen,
				Firmware:           a.cfg.Firmware,
				Network:            a.cfg.Network,
				ProvisioningFormat: a.cfg.Provisioning.Format,
				QEMUBinary:         a.cfg.QEMUBinary,
			}
			// create builds the image unless provisioning is disabled, and
			// attaches whatever image then exists
			image := id.ProvisioningImage(a.cfg.Provisioning.Format)
			if !a.cfg.Provisioning.Disabled {
				opts.ProvisioningImage = image
			} else if _, err := os.Stat(image); err == nil {
				opts.ProvisioningImage = image
			}

			def, err := vmm.Render(id, alloc, opts)
			if err != nil {
				return err
			}
			xml, err := def.XML()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, xml)
			return err
		},
	}
}

func (a *app) createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create NAME",
		Short: "Create the disk and definition of a VM and start it",
		Long: `Create never overwrites an existing disk. A previous definition of the same
VM is replaced; a VM that is already running keeps running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.identity(args[0])
			if err != nil {
				return err
			}
			alloc, err := a.plan()
			if err != nil {
				return err
			}
			cfg, err := a.cfg.VMConfig(id, alloc)
			if err != nil {
				return err
			}

			return a.withController(func(_ vmm.Hypervisor, ctrl *vmm.Controller) error {
				def, err := ctrl.Create(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%s: %d cores, %d MiB, xen %s, channel %s\n",
					id.Name, def.Allocation.Cores, def.Allocation.MemoryMB, def.Xen.Version, id.ChannelPath)
				return nil
			})
		},
	}
}

// lifecycleCmd builds the single-VM verbs that only differ by the controller
// method they call.
func (a *app) lifecycleCmd(use, short string, op func(*vmm.Controller) func(*cobra.Command, vmm.Identity) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.identity(args[0])
			if err != nil {
				return err
			}
			return a.withController(func(_ vmm.Hypervisor, ctrl *vmm.Controller) error {
				if err := op(ctrl)(cmd, id); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%s: %s\n", id.Name, use)
				return nil
			})
		},
	}
}

func (a *app) startCmd() *cobra.Command {
	return a.lifecycleCmd("start", "Start a defined VM", func(c *vmm.Controller) func(*cobra.Command, vmm.Identity) error {
		return func(cmd *cobra.Command, id vmm.Identity) error { return c.Start(cmd.Context(), id) }
	})
}

func (a *app) stopCmd() *cobra.Command {
	return a.lifecycleCmd("stop", "Gracefully shut a VM down, waiting up to the stop timeout", func(c *vmm.Controller) func(*cobra.Command, vmm.Identity) error {
		return func(cmd *cobra.Command, id vmm.Identity) error { return c.Stop(cmd.Context(), id) }
	})
}

func (a *app) destroyCmd() *cobra.Command {
	return a.lifecycleCmd("destroy", "Force a VM off", func(c *vmm.Controller) func(*cobra.Command, vmm.Identity) error {
		return func(cmd *cobra.Command, id vmm.Identity) error { return c.Destroy(cmd.Context(), id) }
	})
}

func (a *app) deleteCmd() *cobra.Command {
	return a.lifecycleCmd("delete", "Remove a VM, its definition and every artifact", func(c *vmm.Controller) func(*cobra.Command, vmm.Identity) error {
		return func(cmd *cobra.Command, id vmm.Identity) error { return c.Delete(cmd.Context(), id) }
	})
}

func (a *app) statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status NAME",
		Short: "Show the lifecycle state, emulation mode and address of a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.identity(args[0])
			if err != nil {
				return err
			}
			return a.withController(func(_ vmm.Hypervisor, ctrl *vmm.Controller) error {
				st, err := ctrl.Status(cmd.Context(), id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(a.stdout, st)
				}
				return writeStatusText(a.stdout, st)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func writeStatusText(w io.Writer, st vmm.Status) error {
	address := st.Address
	if address == "" {
		address = "unknown"
	}
	if _, err := fmt.Fprintf(w, "VM:      %s\nState:   %s\nAddress: %s\nOwned:   %t\n",
		st.Name, st.State, address, st.Owned); err != nil {
		return err
	}
	if st.Mode == nil {
		return nil
	}
	xen := st.Mode.XenVersion
	if xen == "" {
		xen = "none"
	}
	_, err := fmt.Fprintf(w, "CPU:     %s %v, %d vCPUs, %d MiB\nXen:     %s\n",
		st.Mode.CPUMode, st.Mode.CPUFlags, st.Mode.VCPUs, st.Mode.MemoryMB, xen)
	return err
}
