package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/alexandremahdhaoui/qubeskvm/pkg/qubesdb"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/resources"
)

func (a *app) publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish NAME [KEY=VALUE ...]",
		Short: "Send QubesDB entries to a running VM over its channel",
		Long: `Entries are taken from the arguments and from KEY=VALUE lines on stdin when
stdin is not a terminal. When none are given the default AppVM entries are
sent. The channel socket is the one derived from NAME.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.identity(args[0])
			if err != nil {
				return err
			}

			entries, err := parseEntries(args[1:])
			if err != nil {
				return err
			}
			fromStdin, err := readEntries(a.stdin)
			if err != nil {
				return err
			}
			for _, e := range fromStdin {
				entries = entries.Set(e.Key, e.Value)
			}

			if len(entries) == 0 {
				alloc, err := a.plan()
				if err != nil {
					return err
				}
				entries = a.defaultEntries(id.Name, alloc)
				a.log.Info("using default QubesDB entries", "vmName", id.Name)
			}

			pub := qubesdb.NewPublisher(qubesdb.WithPublisherLogger(a.log))
			if err := pub.Publish(cmd.Context(), id.ChannelPath, entries); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Injected %d entries via %s\n", len(entries), id.ChannelPath)
			return nil
		},
	}
}

func (a *app) defaultEntries(name string, alloc resources.Allocation) qubesdb.Entries {
	return qubesdb.DefaultEntries(qubesdb.VMInfo{
		Name:     name,
		MemoryMB: alloc.MemoryMB,
		VCPUs:    alloc.Cores,
	})
}

// parseEntries parses KEY=VALUE arguments. Later keys override earlier ones.
func parseEntries(args []string) (qubesdb.Entries, error) {
	var entries qubesdb.Entries
	for _, arg := range args {
		e, err := qubesdb.ParseEntry(arg)
		if err != nil {
			return nil, err
		}
		entries = entries.Set(e.Key, e.Value)
	}
	return entries, nil
}

// readEntries reads KEY=VALUE lines from r unless r is a terminal. Lines
// without "=" are ignored.
func readEntries(r io.Reader) (qubesdb.Entries, error) {
	if r == nil {
		return nil, nil
	}
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return nil, nil
	}

	var entries qubesdb.Entries
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.Contains(line, "=") {
			continue
		}
		e, err := qubesdb.ParseEntry(line)
		if err != nil {
			continue
		}
		entries = entries.Set(e.Key, e.Value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading entries from stdin: %w", err)
	}
	return entries, nil
}
