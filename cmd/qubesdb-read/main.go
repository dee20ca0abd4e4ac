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

// Command qubesdb-read runs inside the guest. It reads the QubesDB frame the
// host publishes on the virtio channel, caches it, and serves the cached
// entries to other guest tooling.
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
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/alexandremahdhaoui/qubeskvm/internal/util/logging"
	"github.com/alexandremahdhaoui/qubeskvm/pkg/qubesdb"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newApp(afero.NewOsFs(), os.Stdout, os.Stderr).run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

type app struct {
	fs             afero.Fs
	stdout, stderr io.Writer

	device   string
	cacheDir string
	timeout  time.Duration
	devMode  bool

	log *slog.Logger

	// replaced in tests
	readerOpts []qubesdb.ReaderOption
}

func newApp(fs afero.Fs, stdout, stderr io.Writer) *app {
	return &app{fs: fs, stdout: stdout, stderr: stderr}
}

func (a *app) run(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	fetch := a.fetchCmd()

	root := &cobra.Command{
		Use:   "qubesdb-read",
		Short: "Read QubesDB configuration pushed by the host",
		Long: `Without a subcommand, qubesdb-read fetches a fresh frame from the channel
device and caches it. When no complete frame arrives in time the previous
cache is kept.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logOpts := logging.DefaultOptions()
			logOpts.Development = true
			logOpts.Level = slog.LevelWarn
			logOpts.Output = a.stderr
			if a.devMode {
				logOpts.Level = slog.LevelDebug
			}
			a.log, _ = logging.Setup(logOpts)
		},
		RunE: fetch.RunE,
	}

	root.PersistentFlags().StringVar(&a.device, "device", qubesdb.DefaultDevicePath, "virtio channel device")
	root.PersistentFlags().StringVar(&a.cacheDir, "cache-dir", qubesdb.DefaultCacheDir, "cache directory")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", qubesdb.DefaultTimeout, "how long to wait for the device, then for a frame")
	root.PersistentFlags().BoolVar(&a.devMode, "debug", false, "debug logging")

	root.AddCommand(fetch, a.getCmd(), a.listCmd(), a.jsonCmd())
	return root
}

func (a *app) cache() *qubesdb.Cache {
	return qubesdb.NewCache(a.fs, a.cacheDir)
}

func (a *app) fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Read a frame from the channel and cache it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := append([]qubesdb.ReaderOption{
				qubesdb.WithDevice(a.device),
				qubesdb.WithReaderLogger(a.log),
			}, a.readerOpts...)
			reader := qubesdb.NewReader(a.fs, a.cache(), opts...)

			res, err := reader.FetchAndCache(cmd.Context(), a.timeout)
			if errors.Is(err, qubesdb.ErrNoConfiguration) {
				fmt.Fprintln(a.stderr, "WARNING: No QubesDB configuration available")
				return nil
			}
			if err != nil {
				return err
			}

			switch res.Source {
			case qubesdb.SourceChannel:
				fmt.Fprintf(a.stderr, "QubesDB: %d entries loaded\n", res.Count)
				for _, e := range res.Entries {
					fmt.Fprintf(a.stderr, "  %s = %s\n", e.Key, e.Value)
				}
			case qubesdb.SourceCache:
				fmt.Fprintf(a.stderr, "No new data; using %d cached entries\n", res.Count)
			}
			return nil
		},
	}
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the cached value of KEY; exit 1 when it is missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			v, err := a.cache().Get(args[0])
			if errors.Is(err, qubesdb.ErrKeyNotFound) {
				return fmt.Errorf("key not found: %s", args[0])
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, v)
			return err
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every cached entry as \"key = value\"",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			entries, err := a.cache().List()
			if err != nil {
				return err
			}
			for _, e := range entries {
				if _, err := fmt.Fprintf(a.stdout, "%s = %s\n", e.Key, e.Value); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (a *app) jsonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "json",
		Short: "Print the cached entries as a JSON object",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			data, err := a.cache().AsStructured()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, string(data))
			return err
		},
	}
}
