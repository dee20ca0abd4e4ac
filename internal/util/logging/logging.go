// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides shared logging utilities for the qubeskvm binaries.
// It uses log/slog as the standard library logger and a zap-backed logr.Logger
// for the packages that take one.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables development mode logging (more verbose, human-readable).
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level

	// Output receives every log line. Defaults to os.Stderr so that command
	// output on stdout stays machine-readable.
	Output io.Writer
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Development: false,
		Level:       slog.LevelInfo,
		Output:      os.Stderr,
	}
}

// Setup configures both the standard library slog logger and the logr logger.
// This must be called early in main() before using any logging.
//
// It:
//  1. Sets up a slog handler as the default logger (JSON, or text in
//     development mode)
//  2. Builds a zap logr.Logger writing to the same output and registers it
//     with controller-runtime
func Setup(opts Options) (*slog.Logger, logr.Logger) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	if opts.Development {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{
			Level: opts.Level,
		})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: opts.Level,
		})
	}
	slogger := slog.New(handler)
	slog.SetDefault(slogger)

	zapOpts := zap.Options{
		Development: opts.Development,
	}
	logger := zap.New(zap.UseFlagOptions(&zapOpts), zap.WriteTo(out))
	ctrl.SetLogger(logger)

	return slogger, logger
}
