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

// Package execcontext describes how a command line is wrapped before it is
// sent to a remote shell: exported environment variables and a prefix such
// as sudo.
package execcontext

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// Empty runs commands as they are.
func Empty() Context {
	return New(nil, nil)
}

// Sudo prefixes commands with non-interactive sudo.
func Sudo() Context {
	return New(nil, []string{"sudo", "-n"})
}

type context struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// FormatCmd renders cmd as a single shell line. Every word is quoted except
// shell operators, and environment variables come first in key order so the
// same input always yields the same line.
func FormatCmd(ctx Context, cmd ...string) string {
	var sb strings.Builder

	envs := ctx.Envs()
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		fmt.Fprintf(&sb, "%s=%q ", k, envs[k])
	}

	for _, s := range ctx.PrependCmd() {
		appendWord(&sb, s)
	}

	for _, s := range cmd {
		appendWord(&sb, s)
	}

	return strings.TrimSpace(sb.String())
}

var unquotable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"|":  {},
	"&":  {},
	">":  {},
	"2>": {},
}

func appendWord(sb *strings.Builder, s string) {
	if _, ok := unquotable[s]; ok {
		fmt.Fprintf(sb, "%s ", s)
		return
	}
	fmt.Fprintf(sb, "%q ", s)
}
