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

// Package verify runs a fixed checklist against one VM and tallies the
// outcome.
//
// Host checks go through the vmm.Hypervisor and the host filesystem. Guest
// checks run commands inside the VM through an ssh.Runner obtained from a
// Dialer. Each check yields exactly one Outcome:
//
//   - pass: the property holds
//   - fail: the property does not hold, or could not be observed
//   - skip: a precondition of the check itself is unmet, e.g. the guest has
//     no known address yet
//
// A Report fails iff at least one check failed. Skipped checks never fail a
// report. Report.ExitCode is the number of failed checks.
package verify
