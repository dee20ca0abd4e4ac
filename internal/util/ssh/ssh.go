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

package ssh

import "context"

// Runner executes a command on a remote host. A command that ran and exited
// non-zero is reported through exitCode, not err; err means the command could
// not be run at all.
type Runner interface {
	Run(ctx context.Context, cmd ...string) (stdout string, exitCode int, err error)
}
