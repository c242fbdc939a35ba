// Copyright 2025 Tom Barlow
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

/*
Package lifecycle manages the proxy process from the outside: the pid file
that marks a running instance, detached start, and signalled stop.

# PID File

The pid file is created with O_EXCL and held under flock for the life of
the process. A file left behind by a crashed instance is detected and
replaced:

	pf := lifecycle.NewPIDFile(".mcproxy/mcproxy.pid")
	if err := pf.Acquire(os.Getpid()); err != nil {
	    var running *lifecycle.AlreadyRunningError
	    if errors.As(err, &running) {
	        // another proxy owns the workspace
	    }
	}
	defer pf.Release()

# Stopping

Stop sends SIGTERM, waits, then escalates to SIGKILL:

	killed, err := lifecycle.Stop(ctx, pid, 15*time.Second)

# Detached Start

Spawn re-executes a binary in its own session with output appended to a
log file. WaitHealthy polls the proxy's /health endpoint until it answers.
*/
package lifecycle
