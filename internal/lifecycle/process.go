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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

// ProcessName is matched against a process command line to confirm it is
// a proxy before signalling it.
const ProcessName = "mcproxy"

var (
	// ErrProcessNotRunning is returned when the process does not exist.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrNotProxyProcess is returned when the pid belongs to something else.
	ErrNotProxyProcess = errors.New("process is not an mcproxy instance")
)

const pollInterval = 100 * time.Millisecond

// IsRunning reports whether a process with pid exists.
func IsRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; signal 0 tests existence.
	return proc.Signal(syscall.Signal(0)) == nil
}

// IsProxyProcess reports whether pid runs the proxy binary. This keeps a
// stale pid file from directing signals at an unrelated process.
func IsProxyProcess(pid int) bool {
	cmd, err := commandLine(pid)
	if err != nil {
		return false
	}
	return strings.Contains(cmd, ProcessName)
}

// Signal sends sig to pid.
func Signal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("failed to send %v to process %d: %w", sig, pid, err)
	}
	return nil
}

// WaitForExit polls until pid is gone or ctx is done.
func WaitForExit(ctx context.Context, pid int) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if !IsRunning(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop sends SIGTERM and waits up to timeout for pid to exit, then sends
// SIGKILL. killed reports whether escalation was needed.
func Stop(ctx context.Context, pid int, timeout time.Duration) (killed bool, err error) {
	if !IsRunning(pid) {
		return false, ErrProcessNotRunning
	}
	if err := Signal(pid, syscall.SIGTERM); err != nil {
		return false, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	err = WaitForExit(waitCtx, pid)
	cancel()
	if err == nil {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if err := Signal(pid, syscall.SIGKILL); err != nil {
		if !IsRunning(pid) {
			return false, nil
		}
		return false, err
	}
	killCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := WaitForExit(killCtx, pid); err != nil {
		return true, fmt.Errorf("process %d survived SIGKILL: %w", pid, err)
	}
	return true, nil
}
