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

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/mcproxy/internal/commands/shared"
	"github.com/tombee/mcproxy/internal/lifecycle"
)

// NewStopCommand creates the stop command.
func NewStopCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running proxy",
		Long: `Stop the proxy recorded in the pid file.

Sends SIGTERM and waits for the proxy to drain and exit. If the timeout
is exceeded, sends SIGKILL.

stop is idempotent: if no proxy is running it removes any stale pid
file and exits successfully.`,
		Example: `  # Stop gracefully
  mcproxy stop

  # Allow longer for in-flight calls to finish
  mcproxy stop --timeout 60s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd.Context(), cmd.OutOrStdout(), timeout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Graceful shutdown timeout before SIGKILL")

	return cmd
}

func runStop(ctx context.Context, w io.Writer, timeout time.Duration) error {
	pidFile := lifecycle.NewPIDFile(shared.PIDPath())

	pid, err := pidFile.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(w, "Proxy is not running (no pid file)")
			return nil
		}
		if !errors.Is(err, lifecycle.ErrInvalidPID) {
			return err
		}
	}

	if _, ok := pidFile.Running(); !ok {
		removed, err := pidFile.RemoveStale()
		if err != nil {
			return err
		}
		if removed {
			fmt.Fprintf(w, "Proxy is not running (removed stale pid file for %d)\n", pid)
		} else {
			fmt.Fprintln(w, "Proxy is not running")
		}
		return nil
	}

	fmt.Fprintf(w, "Stopping proxy (pid %d)...\n", pid)
	start := time.Now()
	killed, err := lifecycle.Stop(ctx, pid, timeout)
	if err != nil && !errors.Is(err, lifecycle.ErrProcessNotRunning) {
		return fmt.Errorf("failed to stop proxy: %w", err)
	}

	// A killed proxy cannot clean up after itself.
	if _, err := pidFile.RemoveStale(); err != nil {
		fmt.Fprintln(os.Stderr, shared.RenderWarn(fmt.Sprintf("failed to remove pid file: %v", err)))
	}

	if killed {
		fmt.Fprintln(w, shared.RenderWarn(fmt.Sprintf("Proxy did not exit within %s and was killed", timeout)))
		return nil
	}
	fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("Proxy stopped (%s)", time.Since(start).Round(time.Millisecond))))
	return nil
}
