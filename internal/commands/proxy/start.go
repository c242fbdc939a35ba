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
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/mcproxy/internal/commands/shared"
	"github.com/tombee/mcproxy/internal/config"
	"github.com/tombee/mcproxy/internal/lifecycle"
	proxysvc "github.com/tombee/mcproxy/internal/proxy"
)

// NewStartCommand creates the start command.
func NewStartCommand() *cobra.Command {
	var (
		detach  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the proxy",
		Long: `Run the proxy until interrupted.

start refuses to run when another proxy owns the pid file or when
mcp.proxy.enable is false. In the foreground it runs until SIGINT or
SIGTERM, then drains in-flight calls and disconnects every upstream.

With --detach the proxy is started in the background, its output is
appended to mcproxy.log next to the config file, and start returns once
the /health endpoint answers.`,
		Example: `  # Run in the foreground
  mcproxy start

  # Run in the background
  mcproxy start --detach

  # Use a specific config
  mcproxy start --config ./proxy.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), cmd.OutOrStdout(), startOptions{
				detach:  detach,
				timeout: timeout,
			})
		},
	}

	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Run in the background")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long --detach waits for the proxy to become healthy")

	return cmd
}

type startOptions struct {
	detach  bool
	timeout time.Duration
}

func runStart(ctx context.Context, w io.Writer, opts startOptions) error {
	pidFile := lifecycle.NewPIDFile(shared.PIDPath())
	if pid, ok := pidFile.Running(); ok {
		return &lifecycle.AlreadyRunningError{PID: pid, Path: pidFile.Path()}
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if !cfg.Proxy().Enable {
		return shared.NewConfigError(
			fmt.Sprintf("proxy is disabled in %s (set mcp.proxy.enable = true)", shared.GetConfigPath()), nil)
	}

	if opts.detach {
		return startDetached(ctx, w, cfg, opts.timeout)
	}
	return runForeground(ctx, cfg, pidFile)
}

func runForeground(ctx context.Context, cfg *config.File, pidFile *lifecycle.PIDFile) error {
	if err := pidFile.Acquire(os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if err := pidFile.Release(); err != nil {
			slog.Warn("failed to remove pid file", "path", pidFile.Path(), "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	version, _, _ := shared.GetVersion()
	p, err := proxysvc.New(ctx, cfg, proxysvc.Options{
		Version:    version,
		ConfigPath: shared.GetConfigPath(),
		Logger:     slog.Default(),
	})
	if err != nil {
		return err
	}
	return p.Run(ctx)
}

func startDetached(ctx context.Context, w io.Writer, cfg *config.File, timeout time.Duration) error {
	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	args := []string{"start", "--config", shared.GetConfigPath()}
	if shared.GetVerbose() {
		args = append(args, "--verbose")
	}
	logPath := shared.LogPath()
	pid, err := lifecycle.Spawn(binary, args, nil, logPath)
	if err != nil {
		return err
	}

	client, err := shared.NewClient(cfg.Proxy())
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wait := lifecycle.NewHealthWait(client.HealthURL())
	if _, err := wait.Wait(waitCtx, func() bool { return lifecycle.IsRunning(pid) }); err != nil {
		if errors.Is(err, lifecycle.ErrNotHealthy) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("proxy (pid %d) did not become healthy, see %s: %w", pid, logPath, err)
		}
		return err
	}

	fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("Proxy started (pid %d) on %s", pid, shared.BaseURL(cfg.Proxy()))))
	return nil
}
