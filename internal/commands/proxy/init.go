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
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tombee/mcproxy/internal/commands/shared"
	"github.com/tombee/mcproxy/internal/config"
)

// NewInitCommand creates the init command.
func NewInitCommand() *cobra.Command {
	var (
		force       bool
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter proxy configuration",
		Long: `Write a starter configuration to the config path.

The file disables the proxy until you add upstreams and set
mcp.proxy.enable = true. Use --interactive to choose the listener port,
agent-facing transport and enable flag up front.`,
		Example: `  # Write .mcproxy/proxy.toml with defaults
  mcproxy init

  # Choose settings interactively
  mcproxy init --interactive

  # Overwrite an existing file
  mcproxy init --force --config ./proxy.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.OutOrStdout(), initOptions{
				force:       force,
				interactive: interactive,
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Prompt for listener settings")

	return cmd
}

type initOptions struct {
	force       bool
	interactive bool
}

func runInit(w io.Writer, opts initOptions) error {
	path := shared.GetConfigPath()

	if _, err := os.Stat(path); err == nil && !opts.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check config file: %w", err)
	}

	cfg := config.Default()
	if opts.interactive {
		if shared.IsNonInteractive() {
			return fmt.Errorf("--interactive needs a terminal")
		}
		if err := promptSettings(cfg.Proxy()); err != nil {
			return err
		}
	}

	if err := cfg.Validate(); err != nil {
		return shared.NewConfigError("generated config is invalid", err)
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}

	fmt.Fprintln(w, shared.RenderOK("Wrote "+path))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Next steps:")
	fmt.Fprintln(w, "  1. Add upstreams under [[mcp.proxy.upstreams]]")
	if !cfg.Proxy().Enable {
		fmt.Fprintln(w, "  2. Set mcp.proxy.enable = true")
		fmt.Fprintln(w, "  3. Run 'mcproxy start'")
	} else {
		fmt.Fprintln(w, "  2. Run 'mcproxy start'")
	}
	return nil
}

func promptSettings(p *config.ProxyConfig) error {
	port := strconv.Itoa(p.Port)
	transport := p.Transport
	enable := p.Enable

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listener port").
				Value(&port).
				Validate(validatePort),
			huh.NewSelect[config.FrontendTransport]().
				Title("Agent transport").
				Options(
					huh.NewOption("SSE (event stream plus message endpoint)", config.FrontendSSE),
					huh.NewOption("Streamable HTTP (one POST per message)", config.FrontendHTTP),
				).
				Value(&transport),
			huh.NewConfirm().
				Title("Enable the proxy now?").
				Description("start refuses to run while the proxy is disabled").
				Value(&enable),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	p.Port, _ = strconv.Atoi(port)
	p.Transport = transport
	p.Enable = enable
	return nil
}

func validatePort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return errors.New("enter a port between 1 and 65535")
	}
	return nil
}
