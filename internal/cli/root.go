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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/mcproxy/internal/commands/proxy"
	"github.com/tombee/mcproxy/internal/commands/shared"
	versioncmd "github.com/tombee/mcproxy/internal/commands/version"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcproxy",
		Short: "mcproxy - aggregate MCP servers behind one endpoint",
		Long: `mcproxy presents many MCP tool servers to agents as a single server.

It connects to stdio, HTTP and SSE upstreams, merges their tool catalogs,
routes each call to a healthy upstream by priority, and applies rate
limits and redacted audit logging on the way.

Run 'mcproxy init' to write a starter configuration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			shared.SetupLogging()
		},
	}

	verbose, configPath := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(configPath, "config", "", "Path to config file (default: .mcproxy/proxy.toml)")

	cmd.AddCommand(
		proxy.NewInitCommand(),
		proxy.NewStartCommand(),
		proxy.NewStopCommand(),
		proxy.NewStatusCommand(),
		proxy.NewReconnectCommand(),
		proxy.NewHashKeyCommand(),
		versioncmd.NewVersionCommand(),
	)
	return cmd
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
