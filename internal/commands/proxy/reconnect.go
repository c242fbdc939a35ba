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
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tombee/mcproxy/internal/commands/shared"
)

// NewReconnectCommand creates the reconnect command.
func NewReconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect <upstream>",
		Short: "Force an upstream to reconnect",
		Long: `Ask a running proxy to drop and re-establish one upstream connection.

The reconnect happens in the background; use 'mcproxy status' to watch
the upstream return to healthy.`,
		Example: `  mcproxy reconnect github`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconnect(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func runReconnect(ctx context.Context, w io.Writer, name string) error {
	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	if err := client.Reconnect(ctx, name); err != nil {
		return err
	}
	fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("Reconnecting %s", name)))
	return nil
}
