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
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/mcproxy/internal/commands/shared"
	"github.com/tombee/mcproxy/internal/jq"
	"github.com/tombee/mcproxy/internal/proxy/frontend"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	var (
		asJSON bool
		filter string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show upstream health and the tool count",
		Long: `Query a running proxy for its upstreams and tool catalog.

--json prints the raw status document. --jq applies a jq expression to
it and prints each result as JSON.`,
		Example: `  # Human readable summary
  mcproxy status

  # Names of unhealthy upstreams
  mcproxy status --jq '.upstreams[] | select(.state != "healthy") | .name'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), statusOptions{
				json:   asJSON,
				filter: filter,
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status document as JSON")
	cmd.Flags().StringVar(&filter, "jq", "", "Filter the status document with a jq expression")

	return cmd
}

type statusOptions struct {
	json   bool
	filter string
}

func runStatus(ctx context.Context, w io.Writer, opts statusOptions) error {
	client, err := newClient(ctx)
	if err != nil {
		return err
	}

	if opts.json || opts.filter != "" {
		raw, err := client.StatusRaw(ctx)
		if err != nil {
			return err
		}
		if opts.filter == "" {
			var doc any
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("invalid status response: %w", err)
			}
			return shared.EmitJSON(w, doc)
		}
		return printFiltered(ctx, w, raw, opts.filter)
	}

	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	printStatus(w, st)
	return nil
}

func printFiltered(ctx context.Context, w io.Writer, raw []byte, expr string) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid status response: %w", err)
	}
	doc, err := jq.Normalize(doc)
	if err != nil {
		return err
	}
	results, err := jq.Filter(ctx, expr, doc)
	if err != nil {
		return err
	}
	for _, r := range results {
		if s, ok := r.(string); ok {
			fmt.Fprintln(w, s)
			continue
		}
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(b))
	}
	return nil
}

func printStatus(w io.Writer, st frontend.Status) {
	fmt.Fprintf(w, "%s %s\n", shared.RenderLabel("Listen:"), st.Listen)
	fmt.Fprintf(w, "%s %s\n", shared.RenderLabel("Transport:"), st.Transport)
	fmt.Fprintf(w, "%s %s\n", shared.RenderLabel("Version:"), st.Version)
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(w, "%s %s\n", shared.RenderLabel("Uptime:"), time.Since(st.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(w, "%s %d\n", shared.RenderLabel("Connections:"), st.Connections)
	fmt.Fprintf(w, "%s %d\n", shared.RenderLabel("Tools:"), st.Tools)
	fmt.Fprintln(w)

	if len(st.Upstreams) == 0 {
		fmt.Fprintln(w, shared.Muted.Render("No upstreams configured"))
		return
	}

	fmt.Fprintln(w, shared.Header.Render(fmt.Sprintf("Upstreams (%d/%d healthy)", st.Healthy(), len(st.Upstreams))))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTRANSPORT\tPRIORITY\tTOOLS\tSTATE\tLAST ERROR")
	for _, u := range st.Upstreams {
		lastErr := u.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			u.Name, u.Transport, u.Priority, u.Tools, shared.RenderState(u.State, u.Degraded), lastErr)
	}
	tw.Flush()
}
