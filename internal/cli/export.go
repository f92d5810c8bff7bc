package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/vigilant/internal/ledger"
	"github.com/mbd888/vigilant/internal/mcpserver"
)

func newExportCmd() *cobra.Command {
	var (
		apiURL  string
		apiKey  string
		out     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the threat ledger from a running agent",
		Long: `Download the threat ledger from a running agent, verify it locally,
and write it to a file (or stdout). The export is written even when it fails
verification so it can be inspected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := mcpserver.NewAgentClient(mcpserver.Config{APIURL: apiURL, APIKey: apiKey})
			raw, err := client.Ledger(ctx)
			if err != nil {
				return fmt.Errorf("fetch ledger: %w", err)
			}

			chain, err := ledger.Decode(bytes.NewReader(raw))
			if err != nil {
				return err
			}

			if out == "" || out == "-" {
				if _, err := cmd.OutOrStdout().Write(raw); err != nil {
					return err
				}
			} else {
				if err := os.WriteFile(out, raw, 0o600); err != nil {
					return fmt.Errorf("write ledger: %w", err)
				}
				printInfo(cmd, "wrote %d blocks to %s", len(chain), out)
			}

			v := ledger.Verify(chain)
			if !v.Valid {
				printError(cmd, "exported ledger is broken at block %d (%s)", v.FirstBrokenAt, v.Reason)
				return fmt.Errorf("%w at block %d", ErrChainBroken, v.FirstBrokenAt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "url", "http://localhost:8787", "agent base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("VIGILANT_API_KEY"), "bearer token for a proxy in front of the agent")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}
