package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/vigilant/internal/ledger"
)

// ErrChainBroken is returned when a verified ledger fails its integrity check.
var ErrChainBroken = errors.New("threat ledger failed verification")

func newVerifyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "verify <chain.json>",
		Short: "Verify an exported threat ledger",
		Long: `Recompute every block hash and back-link in an exported ledger.
Use "-" to read the ledger from stdin. Exits non-zero when the chain is broken.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, err := readChain(cmd, args[0])
			if err != nil {
				return err
			}
			return reportVerification(cmd, ledger.Verify(chain), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the verification as JSON")
	return cmd
}

func readChain(cmd *cobra.Command, path string) ([]ledger.Block, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		defer f.Close()
		r = f
	}
	return ledger.Decode(r)
}

func reportVerification(cmd *cobra.Command, v ledger.Verification, asJSON bool) error {
	if asJSON {
		if err := printJSON(cmd, v); err != nil {
			return err
		}
	} else if v.Valid {
		printInfo(cmd, "OK: %d blocks, chain intact", v.Length)
	} else {
		printInfo(cmd, "BROKEN: block %d of %d (%s)", v.FirstBrokenAt, v.Length, v.Reason)
	}
	if !v.Valid {
		return fmt.Errorf("%w at block %d", ErrChainBroken, v.FirstBrokenAt)
	}
	return nil
}
