package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/mbd888/vigilant/internal/scoring"
)

type scoreResult struct {
	Filename string `json:"filename"`
	scoring.Breakdown
	Block          bool `json:"block"`
	FallbackCancel bool `json:"fallbackCancel"`
}

func newScoreCmd() *cobra.Command {
	var (
		asJSON   bool
		referrer string
	)
	cmd := &cobra.Command{
		Use:   "score <filename>...",
		Short: "Score download filenames",
		Long:  `Run the download-risk heuristics on one or more filenames without a running agent.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]scoreResult, 0, len(args))
			for _, name := range args {
				b := scoring.Explain(name, referrer)
				results = append(results, scoreResult{
					Filename:       name,
					Breakdown:      b,
					Block:          scoring.ShouldBlock(b.Score),
					FallbackCancel: scoring.FallbackCancel(b.Score),
				})
			}
			if asJSON {
				return printJSON(cmd, results)
			}
			for _, r := range results {
				action := "allow"
				if r.Block {
					action = "block"
				}
				printInfo(cmd, "%-40s %.2f  %-5s %s", r.Filename, r.Score, action, signals(r.Breakdown))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	cmd.Flags().StringVar(&referrer, "referrer", "", "page the download came from")
	return cmd
}

func signals(b scoring.Breakdown) string {
	var s []string
	if b.DangerousExt {
		s = append(s, "ext:"+b.Extension)
	}
	if b.DoubleExt {
		s = append(s, "double-ext")
	}
	if b.HighEntropy {
		s = append(s, "entropy")
	}
	if b.Brand != "" {
		s = append(s, "brand:"+b.Brand)
	}
	if b.Disguise {
		s = append(s, "disguise")
	}
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ",")
}
