package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/emen/internal/query"
	"github.com/mesh-intelligence/emen/pkg/types"
)

func newQueryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "query <text>...",
		Short: "Run a text query",
		Long: "Run a free-text query such as \"@person $age > 25\" or\n" +
			"\"histogram $age by @*\". Arguments are joined with spaces.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(e *env, s *types.Session) error {
				res, err := query.New(e.db, e.log).Query(strings.Join(args, " "), s)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), res, func(w io.Writer) { printResult(w, res) })
			})
		},
	}
}

func printResult(w io.Writer, res *query.Result) {
	words := make([]string, len(res.Tokens))
	for i, tok := range res.Tokens {
		words[i] = tok.String()
	}
	fmt.Fprintf(w, "%s: %s\n", res.Command, strings.Join(words, " "))
	fmt.Fprintf(w, "%d records: %s\n", len(res.IDs), joinIDs(res.IDs))
	for _, g := range res.Groups {
		fmt.Fprintf(w, "  %s (%d): %s\n", g.Key, len(g.IDs), joinIDs(g.IDs))
	}
	if p := res.Plot; p != nil {
		fmt.Fprintf(w, "plot %s vs %s, x [%g, %g], y [%g, %g]\n", p.Y, p.X, p.Bounds.XMin, p.Bounds.XMax, p.Bounds.YMin, p.Bounds.YMax)
		for _, series := range p.Series {
			fmt.Fprintf(w, "  %s: %d points\n", seriesName(series.Group), len(series.Points))
		}
	}
	if h := res.Histogram; h != nil {
		fmt.Fprintf(w, "histogram %s by %s\n", h.Field, h.Mode)
		for _, series := range h.Series {
			fmt.Fprintf(w, "  %s\n", seriesName(series.Group))
			for i, n := range series.Counts {
				if n > 0 {
					fmt.Fprintf(w, "    %-20s %d\n", h.Bins[i].Label, n)
				}
			}
		}
	}
}

func seriesName(group string) string {
	if group == "" {
		return "all"
	}
	return group
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, " ")
}
