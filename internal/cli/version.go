package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Version is the emen release. Release builds override it with -ldflags -X.
var Version = "0.1.0"

const modulePath = "github.com/mesh-intelligence/emen"

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the emen version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := struct {
				Version string `json:"version"`
				Module  string `json:"module"`
			}{Version, modulePath}
			return a.print(cmd.OutOrStdout(), v, func(w io.Writer) {
				fmt.Fprintf(w, "emen v%s\nmodule: %s\n", Version, modulePath)
			})
		},
	}
}
