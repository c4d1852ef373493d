package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/emen/internal/database"
	"github.com/mesh-intelligence/emen/pkg/types"
)

func newParamDefCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paramdef",
		Short: "Manage field definitions",
	}
	cmd.AddCommand(newParamDefAddCmd(a), newParamDefListCmd(a), newSchemaLinkCmd(a, database.KindParamDef))
	return cmd
}

func newParamDefAddCmd(a *app) *cobra.Command {
	var (
		pd        types.ParamDef
		choices   []string
		unindexed bool
	)
	cmd := &cobra.Command{
		Use:   "add <name> <vartype>",
		Short: "Define a field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pd.Name, pd.VarType = args[0], args[1]
			pd.Indexed = !unindexed
			pd.Choices = choices
			return a.withSession(cmd, func(e *env, s *types.Session) error {
				if err := e.db.AddParamDef(&pd, s); err != nil {
					return err
				}
				stored, err := e.db.GetParamDef(pd.Name)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), stored, func(w io.Writer) {
					fmt.Fprintf(w, "paramdef %s (%s) added\n", stored.Name, stored.VarType)
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&pd.Property, "property", "", "physical property, e.g. length or mass")
	f.StringVar(&pd.DefaultUnits, "units", "", "default units of the property")
	f.StringVar(&pd.Desc, "desc", "", "short description")
	f.StringSliceVar(&choices, "choices", nil, "allowed or suggested values")
	f.BoolVar(&unindexed, "unindexed", false, "do not maintain a secondary index")
	return cmd
}

func newParamDefListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List field definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			names, err := e.db.GetParamDefNames()
			if err != nil {
				return err
			}
			defs := make([]*types.ParamDef, 0, len(names))
			for _, name := range names {
				pd, err := e.db.GetParamDef(name)
				if err != nil {
					return err
				}
				defs = append(defs, pd)
			}
			return a.print(cmd.OutOrStdout(), defs, func(w io.Writer) {
				for _, pd := range defs {
					units := ""
					if pd.DefaultUnits != "" {
						units = " [" + pd.DefaultUnits + "]"
					}
					fmt.Fprintf(w, "%-20s %s%s\n", pd.Name, pd.VarType, units)
				}
			})
		},
	}
}

func newRecordDefCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recorddef",
		Short: "Manage record types",
	}
	cmd.AddCommand(newRecordDefAddCmd(a), newRecordDefListCmd(a), newSchemaLinkCmd(a, database.KindRecordDef))
	return cmd
}

func newRecordDefAddCmd(a *app) *cobra.Command {
	var (
		rd     types.RecordDef
		groups []int
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Define a record type",
		Long: "Define a record type. The main view is a template whose $$field\n" +
			"placeholders name the fields records of this type carry.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rd.Name = args[0]
			rd.Groups = groups
			return a.withSession(cmd, func(e *env, s *types.Session) error {
				if err := e.db.AddRecordDef(&rd, s); err != nil {
					return err
				}
				stored, err := e.db.GetRecordDef(rd.Name, s)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), stored, func(w io.Writer) {
					fmt.Fprintf(w, "recorddef %s added with fields: %s\n", stored.Name, strings.Join(stored.ParamNames(), ", "))
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&rd.MainView, "mainview", "", "main view template, e.g. \"$$name is $$age\"")
	f.StringVar(&rd.Desc, "desc", "", "short description")
	f.BoolVar(&rd.Private, "private", false, "hide the type from users outside its groups")
	f.IntSliceVar(&groups, "groups", nil, "groups that may see a private type")
	return cmd
}

func newRecordDefListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the record types visible to the user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(e *env, s *types.Session) error {
				names, err := e.db.GetRecordDefNames(s)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), names, func(w io.Writer) {
					for _, name := range names {
						fmt.Fprintln(w, name)
					}
				})
			})
		},
	}
}

// newSchemaLinkCmd links two definitions of kind as parent and child, or
// as cousins with --cousin.
func newSchemaLinkCmd(a *app, kind database.SchemaKind) *cobra.Command {
	var cousin, unlink bool
	cmd := &cobra.Command{
		Use:   "link <parent> <child>",
		Short: fmt.Sprintf("Link two %ss", kind),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(e *env, s *types.Session) error {
				var err error
				switch {
				case cousin && unlink:
					err = e.db.UnlinkSchemaCousins(kind, args[0], args[1], s)
				case cousin:
					err = e.db.LinkSchemaCousins(kind, args[0], args[1], s)
				case unlink:
					err = e.db.UnlinkSchema(kind, args[0], args[1], s)
				default:
					err = e.db.LinkSchema(kind, args[0], args[1], s)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&cousin, "cousin", false, "link as cousins instead of parent and child")
	cmd.Flags().BoolVar(&unlink, "unlink", false, "remove the link")
	return cmd
}
