package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/emen/pkg/types"
)

func newRecordCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Create, read and link records",
	}
	cmd.AddCommand(newRecordGetCmd(a), newRecordNewCmd(a), newRecordSetCmd(a), newRecordLinkCmd(a))
	return cmd
}

func newRecordGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>...",
		Short: "Print records by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return a.withSession(cmd, func(e *env, s *types.Session) error {
				recs := make([]*types.Record, 0, len(ids))
				for _, id := range ids {
					rec, err := e.db.GetRecord(id, s)
					if err != nil {
						return err
					}
					recs = append(recs, rec)
				}
				return a.print(cmd.OutOrStdout(), recs, func(w io.Writer) {
					for _, rec := range recs {
						printRecord(w, rec)
					}
				})
			})
		},
	}
}

func newRecordNewCmd(a *app) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "new <rectype> [field=value]...",
		Short: "Create a record",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			return a.withSession(cmd, func(e *env, s *types.Session) error {
				rec, err := e.db.NewRecord(args[0], s, true)
				if err != nil {
					return err
				}
				return a.commit(cmd, e, s, rec, values, comment)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment added to the record")
	return cmd
}

func newRecordSetCmd(a *app) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "set <id> [field=value]...",
		Short: "Update fields of a record; an empty value clears the field",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args[:1])
			if err != nil {
				return err
			}
			values, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			return a.withSession(cmd, func(e *env, s *types.Session) error {
				rec, err := e.db.GetRecord(ids[0], s)
				if err != nil {
					return err
				}
				return a.commit(cmd, e, s, rec, values, comment)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment added to the record")
	return cmd
}

// commit applies values and comment to rec, stores it and prints the
// stored version.
func (a *app) commit(cmd *cobra.Command, e *env, s *types.Session, rec *types.Record, values map[string]any, comment string) error {
	for k, v := range values {
		if err := rec.Set(k, v); err != nil {
			return err
		}
	}
	if comment != "" {
		if err := rec.AddComment(comment); err != nil {
			return err
		}
	}
	stored, err := e.db.PutRecord(rec, s)
	if err != nil {
		return err
	}
	return a.print(cmd.OutOrStdout(), stored, func(w io.Writer) { printRecord(w, stored) })
}

func newRecordLinkCmd(a *app) *cobra.Command {
	var (
		label          string
		cousin, unlink bool
	)
	cmd := &cobra.Command{
		Use:   "link <parent> <child>",
		Short: "Link two records",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return a.withSession(cmd, func(e *env, s *types.Session) error {
				switch {
				case cousin && unlink:
					return e.db.UnlinkRecordCousins(ids[0], ids[1], s)
				case cousin:
					return e.db.LinkRecordCousins(ids[0], ids[1], s)
				case unlink:
					return e.db.UnlinkRecords(ids[0], ids[1], s)
				default:
					return e.db.LinkRecords(ids[0], ids[1], label, s)
				}
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "link label")
	cmd.Flags().BoolVar(&cousin, "cousin", false, "link as cousins instead of parent and child")
	cmd.Flags().BoolVar(&unlink, "unlink", false, "remove the link")
	return cmd
}

func printRecord(w io.Writer, rec *types.Record) {
	fmt.Fprintf(w, "record %d (%s) owner %s, modified %s by %s\n",
		rec.ID, rec.RecType, rec.Owner, rec.ModifyTime.Format("2006-01-02 15:04:05"), rec.ModifyUser)
	for _, name := range rec.ParamNames() {
		v, _ := rec.Get(name)
		fmt.Fprintf(w, "  %-20s %v\n", name, v)
	}
	for _, c := range rec.Comments {
		fmt.Fprintf(w, "  # %s %s: %s\n", c.Time.Format("2006-01-02 15:04"), c.Author, c.Text)
	}
}

func parseIDs(args []string) ([]uint64, error) {
	ids := make([]uint64, len(args))
	for i, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("%w: invalid record id %q", errUsage, arg)
		}
		ids[i] = id
	}
	return ids, nil
}

// parseAssignments turns field=value arguments into raw values for the
// database to normalize. A bracketed value such as [1,2] becomes a list.
func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: expected field=value, got %q", errUsage, arg)
		}
		if inner, ok := strings.CutPrefix(v, "["); ok && strings.HasSuffix(inner, "]") {
			parts := strings.Split(strings.TrimSuffix(inner, "]"), ",")
			list := make([]any, len(parts))
			for i, p := range parts {
				list[i] = strings.TrimSpace(p)
			}
			out[k] = list
			continue
		}
		out[k] = v
	}
	return out, nil
}
