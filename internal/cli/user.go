package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/emen/pkg/types"
)

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}
	cmd.AddCommand(
		newUserAddCmd(a),
		newUserQueueCmd(a),
		newUserApproveCmd(a),
		newUserStateCmd(a, "disable", "Disable an account and end its sessions"),
		newUserStateCmd(a, "enable", "Re-enable a disabled account"),
	)
	return cmd
}

func newUserAddCmd(a *app) *cobra.Command {
	var password, email string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Request an account; an admin approves it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			if err := e.db.NewUser(args[0], password, email, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s queued for approval\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "new-password", "", "password of the new account")
	cmd.Flags().StringVar(&email, "email", "", "contact address")
	_ = cmd.MarkFlagRequired("new-password")
	return cmd
}

func newUserQueueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List accounts waiting for approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(e *env, s *types.Session) error {
				names, err := e.db.QueuedUsers(s)
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

func newUserApproveCmd(a *app) *cobra.Command {
	var groups []int
	cmd := &cobra.Command{
		Use:   "approve <name>",
		Short: "Approve a queued account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(e *env, s *types.Session) error {
				if err := e.db.ApproveUser(args[0], groups, s); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "account %s approved\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().IntSliceVar(&groups, "groups", []int{types.GroupCreate}, "groups of the account")
	return cmd
}

func newUserStateCmd(a *app, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(e *env, s *types.Session) error {
				var err error
				if verb == "disable" {
					err = e.db.DisableUser(args[0], s)
				} else {
					err = e.db.EnableUser(args[0], s)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "account %s %sd\n", args[0], verb)
				return nil
			})
		},
	}
}
