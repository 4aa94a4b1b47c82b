package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	ouroborosvcs "github.com/i5heu/ouroboros-vcs"
	"github.com/i5heu/ouroboros-vcs/internal/types"
	"github.com/spf13/cobra"
)

func newLogCmd(o *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show first-parent history of the branch",
		Args:  cobra.NoArgs,
		RunE: withRepo(o, func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error {
			commits, err := r.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "COMMIT\tPARENTS\tTIME\tMESSAGE")
			for _, c := range commits {
				ts := time.Unix(0, c.Box.Time).UTC().Format(time.RFC3339)
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", c.Ref.DataHash.Short(), len(c.Box.Parents), ts, c.Box.Message)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n commits (0 = all)")
	return cmd
}

func newDiffCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff [from-commit] [to-commit]",
		Short: "List changes between two commits (default: head against its parent)",
		Args:  cobra.RangeArgs(0, 2),
		RunE: withRepo(o, func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error {
			var from, to types.Ref
			switch len(args) {
			case 0:
				head, err := r.Head(cmd.Context())
				if err != nil {
					return err
				}
				if head == nil {
					return ouroborosvcs.ErrNoHistory
				}
				to = head.Ref
				if len(head.Box.Parents) > 0 {
					from = head.Box.Parents[0]
				}
			case 1, 2:
				var err error
				if from, err = types.ParseRef(args[0]); err != nil {
					return err
				}
				if len(args) == 2 {
					to, err = types.ParseRef(args[1])
				} else {
					to, _, err = r.HeadRef()
				}
				if err != nil {
					return err
				}
			}
			changes, err := r.Diff(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			for _, c := range changes {
				fmt.Fprintln(cmd.OutOrStdout(), c.String())
			}
			return nil
		}),
	}
}

func newStatusCmd(o *globalOptions) *cobra.Command {
	var remoteAddr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show branch head and, with --remote, how it relates to the remote tip",
		Args:  cobra.NoArgs,
		RunE: withRepo(o, func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error {
			out := cmd.OutOrStdout()
			tip, err := r.TipMessage()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Branch: %s\n", r.Branch())
			fmt.Fprintf(out, "Head:   %s\n", orNone(tip))
			if remoteAddr == "" {
				return nil
			}
			remoteTip, err := newRemote(remoteAddr, r.Branch()).GetRemoteTip(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Remote: %s\n", orNone(remoteTip))
			if remoteTip == tip {
				fmt.Fprintln(out, "Up to date with remote")
			} else {
				fmt.Fprintln(out, "Differs from remote, run sync")
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&remoteAddr, "remote", "", "sync server address")
	return cmd
}

func newValidateCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Verify every chunk and the history of every branch log entry",
		Args:  cobra.NoArgs,
		RunE: withRepo(o, func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error {
			results, err := r.ValidateAll(cmd.Context())
			if err != nil {
				return err
			}
			failed := 0
			for _, res := range results {
				if !res.Passed() {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s %s: %v\n", res.What, res.Key.Short(), res.Err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Validated %d items, %d failed\n", len(results), failed)
			if failed > 0 {
				return fmt.Errorf("%d items failed validation", failed)
			}
			return nil
		}),
	}
}

func newPruneCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete chunks no branch log entry references",
		Args:  cobra.NoArgs,
		RunE: withRepo(o, func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error {
			n, err := r.Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d chunks\n", n)
			return nil
		}),
	}
}

func newStatsCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show repository statistics",
		Args:  cobra.NoArgs,
		RunE: withRepo(o, func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error {
			st, err := r.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), ouroborosvcs.FormatStats(st))
			return nil
		}),
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
