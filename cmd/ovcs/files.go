package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	ouroborosvcs "github.com/i5heu/ouroboros-vcs"
	"github.com/spf13/cobra"
)

// A CLI process holds no working tree between runs, so every editing
// command commits right away.

func newPutCmd(o *globalOptions) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "put <repo-path> <file>",
		Short: "Store a local file at a repository path and commit",
		Args:  cobra.ExactArgs(2),
		RunE: withRepo(o, func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error {
			content, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read file %s: %w", args[1], err)
			}
			if err := r.WriteFile(cmd.Context(), args[0], content); err != nil {
				return err
			}
			if message == "" {
				message = "put " + args[0]
			}
			return commitAndPrint(cmd, r, message)
		}),
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	return cmd
}

func newRmCmd(o *globalOptions) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "rm <repo-path>...",
		Short: "Remove files or directories and commit",
		Args:  cobra.MinimumNArgs(1),
		RunE: withRepo(o, func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error {
			for _, p := range args {
				if err := r.Remove(cmd.Context(), p); err != nil {
					return err
				}
			}
			if message == "" {
				message = "rm " + strings.Join(args, " ")
			}
			return commitAndPrint(cmd, r, message)
		}),
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	return cmd
}

// commit takes several repo-path=file pairs as one commit.
func newCommitCmd(o *globalOptions) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "commit -m <message> <repo-path>=<file>...",
		Short: "Store several files in a single commit",
		Args:  cobra.MinimumNArgs(1),
		RunE: withRepo(o, func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error {
			if message == "" {
				return fmt.Errorf("a commit message is required")
			}
			for _, arg := range args {
				repoPath, local, ok := strings.Cut(arg, "=")
				if !ok || repoPath == "" || local == "" {
					return fmt.Errorf("expected <repo-path>=<file>, got %q", arg)
				}
				content, err := os.ReadFile(local)
				if err != nil {
					return fmt.Errorf("failed to read file %s: %w", local, err)
				}
				if err := r.WriteFile(cmd.Context(), repoPath, content); err != nil {
					return err
				}
			}
			return commitAndPrint(cmd, r, message)
		}),
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	return cmd
}

func commitAndPrint(cmd *cobra.Command, r *ouroborosvcs.Repository, message string) error {
	c, err := r.Commit(cmd.Context(), message)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), c.Ref.Encode())
	return nil
}

func newCatCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <repo-path>",
		Short: "Write a file's content to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: withRepo(o, func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error {
			data, err := r.ReadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}),
	}
}

func newLsCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [dir]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: withRepo(o, func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			entries, err := r.List(cmd.Context(), dir)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tSIZE\tNAME\tHASH")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Kind, e.Size, e.Name, e.Ref.DataHash.Short())
			}
			fmt.Fprintf(w, "Entries: %d\n", len(entries))
			return w.Flush()
		}),
	}
}
