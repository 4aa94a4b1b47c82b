package main

import (
	"fmt"
	"os/signal"
	"syscall"

	ouroborosvcs "github.com/i5heu/ouroboros-vcs"
	"github.com/i5heu/ouroboros-vcs/internal/client"
	"github.com/i5heu/ouroboros-vcs/internal/server"
	"github.com/i5heu/ouroboros-vcs/pkg/config"
	"github.com/spf13/cobra"
)

func newRemote(addr, branch string) *client.Remote {
	return client.NewRemote(&client.TCPPipe{Addr: addr}, branch)
}

type remoteFlags struct {
	addr   string
	branch string
}

func (f *remoteFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "remote", "", "sync server address host:port")
	cmd.Flags().StringVar(&f.branch, "branch", "", "remote branch (default: the repository branch)")
	_ = cmd.MarkFlagRequired("remote")
}

func (f *remoteFlags) remote(r *ouroborosvcs.Repository) *client.Remote {
	branch := f.branch
	if branch == "" {
		branch = r.Branch()
	}
	return client.NewRemote(&client.TCPPipe{Addr: f.addr}, branch, client.WithLogger(r.Logger()))
}

func newServeCmd(o *globalOptions) *cobra.Command {
	var (
		configFile string
		listen     string
		dataDir    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(configFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			cfg.Logger = o.logger()
			srv, err := server.New(cfg)
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&configFile, "server-config", "", "server config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default :7448)")
	cmd.Flags().StringVar(&dataDir, "data", "", "data directory")
	return cmd
}

func newPullCmd(o *globalOptions) *cobra.Command {
	var rf remoteFlags
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Fetch the remote tip and merge it",
		Args:  cobra.NoArgs,
		RunE: withRepo(o, func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Check(); err != nil {
				return err
			}
			res, err := client.Pull(cmd.Context(), r, rf.remote(r), client.PullOptions{BatchSize: cfg.BatchSize})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d chunks fetched)\n", res.State, res.Fetched)
			return nil
		}),
	}
	rf.bind(cmd)
	return cmd
}

func newPushCmd(o *globalOptions) *cobra.Command {
	var rf remoteFlags
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload local commits to the remote branch",
		Args:  cobra.NoArgs,
		RunE: withRepo(o, func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error {
			res, err := client.Push(cmd.Context(), r, rf.remote(r))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d commits, %d of %d chunks uploaded)\n",
				res.Status, res.Commits, res.Transferred, res.Offered)
			if res.Status == client.PushPullRequired {
				return fmt.Errorf("remote has changes you do not have, pull first")
			}
			return nil
		}),
	}
	rf.bind(cmd)
	return cmd
}

func newSyncCmd(o *globalOptions) *cobra.Command {
	var rf remoteFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push, pulling and merging on conflicts until the remote accepts",
		Args:  cobra.NoArgs,
		RunE: withRepo(o, func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Check(); err != nil {
				return err
			}
			res, err := client.Sync(cmd.Context(), r, rf.remote(r), cfg.SyncRetries, client.PullOptions{BatchSize: cfg.BatchSize})
			if err != nil {
				return err
			}
			if res.Attempts == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "cloned, %s\n", res.Pulls[0].State)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced after %d attempts, %d pulls, push %s\n",
				res.Attempts, len(res.Pulls), res.Push.Status)
			return nil
		}),
	}
	rf.bind(cmd)
	return cmd
}
