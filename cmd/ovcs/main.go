package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ouroborosvcs "github.com/i5heu/ouroboros-vcs"
	"github.com/i5heu/ouroboros-vcs/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	defaultRepoDir = ".ovcs"
	configFileName = "config.yaml"
	keyFileName    = "ovcs.key"
)

type globalOptions struct {
	repo    string
	config  string
	verbose bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "ovcs",
		Short:         "Content-addressed versioned file store with branch sync",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.repo, "repo", defaultRepoDir, "repository directory")
	root.PersistentFlags().StringVar(&opts.config, "config", "", "config file (default <repo>/config.yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newInitCmd(opts),
		newPutCmd(opts),
		newCatCmd(opts),
		newRmCmd(opts),
		newLsCmd(opts),
		newCommitCmd(opts),
		newLogCmd(opts),
		newDiffCmd(opts),
		newStatusCmd(opts),
		newServeCmd(opts),
		newPullCmd(opts),
		newPushCmd(opts),
		newSyncCmd(opts),
		newValidateCmd(opts),
		newPruneCmd(opts),
		newStatsCmd(opts),
	)
	return root
}

func (o *globalOptions) configPath() string {
	if o.config != "" {
		return o.config
	}
	return filepath.Join(o.repo, configFileName)
}

func (o *globalOptions) logger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	if o.verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// loadConfig reads the repository config and the key file next to it.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath())
	if err != nil {
		return nil, err
	}
	if len(cfg.Paths) == 0 {
		cfg.Paths = []string{o.repo}
	}
	cfg.Logger = o.logger()

	keyFile := filepath.Join(o.repo, keyFileName)
	if cfg.EncryptionKey == "" {
		raw, err := os.ReadFile(keyFile)
		switch {
		case err == nil:
			cfg.EncryptionKey = strings.TrimSpace(string(raw))
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read key file %s: %w", keyFile, err)
		}
	}
	return cfg, nil
}

func (o *globalOptions) open() (*ouroborosvcs.Repository, error) {
	if _, err := os.Stat(o.repo); err != nil {
		return nil, fmt.Errorf("no repository at %s (run ovcs init): %w", o.repo, err)
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return ouroborosvcs.Open(cfg)
}

func withRepo(o *globalOptions, fn func(cmd *cobra.Command, args []string, r *ouroborosvcs.Repository) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		r, err := o.open()
		if err != nil {
			return err
		}
		defer r.Close()
		if o.verbose {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			r.StartTransactionCounter(ctx, time.Second)
		}
		return fn(cmd, args, r)
	}
}

func newInitCmd(o *globalOptions) *cobra.Command {
	var (
		encrypt bool
		backend string
		branch  string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(o.repo, 0o755); err != nil {
				return fmt.Errorf("failed to create repository directory: %w", err)
			}
			path := o.configPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("repository already initialized at %s", o.repo)
			}

			data, err := yaml.Marshal(map[string]any{
				"backend": backend,
				"branch":  branch,
			})
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			if encrypt {
				material := make([]byte, 48)
				if _, err := rand.Read(material); err != nil {
					return err
				}
				keyFile := filepath.Join(o.repo, keyFileName)
				if err := os.WriteFile(keyFile, []byte(hex.EncodeToString(material)+"\n"), 0o600); err != nil {
					return fmt.Errorf("failed to save key to %s: %w", keyFile, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Created new encryption key and saved to %s\n", keyFile)
			}

			r, err := o.open()
			if err != nil {
				return err
			}
			defer r.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized repository at %s (branch %s)\n", o.repo, r.Branch())
			return nil
		},
	}
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "encrypt chunks with a new random key")
	cmd.Flags().StringVar(&backend, "backend", config.BackendBadger, "chunk store backend (badger or leveldb)")
	cmd.Flags().StringVar(&branch, "branch", config.DefaultBranch, "branch name")
	return cmd
}
