package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	ouroborosvcs "github.com/i5heu/ouroboros-vcs"
	"github.com/i5heu/ouroboros-vcs/pkg/config"
	"github.com/sirupsen/logrus"
)

func main() {
	path := flag.String("path", "", "path to the repository directory")
	branch := flag.String("branch", "", "branch to inspect (default from config)")
	showEntries := flag.Bool("show-entries", false, "print branch log entries")
	limit := flag.Int("limit", 20, "max number of entries to print, newest first (0 = unlimited)")
	flag.Parse()

	if *path == "" {
		log.Fatal("-path is required")
	}

	cfgFile := filepath.Join(*path, "config.yaml")
	if _, err := os.Stat(cfgFile); err != nil {
		cfgFile = ""
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.Paths = []string{*path}
	if *branch != "" {
		cfg.Branch = *branch
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.ErrorLevel)
	cfg.Logger = logger

	repo, err := ouroborosvcs.Open(cfg)
	if err != nil {
		log.Fatalf("failed to open repository at %s: %v", *path, err)
	}
	defer repo.Close()

	st, err := repo.Stats(context.Background())
	if err != nil {
		log.Fatalf("failed to collect stats: %v", err)
	}
	fmt.Printf("Repository path: %s\n", *path)
	fmt.Print(ouroborosvcs.FormatStats(st))

	if !*showEntries {
		return
	}
	entries, err := repo.BranchLog().Entries()
	if err != nil {
		log.Fatalf("failed to read branch log: %v", err)
	}
	n := len(entries)
	if *limit > 0 && n > *limit {
		n = *limit
		fmt.Printf("Listing newest %d of %d entries:\n", n, len(entries))
	} else {
		fmt.Printf("Listing %d entries:\n", n)
	}
	if n == 0 {
		fmt.Println("  (no entries)")
	}
	for i := len(entries) - 1; i >= len(entries)-n; i-- {
		e := entries[i]
		fmt.Printf("  rev %-4d %s chunks=%d %s\n", e.Rev, e.ID.Short(), len(e.Chunks), e.Message)
	}
}
