package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahsync/ahsync/internal/ingest"
	"github.com/ahsync/ahsync/internal/types"
	"github.com/ahsync/ahsync/internal/ui"
)

var scanCmd = &cobra.Command{
	Use:     "scan",
	GroupID: "sync",
	Short:   "Fetch fresh snapshots for the selected realms",
	Long: `Fetch raw auction scans for the selected realms and store them.

scan.source is either a directory of raw dumps laid out as
<region>/<realm>.json, or an http(s) base URL serving the same layout.
Realms that fail to fetch are reported and do not stop the others.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, err := selectionFrom(cmd)
		if err != nil {
			return err
		}
		if err := sel.Validate(); err != nil {
			return usageError("%v", err)
		}
		if cfg.Scan.Source == "" {
			return usageError("scan.source is not set")
		}
		version, err := cfg.GameVersion()
		if err != nil {
			return usageError("%v", err)
		}

		var provider ingest.Provider
		if strings.HasPrefix(cfg.Scan.Source, "http://") || strings.HasPrefix(cfg.Scan.Source, "https://") {
			provider = ingest.NewHTTPProvider(ingest.HTTPOptions{
				BaseURL: cfg.Scan.Source,
				Token:   cfg.Scan.Token,
				Proxy:   cfg.Scan.Proxy,
			})
		} else {
			provider = ingest.DirProvider{Root: cfg.Scan.Source}
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		scanCfg := ingest.DefaultConfig()
		if cfg.Scan.Concurrency > 0 {
			scanCfg.Concurrency = cfg.Scan.Concurrency
		}
		if cfg.Scan.Rate > 0 {
			scanCfg.Rate = cfg.Scan.Rate
		}
		scanCfg.GameVersion = version
		scanCfg.Logger = logger

		keys := sel.Keys()
		fmt.Printf("%s Scanning %d realms from %s...\n", ui.RenderAccent("→"), len(keys), cfg.Scan.Source)
		start := time.Now()

		res, err := ingest.NewScanner(provider, st, scanCfg).Scan(cmd.Context(), keys)
		if err != nil {
			return failure("scan", err)
		}

		fmt.Printf("%s Stored %d realms in %v\n", ui.RenderPass("✓"), len(res.Stored), time.Since(start).Round(time.Millisecond))
		if len(res.Failed) == 0 {
			return nil
		}
		failed := make([]types.Key, 0, len(res.Failed))
		for k := range res.Failed {
			failed = append(failed, k)
		}
		types.SortKeys(failed)
		for _, k := range failed {
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderWarn("⚠"), k, res.Failed[k])
		}
		return failure("scan", fmt.Errorf("%d of %d realms failed", len(failed), len(keys)))
	},
}

func init() {
	addSelectionFlags(scanCmd)
	rootCmd.AddCommand(scanCmd)
}
