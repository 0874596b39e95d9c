package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahsync/ahsync/internal/remotesync"
	"github.com/ahsync/ahsync/internal/ui"
)

var forkCmd = &cobra.Command{
	Use:     "fork [url]",
	GroupID: "sync",
	Short:   "Seed an empty store from a remote dataset",
	Long: `Clone the remote dataset and copy every snapshot into the local store.

The store must be empty. The URL defaults to remote.url; the proxy to
remote.proxy (http, https or socks5).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, proxy, err := remoteArgs(cmd, args)
		if err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		fmt.Printf("%s Forking %s...\n", ui.RenderAccent("→"), url)
		start := time.Now()
		res, err := newSyncManager(st).Fork(cmd.Context(), url, proxy)
		if err != nil {
			return failure("fork", err)
		}
		printSyncResult(res, time.Since(start))
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull [url]",
	GroupID: "sync",
	Short:   "Overwrite local snapshots with the remote dataset",
	Long: `Fetch the remote dataset and replace every local snapshot that differs
from the remote copy. Snapshots the remote does not have are left alone.

Local changes to replaced realms are lost, so pull asks for confirmation
unless --yes is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, proxy, err := remoteArgs(cmd, args)
		if err != nil {
			return err
		}

		ok, err := ui.Confirm(
			"Overwrite local snapshots?",
			fmt.Sprintf("Records that differ from %s will be replaced.", url),
			assumeYes,
		)
		if err != nil {
			return usageError("%v", err)
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		fmt.Printf("%s Pulling %s...\n", ui.RenderAccent("→"), url)
		start := time.Now()
		res, err := newSyncManager(st).PullOverwrite(cmd.Context(), url, proxy)
		if err != nil {
			return failure("pull", err)
		}
		printSyncResult(res, time.Since(start))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{forkCmd, pullCmd} {
		c.Flags().String("proxy", "", "Proxy URL (overrides remote.proxy)")
		rootCmd.AddCommand(c)
	}
}

func remoteArgs(cmd *cobra.Command, args []string) (url, proxy string, err error) {
	url = cfg.Remote.URL
	if len(args) == 1 {
		url = args[0]
	}
	if url == "" {
		return "", "", usageError("no remote URL (pass one or set remote.url)")
	}
	proxy = cfg.Remote.Proxy
	if cmd.Flags().Changed("proxy") {
		proxy, _ = cmd.Flags().GetString("proxy")
	}
	return url, proxy, nil
}

func newSyncManager(st remotesync.Store) *remotesync.Manager {
	return remotesync.New(st, remotesync.Options{DataDir: cfg.DataDir, Logger: logger})
}

func printSyncResult(res *remotesync.Result, elapsed time.Duration) {
	fmt.Printf("%s Synced %d realms in %v\n", ui.RenderPass("✓"), len(res.Keys), elapsed.Round(time.Millisecond))
	fmt.Printf("   Head: %s\n", res.Head)
	fmt.Printf("   Added: %d\n", res.Added)
	fmt.Printf("   Replaced: %d\n", res.Replaced)
	fmt.Printf("   Unchanged: %d\n", res.Unchanged)
}
