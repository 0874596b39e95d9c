package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ahsync/ahsync/internal/config"
	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/export"
	"github.com/ahsync/ahsync/internal/feed"
	"github.com/ahsync/ahsync/internal/store"
	"github.com/ahsync/ahsync/internal/ui"
	"github.com/ahsync/ahsync/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "export",
	Short:   "Export, then re-export whenever a selected realm changes (foreground)",
	Long: `Run an export and keep AppData.lua current.

The store is polled for commits from other ahsync processes (pull, scan).
Changes to selected realms are debounced by export.debounce and trigger a
re-export. Editing the config file's selection or destination takes effect
without a restart.

Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out, _ := cmd.Flags().GetString("out")

		sel, err := selectionFrom(cmd)
		if err != nil {
			return err
		}
		req, err := buildRequest(cfg, sel, out, "")
		if err != nil {
			return usageError("%v", err)
		}
		if err := req.Selection.Validate(); err != nil {
			return usageError("%v", err)
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		listen := cfg.Feed.Listen
		if cmd.Flags().Changed("listen") {
			listen, _ = cmd.Flags().GetString("listen")
		}
		var events *feed.Server
		if listen != "" {
			events = feed.NewServer(&feed.Config{Addr: listen, Stats: feed.StoreStats(st), Logger: logger})
			if err := events.Start(); err != nil {
				return failure("starting event feed", err)
			}
			defer events.Stop()
			defer st.Subscribe(events.OnChange)()
		}

		auto := export.NewAutoExporter(newEngine(cfg, st), logger)
		auto.OnExport = func(res *export.Result, err error) {
			if events != nil {
				target, _ := auto.Target()
				events.OnExport(target.Destination, res, err)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s re-export failed: %v\n", ui.RenderWarn("⚠"), err)
				return
			}
			fmt.Printf("%s Re-exported %d realms (download time %d)\n", ui.RenderPass("✓"), len(res.Keys), res.DownloadTime)
		}

		res, err := auto.Export(ctx, req)
		switch {
		case err == nil:
			printExportResult(res)
		case errors.Is(err, errs.ErrIncompleteSelection):
			// Keep watching; the export runs once the missing realms arrive.
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("⚠"), err)
			auto.SetTarget(export.Target{Selection: req.Selection, Destination: req.Destination})
		default:
			return failure("export", err)
		}

		w := watcher.New(st, &watcher.Config{DebounceInterval: cfg.Export.Debounce, Logger: logger})
		defer w.Close()

		fmt.Printf("\n%s Watching %d realms in %s\n", ui.RenderAccent("→"), len(req.Selection.Keys()), req.Selection.Region)
		fmt.Printf("   Destination: %s\n", req.Destination)
		if cfg.File != "" {
			fmt.Printf("   Config: %s\n", cfg.File)
		}
		if events != nil {
			fmt.Printf("   Event feed: ws://%s/ws\n", events.Addr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		g, gctx := errgroup.WithContext(ctx)
		targets := make(chan export.Target, 1)

		g.Go(func() error {
			err := st.WatchExternal(gctx, store.DefaultWatchInterval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		if cfg.File != "" {
			g.Go(func() error {
				return watchConfig(gctx, cmd, out, targets)
			})
		}
		g.Go(func() error {
			return runAutoExport(gctx, w, auto, targets)
		})

		if err := g.Wait(); err != nil {
			return failure("watch", err)
		}
		return nil
	},
}

func init() {
	addSelectionFlags(watchCmd)
	watchCmd.Flags().StringP("out", "o", "", "Destination file (overrides export.destination)")
	watchCmd.Flags().String("listen", "", "Serve a WebSocket event feed on this address (overrides feed.listen)")
	rootCmd.AddCommand(watchCmd)
}

// runAutoExport feeds a subscription for the current target into auto and
// re-subscribes whenever a different target arrives.
func runAutoExport(ctx context.Context, w *watcher.Watcher, auto *export.AutoExporter, targets <-chan export.Target) error {
	target, _ := auto.Target()
	for {
		sub := w.Subscribe(ctx, target.Selection)
		done := make(chan error, 1)
		go func() { done <- auto.Run(ctx, sub.Events()) }()

		next, ended, err := waitTarget(ctx, target, targets, done)
		sub.Close()
		if !ended {
			err = <-done
		}
		if next == nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		auto.SetTarget(*next)
		target = *next
		logger.Info("export target changed",
			zap.String("region", string(target.Selection.Region)),
			zap.Strings("realms", target.Selection.Realms),
			zap.String("path", target.Destination))
		fmt.Printf("%s Now watching %d realms -> %s\n", ui.RenderAccent("→"), len(target.Selection.Keys()), target.Destination)
	}
}

// waitTarget blocks until a target different from cur arrives, the run
// loop ends, or ctx is done. ended reports whether done was consumed.
func waitTarget(ctx context.Context, cur export.Target, targets <-chan export.Target, done <-chan error) (next *export.Target, ended bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return nil, false, nil
		case err := <-done:
			return nil, true, err
		case t := <-targets:
			if !sameTarget(t, cur) {
				return &t, false, nil
			}
		}
	}
}

func sameTarget(a, b export.Target) bool {
	return a.Destination == b.Destination &&
		a.Selection.Region == b.Selection.Region &&
		slices.Equal(a.Selection.Keys(), b.Selection.Keys())
}

// watchConfig reloads the config file on change and publishes the new
// export target. Selection flags given on the command line keep priority.
func watchConfig(ctx context.Context, cmd *cobra.Command, out string, targets chan export.Target) error {
	fw, err := config.NewFileWatcher()
	if err != nil {
		return err
	}
	defer fw.Stop()
	if err := fw.Start(cfg.File); err != nil {
		return err
	}

	opts := config.Options{File: cfg.File, Home: homeDir}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-fw.Errors():
			if !ok {
				return nil
			}
			logger.Warn("config watch error", zap.Error(err))
		case ev, ok := <-fw.Events():
			if !ok {
				return nil
			}
			if ev.Op != config.OpWrite {
				continue
			}
			next, err := config.Load(opts)
			if err != nil {
				logger.Warn("ignoring invalid config", zap.String("path", ev.Path), zap.Error(err))
				continue
			}
			sel, err := withSelectionFlags(cmd, next.Selection)
			if err != nil {
				logger.Warn("ignoring config change", zap.Error(err))
				continue
			}
			req, err := buildRequest(next, sel, out, "")
			if err != nil {
				logger.Warn("ignoring config change", zap.Error(err))
				continue
			}
			if err := req.Selection.Validate(); err != nil {
				logger.Warn("ignoring config change", zap.Error(err))
				continue
			}
			// Drop a pending target in favor of the newest.
			select {
			case <-targets:
			default:
			}
			targets <- export.Target{Selection: req.Selection, Destination: req.Destination}
		}
	}
}
