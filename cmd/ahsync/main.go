package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahsync/ahsync/internal/config"
	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/logging"
	"github.com/ahsync/ahsync/internal/store"
	"github.com/ahsync/ahsync/internal/types"
	"github.com/ahsync/ahsync/internal/ui"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "0.4.2"

var (
	configFile string
	homeDir    string
	logLevel   string
	assumeYes  bool

	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "ahsync",
	Short: "Auction house snapshot sync and TSM export",
	Long: `ahsync keeps a local store of World of Warcraft auction house snapshots,
syncs it from a remote Git dataset or an upstream scan source, and exports the
selected realms to TradeSkillMaster's AppData.lua.

Configuration is read from ahsync.toml in $AHSYNC_HOME (or the user config
directory), overridden by AHSYNC_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.InitColor()

		loaded, err := config.Load(config.Options{File: configFile, Home: homeDir})
		if err != nil {
			return usageError("loading config: %v", err)
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		l, err := logging.New(loaded.Log)
		if err != nil {
			return usageError("configuring logging: %v", err)
		}
		cfg = loaded
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "export", Title: "Export Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: $AHSYNC_HOME/ahsync.toml)")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "Config home directory (default: $AHSYNC_HOME or user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Answer yes to confirmation prompts")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(report(err))
	}
}

// exitError carries a command failure back to main. op names the failing
// step and is empty for usage errors; a nil err exits silently with code.
type exitError struct {
	op   string
	err  error
	code int
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	if e.op == "" {
		return e.err.Error()
	}
	return e.op + ": " + e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// failure reports err from step op.
func failure(op string, err error) error {
	return &exitError{op: op, err: err, code: 1}
}

// usageError reports a problem with flags, arguments or configuration.
func usageError(format string, args ...any) error {
	return &exitError{err: fmt.Errorf(format, args...), code: 1}
}

// report prints err with a hint for known failure kinds and returns the
// process exit status.
func report(err error) int {
	code := 1
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
		if ee.err == nil {
			return code
		}
	}

	hint := ""
	switch {
	case errors.Is(err, context.Canceled):
		hint = "interrupted"
	case errors.Is(err, errs.ErrProxyUnreachable):
		hint = "check the proxy address (remote.proxy, update.proxy or --proxy)"
	case errors.Is(err, errs.ErrRemoteUnavailable):
		hint = "the remote could not be reached; try again later"
	case errors.Is(err, errs.ErrInvalidRepository):
		hint = "remote.url does not point at a readable ahsync dataset"
	case errors.Is(err, errs.ErrStoreNotEmpty):
		hint = "use 'ahsync pull' to update an existing store"
	case errors.Is(err, errs.ErrIncompleteSelection):
		hint = "run 'ahsync pull' or 'ahsync scan' for the missing realms"
	case errors.Is(err, errs.ErrTargetNotFound):
		hint = "set wow.base or pass the file path explicitly"
	case errors.Is(err, errs.ErrAuthFailed):
		hint = "check scan.token"
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
	if hint != "" {
		fmt.Fprintf(os.Stderr, "   %s\n", ui.RenderMuted(hint))
	}
	return code
}

// openStore opens the snapshot store named by the config.
func openStore() (*store.Store, error) {
	st, err := store.Open(cfg.DatabasePath(), &store.Options{Logger: logger})
	if err != nil {
		return nil, failure("opening store", err)
	}
	return st, nil
}

// selectionFrom returns the configured selection with flag overrides.
func selectionFrom(cmd *cobra.Command) (types.Selection, error) {
	return withSelectionFlags(cmd, cfg.Selection)
}

func withSelectionFlags(cmd *cobra.Command, sel types.Selection) (types.Selection, error) {
	if cmd.Flags().Changed("region") {
		s, _ := cmd.Flags().GetString("region")
		r, err := types.ParseRegion(s)
		if err != nil {
			return sel, usageError("--region: %v", err)
		}
		sel.Region = r
	}
	if cmd.Flags().Changed("realm") {
		sel.Realms, _ = cmd.Flags().GetStringSlice("realm")
	}
	return sel, nil
}

func addSelectionFlags(cmd *cobra.Command) {
	cmd.Flags().String("region", "", "Region to use instead of selection.region")
	cmd.Flags().StringSlice("realm", nil, "Realms to use instead of selection.realms (repeatable)")
}
