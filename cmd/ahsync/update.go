package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ahsync/ahsync/internal/update"
	"github.com/ahsync/ahsync/internal/ui"
)

var updateCmd = &cobra.Command{
	Use:     "update",
	GroupID: "maint",
	Short:   "Check for and install new ahsync releases",
	Long: `Check the release manifest at update.manifest_url and, when a newer
release exists, download it, verify its checksum and swap it in place of the
installed binary. The previous binary is kept next to it with a .old suffix.

Use --check to only report whether an update is available.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		checkOnly, _ := cmd.Flags().GetBool("check")

		installPath := cfg.Update.InstallPath
		if installPath == "" {
			exe, err := os.Executable()
			if err != nil {
				return failure("locating executable", err)
			}
			installPath = exe
			if resolved, err := filepath.EvalSymlinks(exe); err == nil {
				installPath = resolved
			}
		}

		u := update.New(update.Options{
			ManifestURL: cfg.Update.ManifestURL,
			InstallPath: installPath,
			Proxy:       cfg.Update.Proxy,
			Logger:      logger,
		})

		out, err := u.Check(ctx, Version)
		if err != nil {
			return failure("update check", err)
		}

		switch out.Kind {
		case update.None:
			fmt.Printf("%s ahsync %s is up to date\n", ui.RenderPass("✓"), Version)
			return nil
		case update.Required:
			fmt.Printf("%s ahsync %s is no longer supported; %s is required\n", ui.RenderWarn("⚠"), Version, out.Version)
		case update.Available:
			fmt.Printf("%s ahsync %s is available (current %s)\n", ui.RenderAccent("↑"), out.Version, Version)
		}
		if checkOnly {
			if out.Kind == update.Required {
				return &exitError{code: 2}
			}
			return nil
		}

		ok, err := ui.Confirm(
			fmt.Sprintf("Install ahsync %s?", out.Version),
			fmt.Sprintf("%s will be replaced.", installPath),
			assumeYes,
		)
		if err != nil {
			return usageError("%v", err)
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}

		fmt.Printf("%s Downloading %s...\n", ui.RenderAccent("→"), out.Manifest.AssetURL)
		if _, err := u.Download(ctx, out.Version); err != nil {
			return failure("update download", err)
		}
		if err := u.Install(ctx); err != nil {
			return failure("update install", err)
		}
		fmt.Printf("%s Installed ahsync %s\n", ui.RenderPass("✓"), out.Version)
		fmt.Printf("   Path: %s\n", installPath)
		fmt.Printf("   Previous: %s\n", u.BackupPath())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:     "version",
	GroupID: "maint",
	Short:   "Print the ahsync version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ahsync %s\n", Version)
	},
}

func init() {
	updateCmd.Flags().Bool("check", false, "Only check; exit status 2 when an update is required")
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(versionCmd)
}
