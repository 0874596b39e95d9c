package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahsync/ahsync/internal/config"
	"github.com/ahsync/ahsync/internal/export"
	"github.com/ahsync/ahsync/internal/realmid"
	"github.com/ahsync/ahsync/internal/types"
	"github.com/ahsync/ahsync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "export",
	Short:   "Write the selected realms to TSM's AppData.lua",
	Long: `Export the selected realms' snapshots as TradeSkillMaster LoadData lines.

The destination is --out, export.destination, or the AppData.lua of the
configured game version under wow.base. Realm names are resolved through the
game's LibRealmInfo table when wow.base is set; realms it does not know are
exported under their snapshot name with a warning.

With --mappings the identity table is patched with the listed realms once
every selected snapshot has been read. Nothing is patched if the export fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, err := selectionFrom(cmd)
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		mappings, _ := cmd.Flags().GetString("mappings")

		req, err := buildRequest(cfg, sel, out, mappings)
		if err != nil {
			return usageError("%v", err)
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := newEngine(cfg, st).Export(cmd.Context(), req)
		if err != nil {
			return failure("export", err)
		}
		printExportResult(res)
		return nil
	},
}

func init() {
	addSelectionFlags(exportCmd)
	exportCmd.Flags().StringP("out", "o", "", "Destination file (overrides export.destination)")
	exportCmd.Flags().String("mappings", "", "YAML realm mappings to patch into LibRealmInfo first")
	rootCmd.AddCommand(exportCmd)
}

// identityTable returns the LibRealmInfo path for the configured game
// version, or "" when wow.base is unset.
func identityTable(c *config.Config) string {
	if c.WoW.Base == "" {
		return ""
	}
	version, err := c.GameVersion()
	if err != nil {
		return ""
	}
	return filepath.Join(c.WoW.Base, version.FolderName(), filepath.FromSlash(realmid.LibPath))
}

// newEngine creates an export engine reading from r. The registry is loaded
// from the identity table when one exists.
func newEngine(c *config.Config, r export.Reader) *export.Engine {
	opts := &export.Options{Logger: logger}
	if path := identityTable(c); path != "" {
		reg, err := realmid.LoadRegistry(path)
		switch {
		case err == nil:
			opts.Registry = reg
		case errors.Is(err, fs.ErrNotExist):
			logger.Debug("no realm identity table", zap.String("path", path))
		default:
			logger.Warn("ignoring realm identity table", zap.String("path", path), zap.Error(err))
		}
	}
	return export.New(r, opts)
}

// buildRequest resolves the export destination and optional patch.
func buildRequest(c *config.Config, sel types.Selection, out, mappings string) (export.Request, error) {
	req := export.Request{Selection: sel, Destination: out}
	if req.Destination == "" {
		req.Destination = c.Export.Destination
	}
	if req.Destination == "" {
		if c.WoW.Base == "" {
			return req, fmt.Errorf("no export destination: set export.destination or wow.base")
		}
		version, err := c.GameVersion()
		if err != nil {
			return req, err
		}
		req.Destination = export.FindAppDataPath(c.WoW.Base, version)
	}

	// Patching a third-party file happens only on explicit request.
	if mappings != "" {
		realms, err := realmid.LoadMappings(mappings)
		if err != nil {
			return req, fmt.Errorf("loading mappings: %w", err)
		}
		req.PatchPath = identityTable(c)
		if req.PatchPath == "" {
			return req, fmt.Errorf("mappings given but wow.base is not set")
		}
		req.Mappings = realms
	}
	return req, nil
}

func printExportResult(res *export.Result) {
	if res.Patch != nil && res.Patch.Changed {
		fmt.Printf("%s Patched %s (%d realms added)\n", ui.RenderPass("✓"), res.Patch.Path, len(res.Patch.Added))
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("⚠"), w)
	}
	fmt.Printf("%s Exported %d realms to %s\n", ui.RenderPass("✓"), len(res.Keys), res.Path)
	fmt.Printf("   Size: %d bytes\n", res.Bytes)
	fmt.Printf("   Download time: %d\n", res.DownloadTime)
}
