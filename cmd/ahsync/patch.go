package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/realmid"
	"github.com/ahsync/ahsync/internal/ui"
)

var patchCmd = &cobra.Command{
	Use:     "patch <mappings.yaml> [LibRealmInfo.lua...]",
	GroupID: "export",
	Short:   "Add missing realms to TSM's LibRealmInfo table",
	Long: `Insert the realms listed in a YAML mappings file into LibRealmInfo's
realm table so TradeSkillMaster can attribute exported data to them.

Without explicit targets, every game version installed under wow.base is
patched. Realms already present are skipped; a file with nothing missing is
left untouched. Each target's SHA-256 is printed before patching.

Mappings file:
  realms:
    - id: 3207
      name: Goldrinn
      rules: PvE
      locale: ptBR
      region: us
      timezone: America/Sao_Paulo`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		mappings, err := realmid.LoadMappings(args[0])
		if err != nil {
			return usageError("loading mappings: %v", err)
		}

		targets := args[1:]
		if len(targets) == 0 {
			if cfg.WoW.Base == "" {
				return usageError("no targets given and wow.base is not set")
			}
			targets = realmid.FindTargets(cfg.WoW.Base)
			if len(targets) == 0 {
				return errs.E("patch", errs.ErrTargetNotFound, "", cfg.WoW.Base, errors.New("no LibRealmInfo.lua found"))
			}
		}

		failed := false
		for _, path := range targets {
			digest, err := realmid.Digest(path)
			if err != nil {
				fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), path, err)
				failed = true
				continue
			}
			fmt.Printf("%s %s\n", ui.RenderAccent("→"), path)
			fmt.Printf("   SHA-256: %s\n", ui.RenderMuted(digest))

			if dryRun {
				continue
			}
			res, err := realmid.Patch(cmd.Context(), path, mappings)
			if err != nil {
				fmt.Printf("%s %v\n", ui.RenderFail("✗"), err)
				failed = true
				continue
			}
			if !res.Changed {
				fmt.Printf("%s up to date (%d realms present)\n", ui.RenderPass("✓"), res.Present)
				continue
			}
			fmt.Printf("%s added %d realms (%d already present)\n", ui.RenderPass("✓"), len(res.Added), res.Present)
			for _, r := range res.Added {
				fmt.Printf("   [%d] %s (%s)\n", r.ID, r.Name, r.Region)
			}
		}
		if failed {
			return failure("patch", errors.New("some targets could not be patched"))
		}
		return nil
	},
}

func init() {
	patchCmd.Flags().Bool("dry-run", false, "Only print targets and their digests")
	rootCmd.AddCommand(patchCmd)
}
