package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ahsync/ahsync/internal/errs"
	"github.com/ahsync/ahsync/internal/store"
	"github.com/ahsync/ahsync/internal/types"
	"github.com/ahsync/ahsync/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "maint",
	Short:   "List stored snapshots",
	Long: `List the snapshots in the local store with their fingerprint and the
time they were last written.

Examples:
  ahsync list
  ahsync list --region eu
  ahsync list --since "2 hours ago"
  ahsync list --since yesterday`,
	RunE: func(cmd *cobra.Command, args []string) error {
		regionFlag, _ := cmd.Flags().GetString("region")
		sinceFlag, _ := cmd.Flags().GetString("since")

		var region types.Region
		if regionFlag != "" {
			r, err := types.ParseRegion(regionFlag)
			if err != nil {
				return usageError("--region: %v", err)
			}
			region = r
		}

		var since time.Time
		if sinceFlag != "" {
			t, err := parseSince(sinceFlag, time.Now())
			if err != nil {
				return usageError("--since: %v", err)
			}
			since = t
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		metas, err := st.Metas(cmd.Context(), region)
		if err != nil {
			return failure("list", err)
		}

		t := ui.NewTable(os.Stdout)
		t.AppendHeader(table.Row{"Key", "Realm", "Fingerprint", "Modified"})
		shown := 0
		for _, m := range metas {
			if m.ModifiedAt.Before(since) {
				continue
			}
			t.AppendRow(table.Row{m.Key.String(), m.RealmName, m.Fingerprint[:12], m.ModifiedAt.Local().Format("2006-01-02 15:04:05")})
			shown++
		}
		t.AppendFooter(table.Row{"", "", "Total", shown})
		t.Render()
		return nil
	},
}

// parseSince accepts a natural-language time ("2 hours ago", "yesterday")
// or an RFC 3339 timestamp.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, err
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot understand %q", s)
	}
	return r.Time, nil
}

// statusReport is the machine-readable form of status.
type statusReport struct {
	Database  string         `yaml:"database"`
	SizeBytes int64          `yaml:"size_bytes"`
	Records   int            `yaml:"records"`
	Regions   map[string]int `yaml:"regions"`
	Remote    string         `yaml:"remote,omitempty"`
	Selection struct {
		Region  string   `yaml:"region,omitempty"`
		Realms  []string `yaml:"realms,omitempty"`
		Missing []string `yaml:"missing,omitempty"`
	} `yaml:"selection"`
	Destination string `yaml:"destination,omitempty"`
	Config      string `yaml:"config,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "maint",
	Short:   "Show store and selection status",
	Long: `Display the local store location and size, record counts per region,
and which selected realms have no snapshot yet.

Use --output yaml for machine-readable output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output != "text" && output != "yaml" {
			return usageError("--output must be 'text' or 'yaml'")
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		rep, err := buildStatus(cmd, st)
		if err != nil {
			return failure("status", err)
		}

		if output == "yaml" {
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(rep); err != nil {
				return failure("encoding status", err)
			}
			return enc.Close()
		}

		fmt.Printf("\n%s ahsync Status\n\n", ui.RenderAccent("●"))
		fmt.Printf("Database: %s\n", rep.Database)
		fmt.Printf("Size: %s\n", formatSize(rep.SizeBytes))
		fmt.Printf("Records: %d\n", rep.Records)
		regions := make([]string, 0, len(rep.Regions))
		for r := range rep.Regions {
			regions = append(regions, r)
		}
		sort.Strings(regions)
		for _, r := range regions {
			fmt.Printf("   %s: %d\n", r, rep.Regions[r])
		}
		if rep.Remote != "" {
			fmt.Printf("Remote: %s\n", rep.Remote)
		}
		if rep.Config != "" {
			fmt.Printf("Config: %s\n", rep.Config)
		}
		if rep.Selection.Region != "" {
			fmt.Printf("Selection: %s (%d realms)\n", rep.Selection.Region, len(rep.Selection.Realms))
			for _, k := range rep.Selection.Missing {
				fmt.Printf("   %s no snapshot for %s\n", ui.RenderWarn("⚠"), k)
			}
			if len(rep.Selection.Missing) == 0 && len(rep.Selection.Realms) > 0 {
				fmt.Printf("   %s all selected realms stored\n", ui.RenderPass("✓"))
			}
		}
		if rep.Destination != "" {
			fmt.Printf("Destination: %s\n", rep.Destination)
		}
		fmt.Println()
		return nil
	},
}

func buildStatus(cmd *cobra.Command, st *store.Store) (*statusReport, error) {
	ctx := cmd.Context()
	rep := &statusReport{
		Database: st.Path(),
		Remote:   cfg.Remote.URL,
		Config:   cfg.File,
		Regions:  make(map[string]int),
	}
	if info, err := os.Stat(st.Path()); err == nil {
		rep.SizeBytes = info.Size()
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		return nil, err
	}
	for r, n := range stats {
		rep.Regions[string(r)] = n
		rep.Records += n
	}

	sel := cfg.Selection
	if sel.Region != "" {
		rep.Selection.Region = string(sel.Region)
		rep.Selection.Realms = sel.Realms
		for _, k := range sel.Keys() {
			_, err := st.Fingerprint(ctx, k)
			if errors.Is(err, errs.ErrNotFound) {
				rep.Selection.Missing = append(rep.Selection.Missing, k.String())
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}
	if req, err := buildRequest(cfg, sel, "", ""); err == nil {
		rep.Destination = req.Destination
	}
	return rep, nil
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	listCmd.Flags().String("region", "", "Only list this region")
	listCmd.Flags().String("since", "", `Only list snapshots written since this time ("2 hours ago", RFC 3339)`)
	statusCmd.Flags().StringP("output", "O", "text", "Output format: text or yaml")
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
}
