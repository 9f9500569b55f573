package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"scout/internal/cache"
	"scout/internal/schema"
	"scout/internal/types"
	"scout/internal/vendors"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "List cached research responses",
	RunE:  listCache,
}

var schemasCmd = &cobra.Command{
	Use:   "schemas",
	Short: "List learned per-site extraction schemas",
	RunE:  listSchemas,
}

var vendorsCmd = &cobra.Command{
	Use:   "vendors",
	Short: "List vendor reliability records and quarantine state",
	RunE:  listVendors,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scout state directory contents",
	RunE:  showStatus,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  initConfig,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  showConfig,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func listCache(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := cache.Open(filepath.Join(cfg.StateDir, "response_cache"), cfg.Cache, nil)
	if err != nil {
		return err
	}

	entries := store.Entries()
	if len(entries) == 0 {
		fmt.Println("Cache is empty.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tSESSION\tINTENT\tQUALITY\tFINDINGS\tQUERY")
	for _, e := range entries {
		findings := 0
		if e.Result != nil {
			findings = len(e.Result.Findings)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%d\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04"), types.TruncateForLog(e.SessionID, 12),
			e.Intent, e.Quality, findings, types.TruncateForLog(e.Query, 60))
	}
	return w.Flush()
}

func listSchemas(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := schema.Open(filepath.Join(cfg.StateDir, "site_schemas.jsonl"))
	if err != nil {
		return err
	}
	defer reg.Close()

	schemas := reg.All()
	if len(schemas) == 0 {
		fmt.Println("No schemas learned yet.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tTYPE\tVERSION\tOK\tFAIL\tSTREAK\tRECALIBRATE\tSELECTORS")
	for _, s := range schemas {
		var sels []string
		for field := range s.Selectors {
			sels = append(sels, field)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%v\t%s\n",
			s.Domain, s.PageType, s.Version, s.SuccessCount, s.FailureCount,
			s.ConsecutiveFailures, s.NeedsRecalibration(), strings.Join(sels, ","))
	}
	return w.Flush()
}

func listVendors(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := vendors.Open(filepath.Join(cfg.StateDir, "vendor_registry.jsonl"),
		cfg.Research.QuarantineAfter, cfg.Research.QuarantineDurationDuration())
	if err != nil {
		return err
	}

	all := reg.All()
	if len(all) == 0 {
		fmt.Println("No vendor records yet.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tOK\tFAIL\tSTREAK\tLAST BLOCK\tSTRATEGIES TRIED\tQUARANTINED UNTIL")
	for _, v := range all {
		quarantine := "-"
		if v.QuarantinedUntil.After(time.Now()) {
			quarantine = v.QuarantinedUntil.Format(time.RFC3339)
		}
		var tried []string
		for _, s := range v.TriedStrategies {
			tried = append(tried, string(s))
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			v.Domain, v.SuccessCount, v.FailureCount, v.ConsecutiveFailures,
			string(v.LastBlockKind), strings.Join(tried, ","), quarantine)
	}
	return w.Flush()
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Printf("State dir: %s\n", cfg.StateDir)

	entries := []struct {
		name string
		path string
	}{
		{"Config", filepath.Join(cfg.StateDir, "config.yaml")},
		{"Site schemas", filepath.Join(cfg.StateDir, "site_schemas.jsonl")},
		{"Vendor registry", filepath.Join(cfg.StateDir, "vendor_registry.jsonl")},
		{"Response cache", filepath.Join(cfg.StateDir, "response_cache")},
		{"Research index", cfg.Knowledge.DatabasePath},
		{"Site knowledge", filepath.Join(cfg.StateDir, "site_knowledge.json")},
		{"Sessions", filepath.Join(cfg.StateDir, "sessions")},
		{"Logs", filepath.Join(cfg.StateDir, "logs")},
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	for _, e := range entries {
		info, err := os.Stat(e.path)
		switch {
		case err != nil:
			fmt.Fprintf(w, "%s\t%s\t(absent)\n", e.name, e.path)
		case info.IsDir():
			n := countDirEntries(e.path)
			fmt.Fprintf(w, "%s\t%s\t%d entries\n", e.name, e.path, n)
		default:
			fmt.Fprintf(w, "%s\t%s\t%d bytes\n", e.name, e.path, info.Size())
		}
	}
	return w.Flush()
}

func countDirEntries(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	return len(entries)
}

func initConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := configPath
	if path == "" {
		path = filepath.Join(cfg.StateDir, "config.yaml")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func showConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	os.Stdout.Write(data)
	return nil
}
