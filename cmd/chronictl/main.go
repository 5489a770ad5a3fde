// Package main provides chronictl, the operational CLI for the versioning
// engine: schema migration and read-only probes of the branch hierarchy
// and version history.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagaforge/chronicle/internal/config"
	"github.com/sagaforge/chronicle/internal/logging"
	"github.com/sagaforge/chronicle/internal/metrics"
	"github.com/sagaforge/chronicle/internal/models"
	"github.com/sagaforge/chronicle/internal/repositories/repomanager"
	"github.com/sagaforge/chronicle/internal/services"
)

var (
	flagConfig string
	flagDriver string
	flagDSN    string

	flagCampaign string
	flagBranch   string
	flagType     string
	flagID       string
	flagAt       string
)

var rootCmd = &cobra.Command{
	Use:   "chronictl",
	Short: "Operations CLI for the Chronicle versioning engine",
	Long: `chronictl manages a Chronicle database: it applies schema migrations and
probes branch hierarchies, version history and temporal resolution.`,
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations to the configured database",
	RunE:  runMigrate,
}

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Render a campaign's branch hierarchy",
	RunE:  runTree,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List an entity's version history on one branch",
	RunE:  runHistory,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve the version governing an entity at a world time",
	Long: `Resolve walks the branch and its ancestors for the version whose validity
interval contains the given instant, mirroring what fork and merge see.`,
	RunE: runResolve,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to JSON config file")
	rootCmd.PersistentFlags().StringVar(&flagDriver, "driver", "", "database driver (postgres or sqlite)")
	rootCmd.PersistentFlags().StringVar(&flagDSN, "dsn", "", "database DSN")

	treeCmd.Flags().StringVar(&flagCampaign, "campaign", "", "campaign id")
	_ = treeCmd.MarkFlagRequired("campaign")

	for _, cmd := range []*cobra.Command{historyCmd, resolveCmd} {
		cmd.Flags().StringVar(&flagType, "type", "", "entity type")
		cmd.Flags().StringVar(&flagID, "id", "", "entity id")
		cmd.Flags().StringVar(&flagBranch, "branch", "", "branch id")
		_ = cmd.MarkFlagRequired("type")
		_ = cmd.MarkFlagRequired("id")
		_ = cmd.MarkFlagRequired("branch")
	}
	resolveCmd.Flags().StringVar(&flagAt, "at", "", "world time (RFC 3339, default now)")

	rootCmd.AddCommand(migrateCmd, treeCmd, historyCmd, resolveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env bundles everything a command needs against one open database.
type env struct {
	branches *services.BranchService
	versions *services.VersionService
	close    func()
}

func openEnv() (*env, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDriver != "" {
		cfg.DatabaseDriver = flagDriver
	}
	if flagDSN != "" {
		cfg.DatabaseDSN = flagDSN
	}

	db, manager, err := repomanager.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	log := logging.New(cfg.LogLevel)
	m := metrics.NewMetrics()
	policy := services.AllowAllPolicy{}
	audit := services.NopAuditLog{}
	cache := services.NopInvalidator{}

	return &env{
		branches: services.NewBranchService(db, manager, policy, audit, log),
		versions: services.NewVersionService(db, manager, policy, audit, cache, log, m),
		close:    func() { _ = db.Close() },
	}, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagDriver != "" {
		cfg.DatabaseDriver = flagDriver
	}
	if flagDSN != "" {
		cfg.DatabaseDSN = flagDSN
	}

	db, manager, err := repomanager.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := manager.RunMigrations(cmd.Context(), db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}

func runTree(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	roots, err := e.branches.GetHierarchy(cmd.Context(), flagCampaign)
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		fmt.Println("no branches")
		return nil
	}
	for _, root := range roots {
		printNode(root, 0)
	}
	return nil
}

func printNode(node *models.BranchNode, depth int) {
	b := node.Branch
	marker := ""
	if b.DivergedAt != nil {
		marker = fmt.Sprintf(" (diverged %s)", b.DivergedAt.Format(time.RFC3339))
	}
	fmt.Printf("%s%s  %s%s\n", strings.Repeat("  ", depth), b.Name, b.ID, marker)
	for _, child := range node.Children {
		printNode(child, depth+1)
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	list, err := e.versions.ListVersions(cmd.Context(), flagType, flagID, flagBranch)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no versions")
		return nil
	}
	for _, v := range list {
		validTo := "open"
		if v.ValidTo != nil {
			validTo = v.ValidTo.Format(time.RFC3339)
		}
		comment := ""
		if v.Comment != nil {
			comment = "  " + *v.Comment
		}
		fmt.Printf("v%-4d %s → %s  by %s%s\n", v.Version, v.ValidFrom.Format(time.RFC3339), validTo, v.CreatedBy, comment)
	}
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	at := time.Now().UTC()
	if flagAt != "" {
		at, err = time.Parse(time.RFC3339, flagAt)
		if err != nil {
			return fmt.Errorf("parsing --at: %w", err)
		}
	}

	ctx := context.Background()
	v, err := e.versions.ResolveVersion(ctx, flagType, flagID, flagBranch, at)
	if err != nil {
		return err
	}
	if v == nil {
		fmt.Println("no version resolves at that instant")
		return nil
	}

	payload, err := e.versions.DecodePayload(v)
	if err != nil {
		return err
	}
	doc, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("version %d on branch %s, valid from %s\n%s\n", v.Version, v.BranchID, v.ValidFrom.Format(time.RFC3339), doc)
	return nil
}
