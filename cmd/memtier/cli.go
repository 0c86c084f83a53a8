package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/memtier/pkg/config"
	"github.com/dotsetgreg/memtier/pkg/memory"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "memtier",
		Short: "Tiered memory store with hybrid recall, promotion, and consolidation",
		Long: strings.TrimSpace(`memtier is a persistent, hierarchical memory subsystem.

Records live in session, project, or user scope; recall fuses vector and
keyword search across scopes, and background maintenance promotes, merges,
and consolidates what proves durable.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newPutCommand())
	root.AddCommand(newRecallCommand())
	root.AddCommand(newPromoteCommand())
	root.AddCommand(newForgetCommand())
	root.AddCommand(newConsolidateCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	return root
}

// openService builds a memory service from the loaded config. The caller
// owns Close.
func openService(cfg *config.Config) (*memory.Service, error) {
	return memory.NewService(memory.Config{
		DataDir:       cfg.DataDirPath(),
		ProjectDBPath: cfg.Storage.ProjectDBPath,
		UserDBPath:    cfg.Storage.UserDBPath,
		QueueDepth:    cfg.Storage.QueueDepth,
		ScopeWeights: map[memory.Scope]float64{
			memory.ScopeSession: cfg.Retrieval.SessionWeight,
			memory.ScopeProject: cfg.Retrieval.ProjectWeight,
			memory.ScopeUser:    cfg.Retrieval.UserWeight,
		},
		Promotion: memory.PromotionPolicy{
			SessionToProject:       cfg.Promotion.SessionToProjectThreshold,
			ProjectToUser:          cfg.Promotion.ProjectToUserThreshold,
			ProjectToUserMinAccess: cfg.Promotion.ProjectToUserMinAccess,
			MergeSimilarity:        cfg.Promotion.MergeSimilarity,
		},
		Consolidation: memory.ConsolidationConfig{
			ClusterThreshold: cfg.Consolidation.ClusterSimilarity,
			MinClusterSize:   cfg.Consolidation.MinClusterSize,
			Window:           time.Duration(cfg.Consolidation.WindowDays) * 24 * time.Hour,
		},
		MaintenanceCron: cfg.Maintenance.Cron,
		WorkerPoll:      time.Duration(cfg.Maintenance.WorkerPollMS) * time.Millisecond,
		WorkerLease:     time.Duration(cfg.Maintenance.WorkerLeaseSeconds) * time.Second,
		CacheTTL:        time.Duration(cfg.Retrieval.CacheSeconds) * time.Second,
		ScopeTimeout:    time.Duration(cfg.Retrieval.ScopeTimeoutMS) * time.Millisecond,
		Logger:          newLogger(cfg.Log),
	})
}

func withService(fn func(ctx context.Context, svc *memory.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := openService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(context.Background(), svc)
}

func newPutCommand() *cobra.Command {
	var (
		scope      string
		memType    string
		summary    string
		domain     string
		tags       []string
		importance float64
		confidence float64
		related    []string
	)
	cmd := &cobra.Command{
		Use:   "put <content>",
		Short: "Store a memory record",
		Long:  "Store a record into a scope. The session scope is per-process; from the CLI, project is the useful default.",
		Args:  cobra.MinimumNArgs(1),
		Example: strings.Join([]string{
			`  memtier put "Always run migrations before deploy" --type procedure --importance 0.8`,
			`  memtier put "Team prefers table-driven tests" --scope user --type preference`,
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				rec := memory.Record{
					Scope:      memory.Scope(scope),
					Type:       memory.MemoryType(memType),
					Content:    strings.Join(args, " "),
					Summary:    summary,
					Domain:     domain,
					Tags:       tags,
					Importance: importance,
					Confidence: confidence,
				}
				stored, err := svc.Store(ctx, memory.SessionContext{}, rec, memory.StoreOptions{RelatedIDs: related})
				if err != nil {
					return err
				}
				fmt.Printf("stored %s (%s/%s)\n", stored.ID, stored.Scope, stored.Type)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&scope, "scope", "s", "project", "Target scope: session, project, or user")
	cmd.Flags().StringVarP(&memType, "type", "t", "fact", "Memory type")
	cmd.Flags().StringVar(&summary, "summary", "", "Short summary")
	cmd.Flags().StringVar(&domain, "domain", "", "Domain label (e.g. auth, build)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag (repeatable)")
	cmd.Flags().Float64Var(&importance, "importance", 0.5, "Importance in [0,1]")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.5, "Confidence in [0,1]")
	cmd.Flags().StringSliceVar(&related, "related", nil, "Related record id to link (repeatable)")
	return cmd
}

func newRecallCommand() *cobra.Command {
	var (
		scopes      []string
		types       []string
		limit       int
		minStrength float64
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:     "recall <query>",
		Short:   "Search memories across scopes",
		Args:    cobra.MinimumNArgs(1),
		Example: `  memtier recall "how do we handle auth tokens" --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				opts := memory.RecallOptions{Limit: limit, MinStrength: minStrength}
				for _, s := range scopes {
					opts.Scopes = append(opts.Scopes, memory.Scope(s))
				}
				for _, t := range types {
					opts.Types = append(opts.Types, memory.MemoryType(t))
				}
				result := svc.Recall(ctx, memory.SessionContext{}, strings.Join(args, " "), opts)
				if asJSON {
					return printJSON(result)
				}
				if result.Degraded {
					fmt.Fprintln(os.Stderr, "warning: results are partial (degraded)")
				}
				for i, sr := range result.Results {
					text := sr.Record.Summary
					if text == "" {
						text = sr.Record.Content
					}
					if len(text) > 100 {
						text = text[:100] + "..."
					}
					fmt.Printf("%2d. [%s/%s] %.3f  %s  (%s)\n",
						i+1, sr.Scope, sr.Record.Type, sr.Final, text, sr.Record.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Restrict to scope (repeatable; default all)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Restrict to memory type (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum results")
	cmd.Flags().Float64Var(&minStrength, "min-strength", 0, "Drop results weaker than this")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON")
	return cmd
}

func newPromoteCommand() *cobra.Command {
	var (
		target string
		reason string
	)
	cmd := &cobra.Command{
		Use:     "promote <record_id>",
		Short:   "Promote a record to a broader scope",
		Args:    cobra.ExactArgs(1),
		Example: `  memtier promote mem-01hx... --to user --reason "applies everywhere"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				result, err := svc.Promote(ctx, args[0], memory.Scope(target), reason)
				if err != nil {
					return err
				}
				fmt.Printf("%s -> %s (%s)\n", args[0], result.TargetID, result.Action)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "Target scope (default: next broader)")
	cmd.Flags().StringVar(&reason, "reason", "manual", "Audit reason")
	return cmd
}

func newForgetCommand() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:     "forget <record_id>",
		Short:   "Archive a record (soft delete)",
		Args:    cobra.ExactArgs(1),
		Example: `  memtier forget mem-01hx... --scope project`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				if err := svc.Forget(ctx, memory.Scope(scope), args[0]); err != nil {
					return err
				}
				fmt.Printf("archived %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&scope, "scope", "s", "project", "Scope holding the record")
	return cmd
}

func newConsolidateCommand() *cobra.Command {
	var (
		scope  string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:     "consolidate",
		Short:   "Cluster, summarize, and archive stale memories",
		Example: "  memtier consolidate --scope project --dry-run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				plan, applied, err := svc.Consolidate(ctx, memory.Scope(scope), dryRun)
				if err != nil {
					return err
				}
				if dryRun {
					if len(plan) == 0 {
						fmt.Println("nothing to do")
						return nil
					}
					return printJSON(plan)
				}
				fmt.Printf("applied %d actions\n", applied)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&scope, "scope", "s", "project", "Scope to consolidate")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Plan only, change nothing")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show connection state, counts, and queue depth",
		Example: "  memtier status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				return printJSON(svc.Status(ctx))
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build/version metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
