package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/repo"
)

func providerCmd() *cobra.Command {
	p := &cobra.Command{Use: "provider", Short: "Provider directory replica and rankings"}
	p.AddCommand(providerSyncCmd())
	p.AddCommand(providerListCmd())
	p.AddCommand(providerLeaderboardCmd())
	p.AddCommand(providerCandidatesCmd())
	return p
}

// providerFile is the directory export consumed by provider sync.
type providerFile struct {
	Providers []struct {
		ID           string   `yaml:"id"`
		Name         string   `yaml:"name"`
		ServiceTypes []string `yaml:"service_types"`
		Verified     bool     `yaml:"verified"`
		Active       *bool    `yaml:"active"`
	} `yaml:"providers"`
}

func providerSyncCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upsert providers from a directory export (YAML)",
		Long: `Reads a file of the form:

providers:
  - id: P1
    name: Pipe Pros
    service_types: [plumbing]
    verified: true
    active: true

active defaults to true when omitted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var pf providerFile
			if err := yaml.Unmarshal(data, &pf); err != nil {
				return fmt.Errorf("invalid provider file: %w", err)
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a engine.Actor) error {
				synced := make([]domain.Provider, 0, len(pf.Providers))
				for _, in := range pf.Providers {
					active := in.Active == nil || *in.Active
					p, err := e.UpsertProvider(ctx, a, domain.Provider{
						ID:           in.ID,
						Name:         in.Name,
						ServiceTypes: in.ServiceTypes,
						Verified:     in.Verified,
						Active:       active,
					})
					if err != nil {
						return fmt.Errorf("provider %s: %w", in.ID, err)
					}
					synced = append(synced, p)
				}
				if viper.GetBool("json") {
					return printJSON(synced)
				}
				fmt.Printf("synced %d providers\n", len(synced))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "providers.yml", "directory export")
	return cmd
}

func providerListCmd() *cobra.Command {
	var f repo.ProviderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List replicated providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProviders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Services", "Verified", "Active")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, strings.Join(p.ServiceTypes, ","), p.Verified, p.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ServiceType, "service-type", "", "only providers offering this service")
	cmd.Flags().BoolVar(&f.EligibleOnly, "eligible", false, "only verified and active providers")
	return cmd
}

func providerLeaderboardCmd() *cobra.Command {
	var windowDays int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Rank providers by reliability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.GetProviderLeaderboard(ctx, windowDays)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("#", "Provider", "Score", "Assigned", "Accepted", "Completed", "Streak", "Avg response h")
				for _, it := range items {
					tw.AppendRow(table.Row{it.Rank, it.ProviderID, it.ReliabilityScore, it.TotalAssigned, it.TotalAccepted,
						it.TotalCompleted, it.StreakCompleted, fmt.Sprintf("%.1f", it.AvgResponseTimeHours)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&windowDays, "window-days", 0, "only count assignments from the last N days (0 = all time)")
	return cmd
}

func providerCandidatesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "candidates <request-id>",
		Short: "Rank eligible providers for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.MatchCandidates(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printCandidates(items)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum candidates (0 = all)")
	return cmd
}

func printCandidates(items []engine.Candidate) {
	tw := newTable("Provider", "Name", "Score", "Completed", "Streak")
	for _, c := range items {
		tw.AppendRow(table.Row{c.Provider.ID, c.Provider.Name, c.Metrics.ReliabilityScore, c.Metrics.TotalCompleted, c.Metrics.StreakCompleted})
	}
	tw.Render()
}
