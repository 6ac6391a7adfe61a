package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"coordline/internal/app"
	"coordline/internal/config"
	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/engine/auth"
	"coordline/internal/server"
)

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Coordination desk overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetDashboard(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"Total requests", d.TotalRequests},
					{"Completion rate", fmt.Sprintf("%.1f%%", d.CompletionRate*100)},
					{"Avg completion (h)", fmt.Sprintf("%.1f", d.AvgCompletionHours)},
					{"SLA breached", d.SLABreachCount},
					{"SLA at risk", d.SLAAtRiskCount},
					{"Open escalations", d.OpenEscalations},
					{"Created today", d.CreatedToday},
					{"Created this week", d.CreatedThisWeek},
					{"Providers (eligible/busy)", fmt.Sprintf("%d (%d/%d)", d.Providers.Total, d.Providers.Eligible, d.Providers.Busy)},
				})
				tw.Render()

				statuses := make([]string, 0, len(d.StatusCounts))
				for s := range d.StatusCounts {
					statuses = append(statuses, string(s))
				}
				sort.Strings(statuses)
				st := newTable("Status", "Count")
				for _, s := range statuses {
					st.AppendRow(table.Row{s, d.StatusCounts[domain.Status(s)]})
				}
				st.Render()
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for service integrations"}
	var actorID, role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to an actor and role",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a engine.Actor) error {
				plain, key, err := e.CreateAPIKey(ctx, a, actorID, r, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "role": key.Role, "name": key.Name, "key": plain})
				}
				fmt.Printf("api key %s for %s(%s)\n%s\nstore it now; it is not shown again\n", key.ID, key.ActorID, key.Role, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	create.Flags().StringVar(&role, "role", string(auth.RoleSystem), "role granted to the key")
	create.Flags().StringVar(&name, "name", "", "label")
	keys.AddCommand(create)
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyRevokeCmd())
	return keys
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a engine.Actor) error {
				keys, err := e.ListAPIKeys(ctx, a, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Role", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "only keys for this actor")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a engine.Actor) error {
				if err := e.RevokeAPIKey(ctx, a, args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect engine tunables",
		Long:  "coordline.yml holds the scoring weights, SLA windows and matching limits. Missing keys keep their defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			b, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default coordline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowHeaders bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			ws, err := app.Open(cmd.Context(), viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer ws.Close()
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), AllowActorHeaders: allowHeaders}
			if authCfg.JWTSecret == "" && !allowHeaders {
				return fmt.Errorf("COORDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg, Logger: log})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}()
			log.Info("serving coordline api", "addr", addr, "base_path", basePath, "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowHeaders, "allow-actor-headers", false, "trust X-Actor-Id/X-Actor-Role without credentials (local use only)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with COORDLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--subject is required")
			}
			tok, err := server.SignToken(viper.GetString("jwt-secret"), subject, r, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleCoordinator), "actor role")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
