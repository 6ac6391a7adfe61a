package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coordline/internal/app"
	"coordline/internal/engine"
	"coordline/internal/engine/auth"
	"coordline/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Coordline CLI",
	Long: `Coordline coordinates service requests between clients and providers.
- Request: a client's job; statuses go submitted -> confirmed -> assigned -> accepted -> in_progress -> completed -> verified (cancelled is the exit).
- Assignment: one attempt to hand a request to a provider; at most one is active at a time.
- SLA: every stage has a deadline set by priority; breaches are evaluated when you read.
- Escalation: raises a request's escalation level for the coordination desk.
- Reliability: a 0-100 trust score per provider, used to rank candidates.
- Workspace: .coordline holds the database; coordline.yml holds the tunables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return app.LoadEnv(viper.GetString("workspace"))
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COORDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-role", string(auth.RoleAdmin), "actor role (admin, coordinator, provider, client, system)")
	rootCmd.PersistentFlags().String("env", "production", "logging environment (development logs text at debug level)")
	for _, name := range []string{"workspace", "json", "actor-id", "actor-role", "env"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(providerCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func newLogger() *logger.Logger {
	return logger.New(viper.GetString("env"))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func currentActor() (engine.Actor, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return engine.Actor{}, fmt.Errorf("--actor-id is required")
	}
	role, err := auth.ParseRole(viper.GetString("actor-role"))
	if err != nil {
		return engine.Actor{}, err
	}
	return engine.Actor{ID: id, Role: role}, nil
}

// withActor is withEngine for mutations.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, engine.Actor) error) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e, actor)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
