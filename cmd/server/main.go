package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-erp-approvals/internal/auth"
	"github.com/pesio-ai/be-erp-approvals/internal/config"
	"github.com/pesio-ai/be-erp-approvals/internal/database"
	"github.com/pesio-ai/be-erp-approvals/internal/logger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "be-erp-approvals",
		Short:         "Multi-entity approval workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(cmd *cobra.Command, _ []string) error { return serve(cmd.Context()) },
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and gRPC servers",
			RunE:  func(cmd *cobra.Command, _ []string) error { return serve(cmd.Context()) },
		},
		migrateCommand(),
		definitionsCommand(),
		sideEffectsCommand(),
		tokenCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	return cfg, log, nil
}

func serve(ctx context.Context) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	log.Info().
		Str("environment", cfg.Service.Environment).
		Str("database_driver", cfg.Database.Driver).
		Str("events_driver", cfg.Events.Driver).
		Msg("Starting approvals service")

	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx)
}

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if err := database.MigrateUp(cfg.Database.DSN()); err != nil {
				return err
			}
			log.Info().Msg("Migrations applied successfully")
			return nil
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if err := database.MigrateDown(cfg.Database.DSN(), steps); err != nil {
				return err
			}
			log.Info().Int("steps", steps).Msg("Migrations rolled back")
			return nil
		},
	}
	down.Flags().Int("steps", 1, "Number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}

func definitionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "Manage workflow definitions",
	}

	load := &cobra.Command{
		Use:   "load",
		Short: "Create new versions for changed workflows in a seed file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				file = cfg.Definitions.SeedFile
			}

			a, err := build(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.definitions.LoadSeedFile(cmd.Context(), file)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %d workflow definition version(s) from %s\n", n, file)
			return nil
		},
	}
	load.Flags().String("file", "", "Seed file (defaults to definitions.seed_file)")

	cmd.AddCommand(load)
	return cmd
}

func sideEffectsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sideeffects",
		Short: "Inspect and replay failed side effects",
	}

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Replay unresolved side-effect failures once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := build(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.sync.RetrySideEffects(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d resolved=%d superseded=%d failed=%d\n",
				report.Attempted, report.Resolved, report.Superseded, report.Failed)
			return nil
		},
	}

	cmd.AddCommand(retry)
	return cmd
}

// tokenCommand signs a development token with the configured secret.
func tokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if sub == "" || role == "" {
				return fmt.Errorf("--sub and --role are required")
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			v := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
			token, err := v.Issue(auth.Actor{ID: sub, Role: role}, jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("sub", "", "Subject (user id)")
	cmd.Flags().String("role", "", "Role claim")
	cmd.Flags().Duration("ttl", 8*time.Hour, "Token lifetime")
	return cmd
}
