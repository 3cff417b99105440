package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthsync/healthsync/internal/config"
	"github.com/healthsync/healthsync/internal/domain/directory"
	"github.com/healthsync/healthsync/internal/domain/scheduling"
	"github.com/healthsync/healthsync/internal/platform/auth"
	"github.com/healthsync/healthsync/internal/platform/db"
	"github.com/healthsync/healthsync/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "healthsync-server",
		Short: "Appointment booking API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(bootstrapCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// newLogger writes JSON lines, or a human-readable console format in development.
func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// withPool loads config, connects to the configured schema and hands the
// pool to fn. Used by the one-shot commands.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				fmt.Printf("Running migrations on schema: %s\n", cfg.DBSchema)
				count, err := db.NewMigratorFS(pool, migrations.FS).Up(ctx, cfg.DBSchema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigratorFS(pool, migrations.FS).Status(ctx, cfg.DBSchema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", cfg.DBSchema)
				fmt.Print(formatStatus(statuses))
				return nil
			})
		},
	})

	return cmd
}

func formatStatus(statuses []db.MigrationStatus) string {
	out := fmt.Sprintf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	out += "---------- ---------------------------------------- ---------- --------------------\n"
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		out += fmt.Sprintf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
	return out
}

// bootstrapCmd creates the initial superadmin account so hospitals can be
// registered. Running it again is a no-op for an existing username.
func bootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the initial superadmin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				password = os.Getenv("BOOTSTRAP_PASSWORD")
			}
			if username == "" || email == "" || password == "" {
				return fmt.Errorf("--username, --email and --password (or BOOTSTRAP_PASSWORD) are required")
			}

			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				logger := newLogger(cfg.Env)
				dirSvc := directory.NewService(
					directory.NewUserRepoPG(pool),
					directory.NewHospitalRepoPG(pool),
					directory.NewDepartmentRepoPG(pool),
					directory.NewDoctorRepoPG(pool),
					db.NewTxRunner(pool),
					scheduling.NewSeeder(scheduling.NewAvailabilityRepoPG(pool)),
					logger,
				)
				u, created, err := dirSvc.EnsureUser(ctx, username, email, password, auth.RoleSuperAdmin)
				if err != nil {
					return err
				}
				if !created {
					fmt.Printf("User %s already exists (id %s).\n", u.Username, u.ID)
				} else {
					fmt.Printf("Created superadmin %s (id %s).\n", u.Username, u.ID)
				}

				if cfg.AuthSigningKey != "" {
					token, err := auth.IssueToken(jwtConfig(cfg), u.ID.String(), u.Role, 24*time.Hour)
					if err != nil {
						return fmt.Errorf("issue token: %w", err)
					}
					fmt.Printf("Token (24h): %s\n", token)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("username", "superadmin", "Superadmin username")
	cmd.Flags().String("email", "", "Superadmin e-mail address")
	cmd.Flags().String("password", "", "Superadmin password")
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{Issuer: cfg.AuthIssuer, SigningKey: []byte(cfg.AuthSigningKey)}
}
