package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ehr/consentgate/internal/config"
	"github.com/ehr/consentgate/internal/domain/audit"
	"github.com/ehr/consentgate/internal/domain/organization"
	"github.com/ehr/consentgate/internal/platform/auth"
	"github.com/ehr/consentgate/internal/platform/db"
)

// mirrorMigrationsTable keeps the mirror's applied versions apart from the
// primary schema's when both live in one database.
const mirrorMigrationsTable = "schema_migrations_mirror"

// openPool loads config and connects to the primary database, or to the
// audit mirror when mirror is true.
func openPool(ctx context.Context, mirror bool) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	url := cfg.DatabaseURL
	if mirror {
		url = cfg.AuditMirrorDatabaseURL
		if url == "" {
			return nil, fmt.Errorf("AUDIT_MIRROR_DATABASE_URL is not set")
		}
	}
	if url == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, url, cfg.DBMaxConns, cfg.DBMinConns)
}

func newMigrator(pool *pgxpool.Pool, dir string, mirror bool) *db.Migrator {
	if mirror {
		return db.NewMigrator(pool, dir).WithTable(mirrorMigrationsTable)
	}
	return db.NewMigrator(pool, dir)
}

func migrationsDir(dir string, mirror bool) string {
	if dir != "" {
		return dir
	}
	if mirror {
		return "./migrations/mirror"
	}
	return "./migrations"
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			mirror, _ := cmd.Flags().GetBool("mirror")

			ctx := context.Background()
			pool, err := openPool(ctx, mirror)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := newMigrator(pool, migrationsDir(dir, mirror), mirror).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default ./migrations, or ./migrations/mirror with --mirror)")
	upCmd.Flags().Bool("mirror", false, "Migrate the audit mirror database")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			mirror, _ := cmd.Flags().GetBool("mirror")

			ctx := context.Background()
			pool, err := openPool(ctx, mirror)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := newMigrator(pool, migrationsDir(dir, mirror), mirror).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(os.Stdout, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory")
	statusCmd.Flags().Bool("mirror", false, "Show the audit mirror database")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Recompute the audit hash chain and report the first break",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx, false)
			if err != nil {
				return err
			}
			defer pool.Close()

			report, err := audit.VerifyChain(ctx, audit.NewRepo(pool))
			if err != nil {
				return fmt.Errorf("verify audit chain: %w", err)
			}
			if !report.OK() {
				return fmt.Errorf("audit chain broken at seq %d after %d event(s): %s",
					report.BrokenAt, report.Checked, report.Problem)
			}
			fmt.Printf("Audit chain intact: %d event(s) verified.\n", report.Checked)
			return nil
		},
	})
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a random 32-byte hex key for CONSENT_SIGNING_KEY or AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := generateKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}
}

func generateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

func sessionTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session-token <subject>",
		Short: "Mint a session token for a patient or operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY must be set to mint tokens the server will accept")
			}
			key, _, err := cfg.AuthKey()
			if err != nil {
				return err
			}
			if err := validateRoles(roles); err != nil {
				return err
			}

			token, err := auth.IssueSessionToken(auth.JWTConfig{Issuer: cfg.AuthIssuer, SigningKey: key}, args[0], roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSlice("role", []string{auth.RolePatient}, "Role claim (patient, admin); repeatable")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func validateRoles(roles []string) error {
	if len(roles) == 0 {
		return fmt.Errorf("at least one role is required")
	}
	for _, r := range roles {
		if r != auth.RolePatient && r != auth.RoleAdmin {
			return fmt.Errorf("unknown role %q", r)
		}
	}
	return nil
}

func orgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Manage the organization directory",
	}

	createCmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Register an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			typeCode, _ := cmd.Flags().GetString("type")
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			pool, err := openPool(ctx, false)
			if err != nil {
				return err
			}
			defer pool.Close()

			org := &organization.Organization{ID: args[0], Name: name, TypeCode: typeCode, Active: true}
			if err := organization.NewRepo(pool).Create(ctx, org); err != nil {
				return err
			}
			fmt.Printf("Organization %s (%s) created.\n", org.ID, org.TypeCode)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Display name")
	createCmd.Flags().String("type", organization.TypeHospital, "Organization type code")
	cmd.AddCommand(createCmd)

	for _, active := range []bool{true, false} {
		active := active
		use, short := "deactivate <id>", "Mark an organization inactive"
		if active {
			use, short = "activate <id>", "Mark an organization active"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := context.Background()
				pool, err := openPool(ctx, false)
				if err != nil {
					return err
				}
				defer pool.Close()
				return organization.NewRepo(pool).SetActive(ctx, args[0], active)
			},
		})
	}
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage organization API keys",
	}

	createCmd := &cobra.Command{
		Use:   "create <organization-id>",
		Short: "Issue an API key; the raw key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")

			ctx := context.Background()
			pool, err := openPool(ctx, false)
			if err != nil {
				return err
			}
			defer pool.Close()

			if _, err := organization.NewRepo(pool).GetOrganization(ctx, args[0]); err != nil {
				return err
			}

			var expiresAt *time.Time
			if ttl > 0 {
				t := time.Now().Add(ttl)
				expiresAt = &t
			}
			manager := auth.NewAPIKeyManager(auth.NewAPIKeyStorePG(pool), newLogger(os.Getenv("ENV")))
			key, raw, err := manager.GenerateKey(ctx, args[0], expiresAt)
			if err != nil {
				return err
			}
			fmt.Printf("key id: %s\n", key.ID)
			fmt.Printf("api key: %s\n", raw)
			return nil
		},
	}
	createCmd.Flags().Duration("ttl", 0, "Key lifetime; zero never expires")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := openPool(ctx, false)
			if err != nil {
				return err
			}
			defer pool.Close()
			manager := auth.NewAPIKeyManager(auth.NewAPIKeyStorePG(pool), newLogger(os.Getenv("ENV")))
			return manager.RevokeKey(ctx, args[0])
		},
	})
	return cmd
}
