package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"coursecore/api/internal/app"
	"coursecore/api/internal/auth"
	"coursecore/api/internal/export"
	"coursecore/api/internal/store"
)

var (
	migrateDown  int
	actingUser   string
	pruneKeep    int
	exportFormat string
	exportOut    string
	tokenName    string
	tokenTTL     time.Duration
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations, or revert the newest ones with --down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.UsesMemoryStore() {
			return errors.New("migrate needs a Postgres DATABASE_URL")
		}
		db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		var names []string
		verb := "applied"
		if migrateDown > 0 {
			verb = "reverted"
			names, err = store.RollbackMigrations(cmd.Context(), db, cfg.MigrationsDir, migrateDown)
		} else {
			names, err = store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir)
		}
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, name)
		}
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to do")
		}
		return nil
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert-legacy <course-id>",
	Short: "Split a legacy course's content blob into sections",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *app.Service) error {
			conv, err := svc.Legacy.ConvertLegacyCourse(ctx, args[0], actingUser)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), conv)
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <course-id>",
	Short: "Check a course's section hierarchy for structural problems",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *app.Service) error {
			report, err := svc.Tree.ValidateHierarchy(ctx, args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Valid {
				return fmt.Errorf("course %s has %d hierarchy issues", args[0], len(report.Issues))
			}
			return nil
		})
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune-versions <course-id>",
	Short: "Drop old versions of every section in a course",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *app.Service) error {
			keep := pruneKeep
			if keep < 0 {
				keep = svc.Versions.Retention()
			}
			removed, err := svc.PruneVersions(ctx, args[0], keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d versions, kept at most %d per section\n", removed, keep)
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <course-id>",
	Short: "Export a course as a bundle, HTML, PDF or DOCX file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := export.ParseFormat(exportFormat)
		if err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service) error {
			result, err := svc.Export.Export(ctx, args[0], actingUser, format)
			if err != nil {
				return err
			}
			out := exportOut
			if out == "" {
				out = result.Filename
			}
			if err := os.WriteFile(out, result.Data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(result.Data))
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <bundle-file>",
	Short: "Create a new course from an exported bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read bundle: %w", err)
		}
		return withService(cmd, func(ctx context.Context, svc *app.Service) error {
			imported, err := svc.Export.ImportBundle(ctx, data, actingUser)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported course %s with %d sections\n", imported.CourseID, len(imported.Sections))
			return nil
		})
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <course-id>",
	Short: "Snapshot a course bundle to the archive and object storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *app.Service) error {
			pub, err := svc.Export.PublishBundle(ctx, args[0], actingUser)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pub)
		})
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex <course-id>",
	Short: "Push every section of a course to the search index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *app.Service) error {
			indexed, n, err := svc.Reindex(ctx, args[0])
			if err != nil {
				return err
			}
			if !indexed {
				fmt.Fprintln(cmd.OutOrStdout(), "no search index configured; searches scan the store")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reindexed %d sections\n", n)
			return nil
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "issue-token <user-id>",
	Short: "Sign a bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		token, err := auth.IssueUserToken([]byte(cfg.TokenSecret), args[0], tokenName, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&actingUser, "user", "u", "", "User id the command acts as")

	migrateCmd.Flags().IntVar(&migrateDown, "down", 0, "Revert this many of the newest applied migrations")
	pruneCmd.Flags().IntVar(&pruneKeep, "keep", -1, "Versions to keep per section (default: configured retention)")
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", string(export.FormatBundle), "Export format: bundle, html, pdf or docx")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default: derived from the course title)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name carried in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTTL, "Token lifetime")

	rootCmd.AddCommand(migrateCmd, convertCmd, validateCmd, pruneCmd, exportCmd, importCmd, publishCmd, reindexCmd, tokenCmd)
}
