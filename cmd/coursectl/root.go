// Command coursectl runs maintenance tasks against a course content store:
// migrations, legacy conversion, validation, version pruning, bundle
// transfer and search reindexing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"coursecore/api/internal/app"
	"coursecore/api/internal/config"
	"coursecore/api/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "coursectl",
	Short:         "Maintenance commands for the course content store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Replaced in tests.
var (
	loadConfig  = config.Load
	openService = app.Open
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withService opens the configured backends for the duration of fn.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *app.Service) error) error {
	cfg := loadConfig()
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := openService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
