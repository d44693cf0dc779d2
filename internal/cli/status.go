package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/nodegate/internal/core/config"
	redisclient "github.com/vietddude/nodegate/internal/infra/redis"
)

var statusSession string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check cache store connectivity and session allowance state",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusSession, "session", "", "session key to inspect")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	store, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	latency, err := store.Ping(ctx)
	if err != nil {
		slog.Error("Cache store unreachable", "error", err)
		os.Exit(1)
	}
	fmt.Printf("cache store OK (%s)\n", latency)

	if statusSession == "" {
		return
	}

	val, found, err := store.Get(ctx, redisclient.SessionKey(statusSession))
	if err != nil {
		slog.Error("Failed to read session allowance", "error", err)
		os.Exit(1)
	}
	if !found {
		fmt.Println("no allowance entry for session")
		return
	}

	var removed []string
	if err := json.Unmarshal([]byte(val), &removed); err != nil {
		slog.Error("Malformed session allowance entry", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "SESSION\tREMOVED NODE")
	for _, pk := range removed {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", statusSession, pk)
	}
	_ = w.Flush()
}
