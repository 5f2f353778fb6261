package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/heron/pkg/config"
	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/redisstore"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "heron",
	Short: "Heron - self-healing distributed refresh scheduler",
	Long: `Heron keeps a watch list of market instruments fresh across a cluster
of nodes. One elected master produces work, every node consumes it, and a
watchdog re-seeds any entity whose refresh loop has stalled.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Heron version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Heron version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringSlice("redis-addr", nil, "Redis address(es), overrides redis.addresses")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(denylistCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(seedCmd)
}

// loadConfig reads the config file and applies persistent flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if addrs, _ := cmd.Flags().GetStringSlice("redis-addr"); len(addrs) > 0 {
		cfg.Redis.Addresses = addrs
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = log.ParseLevel(level)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// connect loads config, initialises logging and dials the coordination store
func connect(cmd *cobra.Command) (*config.Config, redis.UniversalClient, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log.Init(cfg.Log)

	client, err := redisstore.Connect(cmd.Context(), cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return cfg, client, nil
}
