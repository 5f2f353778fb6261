package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/heron/pkg/config"
	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/storage"
	"github.com/cuemby/heron/pkg/types"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
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
	Use:   "heron-migrate",
	Short: "Prepare the heron observation store",
	Long: `heron-migrate creates or upgrades the schema of the configured
observation store and optionally imports a watch list.

For postgres it runs the table migrations. For bolt it backs up the
database file, reports every bucket and creates the missing ones.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "", "Path to YAML configuration file")
	rootCmd.Flags().String("driver", "", "Storage driver (bolt, postgres), overrides storage.driver")
	rootCmd.Flags().String("data-dir", "", "Bolt data directory, overrides storage.data_dir")
	rootCmd.Flags().String("postgres-dsn", "", "Postgres DSN, overrides storage.postgres_dsn")
	rootCmd.Flags().String("import", "", "JSON file with an array of watched entities to import")
	rootCmd.Flags().String("backup", "", "Bolt backup path (default: <data-dir>/heron.db.backup)")
	rootCmd.Flags().Bool("dry-run", false, "Show what would change without changing anything")
}

func run(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("driver"); v != "" {
		cfg.Storage.Driver = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("postgres-dsn"); v != "" {
		cfg.Storage.Postgres = v
	}
	log.Init(cfg.Log)
	logger := log.WithComponent("migrate")

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	importPath, _ := cmd.Flags().GetString("import")

	var entities []*types.WatchedEntity
	if importPath != "" {
		if entities, err = readWatchList(importPath); err != nil {
			return err
		}
		logger.Info().Str("file", importPath).Int("entities", len(entities)).Msg("watch list loaded")
	}

	ctx := cmd.Context()
	var store storage.Store
	switch cfg.Storage.Driver {
	case "postgres":
		store, err = migratePostgres(ctx, cfg.Storage.Postgres, dryRun)
	case "", "bolt":
		backup, _ := cmd.Flags().GetString("backup")
		store, err = migrateBolt(cfg.Storage.DataDir, backup, dryRun)
	default:
		return fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
	if err != nil {
		return err
	}
	if store == nil {
		logger.Info().Msg("dry run completed, no changes made")
		return nil
	}
	defer store.Close()

	if len(entities) > 0 {
		n, err := importEntities(ctx, store, entities)
		if err != nil {
			return err
		}
		logger.Info().Int("imported", n).Msg("watch list imported")
	}

	fmt.Println("✓ Migration completed successfully")
	return nil
}

// migratePostgres runs the table migrations. A dry run only lists tables.
func migratePostgres(ctx context.Context, dsn string, dryRun bool) (storage.Store, error) {
	logger := log.WithComponent("migrate")
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}

	if dryRun {
		for _, m := range storage.Models {
			if t, ok := m.(interface{ TableName() string }); ok {
				logger.Info().Str("table", t.TableName()).Msg("[dry run] would migrate table")
			}
		}
		return nil, nil
	}

	store, err := storage.NewGormStore(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := store.AutoMigrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	logger.Info().Int("tables", len(storage.Models)).Msg("tables migrated")
	return store, nil
}

// migrateBolt backs up an existing database, reports its buckets and opens
// it through the store, which creates any missing bucket
func migrateBolt(dataDir, backup string, dryRun bool) (storage.Store, error) {
	logger := log.WithComponent("migrate")
	if dataDir == "" {
		return nil, errors.New("data directory is required for bolt")
	}
	dbPath := filepath.Join(dataDir, storage.DBFile)

	_, statErr := os.Stat(dbPath)
	exists := statErr == nil
	if exists {
		counts, err := inspectBolt(dbPath)
		if err != nil {
			return nil, err
		}
		for _, b := range storage.Buckets {
			n, ok := counts[string(b)]
			if !ok {
				logger.Info().Str("bucket", string(b)).Msg("bucket missing, will be created")
				continue
			}
			logger.Info().Str("bucket", string(b)).Int("keys", n).Msg("bucket present")
		}
	} else {
		logger.Info().Str("path", dbPath).Msg("database not found, will be created")
	}

	if dryRun {
		return nil, nil
	}

	if exists {
		if backup == "" {
			backup = dbPath + ".backup"
		}
		if err := copyFile(dbPath, backup); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		logger.Info().Str("backup", backup).Msg("backup created")
	}

	return storage.NewBoltStore(dataDir)
}

// inspectBolt counts keys per bucket without modifying the file
func inspectBolt(path string) (map[string]int, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true, Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database (is a node running?): %w", err)
	}
	defer db.Close()

	counts := make(map[string]int)
	err = db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			counts[string(name)] = b.Stats().KeyN
			return nil
		})
	})
	return counts, err
}

func readWatchList(path string) ([]*types.WatchedEntity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watch list: %w", err)
	}
	var entities []*types.WatchedEntity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("failed to parse watch list: %w", err)
	}
	for i, e := range entities {
		if e == nil || e.Code == "" {
			return nil, fmt.Errorf("watch list entry %d has no code", i)
		}
	}
	return entities, nil
}

// importEntities saves entities that are not stored yet. Existing rows keep
// their refreshed prices.
func importEntities(ctx context.Context, store storage.Store, entities []*types.WatchedEntity) (int, error) {
	var n int
	for _, e := range entities {
		_, err := store.GetEntity(ctx, e.Code)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return n, err
		}
		if err := store.SaveEntity(ctx, e); err != nil {
			return n, fmt.Errorf("failed to import %s: %w", e.Code, err)
		}
		n++
	}
	return n, nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
