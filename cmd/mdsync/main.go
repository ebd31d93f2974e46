package main

import (
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/mdsync/mdsync/internal/alert"
	"github.com/mdsync/mdsync/internal/canonical"
	"github.com/mdsync/mdsync/internal/config"
	"github.com/mdsync/mdsync/internal/ledger"
	"github.com/mdsync/mdsync/internal/relational"
	"github.com/mdsync/mdsync/internal/schemaguard"
	"github.com/mdsync/mdsync/internal/syncsvc"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mdsync",
	Short: "mdsync - replicated masterdata write pipeline",
	Long:  `A signed, hash-chained transaction ledger with a unified sync write path for replicated masterdata tables`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "mdsync.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(replayCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mdsync v0.1.0-alpha")
		fmt.Println("Replicated masterdata ledger")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the mdsync node: signing key, ledger and database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		keys, err := canonical.LoadOrGenerateKeyPair(keyFilePath(cfg))
		if err != nil {
			return fmt.Errorf("failed to initialize signing key: %w", err)
		}

		ld, err := ledger.Open(ledgerPath(cfg), ledger.Options{
			Keys:            keys,
			CheckpointEvery: cfg.Ledger.CheckpointInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize ledger: %w", err)
		}
		defer ld.Close()

		db, dialect, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		store := relational.NewStore(db, dialect, syncsvc.TableDefs(), nil)
		if err := store.EnsureSchema(cmd.Context()); err != nil {
			return fmt.Errorf("failed to create database schema: %w", err)
		}

		fmt.Printf("Initialized mdsync node: %s\n", cfg.Node.ID)
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Signer public key: %s\n", keys.PublicHex())

		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mdsync node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Printf("Starting mdsync node: %s\n", cfg.Node.ID)

		keys, err := canonical.LoadOrGenerateKeyPair(keyFilePath(cfg))
		if err != nil {
			return fmt.Errorf("failed to load signing key: %w", err)
		}

		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)

		ld, err := ledger.Open(ledgerPath(cfg), ledger.Options{
			Keys:            keys,
			CheckpointEvery: cfg.Ledger.CheckpointInterval,
			Alerts:          alerts,
		})
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer ld.Close()

		db, dialect, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		store := relational.NewStore(db, dialect, syncsvc.TableDefs(), nil)
		if err := store.EnsureSchema(cmd.Context()); err != nil {
			return fmt.Errorf("failed to ensure database schema: %w", err)
		}

		mode, err := schemaguard.ParseMode(cfg.Sync.SchemaGuard)
		if err != nil {
			return err
		}
		guard := schemaguard.New(db, dialect, mode, nil)
		if err := guard.Ensure(cmd.Context(), syncsvc.Tables(), ledger.Tables); err != nil {
			return fmt.Errorf("schema guard failed: %w", err)
		}

		fmt.Println("Running startup ledger verification...")
		if err := ld.VerifyChain(); err != nil {
			if alertErr := alerts.SendSystemAlert("Startup Verification Failed", err.Error(), "danger"); alertErr != nil {
				fmt.Printf("Failed to send alert: %v\n", alertErr)
			}
			return fmt.Errorf("ledger verification failed: %w", err)
		}
		fmt.Println("Ledger verified")

		idx := ld.Index()
		fmt.Printf("Ledger at height %d, seq %d\n", idx.LastHeight, idx.LastSeq)
		fmt.Println("mdsync node is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ld, err := ledger.Open(ledgerPath(cfg), ledger.Options{
			CheckpointEvery: cfg.Ledger.CheckpointInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer ld.Close()

		idx := ld.Index()
		fmt.Printf("Node ID: %s\n", cfg.Node.ID)
		fmt.Printf("Ledger height: %d\n", idx.LastHeight)
		fmt.Printf("Last sequence: %d\n", idx.LastSeq)
		fmt.Printf("Chain head: %s\n", idx.LastHash)

		cp, err := ld.LoadCheckpoint()
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if cp == nil {
			fmt.Println("Checkpoint: none yet")
		} else {
			fmt.Printf("Checkpoint: height %d, seq %d\n", cp.Height, cp.Seq)
			fmt.Printf("State hash: %s\n", cp.StateHash)
		}

		db, dialect, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		store := relational.NewStore(db, dialect, syncsvc.TableDefs(), nil)
		fmt.Println("\nReplicated tables:")
		for _, table := range store.Tables() {
			n, err := store.CountRows(cmd.Context(), table)
			if err != nil {
				fmt.Printf("  - %s (not yet created)\n", table)
				continue
			}
			fmt.Printf("  - %s: %d rows\n", table, n)
		}

		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify ledger hash chain and state integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ld, err := ledger.Open(ledgerPath(cfg), ledger.Options{
			CheckpointEvery: cfg.Ledger.CheckpointInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer ld.Close()

		fmt.Println("Verifying ledger...")
		if err := ld.VerifyChain(); err != nil {
			fmt.Printf("  ❌ FAILED: %v\n", err)
			return err
		}
		fmt.Println("  ✅ OK: hash chain and state are intact")

		cp, err := ld.LoadCheckpoint()
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if cp != nil {
			stateHash, _, err := ld.StateHashes()
			if err != nil {
				return err
			}
			idx := ld.Index()
			if cp.Height == idx.LastHeight && cp.StateHash != stateHash {
				return fmt.Errorf("checkpoint state hash mismatch at height %d", cp.Height)
			}
			fmt.Printf("  ✅ Checkpoint at height %d consistent\n", cp.Height)
		}

		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild the relational store from the canonical ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ld, err := ledger.Open(ledgerPath(cfg), ledger.Options{
			CheckpointEvery: cfg.Ledger.CheckpointInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer ld.Close()

		db, dialect, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		store := relational.NewStore(db, dialect, syncsvc.TableDefs(), nil)
		if err := store.EnsureSchema(cmd.Context()); err != nil {
			return fmt.Errorf("failed to ensure database schema: %w", err)
		}

		fmt.Println("Replaying ledger into relational store...")
		applied, err := store.ReplayFromLedger(cmd.Context(), ld)
		if err != nil {
			return fmt.Errorf("replay failed: %w", err)
		}

		fmt.Printf("Replay complete: %d rows applied\n", applied)
		return nil
	},
}

func ledgerPath(cfg *config.Config) string {
	return filepath.Join(cfg.Node.DataDir, "ledger.db")
}

func keyFilePath(cfg *config.Config) string {
	if cfg.Ledger.KeyFile != "" {
		return cfg.Ledger.KeyFile
	}
	return filepath.Join(cfg.Node.DataDir, "signer.json")
}

func openDB(cfg *config.Config) (*sql.DB, relational.Dialect, error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := sql.Open("pgx", cfg.Database.ConnectionString())
		if err != nil {
			return nil, 0, fmt.Errorf("failed to open postgres database: %w", err)
		}
		return db, relational.Postgres, nil
	default:
		db, err := sql.Open("sqlite3", cfg.Database.Path)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		return db, relational.SQLite, nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
