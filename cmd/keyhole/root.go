package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keyhole-db/keyhole"
)

var rootCmd = &cobra.Command{
	Use:   "keyhole",
	Short: "Inspect and maintain a keyhole database",
	Long: `Inspect and maintain a keyhole database: list collections, read
records, run index queries and rebuild indexes. Flags can also be set via
environment variables with the KEYHOLE_ prefix (e.g. KEYHOLE_DB=./data.db)
or a .env file in the working directory.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().String("db", "keyhole.db", "path to the database file")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
}

func initConfig() {
	// A missing .env file is fine.
	_ = godotenv.Load()
	viper.SetEnvPrefix("KEYHOLE")
	viper.AutomaticEnv()
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

// openDB opens the database and re-registers every persisted collection
// and index, shape-less. Registration is idempotent and in-memory wiring
// is never restored automatically, so this is the mandatory first step
// of any out-of-process maintenance tool.
func openDB() (*keyhole.DB, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	db, err := keyhole.Open(viper.GetString("db"), keyhole.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	infos, err := db.ListCollections()
	if err != nil {
		db.Close()
		return nil, err
	}
	for _, info := range infos {
		for _, path := range info.FieldPaths {
			if err := db.RegisterIndex(info.Name, nil, path); err != nil {
				db.Close()
				return nil, err
			}
		}
	}
	return db, nil
}
