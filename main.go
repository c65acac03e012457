package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kanban-api/config"
	"kanban-api/storage"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:          "kanban-api",
		Short:        "Kanban project and task board service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("KANBAN_CONFIG"), "config file (YAML or TOML)")

	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(provisionCmd(&cfgPath))

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}

// setup loads the configuration and builds the service logger from it.
func setup(cfgPath string) (*config.Config, *log.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger := log.New()
	logger.SetLevel(level)
	if cfg.Log.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return cfg, logger, nil
}

func storageOptions(cfg *config.Config) storage.Options {
	return storage.Options{
		Driver:           cfg.Store.Driver,
		ConnectionString: cfg.Store.ConnectionString,
		ProjectsTable:    cfg.Store.ProjectsTable,
		SQLitePath:       cfg.Store.SQLitePath,
		MongoURI:         cfg.Store.MongoURI,
		MongoDatabase:    cfg.Store.MongoDatabase,
		MongoCollection:  cfg.Store.MongoCollection,
	}
}
