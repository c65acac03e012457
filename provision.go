package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kanban-api/storage"
)

func provisionCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the table, index, schema and queues the service needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger.Info("provisioning starting")
			backend, err := storage.Open(ctx, storageOptions(cfg))
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			defer backend.Close()
			if err := storage.Provision(ctx, backend, cfg.Store.ConnectionString, []string{cfg.Events.Queue}, logger); err != nil {
				return fmt.Errorf("provision: %w", err)
			}
			logger.Info("provisioning complete")
			return nil
		},
	}
}
