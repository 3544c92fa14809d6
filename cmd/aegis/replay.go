package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aegisops/aegis/pkg/eventstore"
)

var replayCmd = &cobra.Command{
	Use:   "replay <incident-id>",
	Short: "Rebuild an incident aggregate from its event stream and print it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		incidentID := args[0]

		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		dbClient, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = dbClient.Close() }()

		store := eventstore.NewPostgresStore(dbClient.DB(), cfg.Database.Partitions)
		incident, err := eventstore.Load(ctx, store, incidentID)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(incident, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode aggregate: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}
