package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aegisops/aegis/pkg/eventstore"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <incident-id>",
	Short: "Verify the integrity chain of an incident's event stream",
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
		events, err := store.Read(ctx, incidentID, 1)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return fmt.Errorf("%w: %s", eventstore.ErrStreamNotFound, incidentID)
		}

		if err := eventstore.VerifyChain(incidentID, events); err != nil {
			var corrupt *eventstore.CorruptionError
			if errors.As(err, &corrupt) {
				fmt.Printf("CORRUPT: incident %s, first bad event at seq %d: %s\n",
					incidentID, corrupt.Seq, corrupt.Reason)
			}
			return err
		}

		fmt.Printf("OK: incident %s, %d events, chain intact\n", incidentID, len(events))
		return nil
	},
}
