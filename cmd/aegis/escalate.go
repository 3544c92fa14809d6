package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aegisops/aegis/pkg/eventstore"
	"github.com/aegisops/aegis/pkg/services"
)

var escalateCmd = &cobra.Command{
	Use:   "escalate <incident-id> <reason...>",
	Short: "Force an incident over to human operators",
	Long: "Appends a durable Escalated event. A pod currently processing the incident\n" +
		"loses its lease on its next append and backs off.",
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		incidentID := args[0]
		reason := strings.Join(args[1:], " ")

		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		dbClient, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = dbClient.Close() }()

		db := dbClient.DB()
		service := services.NewIncidentService(
			services.NewPostgresRepo(db),
			eventstore.NewPostgresStore(db, cfg.Database.Partitions),
			cfg, slog.Default())

		if err := service.Escalate(ctx, incidentID, reason); err != nil {
			return err
		}
		fmt.Printf("incident %s escalated: %s\n", incidentID, reason)
		return nil
	},
}
