package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aegisops/aegis/pkg/eventstore"
	"github.com/aegisops/aegis/pkg/models"
)

var watchCmd = &cobra.Command{
	Use:   "watch <incident-id>",
	Short: "Follow an incident's event stream live",
	Long: "Prints the incident's events so far, then streams new events as they are\n" +
		"appended, until the incident reaches a terminal phase or the watch is interrupted.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		return watchIncident(ctx, args[0])
	},
}

func watchIncident(ctx context.Context, incidentID string) error {
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

	// lastSeq tracks what has been printed; notifications at or below it are
	// duplicates from the catch-up overlap.
	var lastSeq atomic.Int64
	terminal := make(chan struct{})
	var terminalOnce atomic.Bool

	notify := make(chan int64, 64)
	listener := eventstore.NewNotifyListener(cfg.Database.DSN, func(_ string, payload []byte) {
		var env struct {
			Seq int64 `json:"seq"`
		}
		if err := json.Unmarshal(payload, &env); err != nil {
			return
		}
		select {
		case notify <- env.Seq:
		default:
		}
	})
	if err := listener.Start(ctx); err != nil {
		return err
	}
	defer listener.Stop(context.Background())
	if err := listener.Subscribe(ctx, eventstore.IncidentChannel(incidentID)); err != nil {
		return err
	}

	// Catch up after LISTEN is active so nothing falls in the gap.
	printFrom := func() error {
		events, err := store.Read(ctx, incidentID, lastSeq.Load()+1)
		if err != nil {
			return err
		}
		for _, ev := range events {
			printEvent(ev)
			lastSeq.Store(ev.SequenceNumber)
			if isTerminalKind(ev.Kind) && terminalOnce.CompareAndSwap(false, true) {
				close(terminal)
			}
		}
		return nil
	}
	if err := printFrom(); err != nil && !errors.Is(err, eventstore.ErrStreamNotFound) {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-terminal:
			return nil
		case seq := <-notify:
			if seq <= lastSeq.Load() {
				continue
			}
			// Always re-read from the store: the notification may be
			// truncated, and gaps from a dropped notify are covered too.
			if err := printFrom(); err != nil {
				return err
			}
		}
	}
}

func printEvent(ev models.IncidentEvent) {
	payload := string(ev.Payload)
	if len(payload) > 200 {
		payload = payload[:200] + "..."
	}
	fmt.Printf("%4d  %-20s  %s\n", ev.SequenceNumber, ev.Kind, payload)
}

func isTerminalKind(kind models.EventKind) bool {
	return kind == models.EventResolved || kind == models.EventEscalated
}
