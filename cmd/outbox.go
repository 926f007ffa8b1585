package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jmehdipour/hookrelay/internal/db"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/spf13/cobra"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect the outbox",
}

var pendingLimit int

var outboxPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending outbox events, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		sqlDB, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		rows, err := repository.NewOutboxRepository(sqlDB).ListPending(cmd.Context(), pendingLimit)
		if err != nil {
			return fmt.Errorf("list pending: %w", err)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tWORKSPACE\tTYPE\tAGE")
		now := time.Now().UTC()
		for _, ev := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.ID, ev.WorkspaceID, ev.EventType, now.Sub(ev.CreatedAt).Truncate(time.Second))
		}
		return tw.Flush()
	},
}

func init() {
	outboxPendingCmd.Flags().IntVar(&pendingLimit, "limit", 50, "max events to show")
	outboxCmd.AddCommand(outboxPendingCmd)
}
