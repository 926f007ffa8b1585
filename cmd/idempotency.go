package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/jmehdipour/hookrelay/internal/db"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/spf13/cobra"
)

var idempotencyCmd = &cobra.Command{
	Use:   "idempotency",
	Short: "Idempotency record maintenance",
}

var purgeGrace time.Duration

var idempotencyPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired idempotency records from MySQL",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Idempotency.Backend == "redis" {
			log.Println(">> redis backend expires keys on its own, nothing to purge")
			return nil
		}

		sqlDB, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		store := repository.NewMySQLIdempotencyStore(sqlDB)
		n, err := store.PurgeExpired(cmd.Context(), time.Now().UTC().Add(-purgeGrace))
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		log.Printf(">> purged %d expired idempotency records", n)
		return nil
	},
}

func init() {
	idempotencyPurgeCmd.Flags().DurationVar(&purgeGrace, "grace", 0, "keep records that expired less than this long ago")
	idempotencyCmd.AddCommand(idempotencyPurgeCmd)
}
