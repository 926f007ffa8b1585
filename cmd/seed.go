package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/jmehdipour/hookrelay/internal/db"
	"github.com/jmehdipour/hookrelay/internal/model"
	"github.com/jmehdipour/hookrelay/internal/repository"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// 2) connect MySQL
		sqlDB, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo workspaces...")

		if err := seedWorkspaces(cmd.Context(), repository.NewWorkspaceRepository(sqlDB)); err != nil {
			return err
		}

		log.Println(">> Seed completed")
		return nil
	},
}

func seedWorkspaces(ctx context.Context, repo repository.WorkspaceRepository) error {
	rps := 200
	workspaces := []model.Workspace{
		{ID: "01HQWS0000000000000000ACME", Name: "Acme", APIKey: "test_api_key_acme"},
		{ID: "01HQWS0000000000000000BETA", Name: "Beta", APIKey: "test_api_key_beta", RateLimitRPS: &rps},
	}

	for i := range workspaces {
		if err := repo.Upsert(ctx, &workspaces[i]); err != nil {
			return fmt.Errorf("upsert workspace %s: %w", workspaces[i].Name, err)
		}
		log.Printf("   workspace %s (%s) api_key=%s", workspaces[i].Name, workspaces[i].ID, workspaces[i].APIKey)
	}
	return nil
}
