package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/registry"
	"gorm.io/gorm"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sessions and workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}
			return runStatus(cmd, gormDB, cfg)
		},
	}
}

func runStatus(cmd *cobra.Command, gormDB *gorm.DB, cfg *config.Config) error {
	out := cmd.OutOrStdout()

	reg, err := registry.NewRegistry(registry.RegistryOpts{
		DB:               gormDB,
		HeartbeatTimeout: time.Duration(cfg.Workers.HeartbeatTimeoutSec) * time.Second,
	})
	if err != nil {
		return err
	}
	workers, err := reg.List()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Workers (%d):\n", len(workers))
	for _, w := range workers {
		fmt.Fprintf(out, "  %-12d %-8s %-30s last heartbeat %s\n",
			w.BotUserID, w.Status, w.Endpoint, w.LastHeartbeat.Format(time.RFC3339))
	}

	var sessions []models.LoginSession
	if err := gormDB.Where("expires_at > ?", time.Now()).
		Order("updated_at DESC").Limit(50).Find(&sessions).Error; err != nil {
		return fmt.Errorf("status: sessions: %w", err)
	}

	fmt.Fprintf(out, "\nSessions (%d):\n", len(sessions))
	for _, s := range sessions {
		tg := "-"
		if s.TelegramUserID != nil {
			tg = fmt.Sprintf("%d", *s.TelegramUserID)
		}
		fmt.Fprintf(out, "  %-38s bot=%-12d tg=%-10s %-6s %s\n",
			s.RequestID, s.BotUserID, tg, s.Source, s.State)
	}
	return nil
}
