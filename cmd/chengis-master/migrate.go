package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/ports"
	"github.com/chengis/chengis/internal/store/pgstore/migrations"
	"github.com/chengis/chengis/internal/sysconfig"
)

func newMigrateCmd(logger ports.Logger, configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect production database migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, dsn, err := loadDatabaseConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Database.Type != "production" {
				return cherrors.New(cherrors.CodeValidation, "migrate is only meaningful for database.type: production")
			}
			if err := migrations.Up(cmd.Context(), dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, dsn, err := loadDatabaseConfig(*configPath)
			if err != nil {
				return err
			}
			return migrations.Status(cmd.Context(), dsn)
		},
	})
	return cmd
}

func loadDatabaseConfig(path string) (sysconfig.Config, string, error) {
	cfg, err := sysconfig.Load(path)
	if err != nil {
		return cfg, "", err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, "", err
	}
	if cfg.Database.DSN == "" {
		return cfg, "", cherrors.New(cherrors.CodeValidation, "database.dsn is required")
	}
	return cfg, cfg.Database.DSN, nil
}
