package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the engine's own tables",
	Long: `Create the metadata and role tables the engine stores workspace
definitions in. Safe to run repeatedly; existing tables are left alone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.store.Migrate(ctx); err != nil {
			return fmt.Errorf("metadata tables: %w", err)
		}
		if err := a.roles.Migrate(ctx); err != nil {
			return fmt.Errorf("role tables: %w", err)
		}
		fmt.Println("migrations applied")
		return nil
	},
}
