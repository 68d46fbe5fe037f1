package main

import (
	"context"
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/ehconitin/twenty/internal/engine/compile"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <workspace-id>",
	Short: "Create a workspace and materialize its schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		workspaceID := args[0]
		if err := a.store.CreateWorkspace(ctx, workspaceID); err != nil {
			return err
		}
		schema, err := a.schemas.GetCompiledSchema(ctx, workspaceID)
		if err != nil {
			return err
		}
		for _, stmt := range schema.TablePlan {
			if _, err := a.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("materialize schema: %w", err)
			}
		}
		fmt.Printf("workspace %s created (schema %s)\n",
			workspaceID, compile.PhysicalSchemaName(workspaceID))
		return nil
	},
}

var workspaceDeleteForce bool

var workspaceDeleteCmd = &cobra.Command{
	Use:   "delete <workspace-id>",
	Short: "Delete a workspace, its definitions, and its data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID := args[0]
		if !workspaceDeleteForce {
			confirmed := false
			prompt := &survey.Confirm{
				Message: fmt.Sprintf("Delete workspace %q and ALL of its data?", workspaceID),
			}
			if err := survey.AskOne(prompt, &confirmed); err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("aborted")
				return nil
			}
		}

		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.store.DeleteWorkspace(ctx, workspaceID); err != nil {
			return err
		}
		physical := compile.PhysicalSchemaName(workspaceID)
		if _, err := a.db.ExecContext(ctx,
			fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pq.QuoteIdentifier(physical))); err != nil {
			return fmt.Errorf("drop schema: %w", err)
		}
		if err := a.schemas.Teardown(ctx, workspaceID); err != nil {
			return err
		}
		if err := a.resolver.Invalidate(ctx, workspaceID); err != nil {
			return err
		}
		fmt.Printf("workspace %s deleted\n", workspaceID)
		return nil
	},
}

var workspaceVersionCmd = &cobra.Command{
	Use:   "show <workspace-id>",
	Short: "Show a workspace's metadata version and objects",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		objects, version, err := a.store.GetObjectMetadata(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("workspace %s at version %d\n", args[0], version)
		for _, obj := range objects {
			state := "active"
			if !obj.IsActive {
				state = "inactive"
			}
			fmt.Printf("  %s (%s, %d fields)\n", obj.NameSingular, state, len(obj.Fields))
		}
		return nil
	},
}

func init() {
	workspaceDeleteCmd.Flags().BoolVarP(&workspaceDeleteForce, "force", "f", false,
		"skip the confirmation prompt")
	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCmd.AddCommand(workspaceDeleteCmd)
	workspaceCmd.AddCommand(workspaceVersionCmd)
}
