package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/pipectl/internal/ports/primary"
	"github.com/example/pipectl/internal/wire"
)

// InitCmd returns the init command
func InitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [entity_id] [external_ref]",
		Short: "Create a new entity in the queued phase",
		Long: `Create a new workflow entity tracking an external issue.

The entity starts in the queued phase at version 1 with an empty history.
external_ref is the issue number in the configured repository.

Examples:
  pipectl init FEAT-runtime-cache 118
  pipectl init E1 42`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			entity, err := wire.WorkflowService().CreateEntity(ctx, primary.CreateEntityRequest{
				EntityID:    args[0],
				ExternalRef: args[1],
			})
			if err != nil {
				return fmt.Errorf("failed to create entity: %w", err)
			}

			// Project the initial phase tag; the ledger entry stands
			// either way.
			if sync := wire.SyncService(); sync != nil {
				if synced, err := sync.Reconcile(ctx, entity.EntityID); err != nil {
					warn("entity created but tag sync failed: %v", err)
				} else {
					entity = synced
				}
			}

			return printJSON(entity)
		},
	}

	return cmd
}

// ShowCmd returns the show command
func ShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [entity_id]",
		Short: "Show an entity with its full transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, err := wire.WorkflowService().GetEntity(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(entity)
		},
	}

	return cmd
}

// ListCmd returns the list command
func ListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities, optionally filtered by phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			phaseFilter, _ := cmd.Flags().GetString("phase")
			limit, _ := cmd.Flags().GetInt("limit")

			entities, err := wire.WorkflowService().ListEntities(context.Background(), primary.EntityFilters{
				Phase: phaseFilter,
				Limit: limit,
			})
			if err != nil {
				return fmt.Errorf("failed to list entities: %w", err)
			}

			return printJSON(entities)
		},
	}

	cmd.Flags().String("phase", "", "Only entities currently in this phase")
	cmd.Flags().Int("limit", 0, "Maximum number of entities to return")

	return cmd
}

// DetailCmd returns the detail command
func DetailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detail [entity_id] [text]",
		Short: "Replace an entity's free-form phase detail",
		Long: `Replace the phase detail without changing the phase.

The mutation is versioned like any other but does not append a history
record; history counts phase transitions only.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, err := wire.WorkflowService().UpdateDetail(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(entity)
		},
	}

	return cmd
}

// ErrorCmd returns the error command group
func ErrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "error",
		Short: "Manage an entity's error slot",
	}

	setCmd := &cobra.Command{
		Use:   "set [entity_id] [message]",
		Short: "Record a failure in an entity's error slot",
		Long: `Record a failure in the entity's error slot.

Setting an error for the same step again increments its retry count.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, _ := cmd.Flags().GetString("step")
			entity, err := wire.WorkflowService().SetError(context.Background(), args[0], args[1], step)
			if err != nil {
				return err
			}
			return printJSON(entity)
		},
	}
	setCmd.Flags().String("step", "", "Pipeline step the failure belongs to")
	cmd.AddCommand(setCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "clear [entity_id]",
		Short: "Explicitly clear an entity's error slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity, err := wire.WorkflowService().ClearError(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(entity)
		},
	})

	return cmd
}
