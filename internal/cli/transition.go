package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/example/pipectl/internal/ctxutil"
	"github.com/example/pipectl/internal/ports/primary"
	"github.com/example/pipectl/internal/wire"
)

// TransitionCmd returns the transition command
func TransitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transition [entity_id] [phase]",
		Short: "Request a phase transition",
		Long: `Request a phase transition for an entity.

The transition is validated against the workflow graph, committed with
optimistic concurrency (conflicts are retried internally), and the
resulting tag changes are applied to the external issue. A tag sync
failure is reported but never rolls back the committed transition.

Examples:
  pipectl transition E1 intake
  pipectl transition E1 plan_approved --actor reviewer-bot
  pipectl transition E1 failed --detail "build broken on main"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, _ := cmd.Flags().GetString("actor")
			detail, _ := cmd.Flags().GetString("detail")

			// --actor wins; otherwise the ambient identity is recorded.
			ctx := ctxutil.WithActor(context.Background(), ctxutil.DefaultActor())

			res, err := wire.WorkflowService().Transition(ctx, primary.TransitionRequest{
				EntityID:    args[0],
				TargetPhase: args[1],
				Actor:       actor,
				Detail:      detail,
			})
			if err != nil {
				return err
			}

			if res.SyncErr != nil {
				warn("transition committed but tag sync failed: %v", res.SyncErr)
				warn("re-run sync with: pipectl sync %s", res.Entity.EntityID)
			}

			return printJSON(res.Entity)
		},
	}

	cmd.Flags().String("actor", "", "Who requested the transition")
	cmd.Flags().String("detail", "", "Free-form status detail recorded with the transition")

	return cmd
}

// SyncCmd returns the sync command
func SyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [entity_id]",
		Short: "Reconcile the external issue's tags with the entity's phase",
		Long: `Recompute the desired tag set from the entity's current phase and
apply it to the external issue. Only tags this tool projects are touched.

Use after a transition whose tag sync failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sync := wire.SyncService()
			if sync == nil {
				return errSyncNotConfigured
			}

			entity, err := sync.Reconcile(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(entity)
		},
	}

	return cmd
}
