package cli

import (
	"fmt"

	"github.com/dbplane/dbplane/internal/engine"
	"github.com/dbplane/dbplane/internal/eval"
	"github.com/dbplane/dbplane/internal/registry"
	"github.com/spf13/cobra"
)

var destroyAutoApprove bool

var destroyCmd = &cobra.Command{
	Use:   "destroy [config-path]",
	Short: "Destroy the cluster and its supporting identities",
	Long: `Destroys all resources tracked in the state file, in reverse dependency
order. A cluster with deletion protection enabled fails the destroy plan;
disable it and apply first.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	store, err := loadStateStore(wd, evaluator)
	if err != nil {
		return err
	}
	eng := engine.NewEngine(registry.NewRegistry())

	if err := store.Lock(); err != nil {
		return err
	}
	defer store.Unlock()

	// Config is optional for destroy; the deletion protection pre-check
	// uses it when present.
	cfg, err := evaluator.LoadConfig(ctx, entryPoint, nil)
	if err != nil {
		cfg = nil
	}

	currentState, err := store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if len(currentState.Resources) == 0 {
		fmt.Println("No resources to destroy.")
		return nil
	}

	plan, err := eng.CreateDestroyPlan(ctx, cfg, currentState)
	if err != nil {
		return fmt.Errorf("destroy plan failed: %w", err)
	}

	fmt.Println("dbplane will destroy the following resources:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if !confirm("Do you really want to destroy all resources?", destroyAutoApprove) {
		fmt.Println("Destroy cancelled.")
		return nil
	}

	fmt.Printf("\nDestroying %d resources...\n", len(plan.Changes))

	audit := AuditEntry{Operation: "destroy"}
	for _, change := range plan.Changes {
		audit.Changes = append(audit.Changes, AuditChange{Address: change.Address, Action: change.Action})
	}

	newState, err := eng.ApplyPlanWithCallback(ctx, plan, currentState, func(event engine.ApplyEvent) {
		switch event.Status {
		case "started":
			fmt.Printf("  %s: destroying...\n", event.Address)
		case "completed":
			destroyColor.Printf("  %s: destroyed (%s)\n", event.Address, event.Duration.Round(durationPrecision))
		case "failed":
			destroyColor.Printf("  %s: FAILED (%v)\n", event.Address, event.Error)
		case "skipped":
			changeColor.Printf("  %s: skipped (failed dependency)\n", event.Address)
		}
	})
	if err != nil {
		if werr := store.Write(ctx, currentState); werr != nil {
			fmt.Printf("WARNING: failed to persist partial state: %v\n", werr)
		}
		audit.Error = err.Error()
		writeAuditLog(audit)
		return fmt.Errorf("destroy failed: %w", err)
	}

	if err := store.Write(ctx, newState); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	writeAuditLog(audit)

	fmt.Printf("\nDestroy complete! %d resources deleted.\n", plan.Summary.Delete)
	return nil
}
