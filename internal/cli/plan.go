package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dbplane/dbplane/internal/engine"
	"github.com/dbplane/dbplane/internal/eval"
	"github.com/dbplane/dbplane/internal/ir"
	"github.com/dbplane/dbplane/internal/registry"
	"github.com/spf13/cobra"
)

var (
	planOutFile    string
	planDestroy    bool
	planProperties map[string]string
)

var planCmd = &cobra.Command{
	Use:   "plan [config-path]",
	Short: "Generate a convergence plan",
	Long: `Generates a plan showing what actions dbplane will take to reach the
desired state defined in your configuration.

The plan shows:
  • Resources to be created
  • Resources to be updated (with diff)
  • Resources to be deleted`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write plan JSON to file")
	planCmd.Flags().BoolVar(&planDestroy, "destroy", false, "Plan the teardown of everything in state")
	planCmd.Flags().StringToStringVarP(&planProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runPlan(cmd *cobra.Command, args []string) error {
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

	fmt.Print("Loading configuration... ")
	cfg, err := evaluator.LoadConfig(ctx, entryPoint, planProperties)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to load config: %w", err)
	}
	fmt.Println("OK")

	currentState, err := store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	fmt.Print("Calculating plan... ")
	var plan *ir.Plan
	if planDestroy {
		plan, err = eng.CreateDestroyPlan(ctx, cfg, currentState)
	} else {
		plan, err = eng.CreatePlan(ctx, cfg, planningContext(ctx, cfg), currentState)
	}
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	if len(plan.Changes) == 0 {
		fmt.Println("\nNo changes. Infrastructure is up-to-date.")
	} else {
		fmt.Println("\ndbplane will perform the following actions:")
		renderPlanChanges(plan)
	}
	renderPlanSummary(plan)

	if planOutFile != "" {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
		if err := os.WriteFile(planOutFile, data, 0600); err != nil {
			return fmt.Errorf("failed to write plan file: %w", err)
		}
		fmt.Printf("\nPlan written to %s\n", planOutFile)
	}

	return nil
}
