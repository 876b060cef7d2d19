package cli

import (
	"fmt"

	"github.com/dbplane/dbplane/internal/engine"
	"github.com/dbplane/dbplane/internal/eval"
	"github.com/dbplane/dbplane/internal/registry"
	"github.com/spf13/cobra"
)

var (
	applyAutoApprove     bool
	applyContinueOnError bool
	applyProperties      map[string]string
)

var applyCmd = &cobra.Command{
	Use:   "apply [config-path]",
	Short: "Apply a configuration",
	Long:  `Creates or changes the cluster and its supporting identities according to the dbplane configuration.`,
	RunE:  runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of plan before applying")
	applyCmd.Flags().BoolVar(&applyContinueOnError, "continue-on-error", false, "Keep converging unaffected resources after a failure")
	applyCmd.Flags().StringToStringVarP(&applyProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runApply(cmd *cobra.Command, args []string) error {
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
	eng.ContinueOnError = applyContinueOnError

	if err := store.Lock(); err != nil {
		return err
	}
	defer store.Unlock()

	fmt.Print("Loading configuration... ")
	cfg, err := evaluator.LoadConfig(ctx, entryPoint, applyProperties)
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
	plan, err := eng.CreatePlan(ctx, cfg, planningContext(ctx, cfg), currentState)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	if len(plan.Changes) == 0 {
		fmt.Println("No changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Println("\ndbplane will perform the following actions:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if !confirm("Do you want to perform these actions?", applyAutoApprove) {
		fmt.Println("Apply cancelled.")
		return nil
	}

	fmt.Printf("\nApplying %d changes...\n", len(plan.Changes))

	audit := AuditEntry{Operation: "apply"}
	for _, change := range plan.Changes {
		audit.Changes = append(audit.Changes, AuditChange{Address: change.Address, Action: change.Action})
	}

	newState, err := eng.ApplyPlanWithCallback(ctx, plan, currentState, func(event engine.ApplyEvent) {
		switch event.Status {
		case "started":
			fmt.Printf("  %s: %s...\n", event.Address, event.Action)
		case "completed":
			createColor.Printf("  %s: done (%s)\n", event.Address, event.Duration.Round(durationPrecision))
		case "failed":
			destroyColor.Printf("  %s: FAILED (%v)\n", event.Address, event.Error)
		case "skipped":
			changeColor.Printf("  %s: skipped (failed dependency)\n", event.Address)
		}
	})
	if err != nil {
		// Persist partial state so resources that did converge aren't lost
		if werr := store.Write(ctx, currentState); werr != nil {
			fmt.Printf("WARNING: failed to persist partial state: %v\n", werr)
		}
		audit.Error = err.Error()
		writeAuditLog(audit)
		return fmt.Errorf("apply failed: %w", err)
	}

	if err := store.Write(ctx, newState); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	audit.Summary = map[string]int{
		"create":  plan.Summary.Create,
		"update":  plan.Summary.Update,
		"delete":  plan.Summary.Delete,
		"replace": plan.Summary.Replace,
	}
	writeAuditLog(audit)

	fmt.Printf("\nApply complete! Resources: %d added, %d changed, %d destroyed.\n",
		plan.Summary.Create, plan.Summary.Update, plan.Summary.Delete)

	if len(newState.Outputs) > 0 {
		fmt.Println("\nOutputs:")
		for k, v := range maskOutputs(newState.Outputs) {
			fmt.Printf("  %s = %v\n", k, v)
		}
	}

	return nil
}
