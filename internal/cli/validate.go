package cli

import (
	"fmt"

	"github.com/dbplane/dbplane/internal/eval"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [config-path]",
	Short: "Validate the configuration record",
	Long:  `Evaluates the Pkl configuration and runs field and cross-field validation.`,
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkdir(args)
	if err != nil {
		return err
	}

	evaluator := eval.NewEvaluator(wd)

	fmt.Printf("Checking %s... ", entryPoint)
	if _, err := evaluator.LoadConfig(cmd.Context(), entryPoint, nil); err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Println("OK")

	fmt.Println("\nConfiguration is valid!")
	return nil
}
