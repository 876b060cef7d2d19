package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dbplane/dbplane/internal/eval"
	"github.com/dbplane/dbplane/internal/ir"
	"github.com/dbplane/dbplane/internal/logging"
	"github.com/dbplane/dbplane/internal/state"
	awsapplier "github.com/dbplane/dbplane/providers/aws"
	"github.com/fatih/color"
)

const (
	defaultEntryPoint = "dbplane.pkl"

	// durationPrecision rounds apply event durations for display.
	durationPrecision = 10 * time.Millisecond
)

var (
	createColor  = color.New(color.FgGreen)
	destroyColor = color.New(color.FgRed)
	changeColor  = color.New(color.FgYellow)
	plainColor   = color.New(color.Reset)
)

// resolveWorkdir resolves an optional positional path argument to a working
// directory and entry point file.
func resolveWorkdir(args []string) (wd, entryPoint string, err error) {
	wd, err = os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}
	entryPoint = defaultEntryPoint

	if len(args) > 0 {
		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}
		if info.IsDir() {
			wd = absPath
		} else {
			wd = filepath.Dir(absPath)
			entryPoint = filepath.Base(absPath)
		}
	}
	return wd, entryPoint, nil
}

// loadStateStore returns the state store for wd: the S3 backend when
// .dbplane/backend.json configures one, the workspace-local file otherwise.
func loadStateStore(wd string, evaluator *eval.Evaluator) (state.Backend, error) {
	backendFile := filepath.Join(wd, dbplaneDir(), "backend.json")
	if data, err := os.ReadFile(backendFile); err == nil {
		var cfg state.BackendConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", backendFile, err)
		}
		if cfg.Type != "" && cfg.Type != "local" {
			return state.NewBackend(&cfg, evaluator)
		}
	}
	return state.NewManager(filepath.Join(wd, WorkspaceStatePath()), evaluator), nil
}

// planningContext derives the partition/region/account scope planning runs
// in. The aws applier asks the live account; everything else plans against
// the defaults.
func planningContext(ctx context.Context, cfg *ir.Config) *ir.Context {
	if cfg.Applier == "aws" {
		pctx, err := awsapplier.New().PlanningContext(ctx)
		if err == nil {
			return pctx
		}
		logging.Warn("could not resolve AWS planning context, using defaults", "error", err)
	}
	return ir.DefaultContext()
}

// renderPlanChanges prints the detailed change list for a plan.
func renderPlanChanges(plan *ir.Plan) {
	for _, change := range plan.Changes {
		symbol, c := "~", changeColor
		switch change.Action {
		case "CREATE":
			symbol, c = "+", createColor
		case "DELETE":
			symbol, c = "-", destroyColor
		case "REPLACE":
			symbol, c = "-/+", changeColor
		case "NOOP":
			symbol, c = " ", plainColor
		}

		var kind, name string
		if change.Desired != nil {
			kind = change.Desired.Kind
			name = change.Desired.Name
		} else if change.Prior != nil {
			kind = change.Prior.Kind
			name = change.Prior.Name
		}

		fmt.Println()
		c.Printf("  # %s will be %s\n", change.Address, change.Action)
		c.Printf("  %s resource %q %q {\n", symbol, kind, name)

		if len(change.Diff) > 0 {
			renderPropertyDiff(change.Diff)
		} else {
			c.Println("      ...")
		}
		c.Println("    }")
	}
}

// renderPropertyDiff prints structured property diffs in stable key order.
// Sensitive values never appear in the output.
func renderPropertyDiff(diff map[string]*ir.PropertyDiff) {
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		d := diff[key]
		before := formatValue(d.Before, d.Sensitive)
		after := formatValue(d.After, d.Sensitive)

		suffix := ""
		if d.ForcesReplacement {
			suffix = " # forces replacement"
		}

		switch d.Action {
		case "create":
			createColor.Printf("      + %s = %s%s\n", key, after, suffix)
		case "delete":
			destroyColor.Printf("      - %s = %s%s\n", key, before, suffix)
		case "update":
			changeColor.Printf("      ~ %s = %s -> %s%s\n", key, before, after, suffix)
		default:
			fmt.Printf("        %s = %s\n", key, after)
		}
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any, sensitive bool) string {
	if sensitive {
		return "(sensitive)"
	}
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// maskOutputs hides attribute values whose keys carry secrets.
func maskOutputs(m map[string]any) map[string]any {
	masked := make(map[string]any, len(m))
	for k, v := range m {
		if isSecretKey(k) {
			masked[k] = "(sensitive)"
		} else {
			masked[k] = v
		}
	}
	return masked
}

func isSecretKey(key string) bool {
	return key == "masterPassword"
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(plan *ir.Plan) {
	fmt.Println("\nPlan Summary:")
	fmt.Printf("  Create:  %d\n", plan.Summary.Create)
	fmt.Printf("  Update:  %d\n", plan.Summary.Update)
	fmt.Printf("  Delete:  %d\n", plan.Summary.Delete)
	fmt.Printf("  Replace: %d\n", plan.Summary.Replace)
	fmt.Printf("  NoOp:    %d\n", plan.Summary.NoOp)
}

// confirm prompts for a y/yes answer unless auto-approval is set.
func confirm(prompt string, autoApprove bool) bool {
	if autoApprove {
		return true
	}
	fmt.Printf("\n%s (y/n): ", prompt)
	var response string
	fmt.Scanln(&response)
	return response == "y" || response == "yes"
}
