package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/dbplane/dbplane/internal/eval"
	"github.com/dbplane/dbplane/internal/ir"
	"github.com/dbplane/dbplane/internal/state"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Manage dbplane state",
	Long:  `Commands for inspecting and modifying dbplane state.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources in state",
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <address>",
	Short: "Show attributes of a single resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateMvCmd = &cobra.Command{
	Use:   "mv <source> <destination>",
	Short: "Move a resource to a new address",
	Args:  cobra.ExactArgs(2),
	RunE:  runStateMv,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <address>",
	Short: "Remove a resource from state (does not destroy)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateRm,
}

func init() {
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateMvCmd)
	stateCmd.AddCommand(stateRmCmd)
}

func loadStore() (state.Backend, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return loadStateStore(wd, eval.NewEvaluator(wd))
}

func runStateList(cmd *cobra.Command, args []string) error {
	store, err := loadStore()
	if err != nil {
		return err
	}

	s, err := store.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if len(s.Resources) == 0 {
		fmt.Println("No resources in state.")
		return nil
	}

	fmt.Printf("State version: %d, serial: %d, lineage: %s\n\n", s.Version, s.Serial, s.Lineage)
	for _, res := range s.Resources {
		fmt.Printf("  %s (applier: %s)\n", res.Address(), res.Applier)
	}
	fmt.Printf("\nTotal: %d resource(s)\n", len(s.Resources))

	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	store, err := loadStore()
	if err != nil {
		return err
	}

	s, err := store.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	target := args[0]
	res := s.Resource(target)
	if res == nil {
		return fmt.Errorf("resource %s not found in state", target)
	}

	fmt.Printf("# %s\n", res.Address())
	fmt.Printf("  applier = %s\n", res.Applier)
	fmt.Printf("  kind    = %s\n", res.Kind)
	fmt.Printf("  name    = %s\n", res.Name)

	if len(res.Inputs) > 0 {
		fmt.Println("\n  Inputs:")
		for k, v := range maskOutputs(res.Inputs) {
			fmt.Printf("    %s = %v\n", k, v)
		}
	}

	if len(res.Outputs) > 0 {
		fmt.Println("\n  Outputs:")
		for k, v := range maskOutputs(res.Outputs) {
			fmt.Printf("    %s = %v\n", k, v)
		}
	}

	if len(res.Dependencies) > 0 {
		fmt.Println("\n  Dependencies:")
		for _, dep := range res.Dependencies {
			fmt.Printf("    %s\n", dep)
		}
	}

	if res.InputsHash != "" {
		fmt.Printf("\n  inputs_hash = %s\n", res.InputsHash)
	}

	return nil
}

func runStateMv(cmd *cobra.Command, args []string) error {
	store, err := loadStore()
	if err != nil {
		return err
	}

	if err := store.Lock(); err != nil {
		return err
	}
	defer store.Unlock()

	s, err := store.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	src, dst := args[0], args[1]
	res := s.Resource(src)
	if res == nil {
		return fmt.Errorf("resource %s not found in state", src)
	}

	// Address format is kind.name; the kind itself contains a colon,
	// so split on the last dot.
	idx := strings.LastIndex(dst, ".")
	if idx <= 0 || idx == len(dst)-1 {
		return fmt.Errorf("invalid destination address %q, expected format kind.name", dst)
	}
	res.Kind = dst[:idx]
	res.Name = dst[idx+1:]

	if err := store.Write(cmd.Context(), s); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	writeAuditLog(AuditEntry{Operation: "state.mv", Changes: []AuditChange{{Address: src, Action: "MOVE"}}})
	fmt.Printf("Moved %s to %s\n", src, dst)
	return nil
}

func runStateRm(cmd *cobra.Command, args []string) error {
	store, err := loadStore()
	if err != nil {
		return err
	}

	if err := store.Lock(); err != nil {
		return err
	}
	defer store.Unlock()

	s, err := store.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	target := args[0]
	newResources := make([]*ir.ResourceState, 0, len(s.Resources))
	found := false

	for _, res := range s.Resources {
		if res.Address() == target {
			found = true
			continue
		}
		newResources = append(newResources, res)
	}

	if !found {
		return fmt.Errorf("resource %s not found in state", target)
	}

	s.Resources = newResources
	if err := store.Write(cmd.Context(), s); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	writeAuditLog(AuditEntry{Operation: "state.rm", Changes: []AuditChange{{Address: target, Action: "FORGET"}}})
	fmt.Printf("Removed %s from state (resource was NOT destroyed)\n", target)
	return nil
}
