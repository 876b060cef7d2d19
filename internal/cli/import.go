package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/internal/eval"
	"github.com/dbplane/dbplane/internal/ir"
	"github.com/dbplane/dbplane/internal/registry"
	"github.com/spf13/cobra"
)

var importApplier string

var importCmd = &cobra.Command{
	Use:   "import <resource-address> <id>",
	Short: "Import existing infrastructure into dbplane state",
	Long: `Import an existing resource into the dbplane state file.

This does not generate configuration - you must write the corresponding
Pkl configuration manually. It only adds the resource to the state so
that dbplane will manage it going forward.

Examples:
  dbplane import db:Cluster.main orders-db
  dbplane import iam:Role.monitoring orders-db-monitoring-4f2a91c3
  dbplane import logs:LogGroup.postgresql /aws/rds/cluster/orders-db/postgresql`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importApplier, "applier", "aws", "Applier to read the resource from (aws, docker, sim)")
}

var importableKinds = map[string]bool{
	ir.KindCluster:                true,
	ir.KindRole:                   true,
	ir.KindRolePolicyAttachment:   true,
	ir.KindLogGroup:               true,
	ir.KindClusterRoleAssociation: true,
}

func runImport(cmd *cobra.Command, args []string) error {
	addr := args[0]
	id := args[1]

	// Address format is kind.name; the kind contains a colon, so split on
	// the last dot.
	idx := strings.LastIndex(addr, ".")
	if idx <= 0 || idx == len(addr)-1 {
		return fmt.Errorf("invalid resource address %q, expected format kind.name", addr)
	}
	kind := addr[:idx]
	name := addr[idx+1:]

	if !importableKinds[kind] {
		return fmt.Errorf("unknown resource kind %q", kind)
	}

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	store, err := loadStateStore(wd, evaluator)
	if err != nil {
		return err
	}
	reg := registry.NewRegistry()

	if err := store.Lock(); err != nil {
		return err
	}
	defer store.Unlock()

	if err := reg.Load(importApplier); err != nil {
		return fmt.Errorf("failed to load applier %s: %w", importApplier, err)
	}
	a, err := reg.Get(importApplier)
	if err != nil {
		return err
	}

	fmt.Printf("Importing %s (id: %s)...\n", addr, id)
	resp, err := a.Read(ctx, &applier.ReadRequest{Kind: kind, ID: id})
	if err != nil {
		return fmt.Errorf("failed to read resource: %w", err)
	}
	if !resp.Exists {
		return fmt.Errorf("resource %s with id %s does not exist", kind, id)
	}

	var outputs map[string]any
	if len(resp.OutputsJSON) > 0 {
		if err := json.Unmarshal(resp.OutputsJSON, &outputs); err != nil {
			return fmt.Errorf("failed to parse applier response: %w", err)
		}
	}

	currentState, err := store.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if currentState.Resource(addr) != nil {
		return fmt.Errorf("resource %s already exists in state", addr)
	}

	currentState.Resources = append(currentState.Resources, &ir.ResourceState{
		Kind:    kind,
		Name:    name,
		Applier: importApplier,
		Inputs:  map[string]any{},
		Outputs: outputs,
	})
	currentState.Serial++

	if err := store.Write(ctx, currentState); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}

	writeAuditLog(AuditEntry{Operation: "import", Changes: []AuditChange{{Address: addr, Action: "IMPORT"}}})

	fmt.Printf("Successfully imported %s\n", addr)
	fmt.Println("Note: you must also write the corresponding Pkl configuration for this resource.")
	return nil
}
