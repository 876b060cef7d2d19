package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dbplane/dbplane/internal/ir"
	"github.com/dbplane/dbplane/internal/state"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate-from-terraform [tf-dir]",
	Short: "Adopt Terraform-managed resources into dbplane state",
	Long: `Reads a Terraform state file (terraform.tfstate) and converts the
database cluster resources it manages into a dbplane state file.

Supported resource types:
  aws_rds_cluster                  -> db:Cluster
  aws_iam_role                     -> iam:Role
  aws_iam_role_policy_attachment   -> iam:RolePolicyAttachment
  aws_cloudwatch_log_group         -> logs:LogGroup
  aws_rds_cluster_role_association -> db:ClusterRoleAssociation

Anything else in the Terraform state is reported as unsupported and
skipped. You still need to write the corresponding Pkl configuration;
the state conversion only prevents dbplane from recreating resources
that already exist.`,
	RunE: runMigrate,
}

// TerraformState represents the Terraform state file format.
type TerraformState struct {
	Version          int          `json:"version"`
	TerraformVersion string       `json:"terraform_version"`
	Serial           int          `json:"serial"`
	Lineage          string       `json:"lineage"`
	Resources        []TFResource `json:"resources"`
}

// TFResource represents a Terraform state resource.
type TFResource struct {
	Module    string       `json:"module"`
	Mode      string       `json:"mode"` // "managed" or "data"
	Type      string       `json:"type"`
	Name      string       `json:"name"`
	Provider  string       `json:"provider"`
	Instances []TFInstance `json:"instances"`
}

// TFInstance represents a Terraform resource instance.
type TFInstance struct {
	SchemaVersion int            `json:"schema_version"`
	Attributes    map[string]any `json:"attributes"`
	Dependencies  []string       `json:"dependencies"`
}

// tfKindMap maps supported Terraform resource types to dbplane kinds.
var tfKindMap = map[string]string{
	"aws_rds_cluster":                  ir.KindCluster,
	"aws_iam_role":                     ir.KindRole,
	"aws_iam_role_policy_attachment":   ir.KindRolePolicyAttachment,
	"aws_cloudwatch_log_group":         ir.KindLogGroup,
	"aws_rds_cluster_role_association": ir.KindClusterRoleAssociation,
}

// tfOutputKeys maps Terraform attribute names to dbplane output attribute
// names per kind. Unlisted attributes are dropped; Terraform tracks far more
// than dbplane needs.
var tfOutputKeys = map[string]map[string]string{
	ir.KindCluster: {
		"id":              "id",
		"arn":             "arn",
		"endpoint":        "endpoint",
		"reader_endpoint": "readerEndpoint",
		"port":            "port",
		"engine_version":  "engineVersion",
		"hosted_zone_id":  "hostedZoneId",
	},
	ir.KindRole: {
		"id":   "id",
		"name": "name",
		"arn":  "arn",
	},
	ir.KindRolePolicyAttachment: {
		"id": "id",
	},
	ir.KindLogGroup: {
		"id":   "id",
		"name": "name",
		"arn":  "arn",
	},
	ir.KindClusterRoleAssociation: {
		"id": "id",
	},
}

func runMigrate(cmd *cobra.Command, args []string) error {
	tfDir := "."
	if len(args) > 0 {
		tfDir = args[0]
	}

	statePath := filepath.Join(tfDir, "terraform.tfstate")
	data, err := os.ReadFile(statePath)
	if err != nil {
		return fmt.Errorf("failed to read terraform state from %s: %w", statePath, err)
	}

	var tfState TerraformState
	if err := json.Unmarshal(data, &tfState); err != nil {
		return fmt.Errorf("failed to parse terraform state: %w", err)
	}

	fmt.Printf("Found Terraform state: version=%d serial=%d lineage=%s\n",
		tfState.Version, tfState.Serial, tfState.Lineage)
	fmt.Printf("Resources: %d\n", len(tfState.Resources))

	lineage := tfState.Lineage
	if lineage == "" {
		lineage = uuid.NewString()
	}

	newState := &ir.State{
		Version: 1,
		Serial:  tfState.Serial,
		Lineage: lineage,
		Outputs: map[string]any{},
	}

	converted := 0
	var unsupported []string
	for _, res := range tfState.Resources {
		if res.Mode != "managed" {
			continue
		}

		kind, ok := tfKindMap[res.Type]
		if !ok {
			unsupported = append(unsupported, fmt.Sprintf("%s.%s", res.Type, res.Name))
			continue
		}

		for _, inst := range res.Instances {
			newState.Resources = append(newState.Resources, &ir.ResourceState{
				Kind:    kind,
				Name:    migratedName(kind, res.Name),
				Applier: "aws",
				Inputs:  map[string]any{},
				Outputs: migrateOutputs(kind, inst.Attributes),
			})
			converted++
		}
	}

	if err := os.MkdirAll(dbplaneDir(), 0755); err != nil {
		return fmt.Errorf("failed to create .dbplane directory: %w", err)
	}

	outPath := filepath.Join(dbplaneDir(), "state.pkl")
	if err := os.WriteFile(outPath, []byte(state.SerializeState(newState)), 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	fmt.Printf("\nMigration complete! Converted %d resources to %s\n", converted, outPath)
	if len(unsupported) > 0 {
		fmt.Printf("Skipped %d unsupported resource(s):\n", len(unsupported))
		for _, u := range unsupported {
			fmt.Printf("  %s\n", u)
		}
	}
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Write the corresponding Pkl configuration in dbplane.pkl")
	fmt.Println("  2. Run 'dbplane plan' to verify no changes are needed")
	fmt.Println("  3. If the plan shows changes, adjust the config to match")
	return nil
}

// migratedName maps a Terraform resource name to the instance name the
// planner would have derived for that kind.
func migratedName(kind, tfName string) string {
	switch kind {
	case ir.KindCluster:
		return "main"
	case ir.KindRole, ir.KindRolePolicyAttachment:
		return "monitoring"
	default:
		// Log groups and associations keep the Terraform name, which by
		// convention matches the export or feature name.
		return tfName
	}
}

// migrateOutputs projects Terraform attributes onto dbplane's output keys.
func migrateOutputs(kind string, attrs map[string]any) map[string]any {
	keys := tfOutputKeys[kind]
	outputs := make(map[string]any)
	for tfKey, key := range keys {
		if v, ok := attrs[tfKey]; ok && v != nil {
			outputs[key] = v
		}
	}
	return outputs
}
