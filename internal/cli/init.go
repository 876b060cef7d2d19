package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new dbplane project",
	Long:  `Creates a new dbplane project with a starter configuration file.`,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(dbplaneDir(), 0755); err != nil {
		return fmt.Errorf("failed to create .dbplane directory: %w", err)
	}

	// Create dbplane.pkl if it doesn't exist
	mainPkl := defaultEntryPoint
	if _, err := os.Stat(mainPkl); os.IsNotExist(err) {
		content := `// dbplane configuration

amends "pkg/schemas/Config.pkl"

create = true
applier = "aws"

cluster {
  clusterIdentifierPrefix = "mydb"
  engine = "aurora-postgresql"
  masterUsername = "root"
  manageMasterUserPassword = true
  backupRetentionPeriod = 7
  skipFinalSnapshot = false
  finalSnapshotIdentifierPrefix = "final"
  enabledCloudwatchLogsExports { "postgresql" }
  createCloudwatchLogGroup = true
}

monitoring {
  interval = 60
  createRole = true
}

tags {
  ["ManagedBy"] = "dbplane"
}
`
		if err := os.WriteFile(mainPkl, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", mainPkl, err)
		}
		fmt.Printf("Created %s\n", mainPkl)
	}

	// Create empty state file
	statePath := filepath.Join(dbplaneDir(), "state.pkl")
	if _, err := os.Stat(statePath); os.IsNotExist(err) {
		content := `// dbplane state file
amends "../../pkg/schemas/State.pkl"

version = 1
serial = 0
lineage = ""

outputs = new {}

resources {
}
`
		if err := os.WriteFile(statePath, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to create state file: %w", err)
		}
		fmt.Printf("Created %s\n", statePath)
	}

	fmt.Println("\ndbplane initialized successfully!")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit dbplane.pkl to describe your cluster")
	fmt.Println("  2. Run 'dbplane plan' to see what will be created")
	fmt.Println("  3. Run 'dbplane apply' to create it")

	return nil
}
