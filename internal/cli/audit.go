package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AuditEntry is one line of the NDJSON audit trail: who ran which operation
// against which workspace, and what it touched. Resource addresses only, no
// property values, so secrets never land here.
type AuditEntry struct {
	Timestamp string         `json:"timestamp"`
	Operation string         `json:"operation"` // "apply", "destroy", "import", "state.rm", "state.mv"
	User      string         `json:"user"`
	Workspace string         `json:"workspace"`
	Changes   []AuditChange  `json:"changes,omitempty"`
	Summary   map[string]int `json:"summary,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AuditChange records one converged resource by address and action.
type AuditChange struct {
	Address string `json:"address"`
	Action  string `json:"action"`
}

func auditLogPath() string {
	return filepath.Join(dbplaneDir(), "audit.log")
}

// writeAuditLog appends an entry, filling in timestamp, user and workspace
// when the caller left them empty. A log that cannot be opened never blocks
// the operation it describes.
func writeAuditLog(entry AuditEntry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if entry.User == "" {
		entry.User = currentUser()
	}
	if entry.Workspace == "" {
		entry.Workspace = currentWorkspace()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	f, err := os.OpenFile(auditLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s\n", data)
	return err
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "unknown"
}
