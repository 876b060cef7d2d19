package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dbplane/dbplane/internal/eval"
	"github.com/dbplane/dbplane/internal/ir"
)

// Manager handles reading and writing of state on the local filesystem.
type Manager struct {
	path      string
	evaluator *eval.Evaluator
}

func NewManager(path string, evaluator *eval.Evaluator) *Manager {
	return &Manager{
		path:      path,
		evaluator: evaluator,
	}
}

// Path returns the state file location.
func (m *Manager) Path() string {
	return m.path
}

// Read loads the state from the configured path. A missing file yields an
// empty state; an encrypted file is transparently decrypted first.
func (m *Manager) Read(ctx context.Context) (*ir.State, error) {
	if _, err := os.Stat(m.path); os.IsNotExist(err) {
		return &ir.State{
			Version: 1,
			Serial:  0,
		}, nil
	}

	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", m.path, err)
	}

	if IsEncrypted(raw) {
		decrypted, err := DecryptState(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt state: %w", err)
		}
		tmpFile := m.path + ".dec"
		if err := os.WriteFile(tmpFile, decrypted, 0600); err != nil {
			return nil, fmt.Errorf("failed to write decrypted state: %w", err)
		}
		defer os.Remove(tmpFile)

		state, err := m.evaluator.LoadState(ctx, tmpFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load decrypted state: %w", err)
		}
		return state, nil
	}

	state, err := m.evaluator.LoadState(ctx, m.path)
	if err != nil {
		return nil, fmt.Errorf("failed to load state from %s: %w", m.path, err)
	}

	return state, nil
}

// Write saves the state to the configured path. If DBPLANE_STATE_ENCRYPTION_KEY
// is set, the file is transparently encrypted.
func (m *Manager) Write(ctx context.Context, state *ir.State) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	content := []byte(SerializeState(state))

	encrypted, err := EncryptState(content)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	if err := os.WriteFile(m.path, encrypted, 0600); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", m.path, err)
	}

	return nil
}

// SerializeState converts a State to its Pkl text representation. Map keys
// come out sorted so repeated writes with identical content are byte-stable.
func SerializeState(state *ir.State) string {
	var b strings.Builder

	fmt.Fprintf(&b, "// dbplane state file\n")
	fmt.Fprintf(&b, "amends \"../../pkg/schemas/State.pkl\"\n\n")
	fmt.Fprintf(&b, "version = %d\n", state.Version)
	fmt.Fprintf(&b, "serial = %d\n", state.Serial)
	fmt.Fprintf(&b, "lineage = %q\n\n", state.Lineage)

	if len(state.Outputs) > 0 {
		fmt.Fprintf(&b, "outputs {\n")
		for _, k := range sortedMapKeys(state.Outputs) {
			fmt.Fprintf(&b, "  [%q] = %s\n", k, serializePklValue(state.Outputs[k], 1))
		}
		fmt.Fprintf(&b, "}\n\n")
	} else {
		fmt.Fprintf(&b, "outputs = new {}\n\n")
	}

	fmt.Fprintf(&b, "resources {\n")
	for _, res := range state.Resources {
		fmt.Fprintf(&b, "  new {\n")
		fmt.Fprintf(&b, "    kind = %q\n", res.Kind)
		fmt.Fprintf(&b, "    name = %q\n", res.Name)
		fmt.Fprintf(&b, "    applier = %q\n", res.Applier)

		if len(res.Inputs) > 0 {
			fmt.Fprintf(&b, "    inputs {\n")
			for _, k := range sortedMapKeys(res.Inputs) {
				fmt.Fprintf(&b, "      [%q] = %s\n", k, serializePklValue(res.Inputs[k], 3))
			}
			fmt.Fprintf(&b, "    }\n")
		} else {
			fmt.Fprintf(&b, "    inputs = new {}\n")
		}

		fmt.Fprintf(&b, "    inputsHash = %q\n", res.InputsHash)

		if len(res.Outputs) > 0 {
			fmt.Fprintf(&b, "    outputs {\n")
			for _, k := range sortedMapKeys(res.Outputs) {
				fmt.Fprintf(&b, "      [%q] = %s\n", k, serializePklValue(res.Outputs[k], 3))
			}
			fmt.Fprintf(&b, "    }\n")
		} else {
			fmt.Fprintf(&b, "    outputs = new {}\n")
		}

		if len(res.Dependencies) > 0 {
			fmt.Fprintf(&b, "    dependencies {\n")
			for _, dep := range res.Dependencies {
				fmt.Fprintf(&b, "      %q\n", dep)
			}
			fmt.Fprintf(&b, "    }\n")
		} else {
			fmt.Fprintf(&b, "    dependencies = new Listing {}\n")
		}

		fmt.Fprintf(&b, "  }\n")
	}
	fmt.Fprintf(&b, "}\n")

	return b.String()
}

// serializePklValue recursively serializes a Go value to Pkl syntax.
func serializePklValue(v any, indentLevel int) string {
	indent := strings.Repeat("  ", indentLevel)

	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case bool:
		return fmt.Sprintf("%t", val)
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case nil:
		return "null"
	// Nested values sit in Any-typed positions where Pkl cannot infer the
	// object type, so maps are written as explicit Mappings.
	case map[string]any:
		if len(val) == 0 {
			return "new Mapping {}"
		}
		var b strings.Builder
		b.WriteString("new Mapping {\n")
		for _, k := range sortedMapKeys(val) {
			b.WriteString(fmt.Sprintf("%s  [%q] = %s\n", indent, k, serializePklValue(val[k], indentLevel+1)))
		}
		b.WriteString(indent + "}")
		return b.String()
	case []any:
		if len(val) == 0 {
			return "new Listing {}"
		}
		var b strings.Builder
		b.WriteString("new Listing {\n")
		for _, item := range val {
			b.WriteString(fmt.Sprintf("%s  %s\n", indent, serializePklValue(item, indentLevel+1)))
		}
		b.WriteString(indent + "}")
		return b.String()
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		return serializePklValue(items, indentLevel)
	default:
		return fmt.Sprintf("%q", fmt.Sprintf("%v", val))
	}
}

func sortedMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
