package eval

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvaluator(t *testing.T) {
	e := NewEvaluator("/tmp/project")
	require.NotNil(t, e)
	assert.Equal(t, "/tmp/project", e.projectDir)
}

// Evaluation needs the pkl binary on PATH; skip when it is absent so the
// suite stays runnable in minimal environments.
func requirePkl(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("pkl"); err != nil {
		t.Skip("pkl binary not available")
	}
}

func TestEvaluator_LoadState_Empty(t *testing.T) {
	requirePkl(t)

	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state.pkl")
	content := `version = 1
serial = 0
lineage = "test-lineage"
outputs = new Mapping {}
resources = new Listing {}
`
	require.NoError(t, os.WriteFile(stateFile, []byte(content), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e := NewEvaluator(dir)
	state, err := e.LoadState(ctx, stateFile)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Version)
	assert.Equal(t, 0, state.Serial)
	assert.Equal(t, "test-lineage", state.Lineage)
	assert.Empty(t, state.Resources)
}

func TestEvaluator_LoadState_Missing(t *testing.T) {
	requirePkl(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e := NewEvaluator(t.TempDir())
	_, err := e.LoadState(ctx, filepath.Join(t.TempDir(), "absent.pkl"))
	assert.Error(t, err)
}
