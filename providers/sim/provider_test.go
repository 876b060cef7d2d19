package sim

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestProvider_Plan(t *testing.T) {
	p := New()
	ctx := context.Background()

	desired := map[string]any{
		"clusterIdentifier": "db1",
		"engine":            "aurora-postgresql",
	}

	// 1. No prior state -> CREATE
	resp, err := p.Plan(ctx, &applier.PlanRequest{
		Kind:        ir.KindCluster,
		Name:        "main",
		DesiredJSON: mustJSON(t, desired),
	})
	require.NoError(t, err)
	assert.Equal(t, applier.ActionCreate, resp.Action)

	// 2. Identical prior -> NOOP
	resp, err = p.Plan(ctx, &applier.PlanRequest{
		Kind:        ir.KindCluster,
		Name:        "main",
		DesiredJSON: mustJSON(t, desired),
		PriorJSON:   mustJSON(t, desired),
	})
	require.NoError(t, err)
	assert.Equal(t, applier.ActionNoop, resp.Action)

	// 3. In-place property change -> UPDATE with changed keys
	prior := map[string]any{
		"clusterIdentifier":     "db1",
		"engine":                "aurora-postgresql",
		"backupRetentionPeriod": 1,
	}
	desired["backupRetentionPeriod"] = 7
	resp, err = p.Plan(ctx, &applier.PlanRequest{
		Kind:        ir.KindCluster,
		Name:        "main",
		DesiredJSON: mustJSON(t, desired),
		PriorJSON:   mustJSON(t, prior),
	})
	require.NoError(t, err)
	assert.Equal(t, applier.ActionUpdate, resp.Action)
	assert.Equal(t, []string{"backupRetentionPeriod"}, resp.ChangedProperties)

	// 4. Immutable property change -> REPLACE
	desired["engine"] = "aurora-mysql"
	resp, err = p.Plan(ctx, &applier.PlanRequest{
		Kind:        ir.KindCluster,
		Name:        "main",
		DesiredJSON: mustJSON(t, desired),
		PriorJSON:   mustJSON(t, prior),
	})
	require.NoError(t, err)
	assert.Equal(t, applier.ActionReplace, resp.Action)
	assert.Contains(t, resp.ChangedProperties, "engine")
}

func TestProvider_ApplyOutputs(t *testing.T) {
	p := New()
	ctx := context.Background()

	resp, err := p.Apply(ctx, &applier.ApplyRequest{
		Kind:   ir.KindCluster,
		Name:   "main",
		Action: applier.ActionCreate,
		DesiredJSON: mustJSON(t, map[string]any{
			"clusterIdentifier": "db1",
			"engine":            "aurora-postgresql",
			"port":              5432,
		}),
	})
	require.NoError(t, err)

	var outputs map[string]any
	require.NoError(t, json.Unmarshal(resp.OutputsJSON, &outputs))
	assert.Equal(t, "db1", outputs["id"])
	assert.Equal(t, "arn:aws:rds:us-east-1:000000000000:cluster:db1", outputs["arn"])
	assert.Contains(t, outputs["endpoint"], "db1.cluster-")
	assert.Contains(t, outputs["readerEndpoint"], "db1.cluster-ro-")
	assert.Equal(t, float64(5432), outputs["port"])
}

func TestProvider_RoleOutputs(t *testing.T) {
	p := New()

	resp, err := p.Apply(context.Background(), &applier.ApplyRequest{
		Kind:   ir.KindRole,
		Name:   "monitoring",
		Action: applier.ActionCreate,
		DesiredJSON: mustJSON(t, map[string]any{
			"name": "db1-monitoring-0a1b2c3d",
		}),
	})
	require.NoError(t, err)

	var outputs map[string]any
	require.NoError(t, json.Unmarshal(resp.OutputsJSON, &outputs))
	assert.Equal(t, "db1-monitoring-0a1b2c3d", outputs["name"])
	assert.Equal(t, "arn:aws:iam::000000000000:role/db1-monitoring-0a1b2c3d", outputs["arn"])
}

func TestProvider_ReadAndDelete(t *testing.T) {
	p := New()
	ctx := context.Background()

	_, err := p.Apply(ctx, &applier.ApplyRequest{
		Kind:        ir.KindLogGroup,
		Name:        "audit",
		Action:      applier.ActionCreate,
		DesiredJSON: mustJSON(t, map[string]any{"name": "/aws/rds/cluster/db1/audit"}),
	})
	require.NoError(t, err)

	read, err := p.Read(ctx, &applier.ReadRequest{Kind: ir.KindLogGroup, ID: "/aws/rds/cluster/db1/audit"})
	require.NoError(t, err)
	assert.True(t, read.Exists)

	_, err = p.Delete(ctx, &applier.DeleteRequest{Kind: ir.KindLogGroup, ID: "/aws/rds/cluster/db1/audit"})
	require.NoError(t, err)

	read, err = p.Read(ctx, &applier.ReadRequest{Kind: ir.KindLogGroup, ID: "/aws/rds/cluster/db1/audit"})
	require.NoError(t, err)
	assert.False(t, read.Exists)
}
