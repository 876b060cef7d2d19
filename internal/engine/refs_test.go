package engine

import (
	"testing"

	"github.com/dbplane/dbplane/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePlanRefs(t *testing.T) {
	cp := &CompiledPlan{
		Specs: []*ir.ResourceSpec{
			{
				Kind: ir.KindRole,
				Name: "monitoring",
				Properties: map[string]any{
					"name": "db1-monitoring-0a1b2c3d",
				},
			},
			{
				Kind: ir.KindCluster,
				Name: "main",
				Properties: map[string]any{
					"monitoringRoleArn": ir.Ref(ir.KindRole, "monitoring", "arn"),
				},
			},
		},
		Outputs: map[string]any{
			"clusterArn": ir.Ref(ir.KindCluster, "main", "arn"),
		},
		Suppressed: map[string]bool{},
	}

	require.NoError(t, ResolvePlanRefs(cp))

	// Handles to planned resources stay deferred
	assert.Equal(t, ir.Ref(ir.KindRole, "monitoring", "arn"), cp.Specs[1].Properties["monitoringRoleArn"])
	assert.Equal(t, ir.Ref(ir.KindCluster, "main", "arn"), cp.Outputs["clusterArn"])
}

func TestResolvePlanRefs_SuppressedBecomesEmpty(t *testing.T) {
	cp := &CompiledPlan{
		Specs: []*ir.ResourceSpec{
			{
				Kind: ir.KindCluster,
				Name: "main",
				Properties: map[string]any{
					"monitoringRoleArn": ir.Ref(ir.KindRole, "monitoring", "arn"),
				},
			},
		},
		Outputs: map[string]any{
			"monitoringRoleArn": ir.Ref(ir.KindRole, "monitoring", "arn"),
		},
		Suppressed: map[string]bool{
			monitoringRoleAddr: true,
		},
	}

	require.NoError(t, ResolvePlanRefs(cp))
	assert.Equal(t, "", cp.Specs[0].Properties["monitoringRoleArn"])
	assert.Equal(t, "", cp.Outputs["monitoringRoleArn"])
}

func TestResolvePlanRefs_UnknownResource(t *testing.T) {
	cp := &CompiledPlan{
		Specs: []*ir.ResourceSpec{
			{
				Kind: ir.KindCluster,
				Name: "main",
				Properties: map[string]any{
					"monitoringRoleArn": ir.Ref(ir.KindRole, "nonexistent", "arn"),
				},
			},
		},
		Outputs:    map[string]any{},
		Suppressed: map[string]bool{},
	}

	err := ResolvePlanRefs(cp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reference to unknown resource iam:Role.nonexistent")
}

func TestResolvePlanRefs_NestedValues(t *testing.T) {
	cp := &CompiledPlan{
		Specs: []*ir.ResourceSpec{
			{Kind: ir.KindCluster, Name: "main", Properties: map[string]any{}},
			{
				Kind: ir.KindClusterRoleAssociation,
				Name: "s3Import",
				Properties: map[string]any{
					"nested": map[string]any{
						"ids": []any{ir.Ref(ir.KindCluster, "main", "id")},
					},
				},
			},
		},
		Outputs:    map[string]any{},
		Suppressed: map[string]bool{},
	}

	require.NoError(t, ResolvePlanRefs(cp))
	nested := cp.Specs[1].Properties["nested"].(map[string]any)
	assert.Equal(t, []any{ir.Ref(ir.KindCluster, "main", "id")}, nested["ids"])
}

func TestRefToAddr(t *testing.T) {
	tests := []struct {
		ref  string
		addr string
	}{
		{"ref://iam:Role/monitoring/arn", "iam:Role.monitoring"},
		{"ref://db:Cluster/main/id", "db:Cluster.main"},
		{"ref://logs:LogGroup/postgresql/name", "logs:LogGroup.postgresql"},
		{"ref://db:Cluster/main", ""},     // missing attribute
		{"ref://db:Cluster", ""},          // missing name
		{"db:Cluster.main", ""},           // not a handle
		{"ref:///main/id", ""},            // empty kind
	}

	for _, tt := range tests {
		assert.Equal(t, tt.addr, refToAddr(tt.ref), tt.ref)
	}
}

func TestRefAttribute(t *testing.T) {
	assert.Equal(t, "arn", refAttribute("ref://iam:Role/monitoring/arn"))
	assert.Equal(t, "readerEndpoint", refAttribute("ref://db:Cluster/main/readerEndpoint"))
	assert.Equal(t, "", refAttribute("ref://db:Cluster/main"))
}

func TestExtractRefs(t *testing.T) {
	props := map[string]any{
		"plain": "value",
		"ref":   ir.Ref(ir.KindCluster, "main", "id"),
		"list":  []any{ir.Ref(ir.KindRole, "monitoring", "arn"), "other"},
		"nested": map[string]any{
			"inner": ir.Ref(ir.KindCluster, "main", "endpoint"),
		},
	}

	refs := extractRefs(props)
	assert.Len(t, refs, 3)
	assert.Contains(t, refs, ir.Ref(ir.KindCluster, "main", "id"))
	assert.Contains(t, refs, ir.Ref(ir.KindRole, "monitoring", "arn"))
	assert.Contains(t, refs, ir.Ref(ir.KindCluster, "main", "endpoint"))
}
