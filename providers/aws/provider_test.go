package aws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_PlanDiff(t *testing.T) {
	p := New()
	ctx := context.Background()

	desired, _ := json.Marshal(map[string]any{
		"clusterIdentifier":     "db1",
		"engine":                "aurora-postgresql",
		"backupRetentionPeriod": 7,
	})

	// No prior -> CREATE, no API calls involved
	resp, err := p.Plan(ctx, &applier.PlanRequest{Kind: ir.KindCluster, Name: "main", DesiredJSON: desired})
	require.NoError(t, err)
	assert.Equal(t, applier.ActionCreate, resp.Action)

	// Mutable change -> UPDATE
	prior, _ := json.Marshal(map[string]any{
		"clusterIdentifier":     "db1",
		"engine":                "aurora-postgresql",
		"backupRetentionPeriod": 1,
	})
	resp, err = p.Plan(ctx, &applier.PlanRequest{Kind: ir.KindCluster, Name: "main", DesiredJSON: desired, PriorJSON: prior})
	require.NoError(t, err)
	assert.Equal(t, applier.ActionUpdate, resp.Action)
	assert.Equal(t, []string{"backupRetentionPeriod"}, resp.ChangedProperties)

	// Immutable change -> REPLACE
	desired, _ = json.Marshal(map[string]any{
		"clusterIdentifier":     "db1",
		"engine":                "aurora-mysql",
		"backupRetentionPeriod": 1,
	})
	resp, err = p.Plan(ctx, &applier.PlanRequest{Kind: ir.KindCluster, Name: "main", DesiredJSON: desired, PriorJSON: prior})
	require.NoError(t, err)
	assert.Equal(t, applier.ActionReplace, resp.Action)
}

func TestReplacementKey(t *testing.T) {
	assert.True(t, replacementKey(ir.KindCluster, "engine"))
	assert.True(t, replacementKey(ir.KindCluster, "clusterIdentifier"))
	assert.False(t, replacementKey(ir.KindCluster, "backupRetentionPeriod"))
	assert.True(t, replacementKey(ir.KindRole, "name"))
	assert.False(t, replacementKey(ir.KindRole, "description"))
	assert.True(t, replacementKey(ir.KindClusterRoleAssociation, "roleArn"))
}

func TestPartitionFromArn(t *testing.T) {
	assert.Equal(t, "aws", partitionFromArn("arn:aws:sts::123456789012:assumed-role/x/y"))
	assert.Equal(t, "aws-us-gov", partitionFromArn("arn:aws-us-gov:iam::123456789012:user/z"))
	assert.Equal(t, "aws", partitionFromArn(""))
}

func TestTagList(t *testing.T) {
	assert.Nil(t, tagList(nil))
	tags := tagList(map[string]string{"env": "prod"})
	require.Len(t, tags, 1)
	assert.Equal(t, "env", *tags[0].Key)
	assert.Equal(t, "prod", *tags[0].Value)
}
