package engine

import (
	"regexp"
	"testing"

	"github.com/dbplane/dbplane/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLineage = "3e1f0a6c-9a11-4a7d-8f0e-2b6a3d9c5e41"

func baseConfig() *ir.Config {
	return &ir.Config{
		Create:  true,
		Applier: "sim",
		Cluster: &ir.ClusterConfig{
			ClusterIdentifier: "db1",
			Engine:            "aurora-postgresql",
			MasterUsername:    "root",
			MasterPassword:    "hunter2",
			SkipFinalSnapshot: true,
		},
	}
}

func findSpec(cp *CompiledPlan, addr string) *ir.ResourceSpec {
	for _, spec := range cp.Specs {
		if spec.Address() == addr {
			return spec
		}
	}
	return nil
}

func TestCompile_CreateFalse(t *testing.T) {
	cfg := baseConfig()
	cfg.Create = false
	cfg.Cluster.EnabledCloudwatchLogsExports = []string{"postgresql"}
	cfg.Cluster.CreateCloudwatchLogGroup = true
	cfg.Monitoring = &ir.MonitoringConfig{Interval: 60, CreateRole: true}

	cp, err := Compile(cfg, nil, testLineage)
	require.NoError(t, err)

	// Nothing materializes, dependent identities included
	assert.Empty(t, cp.Specs)
	assert.True(t, cp.Suppressed[clusterAddr])
	assert.True(t, cp.Suppressed[monitoringRoleAddr])
	assert.True(t, cp.Suppressed[logGroupAddr("postgresql")])

	// Outputs resolve to empty sentinels, not errors
	assert.Equal(t, "", cp.Outputs["clusterIdentifier"])
	assert.Equal(t, "", cp.Outputs["monitoringRoleArn"])
	assert.Empty(t, cp.Outputs["cloudwatchLogGroupNames"])
}

func TestCompile_ClusterOnly(t *testing.T) {
	cp, err := Compile(baseConfig(), nil, testLineage)
	require.NoError(t, err)

	require.Len(t, cp.Specs, 1)
	cluster := findSpec(cp, clusterAddr)
	require.NotNil(t, cluster)
	assert.Equal(t, "db1", cluster.Properties["clusterIdentifier"])
	assert.Equal(t, "aurora-postgresql", cluster.Properties["engine"])
	assert.Contains(t, cluster.Sensitive, "masterPassword")

	// Monitoring disabled: no role, no interval on the cluster
	assert.True(t, cp.Suppressed[monitoringRoleAddr])
	assert.NotContains(t, cluster.Properties, "monitoringInterval")
	assert.NotContains(t, cluster.Properties, "monitoringRoleArn")
}

func TestCompile_MonitoringRole(t *testing.T) {
	cfg := baseConfig()
	cfg.Monitoring = &ir.MonitoringConfig{Interval: 60, CreateRole: true}

	cp, err := Compile(cfg, nil, testLineage)
	require.NoError(t, err)
	require.Len(t, cp.Specs, 3)

	role := findSpec(cp, monitoringRoleAddr)
	require.NotNil(t, role)
	name, _ := role.Properties["name"].(string)
	assert.Regexp(t, regexp.MustCompile(`^db1-monitoring-[0-9a-f]{8}$`), name)
	assert.Contains(t, role.Properties["assumeRolePolicy"], "monitoring.rds.amazonaws.com")

	att := findSpec(cp, monitoringAttAddr)
	require.NotNil(t, att)
	assert.Equal(t, ir.Ref(ir.KindRole, "monitoring", "name"), att.Properties["roleName"])
	assert.Equal(t, "arn:aws:iam::aws:policy/service-role/AmazonRDSEnhancedMonitoringRole", att.Properties["policyArn"])

	// The cluster references the role by handle, never by guessed ARN
	cluster := findSpec(cp, clusterAddr)
	assert.Equal(t, 60, cluster.Properties["monitoringInterval"])
	assert.Equal(t, ir.Ref(ir.KindRole, "monitoring", "arn"), cluster.Properties["monitoringRoleArn"])
	assert.Equal(t, ir.Ref(ir.KindRole, "monitoring", "arn"), cp.Outputs["monitoringRoleArn"])
}

func TestCompile_MonitoringReuseExistingRole(t *testing.T) {
	cfg := baseConfig()
	cfg.Monitoring = &ir.MonitoringConfig{
		Interval: 30,
		RoleArn:  "arn:aws:iam::123456789012:role/existing",
	}

	cp, err := Compile(cfg, nil, testLineage)
	require.NoError(t, err)

	// No role is planned; the supplied ARN passes through untouched
	assert.Nil(t, findSpec(cp, monitoringRoleAddr))
	assert.True(t, cp.Suppressed[monitoringRoleAddr])

	cluster := findSpec(cp, clusterAddr)
	assert.Equal(t, "arn:aws:iam::123456789012:role/existing", cluster.Properties["monitoringRoleArn"])
	assert.Equal(t, "arn:aws:iam::123456789012:role/existing", cp.Outputs["monitoringRoleArn"])
}

func TestCompile_MonitoringIntervalZeroSuppressesRole(t *testing.T) {
	cfg := baseConfig()
	cfg.Monitoring = &ir.MonitoringConfig{Interval: 0, CreateRole: true}

	cp, err := Compile(cfg, nil, testLineage)
	require.NoError(t, err)

	// createRole alone is not enough: the interval predicate composes by AND
	assert.Nil(t, findSpec(cp, monitoringRoleAddr))
	assert.Equal(t, "", cp.Outputs["monitoringRoleArn"])
}

func TestCompile_LogGroups(t *testing.T) {
	cfg := baseConfig()
	cfg.Cluster.EnabledCloudwatchLogsExports = []string{"postgresql", "upgrade"}
	cfg.Cluster.CreateCloudwatchLogGroup = true
	cfg.Cluster.CloudwatchLogGroupRetentionInDays = 14

	cp, err := Compile(cfg, nil, testLineage)
	require.NoError(t, err)

	// One group per export, each depending on the cluster
	for _, export := range []string{"postgresql", "upgrade"} {
		lg := findSpec(cp, logGroupAddr(export))
		require.NotNil(t, lg, export)
		assert.Equal(t, "/aws/rds/cluster/db1/"+export, lg.Properties["name"])
		assert.Equal(t, 14, lg.Properties["retentionInDays"])
		assert.Contains(t, lg.DependsOn, clusterAddr)
	}

	assert.Equal(t, []any{
		"/aws/rds/cluster/db1/postgresql",
		"/aws/rds/cluster/db1/upgrade",
	}, cp.Outputs["cloudwatchLogGroupNames"])
}

func TestCompile_LogGroupExportsDeduped(t *testing.T) {
	cfg := baseConfig()
	cfg.Cluster.EnabledCloudwatchLogsExports = []string{"audit", "error", "audit"}
	cfg.Cluster.CreateCloudwatchLogGroup = true

	cp, err := Compile(cfg, nil, testLineage)
	require.NoError(t, err)

	var groups []string
	for _, spec := range cp.Specs {
		if spec.Kind == ir.KindLogGroup {
			groups = append(groups, spec.Name)
		}
	}
	// First-occurrence order, duplicates dropped
	assert.Equal(t, []string{"audit", "error"}, groups)

	cluster := findSpec(cp, clusterAddr)
	assert.Equal(t, []any{"audit", "error"}, cluster.Properties["enabledCloudwatchLogsExports"])
}

func TestCompile_LogGroupsDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.Cluster.EnabledCloudwatchLogsExports = []string{"postgresql"}
	cfg.Cluster.CreateCloudwatchLogGroup = false

	cp, err := Compile(cfg, nil, testLineage)
	require.NoError(t, err)

	assert.Nil(t, findSpec(cp, logGroupAddr("postgresql")))
	assert.True(t, cp.Suppressed[logGroupAddr("postgresql")])
	// Exports still flow to the cluster even when group creation is off
	cluster := findSpec(cp, clusterAddr)
	assert.Equal(t, []any{"postgresql"}, cluster.Properties["enabledCloudwatchLogsExports"])
	assert.Empty(t, cp.Outputs["cloudwatchLogGroupNames"])
}

func TestCompile_RoleAssociations(t *testing.T) {
	cfg := baseConfig()
	cfg.Cluster.IAMRoles = map[string]string{
		"s3Import": "arn:aws:iam::123456789012:role/import",
		"Lambda":   "arn:aws:iam::123456789012:role/lambda",
	}

	cp, err := Compile(cfg, nil, testLineage)
	require.NoError(t, err)

	var features []string
	for _, spec := range cp.Specs {
		if spec.Kind == ir.KindClusterRoleAssociation {
			features = append(features, spec.Name)
		}
	}
	// Sorted key order keeps plans deterministic across passes
	assert.Equal(t, []string{"Lambda", "s3Import"}, features)

	assoc := findSpec(cp, associationAddr("s3Import"))
	require.NotNil(t, assoc)
	assert.Equal(t, ir.Ref(ir.KindCluster, "main", "id"), assoc.Properties["clusterIdentifier"])
	assert.Equal(t, "arn:aws:iam::123456789012:role/import", assoc.Properties["roleArn"])
	assert.Equal(t, "s3Import", assoc.Properties["featureName"])
}

func TestCompile_FinalSnapshotIdentifier(t *testing.T) {
	cfg := baseConfig()
	cfg.Cluster.SkipFinalSnapshot = false
	cfg.Cluster.FinalSnapshotIdentifierPrefix = "final"

	cp, err := Compile(cfg, nil, testLineage)
	require.NoError(t, err)
	cluster := findSpec(cp, clusterAddr)

	id, ok := cluster.Properties["finalSnapshotIdentifier"].(string)
	require.True(t, ok)
	assert.Regexp(t, regexp.MustCompile(`^final-db1-[0-9a-f]{8}$`), id)

	// Stable across planning passes
	cp2, err := Compile(cfg, nil, testLineage)
	require.NoError(t, err)
	assert.Equal(t, id, findSpec(cp2, clusterAddr).Properties["finalSnapshotIdentifier"])

	// A renamed cluster regenerates the suffix
	cfg.Cluster.ClusterIdentifier = "db2"
	cp3, err := Compile(cfg, nil, testLineage)
	require.NoError(t, err)
	assert.NotEqual(t, id, findSpec(cp3, clusterAddr).Properties["finalSnapshotIdentifier"])
}

func TestCompile_SkipFinalSnapshotOmitsIdentifier(t *testing.T) {
	cp, err := Compile(baseConfig(), nil, testLineage)
	require.NoError(t, err)

	// The key must be absent, not empty: absence signals "no snapshot"
	cluster := findSpec(cp, clusterAddr)
	_, present := cluster.Properties["finalSnapshotIdentifier"]
	assert.False(t, present)
}

func TestCompile_ClusterIdentifierPrefix(t *testing.T) {
	cfg := baseConfig()
	cfg.Cluster.ClusterIdentifier = ""
	cfg.Cluster.ClusterIdentifierPrefix = "orders"

	cp, err := Compile(cfg, nil, testLineage)
	require.NoError(t, err)

	cluster := findSpec(cp, clusterAddr)
	id, _ := cluster.Properties["clusterIdentifier"].(string)
	assert.Regexp(t, regexp.MustCompile(`^orders-[0-9a-f]{8}$`), id)
	assert.Equal(t, id, cp.Outputs["clusterIdentifier"])

	// Distinct lineages diverge even with identical prefixes
	cp2, err := Compile(cfg, nil, "a2b4c6d8-0000-4000-8000-000000000000")
	require.NoError(t, err)
	assert.NotEqual(t, id, cp2.Outputs["clusterIdentifier"])
}

func TestCompile_ManagedMasterPassword(t *testing.T) {
	cfg := baseConfig()
	cfg.Cluster.MasterPassword = ""
	cfg.Cluster.ManageMasterUserPassword = true

	cp, err := Compile(cfg, nil, testLineage)
	require.NoError(t, err)

	cluster := findSpec(cp, clusterAddr)
	assert.Equal(t, true, cluster.Properties["manageMasterUserPassword"])
	assert.NotContains(t, cluster.Properties, "masterPassword")
	assert.Empty(t, cluster.Sensitive)
}

func TestCompile_DeletionProtectionLifecycle(t *testing.T) {
	cfg := baseConfig()
	cfg.Cluster.DeletionProtection = true
	cfg.Cluster.IgnoreChanges = []string{"engineVersion"}

	cp, err := Compile(cfg, nil, testLineage)
	require.NoError(t, err)

	cluster := findSpec(cp, clusterAddr)
	require.NotNil(t, cluster.Lifecycle)
	assert.True(t, cluster.Lifecycle.PreventDestroy)
	assert.Equal(t, []string{
		"replicationSourceIdentifier",
		"globalClusterIdentifier",
		"engineVersion",
	}, cluster.Lifecycle.IgnoreChanges)
}

func TestCompile_GovCloudPolicyArn(t *testing.T) {
	cfg := baseConfig()
	cfg.Monitoring = &ir.MonitoringConfig{Interval: 15, CreateRole: true}

	cp, err := Compile(cfg, &ir.Context{Partition: "aws-us-gov", Region: "us-gov-west-1"}, testLineage)
	require.NoError(t, err)

	att := findSpec(cp, monitoringAttAddr)
	assert.Equal(t, "arn:aws-us-gov:iam::aws:policy/service-role/AmazonRDSEnhancedMonitoringRole", att.Properties["policyArn"])
}

func TestCompile_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *ir.Config)
		wantErr string
	}{
		{
			name: "identifier and prefix both set",
			mutate: func(cfg *ir.Config) {
				cfg.Cluster.ClusterIdentifierPrefix = "db"
			},
			wantErr: "clusterIdentifier",
		},
		{
			name: "neither identifier nor prefix",
			mutate: func(cfg *ir.Config) {
				cfg.Cluster.ClusterIdentifier = ""
			},
			wantErr: "clusterIdentifier",
		},
		{
			name: "final snapshot required without skip",
			mutate: func(cfg *ir.Config) {
				cfg.Cluster.SkipFinalSnapshot = false
			},
			wantErr: "finalSnapshotIdentifierPrefix",
		},
		{
			name: "managed password conflicts with literal",
			mutate: func(cfg *ir.Config) {
				cfg.Cluster.ManageMasterUserPassword = true
			},
			wantErr: "masterPassword",
		},
		{
			name: "monitoring without role source",
			mutate: func(cfg *ir.Config) {
				cfg.Monitoring = &ir.MonitoringConfig{Interval: 60}
			},
			wantErr: "roleArn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)
			_, err := Compile(cfg, nil, testLineage)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStableSuffix(t *testing.T) {
	keepers := map[string]string{"clusterIdentifier": "db1"}

	s1 := StableSuffix(testLineage, keepers)
	s2 := StableSuffix(testLineage, map[string]string{"clusterIdentifier": "db1"})
	assert.Equal(t, s1, s2)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), s1)

	// A changed keeper changes the suffix
	s3 := StableSuffix(testLineage, map[string]string{"clusterIdentifier": "db2"})
	assert.NotEqual(t, s1, s3)

	// A changed lineage changes the suffix
	s4 := StableSuffix("other-lineage", keepers)
	assert.NotEqual(t, s1, s4)
}

func TestNamePolicy_Derive(t *testing.T) {
	// Exact names pass through untouched, suffix-free
	exact := NamePolicy{Exact: "my-role", Prefix: "ignored"}
	assert.Equal(t, "my-role", exact.Derive(testLineage))

	// Empty segments collapse: no doubled separators
	prefixed := NamePolicy{Prefix: "db1", Base: "monitoring"}
	assert.Regexp(t, regexp.MustCompile(`^db1-monitoring-[0-9a-f]{8}$`), prefixed.Derive(testLineage))

	bare := NamePolicy{Base: "monitoring"}
	assert.Regexp(t, regexp.MustCompile(`^monitoring-[0-9a-f]{8}$`), bare.Derive(testLineage))
}
