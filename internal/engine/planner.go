package engine

import (
	"fmt"
	"sort"

	"github.com/dbplane/dbplane/internal/ir"
)

// Addresses of the resources a configuration can declare. Set-valued kinds
// (log groups, role associations) append their key to the kind.
const (
	clusterAddr        = ir.KindCluster + ".main"
	monitoringRoleAddr = ir.KindRole + ".monitoring"
	monitoringAttAddr  = ir.KindRolePolicyAttachment + ".monitoring"
)

// Built-in diff exclusions for the cluster: the platform rewrites these
// out-of-band after creation (replication promotion, global cluster
// membership), so drift on them must not force an update.
var clusterIgnoreChanges = []string{
	"replicationSourceIdentifier",
	"globalClusterIdentifier",
}

// CompiledPlan is the output of a planning pass before state diffing: the
// planned specs in declaration order, the plan outputs (possibly holding
// deferred handles), and the addresses suppressed by a false predicate.
type CompiledPlan struct {
	Specs      []*ir.ResourceSpec
	Outputs    map[string]any
	Suppressed map[string]bool
}

// Compile evaluates every resource predicate over the configuration and
// materializes one ResourceSpec per (kind, key) pair that passes. Predicates
// compose by logical AND along the ownership chain: a false parent suppresses
// all of its set-valued children regardless of their own set contents. The
// pass is pure; identical inputs always yield an identical plan.
func Compile(cfg *ir.Config, pctx *ir.Context, lineage string) (*CompiledPlan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pctx == nil {
		pctx = ir.DefaultContext()
	}

	cp := &CompiledPlan{
		Outputs:    make(map[string]any),
		Suppressed: make(map[string]bool),
	}

	cl := cfg.Cluster
	exports := dedupeStrings(cl.EnabledCloudwatchLogsExports)

	if !cfg.Create {
		// Nothing materializes, including every dependent identity.
		cp.Suppressed[clusterAddr] = true
		cp.Suppressed[monitoringRoleAddr] = true
		cp.Suppressed[monitoringAttAddr] = true
		for _, export := range exports {
			cp.Suppressed[logGroupAddr(export)] = true
		}
		for _, feature := range sortedKeys(cl.IAMRoles) {
			cp.Suppressed[associationAddr(feature)] = true
		}
		cp.Outputs = compileOutputs(cfg, "", nil, cp.Suppressed)
		return cp, nil
	}

	clusterID := NamePolicy{
		Exact:   cl.ClusterIdentifier,
		Prefix:  cl.ClusterIdentifierPrefix,
		Keepers: map[string]string{"prefix": cl.ClusterIdentifierPrefix},
	}.Derive(lineage)

	monitoringEnabled := cfg.Monitoring != nil && cfg.Monitoring.Interval > 0
	createMonitoringRole := monitoringEnabled && cfg.Monitoring.CreateRole

	if createMonitoringRole {
		cp.Specs = append(cp.Specs, compileMonitoringRole(cfg, clusterID, lineage))
		cp.Specs = append(cp.Specs, compileMonitoringAttachment(cfg, pctx))
	} else {
		cp.Suppressed[monitoringRoleAddr] = true
		cp.Suppressed[monitoringAttAddr] = true
	}

	cp.Specs = append(cp.Specs, compileCluster(cfg, pctx, clusterID, exports, lineage))

	if cl.CreateCloudwatchLogGroup {
		for _, export := range exports {
			cp.Specs = append(cp.Specs, compileLogGroup(cfg, clusterID, export))
		}
	} else {
		for _, export := range exports {
			cp.Suppressed[logGroupAddr(export)] = true
		}
	}

	for _, feature := range sortedKeys(cl.IAMRoles) {
		cp.Specs = append(cp.Specs, compileAssociation(cfg, feature, cl.IAMRoles[feature]))
	}

	cp.Outputs = compileOutputs(cfg, clusterID, exports, cp.Suppressed)
	return cp, nil
}

func compileCluster(cfg *ir.Config, pctx *ir.Context, clusterID string, exports []string, lineage string) *ir.ResourceSpec {
	cl := cfg.Cluster

	props := map[string]any{
		"clusterIdentifier":     clusterID,
		"engine":                cl.Engine,
		"skipFinalSnapshot":     cl.SkipFinalSnapshot,
		"storageEncrypted":      cl.StorageEncrypted,
		"copyTagsToSnapshot":    cl.CopyTagsToSnapshot,
		"deletionProtection":    cl.DeletionProtection,
		"applyImmediately":      cl.ApplyImmediately,
		"backupRetentionPeriod": cl.BackupRetentionPeriod,
	}
	setIfNotZero(props, "engineVersion", cl.EngineVersion)
	setIfNotZero(props, "engineMode", cl.EngineMode)
	setIfNotZero(props, "port", cl.Port)
	setIfNotZero(props, "databaseName", cl.DatabaseName)
	setIfNotZero(props, "masterUsername", cl.MasterUsername)
	setIfNotZero(props, "dbSubnetGroupName", cl.DBSubnetGroupName)
	setIfNotZero(props, "storageType", cl.StorageType)
	setIfNotZero(props, "iops", cl.Iops)
	setIfNotZero(props, "allocatedStorage", cl.AllocatedStorage)
	setIfNotZero(props, "kmsKeyId", cl.KmsKeyID)
	setIfNotZero(props, "preferredBackupWindow", cl.PreferredBackupWindow)
	setIfNotZero(props, "preferredMaintenanceWindow", cl.PreferredMaintenanceWindow)

	var sensitive []string
	if cl.ManageMasterUserPassword {
		props["manageMasterUserPassword"] = true
	} else if cl.MasterPassword != "" {
		props["masterPassword"] = cl.MasterPassword
		sensitive = append(sensitive, "masterPassword")
	}

	if len(cl.VpcSecurityGroupIDs) > 0 {
		props["vpcSecurityGroupIds"] = toAnySlice(cl.VpcSecurityGroupIDs)
	}
	if len(cl.AvailabilityZones) > 0 {
		props["availabilityZones"] = toAnySlice(cl.AvailabilityZones)
	}
	if len(exports) > 0 {
		props["enabledCloudwatchLogsExports"] = toAnySlice(exports)
	}

	// The snapshot identifier is absent, not empty, when skipping: its
	// absence is what signals "no final snapshot" downstream.
	if !cl.SkipFinalSnapshot {
		props["finalSnapshotIdentifier"] = FinalSnapshotIdentifier(cl.FinalSnapshotIdentifierPrefix, clusterID, lineage)
	}

	if m := cfg.Monitoring; m != nil && m.Interval > 0 {
		props["monitoringInterval"] = m.Interval
		if m.CreateRole {
			props["monitoringRoleArn"] = ir.Ref(ir.KindRole, "monitoring", "arn")
		} else {
			props["monitoringRoleArn"] = m.RoleArn
		}
	}

	if r := cl.RestoreToPointInTime; r != nil {
		block := map[string]any{
			"sourceClusterIdentifier": r.SourceClusterIdentifier,
		}
		setIfNotZero(block, "restoreType", r.RestoreType)
		setIfNotZero(block, "restoreToTime", r.RestoreToTime)
		if r.UseLatestRestorableTime {
			block["useLatestRestorableTime"] = true
		}
		props["restoreToPointInTime"] = block
	}
	if s := cl.S3Import; s != nil {
		block := map[string]any{
			"bucketName":          s.BucketName,
			"ingestionRole":       s.IngestionRole,
			"sourceEngine":        s.SourceEngine,
			"sourceEngineVersion": s.SourceEngineVersion,
		}
		setIfNotZero(block, "bucketPrefix", s.BucketPrefix)
		props["s3Import"] = block
	}

	if len(cfg.Tags) > 0 {
		props["tags"] = tagsToAny(cfg.Tags)
	}

	return &ir.ResourceSpec{
		Kind:    ir.KindCluster,
		Name:    "main",
		Applier: cfg.Applier,
		Lifecycle: &ir.Lifecycle{
			PreventDestroy: cl.DeletionProtection,
			IgnoreChanges:  append(append([]string{}, clusterIgnoreChanges...), cl.IgnoreChanges...),
		},
		Properties: props,
		Sensitive:  sensitive,
		Timeouts:   cl.Timeouts,
	}
}

func compileMonitoringRole(cfg *ir.Config, clusterID, lineage string) *ir.ResourceSpec {
	m := cfg.Monitoring

	policy := NamePolicy{
		Exact:   m.RoleName,
		Prefix:  m.RoleNamePrefix,
		Keepers: map[string]string{"prefix": m.RoleNamePrefix},
	}
	if policy.Exact == "" && policy.Prefix == "" {
		policy.Prefix = clusterID
		policy.Base = "monitoring"
		policy.Keepers = map[string]string{"clusterIdentifier": clusterID}
	}

	props := map[string]any{
		"name":             policy.Derive(lineage),
		"assumeRolePolicy": monitoringAssumeRolePolicy,
	}
	setIfNotZero(props, "description", m.RoleDescription)
	setIfNotZero(props, "permissionsBoundary", m.RolePermissionsBoundary)
	if len(cfg.Tags) > 0 {
		props["tags"] = tagsToAny(cfg.Tags)
	}

	return &ir.ResourceSpec{
		Kind:       ir.KindRole,
		Name:       "monitoring",
		Applier:    cfg.Applier,
		Properties: props,
	}
}

func compileMonitoringAttachment(cfg *ir.Config, pctx *ir.Context) *ir.ResourceSpec {
	return &ir.ResourceSpec{
		Kind:    ir.KindRolePolicyAttachment,
		Name:    "monitoring",
		Applier: cfg.Applier,
		Properties: map[string]any{
			"roleName":  ir.Ref(ir.KindRole, "monitoring", "name"),
			"policyArn": fmt.Sprintf("arn:%s:iam::aws:policy/service-role/AmazonRDSEnhancedMonitoringRole", pctx.Partition),
		},
	}
}

func compileLogGroup(cfg *ir.Config, clusterID, export string) *ir.ResourceSpec {
	cl := cfg.Cluster
	props := map[string]any{
		"name": fmt.Sprintf("/aws/rds/cluster/%s/%s", clusterID, export),
	}
	setIfNotZero(props, "retentionInDays", cl.CloudwatchLogGroupRetentionInDays)
	setIfNotZero(props, "kmsKeyId", cl.CloudwatchLogGroupKmsKeyID)
	if len(cfg.Tags) > 0 {
		props["tags"] = tagsToAny(cfg.Tags)
	}

	return &ir.ResourceSpec{
		Kind:       ir.KindLogGroup,
		Name:       export,
		Applier:    cfg.Applier,
		DependsOn:  []string{clusterAddr},
		Properties: props,
	}
}

func compileAssociation(cfg *ir.Config, feature, roleArn string) *ir.ResourceSpec {
	return &ir.ResourceSpec{
		Kind:    ir.KindClusterRoleAssociation,
		Name:    feature,
		Applier: cfg.Applier,
		Properties: map[string]any{
			"clusterIdentifier": ir.Ref(ir.KindCluster, "main", "id"),
			"roleArn":           roleArn,
			"featureName":       feature,
		},
	}
}

func compileOutputs(cfg *ir.Config, clusterID string, exports []string, suppressed map[string]bool) map[string]any {
	outputs := map[string]any{
		"clusterIdentifier":     clusterID,
		"clusterArn":            ir.Ref(ir.KindCluster, "main", "arn"),
		"clusterEndpoint":       ir.Ref(ir.KindCluster, "main", "endpoint"),
		"clusterReaderEndpoint": ir.Ref(ir.KindCluster, "main", "readerEndpoint"),
	}

	switch {
	case suppressed[monitoringRoleAddr] && cfg.Monitoring != nil && !cfg.Monitoring.CreateRole && cfg.Monitoring.Interval > 0:
		// Reuse-existing mode: the supplied ARN passes through untouched.
		outputs["monitoringRoleArn"] = cfg.Monitoring.RoleArn
	case suppressed[monitoringRoleAddr]:
		outputs["monitoringRoleArn"] = ""
	default:
		outputs["monitoringRoleArn"] = ir.Ref(ir.KindRole, "monitoring", "arn")
	}

	groups := make([]any, 0, len(exports))
	if cfg.Cluster.CreateCloudwatchLogGroup && cfg.Create {
		for _, export := range exports {
			groups = append(groups, fmt.Sprintf("/aws/rds/cluster/%s/%s", clusterID, export))
		}
	}
	outputs["cloudwatchLogGroupNames"] = groups

	for k, v := range cfg.Outputs {
		outputs[k] = v
	}
	return outputs
}

// FinalSnapshotIdentifier derives the safety-snapshot name taken before a
// destructive cluster operation. The suffix is pinned to the cluster
// identifier: renaming the cluster regenerates it, nothing else does.
func FinalSnapshotIdentifier(prefix, clusterID, lineage string) string {
	return NamePolicy{
		Prefix:  prefix,
		Base:    clusterID,
		Keepers: map[string]string{"clusterIdentifier": clusterID},
	}.Derive(lineage)
}

const monitoringAssumeRolePolicy = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"monitoring.rds.amazonaws.com"},"Action":"sts:AssumeRole"}]}`

func logGroupAddr(export string) string {
	return ir.KindLogGroup + "." + export
}

func associationAddr(feature string) string {
	return ir.KindClusterRoleAssociation + "." + feature
}

func setIfNotZero[T comparable](props map[string]any, key string, v T) {
	var zero T
	if v != zero {
		props[key] = v
	}
}

// dedupeStrings drops repeated keys, keeping first-occurrence order so
// re-declaring an export never yields two instances.
func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func tagsToAny(tags map[string]string) map[string]any {
	out := make(map[string]any, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
