package ir

// Config is the top-level configuration record. It is evaluated once per
// planning pass and never mutated; the planner re-derives everything from it.
type Config struct {
	// Create gates the whole module. When false, nothing is planned,
	// including every dependent identity.
	Create  bool   `pkl:"create"`
	Applier string `pkl:"applier" validate:"required,oneof=aws docker sim"`

	Cluster    *ClusterConfig    `pkl:"cluster" validate:"required"`
	Monitoring *MonitoringConfig `pkl:"monitoring"`

	Tags    map[string]string `pkl:"tags"`
	Outputs map[string]any    `pkl:"outputs"`
}

// ClusterConfig describes the managed database cluster.
type ClusterConfig struct {
	// Exactly one of ClusterIdentifier / ClusterIdentifierPrefix must be set.
	ClusterIdentifier       string `pkl:"clusterIdentifier" validate:"excluded_with=ClusterIdentifierPrefix"`
	ClusterIdentifierPrefix string `pkl:"clusterIdentifierPrefix"`

	Engine        string `pkl:"engine" validate:"required"`
	EngineVersion string `pkl:"engineVersion"`
	EngineMode    string `pkl:"engineMode" validate:"omitempty,oneof=provisioned serverless"`
	Port          int    `pkl:"port" validate:"omitempty,min=1,max=65535"`

	DatabaseName   string `pkl:"databaseName"`
	MasterUsername string `pkl:"masterUsername"`
	// MasterPassword is an opaque secret: masked in plan rendering, never logged.
	MasterPassword           string `pkl:"masterPassword"`
	ManageMasterUserPassword bool   `pkl:"manageMasterUserPassword"`

	DBSubnetGroupName   string   `pkl:"dbSubnetGroupName"`
	VpcSecurityGroupIDs []string `pkl:"vpcSecurityGroupIds"`
	AvailabilityZones   []string `pkl:"availabilityZones"`

	AllocatedStorage int    `pkl:"allocatedStorage"`
	StorageType      string `pkl:"storageType"`
	Iops             int    `pkl:"iops"`
	StorageEncrypted bool   `pkl:"storageEncrypted"`
	KmsKeyID         string `pkl:"kmsKeyId"`

	BackupRetentionPeriod      int    `pkl:"backupRetentionPeriod" validate:"min=0,max=35"`
	PreferredBackupWindow      string `pkl:"preferredBackupWindow"`
	PreferredMaintenanceWindow string `pkl:"preferredMaintenanceWindow"`
	CopyTagsToSnapshot         bool   `pkl:"copyTagsToSnapshot"`

	SkipFinalSnapshot             bool   `pkl:"skipFinalSnapshot"`
	FinalSnapshotIdentifierPrefix string `pkl:"finalSnapshotIdentifierPrefix"`

	DeletionProtection bool `pkl:"deletionProtection"`
	ApplyImmediately   bool `pkl:"applyImmediately"`

	// IAMRoles associates existing roles with cluster features,
	// keyed by feature name (e.g., "s3Import" -> role ARN).
	IAMRoles map[string]string `pkl:"iamRoles"`

	EnabledCloudwatchLogsExports      []string `pkl:"enabledCloudwatchLogsExports"`
	CreateCloudwatchLogGroup          bool     `pkl:"createCloudwatchLogGroup"`
	CloudwatchLogGroupRetentionInDays int      `pkl:"cloudwatchLogGroupRetentionInDays"`
	CloudwatchLogGroupKmsKeyID        string   `pkl:"cloudwatchLogGroupKmsKeyId"`

	RestoreToPointInTime *RestoreToPointInTime `pkl:"restoreToPointInTime"`
	S3Import             *S3Import             `pkl:"s3Import"`

	Timeouts *Timeouts `pkl:"timeouts"`

	// IgnoreChanges extends the built-in diff exclusions
	// (replicationSourceIdentifier, globalClusterIdentifier).
	IgnoreChanges []string `pkl:"ignoreChanges"`
}

// MonitoringConfig controls enhanced monitoring and the role that backs it.
type MonitoringConfig struct {
	// Interval in seconds between monitoring samples. 0 disables
	// enhanced monitoring entirely, including role creation.
	Interval int `pkl:"interval" validate:"omitempty,oneof=0 1 5 10 15 30 60"`

	// CreateRole plans a new monitoring role. When false, RoleArn is
	// passed through untouched.
	CreateRole bool   `pkl:"createRole"`
	RoleArn    string `pkl:"roleArn"`

	RoleName                string `pkl:"roleName" validate:"excluded_with=RoleNamePrefix"`
	RoleNamePrefix          string `pkl:"roleNamePrefix"`
	RoleDescription         string `pkl:"roleDescription"`
	RolePermissionsBoundary string `pkl:"rolePermissionsBoundary"`
}

// RestoreToPointInTime requests the cluster be restored from a source
// cluster's backup history instead of created empty.
type RestoreToPointInTime struct {
	SourceClusterIdentifier string `pkl:"sourceClusterIdentifier" validate:"required"`
	RestoreType             string `pkl:"restoreType" validate:"omitempty,oneof=full-copy copy-on-write"`
	RestoreToTime           string `pkl:"restoreToTime"`
	UseLatestRestorableTime bool   `pkl:"useLatestRestorableTime"`
}

// S3Import seeds the cluster from a database dump in object storage.
type S3Import struct {
	BucketName          string `pkl:"bucketName" validate:"required"`
	BucketPrefix        string `pkl:"bucketPrefix"`
	IngestionRole       string `pkl:"ingestionRole" validate:"required"`
	SourceEngine        string `pkl:"sourceEngine" validate:"required"`
	SourceEngineVersion string `pkl:"sourceEngineVersion" validate:"required"`
}

// Context is the provider scope planning runs in. It is explicit input:
// ARNs constructed at plan time use it instead of ambient lookups.
type Context struct {
	Partition string `pkl:"partition"`
	Region    string `pkl:"region"`
	AccountID string `pkl:"accountId"`
}

// DefaultContext is used when no provider context is supplied (offline
// planning, tests, the sim applier).
func DefaultContext() *Context {
	return &Context{Partition: "aws", Region: "us-east-1", AccountID: ""}
}
