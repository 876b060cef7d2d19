package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/smithy-go"
	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/internal/logging"
)

type clusterConfig struct {
	ClusterIdentifier            string            `json:"clusterIdentifier"`
	Engine                       string            `json:"engine"`
	EngineVersion                string            `json:"engineVersion"`
	EngineMode                   string            `json:"engineMode"`
	Port                         int               `json:"port"`
	DatabaseName                 string            `json:"databaseName"`
	MasterUsername               string            `json:"masterUsername"`
	MasterPassword               string            `json:"masterPassword"`
	ManageMasterUserPassword     bool              `json:"manageMasterUserPassword"`
	DBSubnetGroupName            string            `json:"dbSubnetGroupName"`
	VpcSecurityGroupIds          []string          `json:"vpcSecurityGroupIds"`
	AvailabilityZones            []string          `json:"availabilityZones"`
	AllocatedStorage             int               `json:"allocatedStorage"`
	StorageType                  string            `json:"storageType"`
	Iops                         int               `json:"iops"`
	StorageEncrypted             bool              `json:"storageEncrypted"`
	KmsKeyID                     string            `json:"kmsKeyId"`
	BackupRetentionPeriod        int               `json:"backupRetentionPeriod"`
	PreferredBackupWindow        string            `json:"preferredBackupWindow"`
	PreferredMaintenanceWindow   string            `json:"preferredMaintenanceWindow"`
	CopyTagsToSnapshot           bool              `json:"copyTagsToSnapshot"`
	SkipFinalSnapshot            bool              `json:"skipFinalSnapshot"`
	FinalSnapshotIdentifier      string            `json:"finalSnapshotIdentifier"`
	DeletionProtection           bool              `json:"deletionProtection"`
	ApplyImmediately             bool              `json:"applyImmediately"`
	EnabledCloudwatchLogsExports []string          `json:"enabledCloudwatchLogsExports"`
	MonitoringInterval           int               `json:"monitoringInterval"`
	MonitoringRoleArn            string            `json:"monitoringRoleArn"`
	RestoreToPointInTime         *restoreConfig    `json:"restoreToPointInTime"`
	S3Import                     *s3ImportConfig   `json:"s3Import"`
	Tags                         map[string]string `json:"tags"`
}

type restoreConfig struct {
	SourceClusterIdentifier string `json:"sourceClusterIdentifier"`
	RestoreType             string `json:"restoreType"`
	RestoreToTime           string `json:"restoreToTime"`
	UseLatestRestorableTime bool   `json:"useLatestRestorableTime"`
}

type s3ImportConfig struct {
	BucketName          string `json:"bucketName"`
	BucketPrefix        string `json:"bucketPrefix"`
	IngestionRole       string `json:"ingestionRole"`
	SourceEngine        string `json:"sourceEngine"`
	SourceEngineVersion string `json:"sourceEngineVersion"`
}

func (p *Provider) applyCluster(ctx context.Context, req *applier.ApplyRequest) (*applier.ApplyResponse, error) {
	var desired clusterConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired cluster: %w", err)
	}

	switch req.Action {
	case applier.ActionUpdate:
		if err := p.modifyCluster(ctx, &desired); err != nil {
			return nil, err
		}
	case applier.ActionReplace:
		var prior struct {
			ID string `json:"id"`
		}
		if len(req.PriorJSON) > 0 {
			_ = json.Unmarshal(req.PriorJSON, &prior)
		}
		if prior.ID != "" {
			if err := p.destroyCluster(ctx, prior.ID, desired.SkipFinalSnapshot, desired.FinalSnapshotIdentifier); err != nil {
				return nil, err
			}
		}
		if err := p.createCluster(ctx, &desired); err != nil {
			return nil, err
		}
	default:
		if err := p.createCluster(ctx, &desired); err != nil {
			return nil, err
		}
	}

	if err := p.waitClusterAvailable(ctx, desired.ClusterIdentifier); err != nil {
		return nil, err
	}

	outputs, err := p.clusterOutputs(ctx, desired.ClusterIdentifier)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	return &applier.ApplyResponse{OutputsJSON: data}, nil
}

func (p *Provider) createCluster(ctx context.Context, desired *clusterConfig) error {
	switch {
	case desired.RestoreToPointInTime != nil:
		return p.restoreClusterToPointInTime(ctx, desired)
	case desired.S3Import != nil:
		return p.restoreClusterFromS3(ctx, desired)
	}

	input := &rds.CreateDBClusterInput{
		DBClusterIdentifier:   aws.String(desired.ClusterIdentifier),
		Engine:                aws.String(desired.Engine),
		StorageEncrypted:      aws.Bool(desired.StorageEncrypted),
		CopyTagsToSnapshot:    aws.Bool(desired.CopyTagsToSnapshot),
		DeletionProtection:    aws.Bool(desired.DeletionProtection),
		BackupRetentionPeriod: aws.Int32(int32(desired.BackupRetentionPeriod)),
		Tags:                  tagList(desired.Tags),
	}
	if desired.EngineVersion != "" {
		input.EngineVersion = aws.String(desired.EngineVersion)
	}
	if desired.EngineMode != "" {
		input.EngineMode = aws.String(desired.EngineMode)
	}
	if desired.Port > 0 {
		input.Port = aws.Int32(int32(desired.Port))
	}
	if desired.DatabaseName != "" {
		input.DatabaseName = aws.String(desired.DatabaseName)
	}
	if desired.MasterUsername != "" {
		input.MasterUsername = aws.String(desired.MasterUsername)
	}
	if desired.ManageMasterUserPassword {
		input.ManageMasterUserPassword = aws.Bool(true)
	} else if desired.MasterPassword != "" {
		input.MasterUserPassword = aws.String(desired.MasterPassword)
	}
	if desired.DBSubnetGroupName != "" {
		input.DBSubnetGroupName = aws.String(desired.DBSubnetGroupName)
	}
	if len(desired.VpcSecurityGroupIds) > 0 {
		input.VpcSecurityGroupIds = desired.VpcSecurityGroupIds
	}
	if len(desired.AvailabilityZones) > 0 {
		input.AvailabilityZones = desired.AvailabilityZones
	}
	if desired.AllocatedStorage > 0 {
		input.AllocatedStorage = aws.Int32(int32(desired.AllocatedStorage))
	}
	if desired.StorageType != "" {
		input.StorageType = aws.String(desired.StorageType)
	}
	if desired.Iops > 0 {
		input.Iops = aws.Int32(int32(desired.Iops))
	}
	if desired.KmsKeyID != "" {
		input.KmsKeyId = aws.String(desired.KmsKeyID)
	}
	if desired.PreferredBackupWindow != "" {
		input.PreferredBackupWindow = aws.String(desired.PreferredBackupWindow)
	}
	if desired.PreferredMaintenanceWindow != "" {
		input.PreferredMaintenanceWindow = aws.String(desired.PreferredMaintenanceWindow)
	}
	if len(desired.EnabledCloudwatchLogsExports) > 0 {
		input.EnableCloudwatchLogsExports = desired.EnabledCloudwatchLogsExports
	}
	if desired.MonitoringInterval > 0 {
		input.MonitoringInterval = aws.Int32(int32(desired.MonitoringInterval))
		input.MonitoringRoleArn = aws.String(desired.MonitoringRoleArn)
	}

	logging.Info("creating cluster", "identifier", desired.ClusterIdentifier, "engine", desired.Engine)
	if _, err := p.rdsClient.CreateDBCluster(ctx, input); err != nil {
		return fmt.Errorf("failed to create cluster %s: %w", desired.ClusterIdentifier, err)
	}
	return nil
}

func (p *Provider) restoreClusterToPointInTime(ctx context.Context, desired *clusterConfig) error {
	r := desired.RestoreToPointInTime
	input := &rds.RestoreDBClusterToPointInTimeInput{
		DBClusterIdentifier:       aws.String(desired.ClusterIdentifier),
		SourceDBClusterIdentifier: aws.String(r.SourceClusterIdentifier),
		DeletionProtection:        aws.Bool(desired.DeletionProtection),
		CopyTagsToSnapshot:        aws.Bool(desired.CopyTagsToSnapshot),
		Tags:                      tagList(desired.Tags),
	}
	if r.RestoreType != "" {
		input.RestoreType = aws.String(r.RestoreType)
	}
	if r.UseLatestRestorableTime {
		input.UseLatestRestorableTime = aws.Bool(true)
	} else if r.RestoreToTime != "" {
		ts, err := time.Parse(time.RFC3339, r.RestoreToTime)
		if err != nil {
			return fmt.Errorf("invalid restoreToTime %q: %w", r.RestoreToTime, err)
		}
		input.RestoreToTime = aws.Time(ts)
	}
	if desired.DBSubnetGroupName != "" {
		input.DBSubnetGroupName = aws.String(desired.DBSubnetGroupName)
	}
	if len(desired.VpcSecurityGroupIds) > 0 {
		input.VpcSecurityGroupIds = desired.VpcSecurityGroupIds
	}
	if desired.KmsKeyID != "" {
		input.KmsKeyId = aws.String(desired.KmsKeyID)
	}
	if desired.Port > 0 {
		input.Port = aws.Int32(int32(desired.Port))
	}

	logging.Info("restoring cluster to point in time",
		"identifier", desired.ClusterIdentifier,
		"source", r.SourceClusterIdentifier)
	if _, err := p.rdsClient.RestoreDBClusterToPointInTime(ctx, input); err != nil {
		return fmt.Errorf("failed to restore cluster %s: %w", desired.ClusterIdentifier, err)
	}
	return nil
}

func (p *Provider) restoreClusterFromS3(ctx context.Context, desired *clusterConfig) error {
	s := desired.S3Import
	input := &rds.RestoreDBClusterFromS3Input{
		DBClusterIdentifier: aws.String(desired.ClusterIdentifier),
		Engine:              aws.String(desired.Engine),
		MasterUsername:      aws.String(desired.MasterUsername),
		S3BucketName:        aws.String(s.BucketName),
		S3IngestionRoleArn:  aws.String(s.IngestionRole),
		SourceEngine:        aws.String(s.SourceEngine),
		SourceEngineVersion: aws.String(s.SourceEngineVersion),
		StorageEncrypted:    aws.Bool(desired.StorageEncrypted),
		DeletionProtection:  aws.Bool(desired.DeletionProtection),
		Tags:                tagList(desired.Tags),
	}
	if s.BucketPrefix != "" {
		input.S3Prefix = aws.String(s.BucketPrefix)
	}
	if desired.MasterPassword != "" {
		input.MasterUserPassword = aws.String(desired.MasterPassword)
	}
	if desired.ManageMasterUserPassword {
		input.ManageMasterUserPassword = aws.Bool(true)
	}
	if desired.EngineVersion != "" {
		input.EngineVersion = aws.String(desired.EngineVersion)
	}
	if desired.DatabaseName != "" {
		input.DatabaseName = aws.String(desired.DatabaseName)
	}
	if desired.DBSubnetGroupName != "" {
		input.DBSubnetGroupName = aws.String(desired.DBSubnetGroupName)
	}
	if len(desired.VpcSecurityGroupIds) > 0 {
		input.VpcSecurityGroupIds = desired.VpcSecurityGroupIds
	}
	if desired.KmsKeyID != "" {
		input.KmsKeyId = aws.String(desired.KmsKeyID)
	}
	if desired.Port > 0 {
		input.Port = aws.Int32(int32(desired.Port))
	}

	logging.Info("restoring cluster from object storage",
		"identifier", desired.ClusterIdentifier,
		"bucket", s.BucketName)
	if _, err := p.rdsClient.RestoreDBClusterFromS3(ctx, input); err != nil {
		return fmt.Errorf("failed to restore cluster %s from s3: %w", desired.ClusterIdentifier, err)
	}
	return nil
}

func (p *Provider) modifyCluster(ctx context.Context, desired *clusterConfig) error {
	input := &rds.ModifyDBClusterInput{
		DBClusterIdentifier:   aws.String(desired.ClusterIdentifier),
		ApplyImmediately:      aws.Bool(desired.ApplyImmediately),
		BackupRetentionPeriod: aws.Int32(int32(desired.BackupRetentionPeriod)),
		CopyTagsToSnapshot:    aws.Bool(desired.CopyTagsToSnapshot),
		DeletionProtection:    aws.Bool(desired.DeletionProtection),
	}
	if desired.EngineVersion != "" {
		input.EngineVersion = aws.String(desired.EngineVersion)
	}
	if desired.Port > 0 {
		input.Port = aws.Int32(int32(desired.Port))
	}
	if desired.ManageMasterUserPassword {
		input.ManageMasterUserPassword = aws.Bool(true)
	} else if desired.MasterPassword != "" {
		input.MasterUserPassword = aws.String(desired.MasterPassword)
	}
	if len(desired.VpcSecurityGroupIds) > 0 {
		input.VpcSecurityGroupIds = desired.VpcSecurityGroupIds
	}
	if desired.PreferredBackupWindow != "" {
		input.PreferredBackupWindow = aws.String(desired.PreferredBackupWindow)
	}
	if desired.PreferredMaintenanceWindow != "" {
		input.PreferredMaintenanceWindow = aws.String(desired.PreferredMaintenanceWindow)
	}
	if desired.StorageType != "" {
		input.StorageType = aws.String(desired.StorageType)
	}
	if desired.Iops > 0 {
		input.Iops = aws.Int32(int32(desired.Iops))
	}
	if desired.AllocatedStorage > 0 {
		input.AllocatedStorage = aws.Int32(int32(desired.AllocatedStorage))
	}
	if desired.MonitoringInterval > 0 {
		input.MonitoringInterval = aws.Int32(int32(desired.MonitoringInterval))
		input.MonitoringRoleArn = aws.String(desired.MonitoringRoleArn)
	} else {
		input.MonitoringInterval = aws.Int32(0)
	}
	if exports := p.exportDelta(ctx, desired); exports != nil {
		input.CloudwatchLogsExportConfiguration = exports
	}

	logging.Info("modifying cluster", "identifier", desired.ClusterIdentifier)
	if _, err := p.rdsClient.ModifyDBCluster(ctx, input); err != nil {
		return fmt.Errorf("failed to modify cluster %s: %w", desired.ClusterIdentifier, err)
	}
	return nil
}

// exportDelta computes which log exports to enable or disable against the
// live cluster. Export changes are delta-shaped on the API, not declarative.
func (p *Provider) exportDelta(ctx context.Context, desired *clusterConfig) *rdstypes.CloudwatchLogsExportConfiguration {
	live, err := p.describeCluster(ctx, desired.ClusterIdentifier)
	if err != nil || live == nil {
		return nil
	}

	current := make(map[string]bool)
	for _, e := range live.EnabledCloudwatchLogsExports {
		current[e] = true
	}
	wanted := make(map[string]bool)
	for _, e := range desired.EnabledCloudwatchLogsExports {
		wanted[e] = true
	}

	var enable, disable []string
	for e := range wanted {
		if !current[e] {
			enable = append(enable, e)
		}
	}
	for e := range current {
		if !wanted[e] {
			disable = append(disable, e)
		}
	}
	if len(enable) == 0 && len(disable) == 0 {
		return nil
	}
	return &rdstypes.CloudwatchLogsExportConfiguration{
		EnableLogTypes:  enable,
		DisableLogTypes: disable,
	}
}

func (p *Provider) deleteCluster(ctx context.Context, req *applier.DeleteRequest) (*applier.DeleteResponse, error) {
	var inputs clusterConfig
	if len(req.InputsJSON) > 0 {
		if err := json.Unmarshal(req.InputsJSON, &inputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cluster inputs: %w", err)
		}
	}
	if inputs.DeletionProtection {
		return nil, fmt.Errorf("cluster %s has deletionProtection set; refusing to delete", req.ID)
	}

	if err := p.destroyCluster(ctx, req.ID, inputs.SkipFinalSnapshot, inputs.FinalSnapshotIdentifier); err != nil {
		return nil, err
	}
	return &applier.DeleteResponse{}, nil
}

func (p *Provider) destroyCluster(ctx context.Context, id string, skipFinalSnapshot bool, finalSnapshotID string) error {
	input := &rds.DeleteDBClusterInput{
		DBClusterIdentifier: aws.String(id),
		SkipFinalSnapshot:   aws.Bool(skipFinalSnapshot),
	}
	if !skipFinalSnapshot {
		if finalSnapshotID == "" {
			return fmt.Errorf("cluster %s: final snapshot identifier missing with skipFinalSnapshot false", id)
		}
		input.FinalDBSnapshotIdentifier = aws.String(finalSnapshotID)
	}

	logging.Info("deleting cluster", "identifier", id, "skip_final_snapshot", skipFinalSnapshot)
	if _, err := p.rdsClient.DeleteDBCluster(ctx, input); err != nil {
		if isClusterNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete cluster %s: %w", id, err)
	}

	waiter := rds.NewDBClusterDeletedWaiter(p.rdsClient)
	if err := waiter.Wait(ctx, &rds.DescribeDBClustersInput{
		DBClusterIdentifier: aws.String(id),
	}, waitBudget(ctx)); err != nil {
		return fmt.Errorf("failed to wait for cluster %s deletion: %w", id, err)
	}
	return nil
}

func (p *Provider) readCluster(ctx context.Context, req *applier.ReadRequest) (*applier.ReadResponse, error) {
	cluster, err := p.describeCluster(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if cluster == nil {
		return &applier.ReadResponse{Exists: false}, nil
	}

	outputs, err := p.clusterOutputs(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	return &applier.ReadResponse{Exists: true, OutputsJSON: data}, nil
}

func (p *Provider) describeCluster(ctx context.Context, id string) (*rdstypes.DBCluster, error) {
	out, err := p.rdsClient.DescribeDBClusters(ctx, &rds.DescribeDBClustersInput{
		DBClusterIdentifier: aws.String(id),
	})
	if err != nil {
		if isClusterNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to describe cluster %s: %w", id, err)
	}
	if len(out.DBClusters) == 0 {
		return nil, nil
	}
	return &out.DBClusters[0], nil
}

func (p *Provider) clusterOutputs(ctx context.Context, id string) (map[string]any, error) {
	cluster, err := p.describeCluster(ctx, id)
	if err != nil {
		return nil, err
	}
	if cluster == nil {
		return nil, fmt.Errorf("cluster %s not found after convergence", id)
	}

	outputs := map[string]any{
		"id":             aws.ToString(cluster.DBClusterIdentifier),
		"arn":            aws.ToString(cluster.DBClusterArn),
		"endpoint":       aws.ToString(cluster.Endpoint),
		"readerEndpoint": aws.ToString(cluster.ReaderEndpoint),
		"engineVersion":  aws.ToString(cluster.EngineVersion),
		"hostedZoneId":   aws.ToString(cluster.HostedZoneId),
	}
	if cluster.Port != nil {
		outputs["port"] = int(*cluster.Port)
	}
	if secret := cluster.MasterUserSecret; secret != nil {
		outputs["masterUserSecretArn"] = aws.ToString(secret.SecretArn)
		if meta, err := p.describeSecret(ctx, aws.ToString(secret.SecretArn)); err == nil && meta != nil {
			outputs["masterUserSecretName"] = meta.name
			outputs["masterUserSecretKmsKeyId"] = meta.kmsKeyID
		}
	}
	return outputs, nil
}

func (p *Provider) waitClusterAvailable(ctx context.Context, id string) error {
	waiter := rds.NewDBClusterAvailableWaiter(p.rdsClient)
	if err := waiter.Wait(ctx, &rds.DescribeDBClustersInput{
		DBClusterIdentifier: aws.String(id),
	}, waitBudget(ctx)); err != nil {
		return fmt.Errorf("failed to wait for cluster %s availability: %w", id, err)
	}
	return nil
}

// waitBudget derives the waiter budget from the operation deadline the
// engine already set.
func waitBudget(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return 90 * time.Minute
}

func isClusterNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "DBClusterNotFoundFault"
}

func tagList(tags map[string]string) []rdstypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]rdstypes.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, rdstypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}
