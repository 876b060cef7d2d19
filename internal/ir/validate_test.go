package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Create:  true,
		Applier: "sim",
		Cluster: &ClusterConfig{
			ClusterIdentifier: "db1",
			Engine:            "aurora-postgresql",
			SkipFinalSnapshot: true,
		},
	}
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_FieldErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing cluster",
			mutate:  func(c *Config) { c.Cluster = nil },
			wantErr: `invalid configuration: field "cluster" failed "required" validation`,
		},
		{
			name:    "unknown applier",
			mutate:  func(c *Config) { c.Applier = "azure" },
			wantErr: `invalid configuration: field "applier" failed "oneof" validation`,
		},
		{
			name:    "missing engine",
			mutate:  func(c *Config) { c.Cluster.Engine = "" },
			wantErr: `invalid configuration: field "cluster.engine" failed "required" validation`,
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Cluster.Port = 70000 },
			wantErr: `invalid configuration: field "cluster.port" failed "max" validation`,
		},
		{
			name:    "backup retention too long",
			mutate:  func(c *Config) { c.Cluster.BackupRetentionPeriod = 40 },
			wantErr: `invalid configuration: field "cluster.backupRetentionPeriod" failed "max" validation`,
		},
		{
			name: "both identifier and prefix",
			mutate: func(c *Config) {
				c.Cluster.ClusterIdentifierPrefix = "db"
			},
			wantErr: `invalid configuration: field "cluster.clusterIdentifier" failed "excluded_with" validation`,
		},
		{
			name: "invalid monitoring interval",
			mutate: func(c *Config) {
				c.Monitoring = &MonitoringConfig{Interval: 7, CreateRole: true}
			},
			wantErr: `invalid configuration: field "monitoring.interval" failed "oneof" validation`,
		},
		{
			name: "invalid restore type",
			mutate: func(c *Config) {
				c.Cluster.RestoreToPointInTime = &RestoreToPointInTime{
					SourceClusterIdentifier: "src",
					RestoreType:             "partial",
				}
			},
			wantErr: `invalid configuration: field "cluster.restoreToPointInTime.restoreType" failed "oneof" validation`,
		},
		{
			name: "s3 import missing bucket",
			mutate: func(c *Config) {
				c.Cluster.S3Import = &S3Import{
					IngestionRole:       "arn:aws:iam::123456789012:role/ingest",
					SourceEngine:        "mysql",
					SourceEngineVersion: "8.0",
				}
			},
			wantErr: `invalid configuration: field "cluster.s3Import.bucketName" failed "required" validation`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestValidate_CrossField(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "no identifier at all",
			mutate: func(c *Config) {
				c.Cluster.ClusterIdentifier = ""
			},
			wantErr: `invalid configuration: one of "clusterIdentifier" or "clusterIdentifierPrefix" must be set`,
		},
		{
			name: "final snapshot prefix required",
			mutate: func(c *Config) {
				c.Cluster.SkipFinalSnapshot = false
			},
			wantErr: `invalid configuration: field "finalSnapshotIdentifierPrefix" is required when skipFinalSnapshot is false`,
		},
		{
			name: "managed password conflicts with explicit one",
			mutate: func(c *Config) {
				c.Cluster.MasterPassword = "hunter2"
				c.Cluster.ManageMasterUserPassword = true
			},
			wantErr: `invalid configuration: field "masterPassword" must be empty when manageMasterUserPassword is set`,
		},
		{
			name: "iops needs storage type",
			mutate: func(c *Config) {
				c.Cluster.Iops = 3000
			},
			wantErr: `invalid configuration: field "storageType" is required when iops is set`,
		},
		{
			name: "restore time conflicts with latest restorable",
			mutate: func(c *Config) {
				c.Cluster.RestoreToPointInTime = &RestoreToPointInTime{
					SourceClusterIdentifier: "src",
					RestoreToTime:           "2026-08-01T00:00:00Z",
					UseLatestRestorableTime: true,
				}
			},
			wantErr: `invalid configuration: field "restoreToTime" must be empty when useLatestRestorableTime is set`,
		},
		{
			name: "createRole conflicts with roleArn",
			mutate: func(c *Config) {
				c.Monitoring = &MonitoringConfig{
					Interval:   60,
					CreateRole: true,
					RoleArn:    "arn:aws:iam::123456789012:role/monitoring",
				}
			},
			wantErr: `invalid configuration: field "roleArn" must be empty when createRole is set`,
		},
		{
			name: "monitoring without a role",
			mutate: func(c *Config) {
				c.Monitoring = &MonitoringConfig{Interval: 60}
			},
			wantErr: `invalid configuration: field "roleArn" is required when monitoring is enabled without createRole`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestValidate_MonitoringDisabledNeedsNoRole(t *testing.T) {
	cfg := validConfig()
	cfg.Monitoring = &MonitoringConfig{Interval: 0}
	assert.NoError(t, cfg.Validate())
}
