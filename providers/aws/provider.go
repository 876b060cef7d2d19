// Package aws implements the applier that converges resources against the
// managed platform's APIs.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/internal/ir"
	"github.com/google/go-cmp/cmp"
)

type Provider struct {
	mu sync.Mutex

	rdsClient     *rds.Client
	iamClient     *iam.Client
	logsClient    *cloudwatchlogs.Client
	stsClient     *sts.Client
	secretsClient *secretsmanager.Client
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) ensureClients(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rdsClient != nil {
		return nil
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("unable to load SDK config: %w", err)
	}

	p.rdsClient = rds.NewFromConfig(cfg)
	p.iamClient = iam.NewFromConfig(cfg)
	p.logsClient = cloudwatchlogs.NewFromConfig(cfg)
	p.stsClient = sts.NewFromConfig(cfg)
	p.secretsClient = secretsmanager.NewFromConfig(cfg)
	return nil
}

// Plan diffs recorded inputs generically: the properties the planner emits
// are flat enough that a key-level comparison decides the action, and
// per-kind knowledge is limited to which keys force replacement.
func (p *Provider) Plan(ctx context.Context, req *applier.PlanRequest) (*applier.PlanResponse, error) {
	if len(req.PriorJSON) == 0 {
		return &applier.PlanResponse{Action: applier.ActionCreate}, nil
	}

	var desired, prior map[string]any
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("invalid desired properties: %w", err)
	}
	if err := json.Unmarshal(req.PriorJSON, &prior); err != nil {
		return nil, fmt.Errorf("invalid prior properties: %w", err)
	}

	keys := make(map[string]bool)
	for k := range desired {
		keys[k] = true
	}
	for k := range prior {
		keys[k] = true
	}

	var changed []string
	for k := range keys {
		if !cmp.Equal(desired[k], prior[k]) {
			changed = append(changed, k)
		}
	}
	if len(changed) == 0 {
		return &applier.PlanResponse{Action: applier.ActionNoop}, nil
	}
	sort.Strings(changed)

	action := applier.ActionUpdate
	for _, k := range changed {
		if replacementKey(req.Kind, k) {
			action = applier.ActionReplace
			break
		}
	}
	return &applier.PlanResponse{Action: action, ChangedProperties: changed}, nil
}

func replacementKey(kind, key string) bool {
	switch kind {
	case ir.KindCluster:
		switch key {
		case "clusterIdentifier", "engine", "databaseName", "masterUsername",
			"storageEncrypted", "kmsKeyId", "dbSubnetGroupName", "availabilityZones",
			"restoreToPointInTime", "s3Import":
			return true
		}
	case ir.KindRole, ir.KindLogGroup:
		return key == "name"
	case ir.KindRolePolicyAttachment, ir.KindClusterRoleAssociation:
		return true
	}
	return false
}

func (p *Provider) Apply(ctx context.Context, req *applier.ApplyRequest) (*applier.ApplyResponse, error) {
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	switch req.Kind {
	case ir.KindCluster:
		return p.applyCluster(ctx, req)
	case ir.KindRole:
		return p.applyRole(ctx, req)
	case ir.KindRolePolicyAttachment:
		return p.applyRolePolicyAttachment(ctx, req)
	case ir.KindLogGroup:
		return p.applyLogGroup(ctx, req)
	case ir.KindClusterRoleAssociation:
		return p.applyClusterRoleAssociation(ctx, req)
	}
	return nil, fmt.Errorf("unknown resource kind: %s", req.Kind)
}

func (p *Provider) Read(ctx context.Context, req *applier.ReadRequest) (*applier.ReadResponse, error) {
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	switch req.Kind {
	case ir.KindCluster:
		return p.readCluster(ctx, req)
	case ir.KindRole:
		return p.readRole(ctx, req)
	case ir.KindLogGroup:
		return p.readLogGroup(ctx, req)
	case ir.KindRolePolicyAttachment, ir.KindClusterRoleAssociation:
		// Pure link resources: their existence follows their endpoints.
		return &applier.ReadResponse{Exists: true, OutputsJSON: req.CurrentJSON}, nil
	}
	return nil, fmt.Errorf("unknown resource kind: %s", req.Kind)
}

func (p *Provider) Delete(ctx context.Context, req *applier.DeleteRequest) (*applier.DeleteResponse, error) {
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	switch req.Kind {
	case ir.KindCluster:
		return p.deleteCluster(ctx, req)
	case ir.KindRole:
		return p.deleteRole(ctx, req)
	case ir.KindRolePolicyAttachment:
		return p.deleteRolePolicyAttachment(ctx, req)
	case ir.KindLogGroup:
		return p.deleteLogGroup(ctx, req)
	case ir.KindClusterRoleAssociation:
		return p.deleteClusterRoleAssociation(ctx, req)
	}
	return nil, fmt.Errorf("unknown resource kind: %s", req.Kind)
}
