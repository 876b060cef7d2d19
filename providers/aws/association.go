package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/internal/logging"
)

type associationConfig struct {
	ClusterIdentifier string `json:"clusterIdentifier"`
	RoleArn           string `json:"roleArn"`
	FeatureName       string `json:"featureName"`
}

func (p *Provider) applyClusterRoleAssociation(ctx context.Context, req *applier.ApplyRequest) (*applier.ApplyResponse, error) {
	var desired associationConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired association: %w", err)
	}

	input := &rds.AddRoleToDBClusterInput{
		DBClusterIdentifier: aws.String(desired.ClusterIdentifier),
		RoleArn:             aws.String(desired.RoleArn),
	}
	if desired.FeatureName != "" {
		input.FeatureName = aws.String(desired.FeatureName)
	}

	logging.Info("associating role with cluster",
		"cluster", desired.ClusterIdentifier,
		"feature", desired.FeatureName)
	if _, err := p.rdsClient.AddRoleToDBCluster(ctx, input); err != nil {
		return nil, fmt.Errorf("failed to associate role with cluster %s: %w", desired.ClusterIdentifier, err)
	}

	data, err := json.Marshal(map[string]any{
		"id":                desired.ClusterIdentifier + "," + desired.RoleArn,
		"clusterIdentifier": desired.ClusterIdentifier,
		"roleArn":           desired.RoleArn,
		"featureName":       desired.FeatureName,
	})
	if err != nil {
		return nil, err
	}
	return &applier.ApplyResponse{OutputsJSON: data}, nil
}

func (p *Provider) deleteClusterRoleAssociation(ctx context.Context, req *applier.DeleteRequest) (*applier.DeleteResponse, error) {
	clusterID, roleArn, ok := strings.Cut(req.ID, ",")
	if !ok {
		return nil, fmt.Errorf("malformed association id %q", req.ID)
	}

	var inputs associationConfig
	if len(req.InputsJSON) > 0 {
		_ = json.Unmarshal(req.InputsJSON, &inputs)
	}

	input := &rds.RemoveRoleFromDBClusterInput{
		DBClusterIdentifier: aws.String(clusterID),
		RoleArn:             aws.String(roleArn),
	}
	if inputs.FeatureName != "" {
		input.FeatureName = aws.String(inputs.FeatureName)
	}

	if _, err := p.rdsClient.RemoveRoleFromDBCluster(ctx, input); err != nil {
		if !isClusterNotFound(err) {
			return nil, fmt.Errorf("failed to remove role from cluster %s: %w", clusterID, err)
		}
	}
	return &applier.DeleteResponse{}, nil
}
