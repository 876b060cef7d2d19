package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/dbplane/dbplane/internal/ir"
)

// PlanningContext resolves the partition, region, and account the caller
// operates in. Plan-time ARN construction uses it so GovCloud and China
// partitions come out right without any ambient guessing at apply time.
func (p *Provider) PlanningContext(ctx context.Context) (*ir.Context, error) {
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	identity, err := p.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve caller identity: %w", err)
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	return &ir.Context{
		Partition: partitionFromArn(aws.ToString(identity.Arn)),
		Region:    cfg.Region,
		AccountID: aws.ToString(identity.Account),
	}, nil
}

// partitionFromArn extracts the partition segment of a caller ARN
// (arn:aws-us-gov:sts::... -> aws-us-gov).
func partitionFromArn(arn string) string {
	parts := strings.SplitN(arn, ":", 3)
	if len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	return "aws"
}
