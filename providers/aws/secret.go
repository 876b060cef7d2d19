package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type secretMeta struct {
	name     string
	kmsKeyID string
}

// describeSecret fetches metadata for the platform-managed master password
// secret. Only metadata: the secret value itself never enters outputs or
// state.
func (p *Provider) describeSecret(ctx context.Context, arn string) (*secretMeta, error) {
	if arn == "" {
		return nil, nil
	}
	out, err := p.secretsClient.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(arn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe secret: %w", err)
	}
	return &secretMeta{
		name:     aws.ToString(out.Name),
		kmsKeyID: aws.ToString(out.KmsKeyId),
	}, nil
}
