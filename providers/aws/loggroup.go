package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/smithy-go"
	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/internal/logging"
)

type logGroupConfig struct {
	Name            string            `json:"name"`
	RetentionInDays int               `json:"retentionInDays"`
	KmsKeyID        string            `json:"kmsKeyId"`
	Tags            map[string]string `json:"tags"`
}

func (p *Provider) applyLogGroup(ctx context.Context, req *applier.ApplyRequest) (*applier.ApplyResponse, error) {
	var desired logGroupConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired log group: %w", err)
	}

	if req.Action != applier.ActionUpdate {
		input := &cloudwatchlogs.CreateLogGroupInput{
			LogGroupName: aws.String(desired.Name),
		}
		if desired.KmsKeyID != "" {
			input.KmsKeyId = aws.String(desired.KmsKeyID)
		}
		if len(desired.Tags) > 0 {
			input.Tags = desired.Tags
		}

		logging.Info("creating log group", "name", desired.Name)
		if _, err := p.logsClient.CreateLogGroup(ctx, input); err != nil {
			if !isAlreadyExists(err) {
				return nil, fmt.Errorf("failed to create log group %s: %w", desired.Name, err)
			}
		}
	}

	if desired.RetentionInDays > 0 {
		if _, err := p.logsClient.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(desired.Name),
			RetentionInDays: aws.Int32(int32(desired.RetentionInDays)),
		}); err != nil {
			return nil, fmt.Errorf("failed to set retention on %s: %w", desired.Name, err)
		}
	} else if req.Action == applier.ActionUpdate {
		if _, err := p.logsClient.DeleteRetentionPolicy(ctx, &cloudwatchlogs.DeleteRetentionPolicyInput{
			LogGroupName: aws.String(desired.Name),
		}); err != nil && !isResourceNotFound(err) {
			return nil, fmt.Errorf("failed to clear retention on %s: %w", desired.Name, err)
		}
	}

	arn, err := p.logGroupArn(ctx, desired.Name)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(map[string]any{
		"id":   desired.Name,
		"name": desired.Name,
		"arn":  arn,
	})
	if err != nil {
		return nil, err
	}
	return &applier.ApplyResponse{OutputsJSON: data}, nil
}

func (p *Provider) readLogGroup(ctx context.Context, req *applier.ReadRequest) (*applier.ReadResponse, error) {
	arn, err := p.logGroupArn(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if arn == "" {
		return &applier.ReadResponse{Exists: false}, nil
	}

	data, err := json.Marshal(map[string]any{
		"id":   req.ID,
		"name": req.ID,
		"arn":  arn,
	})
	if err != nil {
		return nil, err
	}
	return &applier.ReadResponse{Exists: true, OutputsJSON: data}, nil
}

func (p *Provider) deleteLogGroup(ctx context.Context, req *applier.DeleteRequest) (*applier.DeleteResponse, error) {
	logging.Info("deleting log group", "name", req.ID)
	if _, err := p.logsClient.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{
		LogGroupName: aws.String(req.ID),
	}); err != nil {
		if !isResourceNotFound(err) {
			return nil, fmt.Errorf("failed to delete log group %s: %w", req.ID, err)
		}
	}
	return &applier.DeleteResponse{}, nil
}

// logGroupArn returns the group's ARN, or "" if no exact-name match exists.
func (p *Provider) logGroupArn(ctx context.Context, name string) (string, error) {
	out, err := p.logsClient.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe log group %s: %w", name, err)
	}
	for _, group := range out.LogGroups {
		if aws.ToString(group.LogGroupName) == name {
			return aws.ToString(group.Arn), nil
		}
	}
	return "", nil
}

func isAlreadyExists(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceAlreadyExistsException"
}

func isResourceNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException"
}
