package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/smithy-go"
	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/internal/logging"
)

type roleConfig struct {
	Name                string            `json:"name"`
	AssumeRolePolicy    string            `json:"assumeRolePolicy"`
	Description         string            `json:"description"`
	PermissionsBoundary string            `json:"permissionsBoundary"`
	Tags                map[string]string `json:"tags"`
}

func (p *Provider) applyRole(ctx context.Context, req *applier.ApplyRequest) (*applier.ApplyResponse, error) {
	var desired roleConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired role: %w", err)
	}

	var role *iamtypes.Role
	if req.Action == applier.ActionUpdate {
		if _, err := p.iamClient.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
			RoleName:       aws.String(desired.Name),
			PolicyDocument: aws.String(desired.AssumeRolePolicy),
		}); err != nil {
			return nil, fmt.Errorf("failed to update role %s: %w", desired.Name, err)
		}
		got, err := p.iamClient.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(desired.Name)})
		if err != nil {
			return nil, fmt.Errorf("failed to read role %s: %w", desired.Name, err)
		}
		role = got.Role
	} else {
		input := &iam.CreateRoleInput{
			RoleName:                 aws.String(desired.Name),
			AssumeRolePolicyDocument: aws.String(desired.AssumeRolePolicy),
			Tags:                     iamTagList(desired.Tags),
		}
		if desired.Description != "" {
			input.Description = aws.String(desired.Description)
		}
		if desired.PermissionsBoundary != "" {
			input.PermissionsBoundary = aws.String(desired.PermissionsBoundary)
		}

		logging.Info("creating role", "name", desired.Name)
		created, err := p.iamClient.CreateRole(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to create role %s: %w", desired.Name, err)
		}
		role = created.Role
	}

	outputs := map[string]any{
		"id":   aws.ToString(role.RoleName),
		"name": aws.ToString(role.RoleName),
		"arn":  aws.ToString(role.Arn),
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	return &applier.ApplyResponse{OutputsJSON: data}, nil
}

func (p *Provider) readRole(ctx context.Context, req *applier.ReadRequest) (*applier.ReadResponse, error) {
	got, err := p.iamClient.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(req.ID)})
	if err != nil {
		if isNotFound(err) {
			return &applier.ReadResponse{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to read role %s: %w", req.ID, err)
	}

	data, err := json.Marshal(map[string]any{
		"id":   aws.ToString(got.Role.RoleName),
		"name": aws.ToString(got.Role.RoleName),
		"arn":  aws.ToString(got.Role.Arn),
	})
	if err != nil {
		return nil, err
	}
	return &applier.ReadResponse{Exists: true, OutputsJSON: data}, nil
}

func (p *Provider) deleteRole(ctx context.Context, req *applier.DeleteRequest) (*applier.DeleteResponse, error) {
	logging.Info("deleting role", "name", req.ID)
	if _, err := p.iamClient.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(req.ID)}); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to delete role %s: %w", req.ID, err)
		}
	}
	return &applier.DeleteResponse{}, nil
}

type attachmentConfig struct {
	RoleName  string `json:"roleName"`
	PolicyArn string `json:"policyArn"`
}

func (p *Provider) applyRolePolicyAttachment(ctx context.Context, req *applier.ApplyRequest) (*applier.ApplyResponse, error) {
	var desired attachmentConfig
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired attachment: %w", err)
	}

	if _, err := p.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(desired.RoleName),
		PolicyArn: aws.String(desired.PolicyArn),
	}); err != nil {
		return nil, fmt.Errorf("failed to attach policy to %s: %w", desired.RoleName, err)
	}

	data, err := json.Marshal(map[string]any{
		"id":        desired.RoleName + "/" + desired.PolicyArn,
		"roleName":  desired.RoleName,
		"policyArn": desired.PolicyArn,
	})
	if err != nil {
		return nil, err
	}
	return &applier.ApplyResponse{OutputsJSON: data}, nil
}

func (p *Provider) deleteRolePolicyAttachment(ctx context.Context, req *applier.DeleteRequest) (*applier.DeleteResponse, error) {
	roleName, policyArn, ok := strings.Cut(req.ID, "/")
	if !ok {
		return nil, fmt.Errorf("malformed attachment id %q", req.ID)
	}

	if _, err := p.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
		RoleName:  aws.String(roleName),
		PolicyArn: aws.String(policyArn),
	}); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to detach policy from %s: %w", roleName, err)
		}
	}
	return &applier.DeleteResponse{}, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchEntity"
}

func iamTagList(tags map[string]string) []iamtypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]iamtypes.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, iamtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}
