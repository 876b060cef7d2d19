// Package sim implements an in-memory applier. It converges nothing real:
// resources live in a map for the lifetime of the process, with outputs shaped
// like the managed platform's so plans and references behave identically.
// It backs local experimentation and most of the engine test suite.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/internal/ir"
	"github.com/google/go-cmp/cmp"
)

// Provider is an applier that records resources in memory.
type Provider struct {
	mu        sync.Mutex
	resources map[string]map[string]any

	// FailureHook, when set, is consulted before every Apply and Delete.
	// Returning a non-nil error fails the operation; tests use it to probe
	// partial-failure behavior.
	FailureHook func(kind, name string) error

	// Partition/Region/Account shape the ARNs in generated outputs.
	Partition string
	Region    string
	Account   string
}

func New() *Provider {
	return &Provider{
		resources: make(map[string]map[string]any),
		Partition: "aws",
		Region:    "us-east-1",
		Account:   "000000000000",
	}
}

func (p *Provider) Plan(ctx context.Context, req *applier.PlanRequest) (*applier.PlanResponse, error) {
	var desired, prior map[string]any
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("invalid desired properties: %w", err)
	}
	if len(req.PriorJSON) == 0 {
		return &applier.PlanResponse{Action: applier.ActionCreate}, nil
	}
	if err := json.Unmarshal(req.PriorJSON, &prior); err != nil {
		return nil, fmt.Errorf("invalid prior properties: %w", err)
	}

	changed := changedKeys(prior, desired)
	if len(changed) == 0 {
		return &applier.PlanResponse{Action: applier.ActionNoop}, nil
	}

	action := applier.ActionUpdate
	for _, k := range changed {
		if forcesReplacement(req.Kind, k) {
			action = applier.ActionReplace
			break
		}
	}
	return &applier.PlanResponse{Action: action, ChangedProperties: changed}, nil
}

func (p *Provider) Apply(ctx context.Context, req *applier.ApplyRequest) (*applier.ApplyResponse, error) {
	var desired map[string]any
	if err := json.Unmarshal(req.DesiredJSON, &desired); err != nil {
		return nil, fmt.Errorf("invalid desired properties: %w", err)
	}

	if p.FailureHook != nil {
		if err := p.FailureHook(req.Kind, req.Name); err != nil {
			return nil, err
		}
	}

	outputs := p.outputsFor(req.Kind, req.Name, desired)

	p.mu.Lock()
	p.resources[req.Kind+"."+req.Name] = outputs
	p.mu.Unlock()

	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	return &applier.ApplyResponse{OutputsJSON: data}, nil
}

func (p *Provider) Read(ctx context.Context, req *applier.ReadRequest) (*applier.ReadResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, outputs := range p.resources {
		if fmt.Sprintf("%v", outputs["id"]) == req.ID || addr == req.ID {
			data, err := json.Marshal(outputs)
			if err != nil {
				return nil, err
			}
			return &applier.ReadResponse{Exists: true, OutputsJSON: data}, nil
		}
	}
	return &applier.ReadResponse{Exists: false}, nil
}

func (p *Provider) Delete(ctx context.Context, req *applier.DeleteRequest) (*applier.DeleteResponse, error) {
	if p.FailureHook != nil {
		if err := p.FailureHook(req.Kind, req.ID); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, outputs := range p.resources {
		if fmt.Sprintf("%v", outputs["id"]) == req.ID || addr == req.ID {
			delete(p.resources, addr)
			break
		}
	}
	return &applier.DeleteResponse{}, nil
}

// Stored returns a copy of the recorded outputs for an address, for tests.
func (p *Provider) Stored(addr string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	outputs, ok := p.resources[addr]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(outputs))
	for k, v := range outputs {
		out[k] = v
	}
	return out
}

// outputsFor fabricates platform-shaped outputs per kind so downstream
// references resolve to plausible values.
func (p *Provider) outputsFor(kind, name string, desired map[string]any) map[string]any {
	outputs := make(map[string]any)

	switch kind {
	case ir.KindCluster:
		id := stringProp(desired, "clusterIdentifier", name)
		outputs["id"] = id
		outputs["arn"] = fmt.Sprintf("arn:%s:rds:%s:%s:cluster:%s", p.Partition, p.Region, p.Account, id)
		outputs["endpoint"] = fmt.Sprintf("%s.cluster-sim.%s.rds.amazonaws.com", id, p.Region)
		outputs["readerEndpoint"] = fmt.Sprintf("%s.cluster-ro-sim.%s.rds.amazonaws.com", id, p.Region)
		if v, ok := desired["port"]; ok {
			outputs["port"] = v
		}
	case ir.KindRole:
		roleName := stringProp(desired, "name", name)
		outputs["id"] = roleName
		outputs["name"] = roleName
		outputs["arn"] = fmt.Sprintf("arn:%s:iam::%s:role/%s", p.Partition, p.Account, roleName)
	case ir.KindLogGroup:
		groupName := stringProp(desired, "name", name)
		outputs["id"] = groupName
		outputs["name"] = groupName
		outputs["arn"] = fmt.Sprintf("arn:%s:logs:%s:%s:log-group:%s", p.Partition, p.Region, p.Account, groupName)
	case ir.KindRolePolicyAttachment:
		outputs["id"] = fmt.Sprintf("%s/%s", stringProp(desired, "roleName", name), stringProp(desired, "policyArn", ""))
	case ir.KindClusterRoleAssociation:
		outputs["id"] = fmt.Sprintf("%s,%s", stringProp(desired, "clusterIdentifier", ""), stringProp(desired, "roleArn", ""))
	default:
		outputs["id"] = fmt.Sprintf("sim-%s-%s", kind, name)
	}

	for k, v := range desired {
		if _, taken := outputs[k]; !taken {
			outputs[k] = v
		}
	}
	return outputs
}

// changedKeys diffs two property maps and returns the changed top-level keys
// in sorted order.
func changedKeys(prior, desired map[string]any) []string {
	keys := make(map[string]bool)
	for k := range prior {
		keys[k] = true
	}
	for k := range desired {
		keys[k] = true
	}

	var changed []string
	for k := range keys {
		if !cmp.Equal(prior[k], desired[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// forcesReplacement reports whether changing a property requires recreating
// the resource rather than updating it in place.
func forcesReplacement(kind, key string) bool {
	switch kind {
	case ir.KindCluster:
		switch key {
		case "clusterIdentifier", "engine", "databaseName", "masterUsername",
			"storageEncrypted", "kmsKeyId", "dbSubnetGroupName", "availabilityZones",
			"restoreToPointInTime", "s3Import":
			return true
		}
	case ir.KindRole:
		return key == "name"
	case ir.KindLogGroup:
		return key == "name"
	case ir.KindRolePolicyAttachment, ir.KindClusterRoleAssociation:
		return true
	}
	return false
}

func stringProp(props map[string]any, key, fallback string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
