package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/internal/ir"
	"github.com/dbplane/dbplane/internal/logging"
	"github.com/dbplane/dbplane/internal/registry"
	"github.com/google/uuid"
)

// Engine orchestrates the lifecycle of planned resources.
type Engine struct {
	registry        *registry.Registry
	ContinueOnError bool // If true, apply continues past failures instead of stopping
}

func NewEngine(reg *registry.Registry) *Engine {
	return &Engine{
		registry: reg,
	}
}

// CreatePlan compiles the configuration, resolves references, and diffs the
// result against the last-known state. Planning performs no writes; the
// returned plan is the only product. If the state carries no lineage yet,
// one is minted here so derived identifiers are stable from the first pass.
func (e *Engine) CreatePlan(ctx context.Context, cfg *ir.Config, pctx *ir.Context, state *ir.State) (*ir.Plan, error) {
	if state.Lineage == "" {
		state.Lineage = uuid.NewString()
	}
	logging.Debug("creating plan", "state_resources", len(state.Resources), "lineage", state.Lineage)

	cp, err := Compile(cfg, pctx, state.Lineage)
	if err != nil {
		return nil, err
	}
	if err := ResolvePlanRefs(cp); err != nil {
		return nil, fmt.Errorf("reference resolution failed: %w", err)
	}

	dag, err := BuildDAG(cp.Specs)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}

	if err := e.loadAppliers(cfg, state); err != nil {
		return nil, err
	}

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			PlanID:     uuid.NewString(),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			ConfigHash: hashJSON(cfg),
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
		Outputs: cp.Outputs,
	}
	if len(state.Resources) > 0 {
		h := hashJSON(state)
		plan.Metadata.PriorStateHash = &h
	}

	stateMap := make(map[string]*ir.ResourceState)
	for _, res := range state.Resources {
		stateMap[res.Address()] = res
	}
	specByAddr := make(map[string]*ir.ResourceSpec, len(cp.Specs))
	for _, spec := range cp.Specs {
		specByAddr[spec.Address()] = spec
	}

	for _, addr := range dag.CreationOrder() {
		spec, ok := specByAddr[addr]
		if !ok {
			continue
		}

		a, err := e.registry.Get(spec.Applier)
		if err != nil {
			return nil, err
		}

		desiredJSON, err := json.Marshal(spec.Properties)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal properties for %s: %w", addr, err)
		}
		var priorJSON []byte
		prior := stateMap[addr]
		if prior != nil {
			priorJSON, _ = json.Marshal(prior.Inputs)
		}

		resp, err := a.Plan(ctx, &applier.PlanRequest{
			Kind:        spec.Kind,
			Name:        spec.Name,
			DesiredJSON: desiredJSON,
			PriorJSON:   priorJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("plan failed for %s: %w", addr, err)
		}

		action := resp.Action
		if action == applier.ActionUpdate || action == applier.ActionReplace {
			action = filterIgnoredChanges(spec, resp, prior)
		}
		if action == applier.ActionNoop {
			plan.Summary.NoOp++
			continue
		}
		if err := enforceLifecycle(spec, action, addr); err != nil {
			return nil, err
		}

		change := &ir.ResourceChange{
			Address: addr,
			Action:  string(action),
			Desired: spec,
		}
		if prior != nil {
			change.Prior = &ir.ResourceSpec{
				Kind:       prior.Kind,
				Name:       prior.Name,
				Applier:    prior.Applier,
				Properties: prior.Inputs,
			}
			change.Diff = buildPropertyDiff(prior.Inputs, spec.Properties, spec, action)
		} else {
			change.Diff = buildCreateDiff(spec.Properties, spec)
		}
		plan.Changes = append(plan.Changes, change)

		switch action {
		case applier.ActionCreate:
			plan.Summary.Create++
		case applier.ActionUpdate:
			plan.Summary.Update++
		case applier.ActionReplace:
			plan.Summary.Replace++
		case applier.ActionDelete:
			plan.Summary.Delete++
		}
	}

	// Resources in state but no longer planned converge by deletion, in
	// reverse dependency order so consumers go first.
	stateDag, err := BuildDAGFromState(state.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to order state resources: %w", err)
	}
	for _, addr := range stateDag.DestructionOrder() {
		res, ok := stateMap[addr]
		if !ok {
			continue
		}
		if _, planned := specByAddr[addr]; planned {
			continue
		}
		plan.Changes = append(plan.Changes, &ir.ResourceChange{
			Address: addr,
			Action:  string(applier.ActionDelete),
			Prior:   priorSpecFor(res, cfg),
			Diff:    buildDeleteDiff(res.Inputs),
		})
		plan.Summary.Delete++
	}

	return plan, nil
}

// CreateDestroyPlan plans the teardown of everything in state, in reverse
// dependency order. Deletion protection is enforced up front: a protected
// cluster fails the plan instead of failing halfway through an apply.
func (e *Engine) CreateDestroyPlan(ctx context.Context, cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	if cfg != nil && cfg.Cluster != nil && cfg.Cluster.DeletionProtection {
		if state.Resource(clusterAddr) != nil {
			return nil, fmt.Errorf("cluster %s has deletionProtection set; disable it before destroying", clusterAddr)
		}
	}

	if err := e.loadStateAppliers(state); err != nil {
		return nil, err
	}

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			PlanID:    uuid.NewString(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
		Outputs: map[string]any{},
	}

	dag, err := BuildDAGFromState(state.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to order state resources: %w", err)
	}

	stateMap := make(map[string]*ir.ResourceState)
	for _, res := range state.Resources {
		stateMap[res.Address()] = res
	}
	for _, addr := range dag.DestructionOrder() {
		res, ok := stateMap[addr]
		if !ok {
			continue
		}
		plan.Changes = append(plan.Changes, &ir.ResourceChange{
			Address: addr,
			Action:  string(applier.ActionDelete),
			Prior:   priorSpecFor(res, cfg),
			Diff:    buildDeleteDiff(res.Inputs),
		})
		plan.Summary.Delete++
	}

	return plan, nil
}

// priorSpecFor rebuilds a spec view of a state entry for deletion. The
// recorded inputs keep their handles, the recorded dependency edges keep the
// teardown order intact through apply, and the cluster's configured timeouts
// carry over so a declared delete timeout is honored.
func priorSpecFor(res *ir.ResourceState, cfg *ir.Config) *ir.ResourceSpec {
	spec := &ir.ResourceSpec{
		Kind:       res.Kind,
		Name:       res.Name,
		Applier:    res.Applier,
		Properties: res.Inputs,
		DependsOn:  res.Dependencies,
	}
	if res.Kind == ir.KindCluster && cfg != nil && cfg.Cluster != nil {
		spec.Timeouts = cfg.Cluster.Timeouts
	}
	return spec
}

func (e *Engine) loadAppliers(cfg *ir.Config, state *ir.State) error {
	if err := e.registry.Load(cfg.Applier); err != nil {
		return fmt.Errorf("failed to load applier %s: %w", cfg.Applier, err)
	}
	return e.loadStateAppliers(state)
}

func (e *Engine) loadStateAppliers(state *ir.State) error {
	for _, res := range state.Resources {
		if res.Applier == "" {
			continue
		}
		if err := e.registry.Load(res.Applier); err != nil {
			return fmt.Errorf("failed to load applier %s: %w", res.Applier, err)
		}
	}
	return nil
}

// enforceLifecycle rejects plans that would destroy a protected resource.
func enforceLifecycle(spec *ir.ResourceSpec, action applier.Action, addr string) error {
	if spec.Lifecycle == nil {
		return nil
	}
	if spec.Lifecycle.PreventDestroy && (action == applier.ActionDelete || action == applier.ActionReplace) {
		return fmt.Errorf("resource %s has preventDestroy set but plan requires destruction", addr)
	}
	return nil
}

// filterIgnoredChanges downgrades an update to a no-op when every changed
// property sits in the spec's diff exclusion set.
func filterIgnoredChanges(spec *ir.ResourceSpec, resp *applier.PlanResponse, prior *ir.ResourceState) applier.Action {
	if prior == nil || spec.Lifecycle == nil || len(spec.Lifecycle.IgnoreChanges) == 0 {
		return resp.Action
	}
	if resp.Action != applier.ActionUpdate || len(resp.ChangedProperties) == 0 {
		return resp.Action
	}

	ignoreSet := make(map[string]bool, len(spec.Lifecycle.IgnoreChanges))
	for _, prop := range spec.Lifecycle.IgnoreChanges {
		ignoreSet[prop] = true
	}
	for _, prop := range resp.ChangedProperties {
		if !ignoreSet[prop] {
			return resp.Action
		}
	}
	return applier.ActionNoop
}

// buildPropertyDiff compares prior and desired properties key by key.
func buildPropertyDiff(prior, desired map[string]any, spec *ir.ResourceSpec, action applier.Action) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		var d *ir.PropertyDiff
		switch {
		case !inPrior:
			d = &ir.PropertyDiff{After: desiredVal, Action: "create"}
		case !inDesired:
			d = &ir.PropertyDiff{Before: priorVal, Action: "delete"}
		case fmt.Sprintf("%v", priorVal) != fmt.Sprintf("%v", desiredVal):
			d = &ir.PropertyDiff{Before: priorVal, After: desiredVal, Action: "update"}
		default:
			continue
		}
		d.Sensitive = isSensitive(spec, k)
		d.ForcesReplacement = action == applier.ActionReplace && d.Action != "noop"
		diff[k] = d
	}

	return diff
}

func buildCreateDiff(props map[string]any, spec *ir.ResourceSpec) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{
			After:     v,
			Action:    "create",
			Sensitive: isSensitive(spec, k),
		}
	}
	return diff
}

func buildDeleteDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{
			Before: v,
			Action: "delete",
		}
	}
	return diff
}

func isSensitive(spec *ir.ResourceSpec, key string) bool {
	for _, s := range spec.Sensitive {
		if s == key {
			return true
		}
	}
	return false
}

func hashJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
