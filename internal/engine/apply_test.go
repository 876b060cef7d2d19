package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dbplane/dbplane/internal/ir"
	"github.com/dbplane/dbplane/internal/registry"
	"github.com/dbplane/dbplane/providers/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSimEngine(t *testing.T) (*Engine, *sim.Provider) {
	t.Helper()
	prov := sim.New()
	reg := registry.NewRegistry()
	reg.Register("sim", prov)
	return NewEngine(reg), prov
}

func TestEngine_ApplyPlan_Create(t *testing.T) {
	eng, prov := newSimEngine(t)
	ctx := context.Background()

	cfg := baseConfig()
	cfg.Monitoring = &ir.MonitoringConfig{Interval: 60, CreateRole: true}
	cfg.Cluster.IAMRoles = map[string]string{
		"s3Import": "arn:aws:iam::123456789012:role/import",
	}

	state := &ir.State{}
	plan, err := eng.CreatePlan(ctx, cfg, nil, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 4)

	state, err = eng.ApplyPlan(ctx, plan, state)
	require.NoError(t, err)
	require.Len(t, state.Resources, 4)
	assert.Equal(t, 1, state.Serial)

	// Handles resolved before reaching the applier: the association saw the
	// real cluster identifier, not the ref:// handle
	assocOutputs := prov.Stored(associationAddr("s3Import"))
	require.NotNil(t, assocOutputs)
	assert.Equal(t, "db1", assocOutputs["clusterIdentifier"])

	// The cluster saw the actual monitoring role ARN
	clusterOutputs := prov.Stored(clusterAddr)
	require.NotNil(t, clusterOutputs)
	arn, _ := clusterOutputs["monitoringRoleArn"].(string)
	assert.True(t, strings.HasPrefix(arn, "arn:aws:iam::"))
	assert.NotContains(t, arn, ir.RefScheme)

	// State inputs stay unresolved so the next plan is a no-op
	clusterState := state.Resource(clusterAddr)
	require.NotNil(t, clusterState)
	assert.Equal(t, ir.Ref(ir.KindRole, "monitoring", "arn"), clusterState.Inputs["monitoringRoleArn"])
	assert.NotEmpty(t, clusterState.InputsHash)

	// Module outputs resolved against the converged state
	assert.Equal(t, "db1", state.Outputs["clusterIdentifier"])
	endpoint, _ := state.Outputs["clusterEndpoint"].(string)
	assert.Contains(t, endpoint, "db1.cluster-")
}

func TestEngine_ApplyPlan_Delete(t *testing.T) {
	eng, prov := newSimEngine(t)
	ctx := context.Background()

	cfg := baseConfig()
	state := &ir.State{}
	plan, err := eng.CreatePlan(ctx, cfg, nil, state)
	require.NoError(t, err)
	state, err = eng.ApplyPlan(ctx, plan, state)
	require.NoError(t, err)
	require.NotNil(t, prov.Stored(clusterAddr))

	destroy, err := eng.CreateDestroyPlan(ctx, cfg, state)
	require.NoError(t, err)
	state, err = eng.ApplyPlan(ctx, destroy, state)
	require.NoError(t, err)

	assert.Empty(t, state.Resources)
	assert.Nil(t, prov.Stored(clusterAddr))
}

func TestEngine_ApplyPlan_Callback(t *testing.T) {
	eng, _ := newSimEngine(t)
	ctx := context.Background()

	state := &ir.State{}
	plan, err := eng.CreatePlan(ctx, baseConfig(), nil, state)
	require.NoError(t, err)

	var mu sync.Mutex
	var events []ApplyEvent
	_, err = eng.ApplyPlanWithCallback(ctx, plan, state, func(event ApplyEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "started", events[0].Status)
	assert.Equal(t, "completed", events[1].Status)
	assert.Equal(t, clusterAddr, events[0].Address)
}

func TestEngine_ApplyPlan_FailedDependencySkips(t *testing.T) {
	eng, prov := newSimEngine(t)
	eng.ContinueOnError = true
	ctx := context.Background()

	cfg := baseConfig()
	cfg.Monitoring = &ir.MonitoringConfig{Interval: 60, CreateRole: true}

	prov.FailureHook = func(kind, name string) error {
		if kind == ir.KindRole {
			return errors.New("role creation rejected")
		}
		return nil
	}

	state := &ir.State{}
	plan, err := eng.CreatePlan(ctx, cfg, nil, state)
	require.NoError(t, err)

	var mu sync.Mutex
	skipped := map[string]bool{}
	state, err = eng.ApplyPlanWithCallback(ctx, plan, state, func(event ApplyEvent) {
		if event.Status == "skipped" {
			mu.Lock()
			skipped[event.Address] = true
			mu.Unlock()
		}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role creation rejected")

	// The cluster depends on the failed role and was never attempted
	assert.True(t, skipped[clusterAddr])
	assert.Nil(t, prov.Stored(clusterAddr))
	assert.Nil(t, state.Resource(clusterAddr))
	assert.Nil(t, state.Resource(monitoringRoleAddr))
}

func TestEngine_ApplyPlan_SiblingContinuesPastFailure(t *testing.T) {
	eng, prov := newSimEngine(t)
	eng.ContinueOnError = true
	ctx := context.Background()

	cfg := baseConfig()
	cfg.Cluster.EnabledCloudwatchLogsExports = []string{"postgresql", "upgrade"}
	cfg.Cluster.CreateCloudwatchLogGroup = true

	prov.FailureHook = func(kind, name string) error {
		if kind == ir.KindLogGroup && name == "postgresql" {
			return errors.New("log group quota exceeded")
		}
		return nil
	}

	state := &ir.State{}
	plan, err := eng.CreatePlan(ctx, cfg, nil, state)
	require.NoError(t, err)

	state, err = eng.ApplyPlan(ctx, plan, state)
	require.Error(t, err)

	// The failing sibling does not take the other log group down with it
	assert.NotNil(t, state.Resource(clusterAddr))
	assert.Nil(t, state.Resource(logGroupAddr("postgresql")))
	assert.NotNil(t, state.Resource(logGroupAddr("upgrade")))
	assert.NotNil(t, prov.Stored(logGroupAddr("upgrade")))
}

func TestEngine_ApplyPlan_DeleteOrdering(t *testing.T) {
	eng, prov := newSimEngine(t)
	ctx := context.Background()

	cfg := baseConfig()
	cfg.Cluster.IAMRoles = map[string]string{
		"s3Import": "arn:aws:iam::123456789012:role/import",
	}

	state := &ir.State{}
	plan, err := eng.CreatePlan(ctx, cfg, nil, state)
	require.NoError(t, err)
	state, err = eng.ApplyPlan(ctx, plan, state)
	require.NoError(t, err)
	require.Len(t, state.Resources, 2)

	// Slow the association teardown; an unordered destroy would start the
	// cluster delete while the association is still being removed.
	prov.FailureHook = func(kind, _ string) error {
		if kind == ir.KindClusterRoleAssociation {
			time.Sleep(150 * time.Millisecond)
		}
		return nil
	}

	destroy, err := eng.CreateDestroyPlan(ctx, cfg, state)
	require.NoError(t, err)
	require.Len(t, destroy.Changes, 2)

	var mu sync.Mutex
	var events []ApplyEvent
	state, err = eng.ApplyPlanWithCallback(ctx, destroy, state, func(event ApplyEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Empty(t, state.Resources)
	assert.Nil(t, prov.Stored(clusterAddr))

	// Consumer-first: the association finishes deleting before the cluster
	// it points at is touched
	assocDone := indexOfEvent(events, associationAddr("s3Import"), "completed")
	clusterStart := indexOfEvent(events, clusterAddr, "started")
	require.GreaterOrEqual(t, assocDone, 0)
	require.GreaterOrEqual(t, clusterStart, 0)
	assert.Less(t, assocDone, clusterStart)
}

func indexOfEvent(events []ApplyEvent, addr, status string) int {
	for i, e := range events {
		if e.Address == addr && e.Status == status {
			return i
		}
	}
	return -1
}

func TestEngine_ApplyPlan_StopOnFirstError(t *testing.T) {
	eng, prov := newSimEngine(t)
	ctx := context.Background()

	cfg := baseConfig()
	prov.FailureHook = func(kind, name string) error {
		return errors.New("simulated outage")
	}

	state := &ir.State{}
	plan, err := eng.CreatePlan(ctx, cfg, nil, state)
	require.NoError(t, err)

	state, err = eng.ApplyPlan(ctx, plan, state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulated outage")
	assert.Empty(t, state.Resources)
}

func TestResolveReferences(t *testing.T) {
	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Kind:    ir.KindRole,
				Name:    "monitoring",
				Outputs: map[string]any{"arn": "arn:aws:iam::123456789012:role/db1-monitoring"},
			},
		},
	}

	props := map[string]any{
		"monitoringRoleArn": ir.Ref(ir.KindRole, "monitoring", "arn"),
		"plain":             "untouched",
		"list":              []any{ir.Ref(ir.KindRole, "monitoring", "arn")},
	}

	resolved := resolveReferences(props, state).(map[string]any)
	assert.Equal(t, "arn:aws:iam::123456789012:role/db1-monitoring", resolved["monitoringRoleArn"])
	assert.Equal(t, "untouched", resolved["plain"])
	assert.Equal(t, []any{"arn:aws:iam::123456789012:role/db1-monitoring"}, resolved["list"])

	// Handles to resources missing from state pass through intact
	orphan := resolveReferences(ir.Ref(ir.KindCluster, "main", "id"), state)
	assert.Equal(t, ir.Ref(ir.KindCluster, "main", "id"), orphan)
}
