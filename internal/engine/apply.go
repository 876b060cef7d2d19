package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dbplane/dbplane/internal/applier"
	"github.com/dbplane/dbplane/internal/ir"
	"github.com/dbplane/dbplane/internal/logging"
)

const defaultParallelism = 10

// ApplyEvent represents a progress event during apply.
type ApplyEvent struct {
	Address  string
	Action   string
	Status   string // "started", "completed", "failed", "skipped"
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)

// ApplyPlan executes a plan and updates the state.
func (e *Engine) ApplyPlan(ctx context.Context, plan *ir.Plan, state *ir.State) (*ir.State, error) {
	return e.ApplyPlanWithCallback(ctx, plan, state, nil)
}

// ApplyPlanWithCallback executes a plan with progress event callbacks.
// Creates and updates run in parallel where their dependencies allow;
// deletes follow, also in parallel. A resource whose dependency failed is
// skipped rather than attempted. If e.ContinueOnError is true, apply
// continues past individual failures and returns an aggregated error.
func (e *Engine) ApplyPlanWithCallback(ctx context.Context, plan *ir.Plan, state *ir.State, callback ApplyCallback) (*ir.State, error) {
	var mu sync.Mutex
	var errs []error

	emit := func(event ApplyEvent) {
		if callback != nil {
			callback(event)
		}
	}

	stateIndex := make(map[string]int)
	for i, res := range state.Resources {
		stateIndex[res.Address()] = i
	}

	var createUpdates, deletes []*ir.ResourceChange
	for _, change := range plan.Changes {
		if change.Action == string(applier.ActionDelete) {
			deletes = append(deletes, change)
		} else {
			createUpdates = append(createUpdates, change)
		}
	}

	for _, group := range [][]*ir.ResourceChange{createUpdates, deletes} {
		if len(group) > 1 {
			if err := e.applyParallel(ctx, group, state, &stateIndex, &mu, emit); err != nil {
				if !e.ContinueOnError {
					return state, err
				}
				errs = append(errs, err)
			}
			continue
		}
		for _, change := range group {
			if err := ctx.Err(); err != nil {
				return state, fmt.Errorf("apply cancelled: %w", err)
			}
			start := time.Now()
			emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "started"})
			if err := e.applyChange(ctx, change, state, &stateIndex, &mu); err != nil {
				emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "failed", Duration: time.Since(start), Error: err})
				if !e.ContinueOnError {
					return state, err
				}
				errs = append(errs, err)
				continue
			}
			emit(ApplyEvent{Address: change.Address, Action: change.Action, Status: "completed", Duration: time.Since(start)})
		}
	}

	state.Serial++
	mu.Lock()
	state.Outputs = resolveReferences(plan.Outputs, state).(map[string]any)
	mu.Unlock()

	if len(errs) > 0 {
		return state, fmt.Errorf("%d resource(s) failed: %w", len(errs), errors.Join(errs...))
	}

	return state, nil
}

// applyParallel applies changes concurrently, respecting the dependency
// edges between them. Changes with no unfinished dependencies run at once,
// up to defaultParallelism in flight.
func (e *Engine) applyParallel(ctx context.Context, changes []*ir.ResourceChange, state *ir.State, stateIndex *map[string]int, mu *sync.Mutex, emit func(ApplyEvent)) error {
	changeMap := make(map[string]*ir.ResourceChange)
	for _, c := range changes {
		changeMap[c.Address] = c
	}

	deps := make(map[string]map[string]bool)
	for _, c := range changes {
		deps[c.Address] = make(map[string]bool)
		// Deletes carry no desired spec; their edges come from the prior
		// spec, whose recorded inputs keep their ref:// handles.
		spec := c.Desired
		if spec == nil {
			spec = c.Prior
		}
		if spec == nil {
			continue
		}
		for _, d := range spec.DependsOn {
			if _, ok := changeMap[d]; ok {
				deps[c.Address][d] = true
			}
		}
		for _, ref := range extractRefs(spec.Properties) {
			depAddr := refToAddr(ref)
			if depAddr == "" {
				continue
			}
			if _, ok := changeMap[depAddr]; ok {
				deps[c.Address][depAddr] = true
			}
		}
	}
	// Deletes run consumer-first: invert the edges so dependents finish
	// before the resources they point at.
	if allDeletes(changes) {
		inverted := make(map[string]map[string]bool)
		for addr := range deps {
			inverted[addr] = make(map[string]bool)
		}
		for addr, set := range deps {
			for dep := range set {
				inverted[dep][addr] = true
			}
		}
		deps = inverted
	}

	completed := make(map[string]bool)
	failed := make(map[string]bool)
	completedMu := sync.Mutex{}
	completedCond := sync.NewCond(&completedMu)
	var firstErr error
	var allErrs []error
	sem := make(chan struct{}, defaultParallelism)

	var wg sync.WaitGroup

	for _, change := range changes {
		wg.Add(1)
		go func(c *ir.ResourceChange) {
			defer wg.Done()

			completedMu.Lock()
			for {
				if firstErr != nil && !e.ContinueOnError {
					completedMu.Unlock()
					return
				}
				allDepsReady := true
				depFailed := false
				for dep := range deps[c.Address] {
					if failed[dep] {
						depFailed = true
						break
					}
					if !completed[dep] {
						allDepsReady = false
						break
					}
				}
				if depFailed {
					failed[c.Address] = true
					completedMu.Unlock()
					emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "skipped"})
					completedCond.Broadcast()
					return
				}
				if allDepsReady {
					break
				}
				completedCond.Wait()
			}
			completedMu.Unlock()

			if err := ctx.Err(); err != nil {
				completedMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("apply cancelled: %w", err)
				}
				completedMu.Unlock()
				completedCond.Broadcast()
				return
			}

			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "started"})

			if err := e.applyChange(ctx, c, state, stateIndex, mu); err != nil {
				emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "failed", Duration: time.Since(start), Error: err})
				completedMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				allErrs = append(allErrs, err)
				failed[c.Address] = true
				completedMu.Unlock()
				completedCond.Broadcast()
				return
			}

			emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "completed", Duration: time.Since(start)})

			completedMu.Lock()
			completed[c.Address] = true
			completedMu.Unlock()
			completedCond.Broadcast()
		}(change)
	}

	wg.Wait()

	if e.ContinueOnError && len(allErrs) > 0 {
		return fmt.Errorf("%d resource(s) failed: %w", len(allErrs), errors.Join(allErrs...))
	}
	if firstErr != nil {
		return firstErr
	}
	return nil
}

func (e *Engine) applyChange(ctx context.Context, change *ir.ResourceChange, state *ir.State, stateIndex *map[string]int, mu *sync.Mutex) error {
	addr := change.Address
	logging.Debug("applying change", "address", addr, "action", change.Action)

	action := applier.Action(change.Action)

	spec := change.Desired
	if spec == nil {
		spec = change.Prior
	}
	timeout, err := operationTimeout(spec, action)
	if err != nil {
		return err
	}
	ctx, cancel := WithTimeout(ctx, timeout)
	defer cancel()

	var desiredJSON, priorJSON []byte
	if change.Desired != nil {
		props := normalizeValue(change.Desired.Properties)
		mu.Lock()
		resolved := resolveReferences(props, state)
		mu.Unlock()
		desiredJSON, err = json.Marshal(resolved)
		if err != nil {
			return fmt.Errorf("failed to marshal properties for %s: %w", addr, err)
		}
	}

	mu.Lock()
	if idx, ok := (*stateIndex)[addr]; ok {
		priorState := state.Resources[idx]
		if priorState.Outputs != nil {
			priorJSON, _ = json.Marshal(priorState.Outputs)
		}
	}
	mu.Unlock()

	a, err := e.registry.Get(spec.Applier)
	if err != nil {
		return fmt.Errorf("applier not found: %s", spec.Applier)
	}

	switch action {
	case applier.ActionCreate, applier.ActionUpdate, applier.ActionReplace:
		var resp *applier.ApplyResponse
		err := RetryWithBackoff(ctx, DefaultRetryPolicy, func() error {
			var applyErr error
			resp, applyErr = a.Apply(ctx, &applier.ApplyRequest{
				Kind:        spec.Kind,
				Name:        spec.Name,
				Action:      action,
				DesiredJSON: desiredJSON,
				PriorJSON:   priorJSON,
			})
			return applyErr
		})
		if err != nil {
			return fmt.Errorf("apply failed for %s: %w", addr, err)
		}

		var outputs map[string]any
		if len(resp.OutputsJSON) > 0 {
			if err := json.Unmarshal(resp.OutputsJSON, &outputs); err != nil {
				return fmt.Errorf("failed to unmarshal outputs for %s: %w", addr, err)
			}
		}

		// Inputs are stored unresolved so the next plan diffs handle
		// against handle instead of handle against value.
		unresolvedJSON, _ := json.Marshal(change.Desired.Properties)
		newResState := &ir.ResourceState{
			Kind:         spec.Kind,
			Name:         spec.Name,
			Applier:      spec.Applier,
			Inputs:       change.Desired.Properties,
			InputsHash:   hashJSON(json.RawMessage(unresolvedJSON)),
			Outputs:      outputs,
			Dependencies: change.Desired.DependsOn,
		}

		mu.Lock()
		if idx, ok := (*stateIndex)[addr]; ok {
			state.Resources[idx] = newResState
		} else {
			(*stateIndex)[addr] = len(state.Resources)
			state.Resources = append(state.Resources, newResState)
		}
		mu.Unlock()

	case applier.ActionDelete:
		var resourceID string
		var inputsJSON []byte
		mu.Lock()
		if idx, ok := (*stateIndex)[addr]; ok {
			res := state.Resources[idx]
			if id, exists := res.Outputs["id"]; exists {
				resourceID = fmt.Sprintf("%v", id)
			}
			inputsJSON, _ = json.Marshal(res.Inputs)
		}
		mu.Unlock()

		err := RetryWithBackoff(ctx, DefaultRetryPolicy, func() error {
			_, deleteErr := a.Delete(ctx, &applier.DeleteRequest{
				Kind:       spec.Kind,
				ID:         resourceID,
				InputsJSON: inputsJSON,
				StateJSON:  priorJSON,
			})
			return deleteErr
		})
		if err != nil {
			return fmt.Errorf("delete failed for %s: %w", addr, err)
		}

		mu.Lock()
		if idx, ok := (*stateIndex)[addr]; ok {
			state.Resources = append(state.Resources[:idx], state.Resources[idx+1:]...)
			*stateIndex = make(map[string]int)
			for i, res := range state.Resources {
				(*stateIndex)[res.Address()] = i
			}
		}
		mu.Unlock()
	}

	return nil
}

func allDeletes(changes []*ir.ResourceChange) bool {
	for _, c := range changes {
		if c.Action != string(applier.ActionDelete) {
			return false
		}
	}
	return len(changes) > 0
}

// resolveReferences replaces deferred handles with values recorded in state.
// Handles that point at nothing yet are left intact; the dependency ordering
// guarantees that only happens when the producer itself failed.
func resolveReferences(val any, state *ir.State) any {
	switch v := val.(type) {
	case string:
		if len(v) <= len(ir.RefScheme) || v[:len(ir.RefScheme)] != ir.RefScheme {
			return v
		}
		addr := refToAddr(v)
		if addr == "" {
			return v
		}
		res := state.Resource(addr)
		if res == nil {
			return v
		}
		attr := refAttribute(v)
		if out, ok := res.Outputs[attr]; ok {
			return out
		}
		if in, ok := res.Inputs[attr]; ok {
			return in
		}
		return v
	case map[string]any:
		newMap := make(map[string]any, len(v))
		for k, item := range v {
			newMap[k] = resolveReferences(item, state)
		}
		return newMap
	case []any:
		newSlice := make([]any, len(v))
		for i, item := range v {
			newSlice[i] = resolveReferences(item, state)
		}
		return newSlice
	default:
		return v
	}
}

// normalizeValue coerces evaluator-produced collection types into plain
// JSON-friendly shapes.
func normalizeValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		newMap := make(map[string]any, len(v))
		for k, item := range v {
			newMap[k] = normalizeValue(item)
		}
		return newMap
	case map[any]any:
		newMap := make(map[string]any, len(v))
		for k, item := range v {
			newMap[fmt.Sprintf("%v", k)] = normalizeValue(item)
		}
		return newMap
	case []any:
		newSlice := make([]any, len(v))
		for i, item := range v {
			newSlice[i] = normalizeValue(item)
		}
		return newSlice
	default:
		return v
	}
}
