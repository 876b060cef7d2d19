// Package applier defines the boundary between the planning engine and the
// systems that converge resources. Requests carry desired and prior state as
// JSON so each applier can decode into its own typed views.
package applier

import "context"

// Action is the convergence operation an applier decided on for a resource.
type Action string

const (
	ActionNoop    Action = "NOOP"
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionReplace Action = "REPLACE"
	ActionDelete  Action = "DELETE"
)

// PlanRequest asks an applier to diff a desired resource against its
// last-known state. DesiredJSON and PriorJSON hold the recorded inputs of
// the resource, reference handles included, so the diff is stable across
// planning passes.
type PlanRequest struct {
	Kind        string
	Name        string
	DesiredJSON []byte
	PriorJSON   []byte
}

// PlanResponse reports the action and, for updates, which properties changed.
// ChangedProperties feeds the lifecycle exclusion filter in the engine.
type PlanResponse struct {
	Action            Action
	ChangedProperties []string
}

// ApplyRequest asks an applier to create or update a resource. DesiredJSON
// holds fully resolved properties; PriorJSON holds the previous outputs.
type ApplyRequest struct {
	Kind        string
	Name        string
	Action      Action
	DesiredJSON []byte
	PriorJSON   []byte
}

// ApplyResponse returns the resource's outputs after convergence.
type ApplyResponse struct {
	OutputsJSON []byte
}

// ReadRequest asks an applier for the live state of a resource.
type ReadRequest struct {
	Kind        string
	ID          string
	CurrentJSON []byte
}

type ReadResponse struct {
	Exists      bool
	OutputsJSON []byte
}

// DeleteRequest asks an applier to remove a resource. InputsJSON carries the
// recorded inputs (teardown options such as snapshot policy live there),
// StateJSON the recorded outputs.
type DeleteRequest struct {
	Kind       string
	ID         string
	InputsJSON []byte
	StateJSON  []byte
}

type DeleteResponse struct{}

// Applier converges planned resources against a target system. Implementations
// must be safe for concurrent use: the engine applies independent resources in
// parallel.
type Applier interface {
	Plan(ctx context.Context, req *PlanRequest) (*PlanResponse, error)
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error)
	Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error)
	Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error)
}
