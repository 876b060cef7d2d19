package ir

// Resource kinds emitted by the planner.
const (
	KindCluster                = "db:Cluster"
	KindRole                   = "iam:Role"
	KindRolePolicyAttachment   = "iam:RolePolicyAttachment"
	KindLogGroup               = "logs:LogGroup"
	KindClusterRoleAssociation = "db:ClusterRoleAssociation"
)

// RefScheme prefixes deferred handles: a handle stands in for another
// resource's output until the value exists.
const RefScheme = "ref://"

// Ref builds a deferred handle to another resource's output, e.g.
// ref://iam:Role/monitoring/arn. Handles to computed outputs resolve at
// apply time; handles to suppressed resources resolve to "" at plan time.
func Ref(kind, name, attribute string) string {
	return RefScheme + kind + "/" + name + "/" + attribute
}

// ResourceSpec is a single planned resource instance.
type ResourceSpec struct {
	Kind       string         `pkl:"kind"` // e.g., "db:Cluster"
	Name       string         `pkl:"name"`
	Applier    string         `pkl:"applier"`
	Lifecycle  *Lifecycle     `pkl:"lifecycle"`
	DependsOn  []string       `pkl:"dependsOn"`
	Properties map[string]any `pkl:"properties"`
	Sensitive  []string       `pkl:"sensitive"` // property keys masked in rendering and logs
	Timeouts   *Timeouts      `pkl:"timeouts"`
}

// Address returns the unique plan/state address of the spec.
func (r *ResourceSpec) Address() string {
	return r.Kind + "." + r.Name
}

type Lifecycle struct {
	CreateBeforeDestroy bool     `pkl:"createBeforeDestroy"`
	PreventDestroy      bool     `pkl:"preventDestroy"`
	IgnoreChanges       []string `pkl:"ignoreChanges"` // fields excluded from update diffing
}

// Timeouts bounds each convergence operation for a resource.
// Zero values fall back to the engine defaults.
type Timeouts struct {
	Create string `pkl:"create"`
	Update string `pkl:"update"`
	Delete string `pkl:"delete"`
}
