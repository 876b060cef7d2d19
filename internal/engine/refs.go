package engine

import (
	"fmt"
	"strings"

	"github.com/dbplane/dbplane/internal/ir"
)

// ResolvePlanRefs walks every handle in the compiled plan and settles its
// plan-time fate: handles to planned resources stay deferred (they resolve
// against outputs at apply time), handles to predicate-suppressed resources
// degrade to the empty string sentinel, and handles to addresses no planning
// rule can ever emit fail the pass as a configuration error.
func ResolvePlanRefs(cp *CompiledPlan) error {
	planned := make(map[string]bool, len(cp.Specs))
	for _, spec := range cp.Specs {
		planned[spec.Address()] = true
	}

	settle := func(owner string, v any) (any, error) {
		return walkRefs(v, func(ref string) (any, error) {
			addr := refToAddr(ref)
			if addr == "" {
				return nil, fmt.Errorf("resource %s: malformed reference %q", owner, ref)
			}
			if planned[addr] {
				return ref, nil
			}
			if cp.Suppressed[addr] {
				return "", nil
			}
			return nil, fmt.Errorf("resource %s: reference to unknown resource %s", owner, addr)
		})
	}

	for _, spec := range cp.Specs {
		resolved, err := settle(spec.Address(), spec.Properties)
		if err != nil {
			return err
		}
		spec.Properties = resolved.(map[string]any)
	}

	resolved, err := settle("outputs", cp.Outputs)
	if err != nil {
		return err
	}
	cp.Outputs = resolved.(map[string]any)
	return nil
}

// walkRefs rebuilds a property value, invoking fn on every handle found.
func walkRefs(v any, fn func(ref string) (any, error)) (any, error) {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, ir.RefScheme) {
			return fn(val)
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := walkRefs(item, fn)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := walkRefs(item, fn)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// extractRefs collects every deferred handle in a property value.
func extractRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, ir.RefScheme) {
			refs = append(refs, val)
		}
	case map[string]any:
		for _, item := range val {
			refs = append(refs, extractRefs(item)...)
		}
	case []any:
		for _, item := range val {
			refs = append(refs, extractRefs(item)...)
		}
	}
	return refs
}

// refToAddr converts a handle to its producing resource's address.
// ref://iam:Role/monitoring/arn -> iam:Role.monitoring
func refToAddr(ref string) string {
	if !strings.HasPrefix(ref, ir.RefScheme) {
		return ""
	}
	path := strings.TrimPrefix(ref, ir.RefScheme)
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// refAttribute returns the output attribute a handle names.
func refAttribute(ref string) string {
	path := strings.TrimPrefix(ref, ir.RefScheme)
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
