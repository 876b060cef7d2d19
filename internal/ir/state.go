package ir

// State is the persisted record of what currently exists. Lineage is a
// UUID minted on first write; it also seeds stable identifier suffixes.
type State struct {
	Version   int              `pkl:"version"`
	Serial    int              `pkl:"serial"`
	Lineage   string           `pkl:"lineage"`
	Resources []*ResourceState `pkl:"resources"`
	Outputs   map[string]any   `pkl:"outputs"`
}

type ResourceState struct {
	Kind         string         `pkl:"kind"`
	Name         string         `pkl:"name"`
	Applier      string         `pkl:"applier"`
	Inputs       map[string]any `pkl:"inputs"` // desired properties, reference handles intact
	InputsHash   string         `pkl:"inputsHash"`
	Outputs      map[string]any `pkl:"outputs"` // applier returned
	Dependencies []string       `pkl:"dependencies"`
}

// Address returns the state entry's plan address.
func (r *ResourceState) Address() string {
	return r.Kind + "." + r.Name
}

// Resource returns the state entry for addr, or nil.
func (s *State) Resource(addr string) *ResourceState {
	for _, r := range s.Resources {
		if r.Address() == addr {
			return r
		}
	}
	return nil
}
