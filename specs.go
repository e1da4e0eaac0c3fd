package drivermgr

// BindRule accepts or rejects a node property during device group matching.
// Evaluated by the driver index; carried here so it can be registered.
type BindRule struct {
	Key    string          `json:"key"`
	Accept bool            `json:"accept"`
	Values []PropertyValue `json:"values"`
}

// DeviceGroupNode is one parent slot of a device group.
type DeviceGroupNode struct {
	BindRules  []BindRule `json:"bind_rules"`
	Properties []Property `json:"properties,omitempty"`
}

// DeviceGroupSpec describes an explicit, pre-registered composite identified
// by its topological path.
type DeviceGroupSpec struct {
	TopologicalPath string            `json:"topological_path"`
	Nodes           []DeviceGroupNode `json:"nodes"`
	// PrimaryIndex selects the parent whose symbols and default service
	// instances the composite inherits.
	PrimaryIndex int `json:"primary_index,omitempty"`
}

// CompositeDeviceSpec describes a composite matched by per-fragment bind programs.
type CompositeDeviceSpec struct {
	Name       string         `json:"name"`
	Properties []Property     `json:"properties,omitempty"`
	Fragments  []FragmentSpec `json:"fragments"`
	// PrimaryFragment names the fragment that becomes the composite's primary parent.
	PrimaryFragment string `json:"primary_fragment"`
}

type FragmentSpec struct {
	Name    string            `json:"name"`
	Program []BindInstruction `json:"program"`
}
