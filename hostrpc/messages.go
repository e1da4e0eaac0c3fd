package hostrpc

import "encoding/json"

// Wire types shared by the services in this package.

type Empty struct{}

// PropertyValue kinds
const (
	KindInt    = "int"
	KindString = "string"
	KindBool   = "bool"
	KindEnum   = "enum"
)

type PropertyValue struct {
	Kind string `json:"kind"`
	Int  uint32 `json:"int,omitempty"`
	Str  string `json:"str,omitempty"`
	Bool bool   `json:"bool,omitempty"`
}

type Property struct {
	Key   string        `json:"key"`
	Value PropertyValue `json:"value"`
}

type InstanceRename struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type Offer struct {
	Kind       string           `json:"kind"`
	SourceName string           `json:"source_name"`
	TargetName string           `json:"target_name,omitempty"`
	Source     string           `json:"source,omitempty"`
	Renames    []InstanceRename `json:"renames,omitempty"`
	Filter     []string         `json:"filter,omitempty"`
}

type Symbol struct {
	Name       string `json:"name"`
	Address    uint64 `json:"address"`
	ModuleName string `json:"module_name,omitempty"`
}

type Handle struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

type DriverInfo struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	PackageType string `json:"package_type,omitempty"`
}

type CompositeMatch struct {
	NodeIndex     int        `json:"node_index"`
	NumNodes      int        `json:"num_nodes"`
	NodeNames     []string   `json:"node_names,omitempty"`
	CompositeName string     `json:"composite_name,omitempty"`
	Driver        DriverInfo `json:"driver"`
}

type DeviceGroupNodeMatch struct {
	Path      string         `json:"path"`
	NodeIndex int            `json:"node_index"`
	NumNodes  int            `json:"num_nodes"`
	NodeNames []string       `json:"node_names,omitempty"`
	Composite CompositeMatch `json:"composite"`
}

// DriverIndex

type MatchDriverRequest struct {
	Name       string     `json:"name"`
	Properties []Property `json:"properties"`
}

// MatchDriverResponse carries exactly one kind of match. No match is
// reported as codes.NotFound.
type MatchDriverResponse struct {
	Driver      *DriverInfo            `json:"driver,omitempty"`
	Composite   *CompositeMatch        `json:"composite,omitempty"`
	DeviceGroup []DeviceGroupNodeMatch `json:"device_group,omitempty"`
}

type BindRule struct {
	Key    string          `json:"key"`
	Accept bool            `json:"accept"`
	Values []PropertyValue `json:"values"`
}

type DeviceGroupNode struct {
	BindRules  []BindRule `json:"bind_rules"`
	Properties []Property `json:"properties,omitempty"`
}

type AddDeviceGroupRequest struct {
	TopologicalPath string            `json:"topological_path"`
	Nodes           []DeviceGroupNode `json:"nodes"`
	PrimaryIndex    int               `json:"primary_index"`
}

type AddDeviceGroupResponse struct {
	NodeNames []string       `json:"node_names"`
	Composite CompositeMatch `json:"composite"`
}

// Realm

type CreateChildRequest struct {
	Collection string   `json:"collection"`
	Name       string   `json:"name"`
	URL        string   `json:"url"`
	Offers     []Offer  `json:"offers,omitempty"`
	Handles    []Handle `json:"handles,omitempty"`
}

type OpenExposedDirRequest struct {
	Collection string `json:"collection"`
	Name       string `json:"name"`
}

type OpenExposedDirResponse struct {
	Address string `json:"address"`
}

// DriverHost

type StartDriverRequest struct {
	NodeID   uint64          `json:"node_id"`
	NodeName string          `json:"node_name"`
	Symbols  []Symbol        `json:"symbols,omitempty"`
	Offers   []Offer         `json:"offers,omitempty"`
	URL      string          `json:"url"`
	Program  json.RawMessage `json:"program,omitempty"`
}

type StartDriverResponse struct {
	DriverID string `json:"driver_id"`
}

type DriverRef struct {
	DriverID string `json:"driver_id"`
}

// AwaitStopResponse is returned once the driver has exited. Error is empty
// after a clean stop.
type AwaitStopResponse struct {
	Error string `json:"error,omitempty"`
}

type GetProcessKoidResponse struct {
	Koid uint64 `json:"koid"`
}

type InstallLoaderRequest struct {
	Address string `json:"address"`
}

// DriverRunner

type RunnerStartRequest struct {
	URL     string          `json:"url"`
	Program json.RawMessage `json:"program,omitempty"`
	Handles []Handle        `json:"handles"`
}

// Node

type AddChildRequest struct {
	ParentID   uint64     `json:"parent_id"`
	Name       string     `json:"name"`
	Properties []Property `json:"properties,omitempty"`
	Offers     []Offer    `json:"offers,omitempty"`
	Symbols    []Symbol   `json:"symbols,omitempty"`
	Bind       bool       `json:"bind"`
}

type AddChildResponse struct {
	NodeID uint64 `json:"node_id"`
}

type NodeRef struct {
	NodeID uint64 `json:"node_id"`
}
