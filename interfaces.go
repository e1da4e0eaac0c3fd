package drivermgr

import "context"

// DriverIndex matches node properties to drivers.
type DriverIndex interface {
	// MatchDriver returns ErrNotFound when no driver matches.
	MatchDriver(ctx context.Context, args MatchArgs) (MatchResult, error)
	// AddDeviceGroup registers a device group. ErrNotFound means the group was
	// registered but no composite driver matches it yet.
	AddDeviceGroup(ctx context.Context, spec DeviceGroupSpec) (DeviceGroupRegistration, error)
}

type MatchArgs struct {
	Name       string
	Properties []Property
}

type DeviceGroupRegistration struct {
	NodeNames []string
	Composite CompositeMatch
}

// Realm creates child components and opens their exposed capabilities.
type Realm interface {
	CreateChild(ctx context.Context, req CreateChildRequest) error
	// OpenExposedDir returns the address the child serves its capabilities on.
	OpenExposedDir(ctx context.Context, child ChildRef) (string, error)
}

type ChildRef struct {
	Collection Collection
	Name       string
}

type HandleKind string

const HandleStartToken HandleKind = "START_TOKEN"

// Handle is passed out of band to a spawned component.
type Handle struct {
	Kind  HandleKind
	Value string
}

type CreateChildRequest struct {
	Child   ChildRef
	URL     string
	Offers  []Offer
	Handles []Handle
}

// HostDialer connects to a driver host serving at addr.
type HostDialer func(ctx context.Context, addr string) (DriverHost, error)

// DriverHost is an isolated process that loads and runs drivers.
type DriverHost interface {
	Start(ctx context.Context, req DriverStartRequest) (Driver, error)
	GetProcessKoid(ctx context.Context) (uint64, error)
	InstallLoader(ctx context.Context, loaderAddr string) error
	// OnClose registers fn to be called once when the host connection is torn down.
	OnClose(fn func(error))
}

type DriverStartRequest struct {
	NodeID   uint64
	NodeName string
	Symbols  []Symbol
	Offers   []Offer
	URL      string
	Program  ProgramConfig
}

// Driver is a running driver inside a host.
type Driver interface {
	Stop(ctx context.Context) error
	// OnClose registers fn to be called once when the driver has exited.
	OnClose(fn func(error))
}

// StartInfo is sent by the component framework when a driver component it
// spawned on our behalf starts.
type StartInfo struct {
	URL     string
	Program ProgramConfig
	Handles []Handle
}

// ComponentController is closed when the driver component ends.
type ComponentController interface {
	Close(err error)
}

// NodeManager is the part of the runner a node calls back into.
type NodeManager interface {
	Bind(n *Node, tracker *BindResultTracker)
	CreateDriverHost(done func(DriverHost, error))
}
