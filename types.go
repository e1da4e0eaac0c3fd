package drivermgr

import (
	"fmt"
	"strconv"
	"strings"
)

type Collection string

const (
	CollectionNone            Collection = ""
	CollectionHost            Collection = "driver-hosts"
	CollectionBoot            Collection = "boot-drivers"
	CollectionPackage         Collection = "pkg-drivers"
	CollectionUniversePackage Collection = "universe-pkg-drivers"
)

// IsPackage reports whether drivers in this collection come from a package
// rather than the boot image.
func (c Collection) IsPackage() bool {
	return c == CollectionPackage || c == CollectionUniversePackage
}

type PackageType string

const (
	PackageTypeUnknown  PackageType = ""
	PackageTypeBoot     PackageType = "BOOT"
	PackageTypeBase     PackageType = "BASE"
	PackageTypeUniverse PackageType = "UNIVERSE"
)

// Driver url schemes
const (
	SchemeBoot    = "boot://"
	SchemePackage = "pkg://"
)

// PackageTypeFromURL infers the package type from the url scheme.
func PackageTypeFromURL(url string) PackageType {
	switch {
	case strings.HasPrefix(url, SchemeBoot):
		return PackageTypeBoot
	case strings.HasPrefix(url, SchemePackage):
		return PackageTypeBase
	default:
		return PackageTypeUnknown
	}
}

// Collection returns the component collection a driver of this package type is launched in.
func (p PackageType) Collection() Collection {
	switch p {
	case PackageTypeBoot:
		return CollectionBoot
	case PackageTypeUniverse:
		return CollectionUniversePackage
	default:
		return CollectionPackage
	}
}

type ValueKind int

const (
	ValueInt ValueKind = iota + 1
	ValueString
	ValueBool
	ValueEnum
)

func (k ValueKind) String() string {
	switch k {
	case ValueInt:
		return "int"
	case ValueString:
		return "string"
	case ValueBool:
		return "bool"
	case ValueEnum:
		return "enum"
	default:
		return "unknown"
	}
}

// PropertyValue is one of int, string, bool or enum. Enum values are
// stored in Str.
type PropertyValue struct {
	Kind ValueKind `json:"kind"`
	Int  uint32    `json:"int,omitempty"`
	Str  string    `json:"str,omitempty"`
	Bool bool      `json:"bool,omitempty"`
}

func IntValue(v uint32) PropertyValue    { return PropertyValue{Kind: ValueInt, Int: v} }
func StringValue(v string) PropertyValue { return PropertyValue{Kind: ValueString, Str: v} }
func BoolValue(v bool) PropertyValue     { return PropertyValue{Kind: ValueBool, Bool: v} }
func EnumValue(v string) PropertyValue   { return PropertyValue{Kind: ValueEnum, Str: v} }

func (v PropertyValue) String() string {
	switch v.Kind {
	case ValueInt:
		return strconv.FormatUint(uint64(v.Int), 10)
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	case ValueString:
		return strconv.Quote(v.Str)
	case ValueEnum:
		return v.Str
	default:
		return "<invalid>"
	}
}

// Property declared on a node
type Property struct {
	Key   string        `json:"key"`
	Value PropertyValue `json:"value"`
}

func (p Property) String() string { return fmt.Sprintf("%s=%s", p.Key, p.Value) }

// Lookup returns the value of key in props.
func Lookup(props []Property, key string) (PropertyValue, bool) {
	for _, p := range props {
		if p.Key == key {
			return p.Value, true
		}
	}
	return PropertyValue{}, false
}

type OfferKind string

const (
	OfferService   OfferKind = "SERVICE"
	OfferProtocol  OfferKind = "PROTOCOL"
	OfferDirectory OfferKind = "DIRECTORY"
)

// DefaultInstance is the name of a service's unnamed instance.
const DefaultInstance = "default"

type InstanceRename struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Offer routes a capability from the driver bound to a node to the drivers
// bound to its children.
type Offer struct {
	Kind       OfferKind        `json:"kind"`
	SourceName string           `json:"source_name"`
	TargetName string           `json:"target_name,omitempty"`
	Source     string           `json:"source,omitempty"` // component moniker; filled in by the node
	Renames    []InstanceRename `json:"renames,omitempty"`
	Filter     []string         `json:"filter,omitempty"`
}

func (o Offer) clone() Offer {
	o.Renames = append([]InstanceRename(nil), o.Renames...)
	o.Filter = append([]string(nil), o.Filter...)
	return o
}

// Symbol exported by a driver to drivers colocated in the same host
type Symbol struct {
	Name       string `json:"name"`
	Address    uint64 `json:"address"`
	ModuleName string `json:"module_name,omitempty"`
}

// DriverInfo identifies a driver returned by the index.
type DriverInfo struct {
	URL         string
	Name        string
	PackageType PackageType
}

// CompositeMatch describes a node matched as one parent of a url-addressed
// composite driver.
type CompositeMatch struct {
	NodeIndex     int
	NumNodes      int
	NodeNames     []string
	CompositeName string
	Driver        DriverInfo
}

// DeviceGroupNodeMatch is one device group membership of a matched node.
type DeviceGroupNodeMatch struct {
	Path      string
	NodeIndex int
	NumNodes  int
	NodeNames []string
	Composite CompositeMatch
}

// MatchResult is the index's answer for one node. Exactly one field is set.
type MatchResult struct {
	Driver      *DriverInfo
	Composite   *CompositeMatch
	DeviceGroup []DeviceGroupNodeMatch
}

// BindResult is reported for every node that got a driver started during a bind sweep.
type BindResult struct {
	NodeName  string `json:"node_name"`
	DriverURL string `json:"driver_url"`
}
