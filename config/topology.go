package config

import (
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	drivermgr "github.com/NotrixInc/nx-driver-manager"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/multierr"
)

// EnumPrefix marks a string property value as an enum, as in "enum:usb.AUDIO".
const EnumPrefix = "enum:"

// Topology is the set of device groups and bind program composites
// registered at startup.
type Topology struct {
	DeviceGroups []drivermgr.DeviceGroupSpec
	Composites   []drivermgr.CompositeDeviceSpec
}

// hclTopologyFile represents the top-level structure of a topology file for decoding.
type hclTopologyFile struct {
	DeviceGroups []*hclDeviceGroup `hcl:"device_group,block"`
	Composites   []*hclComposite   `hcl:"composite,block"`
}

type hclDeviceGroup struct {
	Path    string          `hcl:"path,label"`
	Primary int             `hcl:"primary,optional"`
	Nodes   []*hclGroupNode `hcl:"node,block"`
}

type hclGroupNode struct {
	Accept     cty.Value `hcl:"accept,optional"`
	Reject     cty.Value `hcl:"reject,optional"`
	Properties cty.Value `hcl:"properties,optional"`
}

type hclComposite struct {
	Name       string         `hcl:"name,label"`
	Primary    string         `hcl:"primary"`
	Properties cty.Value      `hcl:"properties,optional"`
	Fragments  []*hclFragment `hcl:"fragment,block"`
}

type hclFragment struct {
	Name         string            `hcl:"name,label"`
	Instructions []*hclInstruction `hcl:"instruction,block"`
}

type hclInstruction struct {
	Op        string `hcl:"op"`
	Condition string `hcl:"condition,optional"`
	Key       string `hcl:"key,optional"`
	Value     uint32 `hcl:"value,optional"`
}

// LoadTopology parses every .hcl file named by paths. A directory is
// searched recursively. Device group paths and composite names must be
// unique across all files.
func LoadTopology(paths ...string) (*Topology, error) {
	files, err := findHCLFiles(paths)
	if err != nil {
		return nil, err
	}

	parser := hclparse.NewParser()
	topo := &Topology{}
	for _, file := range files {
		f, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		if err := topo.decode(file, f); err != nil {
			return nil, err
		}
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return topo, nil
}

// ParseTopology parses a single HCL document.
func ParseTopology(src []byte, filename string) (*Topology, error) {
	f, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	topo := &Topology{}
	if err := topo.decode(filename, f); err != nil {
		return nil, err
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return topo, nil
}

func findHCLFiles(paths []string) ([]string, error) {
	var files []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("topology %s: %w", root, err)
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".hcl") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("topology %s: %w", root, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

func (t *Topology) decode(filename string, f *hcl.File) error {
	var parsed hclTopologyFile
	if diags := gohcl.DecodeBody(f.Body, nil, &parsed); diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	var errs error
	for _, g := range parsed.DeviceGroups {
		spec, err := g.spec()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: device_group %q: %w", filename, g.Path, err))
			continue
		}
		t.DeviceGroups = append(t.DeviceGroups, spec)
	}
	for _, c := range parsed.Composites {
		spec, err := c.spec()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: composite %q: %w", filename, c.Name, err))
			continue
		}
		t.Composites = append(t.Composites, spec)
	}
	return errs
}

// Validate checks what the runner would reject, so that a bad topology
// fails at startup with every problem listed.
func (t *Topology) Validate() error {
	var errs error
	paths := make(map[string]bool)
	for _, g := range t.DeviceGroups {
		if paths[g.TopologicalPath] {
			errs = multierr.Append(errs, fmt.Errorf("device_group %q declared twice", g.TopologicalPath))
		}
		paths[g.TopologicalPath] = true
		if len(g.Nodes) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("device_group %q: %w", g.TopologicalPath, drivermgr.ErrEmptyNodes))
		} else if g.PrimaryIndex < 0 || g.PrimaryIndex >= len(g.Nodes) {
			errs = multierr.Append(errs, fmt.Errorf("device_group %q primary %d: %w", g.TopologicalPath, g.PrimaryIndex, drivermgr.ErrOutOfRange))
		}
	}

	names := make(map[string]bool)
	for _, c := range t.Composites {
		if names[c.Name] {
			errs = multierr.Append(errs, fmt.Errorf("composite %q declared twice", c.Name))
		}
		names[c.Name] = true
		if len(c.Fragments) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("composite %q has no fragments", c.Name))
			continue
		}
		found := false
		for _, f := range c.Fragments {
			found = found || f.Name == c.PrimaryFragment
		}
		if !found {
			errs = multierr.Append(errs, fmt.Errorf("composite %q: primary fragment %q not declared", c.Name, c.PrimaryFragment))
		}
	}
	return errs
}

func (g *hclDeviceGroup) spec() (drivermgr.DeviceGroupSpec, error) {
	spec := drivermgr.DeviceGroupSpec{
		TopologicalPath: g.Path,
		PrimaryIndex:    g.Primary,
		Nodes:           make([]drivermgr.DeviceGroupNode, 0, len(g.Nodes)),
	}
	var errs error
	for i, n := range g.Nodes {
		accept, err := bindRules(n.Accept, true)
		errs = multierr.Append(errs, wrapNode(i, "accept", err))
		reject, err := bindRules(n.Reject, false)
		errs = multierr.Append(errs, wrapNode(i, "reject", err))
		props, err := properties(n.Properties)
		errs = multierr.Append(errs, wrapNode(i, "properties", err))
		spec.Nodes = append(spec.Nodes, drivermgr.DeviceGroupNode{
			BindRules:  append(accept, reject...),
			Properties: props,
		})
	}
	return spec, errs
}

func wrapNode(i int, attr string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("node %d %s: %w", i, attr, err)
}

func (c *hclComposite) spec() (drivermgr.CompositeDeviceSpec, error) {
	props, err := properties(c.Properties)
	if err != nil {
		return drivermgr.CompositeDeviceSpec{}, fmt.Errorf("properties: %w", err)
	}
	spec := drivermgr.CompositeDeviceSpec{
		Name:            c.Name,
		Properties:      props,
		PrimaryFragment: c.Primary,
	}
	for _, f := range c.Fragments {
		frag := drivermgr.FragmentSpec{Name: f.Name}
		for _, inst := range f.Instructions {
			cond := inst.Condition
			if cond == "" {
				cond = string(drivermgr.CondAlways)
			}
			frag.Program = append(frag.Program, drivermgr.BindInstruction{
				Op:        drivermgr.BindOp(inst.Op),
				Condition: drivermgr.BindCondition(cond),
				Key:       inst.Key,
				Value:     inst.Value,
			})
		}
		spec.Fragments = append(spec.Fragments, frag)
	}
	return spec, nil
}

// properties converts an HCL object of primitive values.
func properties(val cty.Value) ([]drivermgr.Property, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("want an object, got %s", val.Type().FriendlyName())
	}
	var (
		props []drivermgr.Property
		errs  error
	)
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		pv, err := propertyValue(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", k.AsString(), err))
			continue
		}
		props = append(props, drivermgr.Property{Key: k.AsString(), Value: pv})
	}
	return props, errs
}

// bindRules converts an HCL object whose values are a primitive or a list
// of primitives.
func bindRules(val cty.Value, accept bool) ([]drivermgr.BindRule, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("want an object, got %s", val.Type().FriendlyName())
	}
	var (
		rules []drivermgr.BindRule
		errs  error
	)
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		rule := drivermgr.BindRule{Key: k.AsString(), Accept: accept}
		elems := []cty.Value{v}
		if v.Type().IsTupleType() || v.Type().IsListType() {
			elems = v.AsValueSlice()
		}
		for _, e := range elems {
			pv, err := propertyValue(e)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", rule.Key, err))
				continue
			}
			rule.Values = append(rule.Values, pv)
		}
		rules = append(rules, rule)
	}
	return rules, errs
}

func propertyValue(v cty.Value) (drivermgr.PropertyValue, error) {
	if !v.IsKnown() || v.IsNull() {
		return drivermgr.PropertyValue{}, fmt.Errorf("value is null")
	}
	switch v.Type() {
	case cty.String:
		s := v.AsString()
		if enum, ok := strings.CutPrefix(s, EnumPrefix); ok {
			return drivermgr.EnumValue(enum), nil
		}
		return drivermgr.StringValue(s), nil
	case cty.Bool:
		return drivermgr.BoolValue(v.True()), nil
	case cty.Number:
		bf := v.AsBigFloat()
		if !bf.IsInt() {
			return drivermgr.PropertyValue{}, fmt.Errorf("%s is not a whole number", bf.String())
		}
		i, _ := bf.Int64()
		if i < 0 || i > math.MaxUint32 {
			return drivermgr.PropertyValue{}, fmt.Errorf("%d does not fit in 32 bits", i)
		}
		return drivermgr.IntValue(uint32(i)), nil
	default:
		return drivermgr.PropertyValue{}, fmt.Errorf("unsupported type %s", v.Type().FriendlyName())
	}
}
