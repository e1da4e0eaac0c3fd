package drivermgr

import (
	"fmt"
	"slices"
)

// CompositeMarkerKey is added to the properties of composites assembled
// from bind program fragments.
const CompositeMarkerKey = "composite"

// CompositeDeviceFragment is one parent slot of a bind program composite.
type CompositeDeviceFragment struct {
	name    string
	program []BindInstruction
	bound   weakNode
}

func (f *CompositeDeviceFragment) Name() string  { return f.name }
func (f *CompositeDeviceFragment) IsBound() bool { return f.bound.Get() != nil }

// BoundNode returns the node filling this fragment, if it is still alive.
func (f *CompositeDeviceFragment) BoundNode() *Node { return f.bound.Get() }

func (f *CompositeDeviceFragment) matches(node *Node) bool {
	return EvaluateBindProgram(f.program, node.properties)
}

// CompositeDeviceAssembler builds one composite out of nodes matched by
// fragment bind programs.
type CompositeDeviceAssembler struct {
	name       string
	properties []Property
	fragments  []*CompositeDeviceFragment
	primary    int
	manager    NodeManager
	logger     Logger
	composite  weakNode
}

func NewCompositeDeviceAssembler(spec CompositeDeviceSpec, manager NodeManager, logger Logger) (*CompositeDeviceAssembler, error) {
	if err := validateName(spec.Name); err != nil {
		return nil, err
	}
	if len(spec.Fragments) == 0 {
		return nil, fmt.Errorf("composite %s: %w", spec.Name, ErrEmptyNodes)
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	a := &CompositeDeviceAssembler{
		name:       spec.Name,
		properties: slices.Clone(spec.Properties),
		primary:    -1,
		manager:    manager,
		logger:     logger,
	}
	seen := make(map[string]struct{}, len(spec.Fragments))
	for i, fs := range spec.Fragments {
		if err := validateName(fs.Name); err != nil {
			return nil, fmt.Errorf("composite %s fragment: %w", spec.Name, err)
		}
		if _, ok := seen[fs.Name]; ok {
			return nil, fmt.Errorf("composite %s fragment %q: %w", spec.Name, fs.Name, ErrNameAlreadyExists)
		}
		seen[fs.Name] = struct{}{}
		for _, inst := range fs.Program {
			if err := inst.validate(); err != nil {
				return nil, fmt.Errorf("composite %s fragment %q: %w", spec.Name, fs.Name, err)
			}
		}
		if fs.Name == spec.PrimaryFragment {
			a.primary = i
		}
		a.fragments = append(a.fragments, &CompositeDeviceFragment{name: fs.Name, program: slices.Clone(fs.Program)})
	}
	if a.primary < 0 {
		return nil, fmt.Errorf("composite %s primary fragment %q: %w", spec.Name, spec.PrimaryFragment, ErrInvalidArgs)
	}
	return a, nil
}

func (a *CompositeDeviceAssembler) Name() string                          { return a.name }
func (a *CompositeDeviceAssembler) Fragments() []*CompositeDeviceFragment { return slices.Clone(a.fragments) }

// Composite returns the assembled node, if any.
func (a *CompositeDeviceAssembler) Composite() *Node { return a.composite.Get() }

// BindNode offers node to the unbound fragments in declaration order and
// reports whether one of them claimed it.
func (a *CompositeDeviceAssembler) BindNode(node *Node) bool {
	if a.composite.Get() != nil {
		return false
	}
	for _, f := range a.fragments {
		if f.bound.Get() == node {
			return true
		}
	}
	for _, f := range a.fragments {
		if f.IsBound() || !f.matches(node) {
			continue
		}
		f.bound = makeWeak(node)
		a.logger.Debug("fragment bound", "composite", a.name, "fragment", f.name, "node", node.TopoName())
		a.tryAssemble()
		return true
	}
	return false
}

func (a *CompositeDeviceAssembler) tryAssemble() {
	order := make([]int, 0, len(a.fragments))
	order = append(order, a.primary)
	for i := range a.fragments {
		if i != a.primary {
			order = append(order, i)
		}
	}

	parents := make([]*Node, 0, len(order))
	names := make([]string, 0, len(order))
	for _, i := range order {
		n := a.fragments[i].bound.Get()
		if n == nil {
			return
		}
		parents = append(parents, n)
		names = append(names, a.fragments[i].name)
	}

	props := append(slices.Clone(a.properties), Property{Key: CompositeMarkerKey, Value: BoolValue(true)})
	composite, err := CreateCompositeNode(a.name, parents, names, props, a.manager, 0)
	if err != nil {
		a.logger.Error("failed to create composite", "composite", a.name, "err", err)
		return
	}
	a.composite = makeWeak(composite)
	a.logger.Info("composite assembled", "composite", composite.TopoName(), "parents", len(parents))
	if a.manager != nil {
		a.manager.Bind(composite, nil)
	}
}

// CompositeDeviceManager holds every bind program composite.
type CompositeDeviceManager struct {
	manager    NodeManager
	logger     Logger
	assemblers []*CompositeDeviceAssembler
}

func NewCompositeDeviceManager(manager NodeManager, logger Logger) *CompositeDeviceManager {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &CompositeDeviceManager{manager: manager, logger: logger}
}

func (m *CompositeDeviceManager) AddCompositeDevice(spec CompositeDeviceSpec) (*CompositeDeviceAssembler, error) {
	for _, a := range m.assemblers {
		if a.name == spec.Name {
			return nil, fmt.Errorf("composite %s: %w", spec.Name, ErrAlreadyExists)
		}
	}
	a, err := NewCompositeDeviceAssembler(spec, m.manager, m.logger)
	if err != nil {
		return nil, err
	}
	m.assemblers = append(m.assemblers, a)
	return a, nil
}

// BindNode offers node to every assembler. Unlike url and device group
// composites, one node may be claimed by fragments of several assemblers.
func (m *CompositeDeviceManager) BindNode(node *Node) bool {
	if node.IsComposite() {
		return false
	}
	claimed := false
	for _, a := range m.assemblers {
		if a.BindNode(node) {
			claimed = true
		}
	}
	return claimed
}
