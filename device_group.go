package drivermgr

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// groupAssembler fuses the parents of a device group into a composite.
type groupAssembler interface {
	// BindParent records node at index and returns the composite once all
	// parents are present.
	BindParent(index int, node *Node) (*Node, error)
}

// DeviceGroup tracks which parent slots of a registered group are filled.
type DeviceGroup struct {
	path      string
	bound     []bool
	composite CompositeMatch
	assembler groupAssembler
}

// NewDeviceGroup creates a group of size parents that fuses into a node
// named after composite.CompositeName.
func NewDeviceGroup(path string, size int, composite CompositeMatch, primaryIndex int, manager NodeManager) *DeviceGroup {
	names := composite.NodeNames
	if len(names) != size {
		names = make([]string, size)
		for i := range names {
			names[i] = fmt.Sprintf("node-%d", i)
		}
	}
	return &DeviceGroup{
		path:      path,
		bound:     make([]bool, size),
		composite: composite,
		assembler: &nodeGroupAssembler{
			name:      composite.CompositeName,
			names:     names,
			primary:   primaryIndex,
			manager:   manager,
			collector: NewParentSetCollector(size),
		},
	}
}

func (g *DeviceGroup) Path() string           { return g.path }
func (g *DeviceGroup) Size() int              { return len(g.bound) }
func (g *DeviceGroup) Driver() DriverInfo     { return g.composite.Driver }
func (g *DeviceGroup) IsBound(index int) bool { return index >= 0 && index < len(g.bound) && g.bound[index] }

// BindNode fills slot index with node. A slot that is already filled is
// left untouched.
func (g *DeviceGroup) BindNode(index int, node *Node) (*Node, error) {
	if index < 0 || index >= len(g.bound) {
		return nil, fmt.Errorf("device group %s index %d: %w", g.path, index, ErrOutOfRange)
	}
	if g.bound[index] {
		return nil, fmt.Errorf("device group %s index %d: %w", g.path, index, ErrAlreadyBound)
	}
	composite, err := g.assembler.BindParent(index, node)
	if err != nil {
		return nil, err
	}
	g.bound[index] = true
	return composite, nil
}

type nodeGroupAssembler struct {
	name      string
	names     []string
	primary   int
	manager   NodeManager
	collector *ParentSetCollector
}

func (a *nodeGroupAssembler) BindParent(index int, node *Node) (*Node, error) {
	if err := a.collector.AddNode(index, node); err != nil {
		return nil, err
	}
	parents, ok := a.collector.GetIfComplete()
	if !ok {
		return nil, nil
	}
	primary := a.primary
	if primary < 0 || primary >= len(parents) {
		primary = 0
	}
	composite, err := CreateCompositeNode(a.name, parents, a.names, nil, a.manager, primary)
	if err != nil {
		a.collector.RemoveNode(index)
		return nil, err
	}
	return composite, nil
}

type deviceGroupEntry struct {
	spec DeviceGroupSpec
	// group is nil until the index resolves a composite driver for it.
	group *DeviceGroup
}

// DeviceGroupManager holds device groups registered ahead of time, keyed by
// their topological path.
type DeviceGroupManager struct {
	index      DriverIndex
	dispatcher Dispatcher
	logger     Logger
	manager    NodeManager
	groups     map[string]*deviceGroupEntry
	// onResolved runs when the index resolves a composite driver for a group.
	onResolved func(path string)
}

func NewDeviceGroupManager(index DriverIndex, dispatcher Dispatcher, logger Logger, manager NodeManager) *DeviceGroupManager {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &DeviceGroupManager{
		index:      index,
		dispatcher: dispatcher,
		logger:     logger,
		manager:    manager,
		groups:     make(map[string]*deviceGroupEntry),
	}
}

// AddDeviceGroup validates spec, stores a placeholder for it and registers
// it with the index in the background.
func (m *DeviceGroupManager) AddDeviceGroup(spec DeviceGroupSpec) error {
	if spec.TopologicalPath == "" || spec.Nodes == nil {
		return ErrMissingArgs
	}
	if len(spec.Nodes) == 0 {
		return fmt.Errorf("device group %s: %w", spec.TopologicalPath, ErrEmptyNodes)
	}
	if spec.PrimaryIndex < 0 || spec.PrimaryIndex >= len(spec.Nodes) {
		return fmt.Errorf("device group %s primary index %d: %w", spec.TopologicalPath, spec.PrimaryIndex, ErrOutOfRange)
	}
	if _, ok := m.groups[spec.TopologicalPath]; ok {
		return fmt.Errorf("device group %s: %w", spec.TopologicalPath, ErrAlreadyExists)
	}

	path := spec.TopologicalPath
	spec.Nodes = slices.Clone(spec.Nodes)
	m.groups[path] = &deviceGroupEntry{spec: spec}

	callAsync(m.dispatcher, func() (DeviceGroupRegistration, error) {
		return m.index.AddDeviceGroup(context.Background(), spec)
	}, func(reg DeviceGroupRegistration, err error) {
		if errors.Is(err, ErrNotFound) {
			m.logger.Debug("no composite driver for device group yet", "path", path)
			return
		}
		if err != nil {
			m.logger.Error("failed to register device group", "path", path, "err", err)
			return
		}
		entry, ok := m.groups[path]
		if !ok {
			return
		}
		if entry.group == nil {
			composite := reg.Composite
			if len(composite.NodeNames) == 0 {
				composite.NodeNames = reg.NodeNames
			}
			entry.group = NewDeviceGroup(path, len(entry.spec.Nodes), composite, entry.spec.PrimaryIndex, m.manager)
		}
		m.logger.Info("device group resolved", "path", path, "driver", reg.Composite.Driver.URL)
		if m.onResolved != nil {
			m.onResolved(path)
		}
	})
	return nil
}

// Group returns the group registered at path, or nil while it is unresolved.
func (m *DeviceGroupManager) Group(path string) *DeviceGroup {
	if e, ok := m.groups[path]; ok {
		return e.group
	}
	return nil
}

// BindDeviceGroupNode offers node to each group it matched, in match order.
// The first group that accepts it wins. It returns the composite and its
// driver once that group is complete, or a nil node while it is pending.
func (m *DeviceGroupManager) BindDeviceGroupNode(matches []DeviceGroupNodeMatch, node *Node) (*Node, DriverInfo, error) {
	for _, match := range matches {
		entry, ok := m.groups[match.Path]
		if !ok {
			m.logger.Warn("node matched unknown device group", "node", node.TopoName(), "path", match.Path)
			continue
		}
		if entry.group == nil {
			composite := match.Composite
			if len(composite.NodeNames) == 0 {
				composite.NodeNames = match.NodeNames
			}
			size := match.NumNodes
			if size <= 0 {
				size = len(entry.spec.Nodes)
			}
			entry.group = NewDeviceGroup(match.Path, size, composite, entry.spec.PrimaryIndex, m.manager)
		}

		composite, err := entry.group.BindNode(match.NodeIndex, node)
		if err != nil {
			if !errors.Is(err, ErrAlreadyBound) {
				m.logger.Warn("failed to bind device group node", "node", node.TopoName(), "path", match.Path, "err", err)
			}
			continue
		}
		return composite, entry.group.Driver(), nil
	}
	return nil, DriverInfo{}, fmt.Errorf("node %s in device groups: %w", node.TopoName(), ErrNotFound)
}
