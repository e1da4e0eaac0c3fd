package drivermgr

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"weak"
)

type NodeState string

const (
	NodeStateRunning           NodeState = "RUNNING"
	NodeStateWaitingOnChildren NodeState = "WAITING_ON_CHILDREN"
	NodeStateWaitingOnDriver   NodeState = "WAITING_ON_DRIVER"
	NodeStateDead              NodeState = "DEAD"
)

var nextNodeID atomic.Uint64

// nodeEnv is shared by every node in one tree.
type nodeEnv struct {
	dispatcher Dispatcher
	logger     Logger
	// removal is set while an orderly shutdown is in progress.
	removal   *NodeRemovalTracker
	onAdded   func(*Node)
	onRemoved func(*Node)
}

// Node is a vertex of the device DAG. A node owns its children; parents
// are non-owning back references. A node with more than one parent is a
// composite and is a child of each of them.
type Node struct {
	id           uint64
	name         string
	parents      []*Node
	parentNames  []string
	primaryIndex int
	children     []*Node

	properties []Property
	offers     []Offer
	symbols    []Symbol
	collection Collection

	// manager is nil once removal has started, so no further binds happen.
	manager    NodeManager
	env        *nodeEnv
	host       DriverHost
	driver     *driverComponent
	controller ComponentController
	state      NodeState
}

type driverComponent struct {
	driver        Driver
	url           string
	stopRequested bool
}

// NewRootNode creates a parentless node.
func NewRootNode(name string, manager NodeManager, dispatcher Dispatcher, logger Logger) *Node {
	if logger == nil {
		logger = NewNopLogger()
	}
	env := &nodeEnv{dispatcher: dispatcher, logger: logger}
	return newNode(name, nil, manager, env)
}

func newNode(name string, parents []*Node, manager NodeManager, env *nodeEnv) *Node {
	n := &Node{
		id:      nextNodeID.Add(1),
		name:    name,
		parents: parents,
		manager: manager,
		env:     env,
		state:   NodeStateRunning,
	}
	if env.onAdded != nil {
		env.onAdded(n)
	}
	return n
}

// weakNode refers to a node without keeping it alive. Get returns nil once
// the node has been collected or its removal has completed.
type weakNode struct {
	p weak.Pointer[Node]
}

func makeWeak(n *Node) weakNode { return weakNode{p: weak.Make(n)} }

func (w weakNode) Get() *Node {
	n := w.p.Value()
	if n == nil || n.state == NodeStateDead {
		return nil
	}
	return n
}

func (n *Node) ID() uint64             { return n.id }
func (n *Node) Name() string           { return n.name }
func (n *Node) State() NodeState       { return n.state }
func (n *Node) Collection() Collection { return n.collection }
func (n *Node) IsComposite() bool      { return len(n.parents) > 1 }
func (n *Node) Host() DriverHost       { return n.host }
func (n *Node) Parents() []*Node       { return slices.Clone(n.parents) }
func (n *Node) Children() []*Node      { return slices.Clone(n.children) }
func (n *Node) Properties() []Property { return slices.Clone(n.properties) }
func (n *Node) Offers() []Offer        { return slices.Clone(n.offers) }
func (n *Node) Symbols() []Symbol      { return slices.Clone(n.symbols) }

// ParentNames returns the composite's per-parent names, in parent order.
func (n *Node) ParentNames() []string { return slices.Clone(n.parentNames) }

// PrimaryParent returns the parent a composite inherits symbols from, or nil for the root.
func (n *Node) PrimaryParent() *Node {
	if len(n.parents) == 0 {
		return nil
	}
	return n.parents[n.primaryIndex]
}

// DriverURL returns the url of the bound driver, or "" when unbound.
func (n *Node) DriverURL() string {
	if n.driver == nil {
		return ""
	}
	return n.driver.url
}

// TopoName joins node names along the first-parent chain, root first.
func (n *Node) TopoName() string {
	var names []string
	for cur := n; cur != nil; {
		names = append(names, cur.name)
		if len(cur.parents) == 0 {
			break
		}
		cur = cur.parents[0]
	}
	slices.Reverse(names)
	return strings.Join(names, ".")
}

// ComponentMoniker is the sanitized topological name used as the driver
// component's name.
func (n *Node) ComponentMoniker() string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, n.TopoName())
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "./") {
		return fmt.Errorf("%q: %w", name, ErrNameInvalid)
	}
	return nil
}

func validateSymbols(symbols []Symbol) error {
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if s.Name == "" || s.Address == 0 {
			return fmt.Errorf("symbol %q is incomplete: %w", s.Name, ErrSymbolError)
		}
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("duplicate symbol %q: %w", s.Name, ErrSymbolError)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

type AddChildArgs struct {
	Name       string
	Properties []Property
	Offers     []Offer
	Symbols    []Symbol
	// Bind asks the manager to find a driver for the child right away.
	Bind bool
}

// AddChild creates a node with n as its only parent.
func (n *Node) AddChild(args AddChildArgs) (*Node, error) {
	if n.state != NodeStateRunning {
		return nil, fmt.Errorf("add child %q to %s: %w", args.Name, n.TopoName(), ErrNodeRemoved)
	}
	if err := validateName(args.Name); err != nil {
		return nil, err
	}
	for _, c := range n.children {
		if c.name == args.Name {
			return nil, fmt.Errorf("%q under %s: %w", args.Name, n.TopoName(), ErrNameAlreadyExists)
		}
	}

	offers := make([]Offer, 0, len(args.Offers))
	for _, o := range args.Offers {
		if o.SourceName == "" {
			return nil, ErrOfferSourceNameMissing
		}
		if o.Source != "" {
			return nil, fmt.Errorf("offer %q: %w", o.SourceName, ErrOfferRefExists)
		}
		o = o.clone()
		o.Source = n.ComponentMoniker()
		if o.TargetName == "" {
			o.TargetName = o.SourceName
		}
		offers = append(offers, o)
	}
	if err := validateSymbols(args.Symbols); err != nil {
		return nil, err
	}

	child := newNode(args.Name, []*Node{n}, n.manager, n.env)
	child.properties = slices.Clone(args.Properties)
	child.offers = offers
	child.symbols = slices.Clone(args.Symbols)
	n.children = append(n.children, child)

	if args.Bind && child.manager != nil {
		child.manager.Bind(child, nil)
	}
	return child, nil
}

// CreateCompositeNode fuses parents into one node. The composite inherits
// the primary parent's symbols, and each parent's service offers are
// renamed after the parent.
func CreateCompositeNode(name string, parents []*Node, parentNames []string, properties []Property, manager NodeManager, primaryIndex int) (*Node, error) {
	if len(parents) == 0 {
		panic("drivermgr: composite node " + name + " has no parents")
	}
	if len(parentNames) != len(parents) {
		return nil, fmt.Errorf("composite %q: %d parent names for %d parents: %w", name, len(parentNames), len(parents), ErrInvalidArgs)
	}
	if primaryIndex < 0 || primaryIndex >= len(parents) {
		return nil, fmt.Errorf("composite %q: primary index %d: %w", name, primaryIndex, ErrOutOfRange)
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	for _, p := range parents {
		if p.state != NodeStateRunning {
			return nil, fmt.Errorf("composite %q parent %s: %w", name, p.TopoName(), ErrNodeRemoved)
		}
	}

	primary := parents[primaryIndex]
	n := newNode(name, slices.Clone(parents), manager, primary.env)
	n.parentNames = slices.Clone(parentNames)
	n.primaryIndex = primaryIndex
	n.properties = slices.Clone(properties)
	n.symbols = slices.Clone(primary.symbols)
	for i, p := range parents {
		for _, o := range p.offers {
			n.offers = append(n.offers, compositeOffer(o, parentNames[i], i == primaryIndex))
		}
	}
	for _, p := range parents {
		p.children = append(p.children, n)
	}
	return n, nil
}

// compositeOffer renames a parent's default service instance after the
// parent. The primary parent keeps its default instance as well.
func compositeOffer(o Offer, parentName string, primary bool) Offer {
	o = o.clone()
	if o.Kind != OfferService {
		return o
	}

	renames := o.Renames
	if len(renames) == 0 {
		renames = []InstanceRename{{Source: DefaultInstance, Target: DefaultInstance}}
	}
	o.Renames = nil
	for _, r := range renames {
		if r.Target != DefaultInstance {
			o.Renames = append(o.Renames, r)
			continue
		}
		o.Renames = append(o.Renames, InstanceRename{Source: r.Source, Target: parentName})
		if primary {
			o.Renames = append(o.Renames, r)
		}
	}

	filter := o.Filter
	if len(filter) == 0 {
		filter = []string{DefaultInstance}
	}
	o.Filter = nil
	for _, f := range filter {
		if f != DefaultInstance {
			o.Filter = append(o.Filter, f)
			continue
		}
		o.Filter = append(o.Filter, parentName)
		if primary {
			o.Filter = append(o.Filter, DefaultInstance)
		}
	}
	return o
}

// StartDriver launches a driver for n in a driver host. Colocated drivers
// share the primary parent's host; others get a new host from the manager.
// done runs on the loop exactly once. controller is closed when n is
// removed, but only if the driver started.
func (n *Node) StartDriver(info StartInfo, controller ComponentController, done func(error)) {
	if n.state != NodeStateRunning {
		done(fmt.Errorf("start %s: %w", n.TopoName(), ErrNodeRemoved))
		return
	}
	if n.driver != nil {
		done(fmt.Errorf("start %s: driver %s already bound: %w", n.TopoName(), n.driver.url, ErrAlreadyExists))
		return
	}

	if info.Program.Colocate() {
		parent := n.PrimaryParent()
		if parent == nil || parent.host == nil {
			done(fmt.Errorf("start %s colocated: %w", info.URL, ErrNoDriverHost))
			return
		}
		n.launch(parent.host, info, controller, done)
		return
	}

	if n.manager == nil {
		done(fmt.Errorf("start %s: %w", n.TopoName(), ErrNodeRemoved))
		return
	}
	w := makeWeak(n)
	n.manager.CreateDriverHost(func(host DriverHost, err error) {
		if err != nil {
			done(fmt.Errorf("create driver host: %w", err))
			return
		}
		node := w.Get()
		if node == nil {
			done(ErrUnavailable)
			return
		}
		node.launch(host, info, controller, done)
	})
}

func (n *Node) launch(host DriverHost, info StartInfo, controller ComponentController, done func(error)) {
	req := DriverStartRequest{
		NodeID:   n.id,
		NodeName: n.name,
		Symbols:  slices.Clone(n.symbols),
		Offers:   slices.Clone(n.offers),
		URL:      info.URL,
		Program:  info.Program,
	}
	d := n.env.dispatcher
	w := makeWeak(n)
	callAsync(d, func() (Driver, error) {
		return host.Start(context.Background(), req)
	}, func(drv Driver, err error) {
		if err != nil {
			done(fmt.Errorf("start driver %s: %w", info.URL, err))
			return
		}
		node := w.Get()
		if node == nil {
			d.Go(func() { _ = drv.Stop(context.Background()) })
			done(ErrUnavailable)
			return
		}
		node.host = host
		node.driver = &driverComponent{driver: drv, url: info.URL}
		node.controller = controller
		drv.OnClose(func(err error) {
			d.Post(func() {
				if node := w.Get(); node != nil {
					node.driverClosed(drv, err)
				}
			})
		})
		done(nil)

		// A removal that started while the driver was launching stops it now.
		if node.state != NodeStateRunning {
			node.Remove()
		}
	})
}

func (n *Node) driverClosed(drv Driver, err error) {
	if n.driver == nil || n.driver.driver != drv {
		return
	}
	if err != nil {
		n.env.logger.Warn("driver exited", "node", n.TopoName(), "url", n.driver.url, "err", err)
	} else {
		n.env.logger.Debug("driver stopped", "node", n.TopoName(), "url", n.driver.url)
	}
	n.driver = nil
	n.host = nil
	n.Remove()
}

// Remove tears n down: children first, then n's driver, then n is
// unlinked from its parents. Steps that wait on children or the driver
// return early and are re-entered when those complete. Calling Remove
// again while a removal is in flight has no further effect.
func (n *Node) Remove() {
	if n.state == NodeStateDead {
		return
	}
	if n.state == NodeStateRunning {
		n.state = NodeStateWaitingOnChildren
		n.manager = nil
		n.env.logger.Debug("removing node", "node", n.TopoName())
	}

	for _, child := range slices.Clone(n.children) {
		child.Remove()
	}
	// A child finishing above may have re-entered and completed this removal.
	if n.state == NodeStateDead || len(n.children) > 0 {
		return
	}
	if n.state == NodeStateWaitingOnChildren {
		n.state = NodeStateWaitingOnDriver
		if t := n.env.removal; t != nil {
			t.NotifyNoChildren(n.id)
		}
	}

	if n.driver != nil {
		if !n.driver.stopRequested {
			n.driver.stopRequested = true
			n.stopDriver()
		}
		return
	}
	n.finishRemoval()
}

func (n *Node) stopDriver() {
	drv := n.driver.driver
	w := makeWeak(n)
	callAsync(n.env.dispatcher, func() (struct{}, error) {
		return struct{}{}, drv.Stop(context.Background())
	}, func(_ struct{}, err error) {
		if err == nil {
			return
		}
		// The driver is unreachable; nothing will report its exit.
		if node := w.Get(); node != nil {
			node.driverClosed(drv, err)
		}
	})
}

func (n *Node) finishRemoval() {
	n.state = NodeStateDead
	parents := n.parents
	n.parents = nil

	if t := n.env.removal; t != nil {
		t.NotifyRemovalComplete(n.id)
	}
	if n.controller != nil {
		n.controller.Close(nil)
		n.controller = nil
	}
	if n.env.onRemoved != nil {
		n.env.onRemoved(n)
	}
	for _, p := range parents {
		p.removeChild(n)
	}
}

func (n *Node) removeChild(child *Node) {
	n.children = slices.DeleteFunc(n.children, func(c *Node) bool { return c == child })
	if len(n.children) == 0 && (n.state == NodeStateWaitingOnChildren || n.state == NodeStateWaitingOnDriver) {
		n.Remove()
	}
}
