package drivermgr

import "fmt"

type parentSet struct {
	collector     *ParentSetCollector
	compositeName string
	nodeNames     []string
}

// CompositeNodeManager assembles composites for drivers matched by url.
// Parent sets are keyed by driver url and node index rather than node
// identity, so several partially filled sets for the same url can be
// pending at once.
type CompositeNodeManager struct {
	manager NodeManager
	sets    map[string][]*parentSet
}

func NewCompositeNodeManager(manager NodeManager) *CompositeNodeManager {
	return &CompositeNodeManager{
		manager: manager,
		sets:    make(map[string][]*parentSet),
	}
}

// HandleMatchedCompositeInfo adds node to a parent set for the matched
// composite driver. It returns the new composite once the set is complete,
// or (nil, nil) while the composite is still waiting for parents.
func (m *CompositeNodeManager) HandleMatchedCompositeInfo(node *Node, info CompositeMatch) (*Node, error) {
	url := info.Driver.URL
	if url == "" {
		return nil, fmt.Errorf("composite match without driver url: %w", ErrInvalidArgs)
	}
	if info.NumNodes <= 0 || info.NodeIndex < 0 || info.NodeIndex >= info.NumNodes {
		return nil, fmt.Errorf("composite %s node index %d of %d: %w", url, info.NodeIndex, info.NumNodes, ErrInvalidArgs)
	}
	if len(info.NodeNames) != 0 && len(info.NodeNames) != info.NumNodes {
		return nil, fmt.Errorf("composite %s: %d names for %d nodes: %w", url, len(info.NodeNames), info.NumNodes, ErrInvalidArgs)
	}

	m.prune(url)
	sets := m.sets[url]
	var target *parentSet
	for _, s := range sets {
		if s.collector.Contains(node) {
			return nil, fmt.Errorf("node %s already collected for %s: %w", node.TopoName(), url, ErrInvalidArgs)
		}
		if target == nil && s.collector.Size() == info.NumNodes && !s.collector.ContainsNode(info.NodeIndex) {
			target = s
		}
	}
	if target == nil {
		target = &parentSet{
			collector:     NewParentSetCollector(info.NumNodes),
			compositeName: info.CompositeName,
			nodeNames:     info.NodeNames,
		}
		m.sets[url] = append(sets, target)
	}
	if err := target.collector.AddNode(info.NodeIndex, node); err != nil {
		return nil, err
	}

	parents, ok := target.collector.GetIfComplete()
	if !ok {
		return nil, nil
	}

	names := target.nodeNames
	if len(names) == 0 {
		names = make([]string, len(parents))
		for i, p := range parents {
			names[i] = p.Name()
		}
	}
	name := target.compositeName
	if name == "" {
		name = parents[0].Name() + "-composite"
	}
	composite, err := CreateCompositeNode(name, parents, names, nil, m.manager, 0)
	if err != nil {
		// The other parents stay pending for the next node at this index.
		target.collector.RemoveNode(info.NodeIndex)
		return nil, err
	}
	m.removeSet(url, target)
	return composite, nil
}

// PendingSets returns the number of incomplete parent sets for url.
func (m *CompositeNodeManager) PendingSets(url string) int {
	return len(m.sets[url])
}

func (m *CompositeNodeManager) removeSet(url string, target *parentSet) {
	sets := m.sets[url]
	for i, s := range sets {
		if s == target {
			sets = append(sets[:i], sets[i+1:]...)
			break
		}
	}
	if len(sets) == 0 {
		delete(m.sets, url)
		return
	}
	m.sets[url] = sets
}

// prune drops sets whose every parent has gone away.
func (m *CompositeNodeManager) prune(url string) {
	sets := m.sets[url][:0]
	for _, s := range m.sets[url] {
		for i := 0; i < s.collector.Size(); i++ {
			if s.collector.ContainsNode(i) {
				sets = append(sets, s)
				break
			}
		}
	}
	if len(sets) == 0 {
		delete(m.sets, url)
		return
	}
	m.sets[url] = sets
}
