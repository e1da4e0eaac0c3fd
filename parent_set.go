package drivermgr

import "fmt"

// ParentSetCollector gathers the parents of a composite. It holds weak
// references only; the parents keep owning themselves.
type ParentSetCollector struct {
	parents []weakNode
}

func NewParentSetCollector(size int) *ParentSetCollector {
	return &ParentSetCollector{parents: make([]weakNode, size)}
}

func (c *ParentSetCollector) Size() int { return len(c.parents) }

// live returns the node held by w while it is still running. A node whose
// removal has started no longer counts as a parent.
func live(w weakNode) *Node {
	if n := w.Get(); n != nil && n.State() == NodeStateRunning {
		return n
	}
	return nil
}

// AddNode places node at index. An index whose previous node has expired
// or started removal can be reused.
func (c *ParentSetCollector) AddNode(index int, node *Node) error {
	if index < 0 || index >= len(c.parents) {
		return fmt.Errorf("parent index %d of %d: %w", index, len(c.parents), ErrOutOfRange)
	}
	if live(c.parents[index]) != nil {
		return fmt.Errorf("parent index %d: %w", index, ErrAlreadyExists)
	}
	c.parents[index] = makeWeak(node)
	return nil
}

// RemoveNode clears index.
func (c *ParentSetCollector) RemoveNode(index int) {
	if index >= 0 && index < len(c.parents) {
		c.parents[index] = weakNode{}
	}
}

// ContainsNode reports whether index holds a running node.
func (c *ParentSetCollector) ContainsNode(index int) bool {
	return index >= 0 && index < len(c.parents) && live(c.parents[index]) != nil
}

// Contains reports whether node occupies any slot.
func (c *ParentSetCollector) Contains(node *Node) bool {
	if node == nil {
		return false
	}
	for _, w := range c.parents {
		if live(w) == node {
			return true
		}
	}
	return false
}

// GetIfComplete returns the parents in index order once every slot holds a
// running node.
func (c *ParentSetCollector) GetIfComplete() ([]*Node, bool) {
	out := make([]*Node, 0, len(c.parents))
	for _, w := range c.parents {
		n := live(w)
		if n == nil {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}
