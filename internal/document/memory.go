package document

import (
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Model used by the demo client and tests. Deleting a
// node cascades to its subtree.
type Memory struct {
	mu    sync.Mutex
	nodes map[string]*Node

	createdSubs []func(node *Node)
	deletedSubs []func(id string)
	propSubs    []func(id, path string, oldValue, newValue any)
	parentSubs  []func(id, oldParentID, newParentID string)
}

func NewMemory() *Memory {
	return &Memory{nodes: make(map[string]*Node)}
}

func (m *Memory) GetNode(id string) (*Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

func (m *Memory) CreateNode(node *Node) error {
	m.mu.Lock()
	if _, exists := m.nodes[node.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("node %s already exists", node.ID)
	}
	if node.ParentID != "" {
		if _, ok := m.nodes[node.ParentID]; !ok {
			m.mu.Unlock()
			return fmt.Errorf("parent %s not found", node.ParentID)
		}
	}
	stored := node.Clone()
	if stored.Properties == nil {
		stored.Properties = make(map[string]any)
	}
	m.nodes[node.ID] = stored
	subs := m.createdSubs
	m.mu.Unlock()

	for _, fn := range subs {
		fn(stored.Clone())
	}
	return nil
}

func (m *Memory) UpdateNode(id, path string, value any) error {
	m.mu.Lock()
	n, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("node %s not found", id)
	}
	old := n.Properties[path]
	n.Properties[path] = value
	subs := m.propSubs
	m.mu.Unlock()

	for _, fn := range subs {
		fn(id, path, old, value)
	}
	return nil
}

func (m *Memory) DeleteNode(id string) error {
	m.mu.Lock()
	if _, ok := m.nodes[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("node %s not found", id)
	}
	removed := m.collectSubtree(id)
	for _, rid := range removed {
		delete(m.nodes, rid)
	}
	subs := m.deletedSubs
	m.mu.Unlock()

	for _, rid := range removed {
		for _, fn := range subs {
			fn(rid)
		}
	}
	return nil
}

func (m *Memory) MoveNode(id, newParentID string) error {
	m.mu.Lock()
	n, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("node %s not found", id)
	}
	if newParentID != "" {
		if _, ok := m.nodes[newParentID]; !ok {
			m.mu.Unlock()
			return fmt.Errorf("parent %s not found", newParentID)
		}
	}
	old := n.ParentID
	n.ParentID = newParentID
	subs := m.parentSubs
	m.mu.Unlock()

	for _, fn := range subs {
		fn(id, old, newParentID)
	}
	return nil
}

func (m *Memory) GetChildren(parentID string) []*Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Node
	for _, n := range m.nodes {
		if n.ParentID == parentID {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) GetParent(id string) (*Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok || n.ParentID == "" {
		return nil, false
	}
	p, ok := m.nodes[n.ParentID]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (m *Memory) OnNodeCreated(fn func(node *Node)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createdSubs = append(m.createdSubs, fn)
}

func (m *Memory) OnNodeDeleted(fn func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedSubs = append(m.deletedSubs, fn)
}

func (m *Memory) OnPropertyChanged(fn func(id, path string, oldValue, newValue any)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.propSubs = append(m.propSubs, fn)
}

func (m *Memory) OnParentChanged(fn func(id, oldParentID, newParentID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parentSubs = append(m.parentSubs, fn)
}

// collectSubtree returns id plus all its descendants, parents first.
func (m *Memory) collectSubtree(id string) []string {
	out := []string{id}
	for i := 0; i < len(out); i++ {
		for _, n := range m.nodes {
			if n.ParentID == out[i] {
				out = append(out, n.ID)
			}
		}
	}
	return out
}
