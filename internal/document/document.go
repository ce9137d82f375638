package document

type (
	// Node is one element of the external document tree. Properties are
	// flat key/value pairs addressed by path.
	Node struct {
		ID         string
		Type       string
		ParentID   string
		Properties map[string]any
	}

	// Model is the document tree the sync core keeps convergent. The tree
	// itself is owned by the embedding application; the bridge only consumes
	// this interface. Change notifications use typed callback registration,
	// one subscriber list per event kind.
	Model interface {
		GetNode(id string) (*Node, bool)
		CreateNode(node *Node) error
		UpdateNode(id, path string, value any) error
		DeleteNode(id string) error
		MoveNode(id, newParentID string) error
		GetChildren(parentID string) []*Node
		GetParent(id string) (*Node, bool)

		OnNodeCreated(fn func(node *Node))
		OnNodeDeleted(fn func(id string))
		OnPropertyChanged(fn func(id, path string, oldValue, newValue any))
		OnParentChanged(fn func(id, oldParentID, newParentID string))
	}
)

// Clone returns a deep-enough copy for handing across callback boundaries.
func (n *Node) Clone() *Node {
	props := make(map[string]any, len(n.Properties))
	for k, v := range n.Properties {
		props[k] = v
	}
	return &Node{ID: n.ID, Type: n.Type, ParentID: n.ParentID, Properties: props}
}
