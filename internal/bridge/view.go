package bridge

type (
	// propState is the last accepted write for one property, with the
	// last-writer-wins tie-break key (timestamp, then senderID lexically).
	propState struct {
		Value     any
		Timestamp int64
		SenderID  string
	}

	// viewNode mirrors one document node inside the replicated view. The
	// view is convergence bookkeeping only, never the authoritative tree.
	viewNode struct {
		Type     string
		ParentID string
		Props    map[string]propState
		// parent move bookkeeping, LWW like properties
		ParentTimestamp int64
		ParentSenderID  string
	}
)

// beatenBy reports whether a write stamped (ts, sender) beats the stored
// state.
func (p propState) beatenBy(ts int64, sender string) bool {
	if ts != p.Timestamp {
		return ts > p.Timestamp
	}
	return sender > p.SenderID
}

func newViewNode(nodeType, parentID string) *viewNode {
	return &viewNode{
		Type:     nodeType,
		ParentID: parentID,
		Props:    make(map[string]propState),
	}
}
