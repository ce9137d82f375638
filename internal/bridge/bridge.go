package bridge

import (
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"collabsync/internal/causality"
	"collabsync/internal/document"
	"collabsync/internal/model"
	"collabsync/internal/utils/log"
)

// applyState makes the two re-entrancy guards a single explicit state
// machine: overlapping local and remote application is unrepresentable.
type applyState int

const (
	applyIdle applyState = iota
	applyingLocal
	applyingRemote
)

// SecureChannel is the outbound half the bridge needs from the encrypted
// channel.
type SecureChannel interface {
	Send(t model.MessageType, payload any) error
	DecryptArchived(env *model.Envelope) (*model.Message, error)
}

// syncPageSize bounds one SYNC_RESPONSE page.
const syncPageSize = 100

// Bridge keeps the external document tree and the replicated operation view
// convergent: local mutations become stamped operations on the wire, remote
// operations are applied with LWW conflict resolution, and echoes of our own
// applies are suppressed.
type Bridge struct {
	documentID string
	localID    string
	doc        document.Model
	ch         SecureChannel
	clock      clockwork.Clock

	mu         sync.Mutex
	state      applyState
	vclock     causality.VectorClock
	view       map[string]*viewNode
	tombstones map[string]struct{}
	// oplog is the convergent operation history this peer can serve to
	// joiners through SYNC_REQUEST paging.
	oplog []*model.Operation

	opSubs []func(*model.Operation)
}

func New(documentID, localID string, doc document.Model, ch SecureChannel, clock clockwork.Clock) *Bridge {
	return &Bridge{
		documentID: documentID,
		localID:    localID,
		doc:        doc,
		ch:         ch,
		clock:      clock,
		vclock:     causality.New(),
		view:       make(map[string]*viewNode),
		tombstones: make(map[string]struct{}),
	}
}

// Start subscribes to the document's change notifications. Call once, after
// any initializeFrom* pass.
func (b *Bridge) Start() {
	b.doc.OnNodeCreated(b.handleLocalCreate)
	b.doc.OnNodeDeleted(b.handleLocalDelete)
	b.doc.OnPropertyChanged(b.handleLocalUpdate)
	b.doc.OnParentChanged(b.handleLocalMove)
}

// OnOperationApplied subscribes to remote operations after application.
func (b *Bridge) OnOperationApplied(fn func(*model.Operation)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opSubs = append(b.opSubs, fn)
}

// Clock returns a copy of the bridge's vector clock.
func (b *Bridge) Clock() causality.VectorClock {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vclock.Copy()
}

// HandleMessage consumes decrypted application messages from the channel.
func (b *Bridge) HandleMessage(msg *model.Message) {
	switch msg.Type {
	case model.TypeOperation:
		var om model.OperationMessage
		if err := msg.DecodePayload(&om); err != nil {
			log.Warn("drop malformed operation", zap.Error(err))
			return
		}
		if om.Operation == nil {
			return
		}
		if b.ApplyRemote(om.Operation) {
			b.ack(om.Operation)
		}
	case model.TypeSyncRequest:
		var req model.SyncRequest
		if err := msg.DecodePayload(&req); err != nil {
			log.Warn("drop malformed sync request", zap.Error(err))
			return
		}
		b.serveSync(&req)
	case model.TypeSyncResponse:
		var resp model.SyncResponse
		if err := msg.DecodePayload(&resp); err != nil {
			log.Warn("drop malformed sync response", zap.Error(err))
			return
		}
		b.applySyncPage(&resp)
	case model.TypeOperationAck:
		// informational only
	}
}

// SyncSince requests the operation log from the given cursor. Any peer
// holding history answers; replies are idempotent to apply.
func (b *Bridge) SyncSince(since int64) error {
	return b.ch.Send(model.TypeSyncRequest, &model.SyncRequest{
		DocumentID: b.documentID,
		Since:      since,
	})
}

// serveSync answers one page of our operation log. The cursor is an index
// into this peer's log; the requester pages until complete.
func (b *Bridge) serveSync(req *model.SyncRequest) {
	if req.DocumentID != b.documentID {
		return
	}
	b.mu.Lock()
	cursor := req.Since
	if cursor < 0 {
		cursor = 0
	}
	total := int64(len(b.oplog))
	end := cursor + syncPageSize
	if end > total {
		end = total
	}
	var page []*model.Operation
	if cursor < total {
		page = append(page, b.oplog[cursor:end]...)
	}
	b.mu.Unlock()

	err := b.ch.Send(model.TypeSyncResponse, &model.SyncResponse{
		DocumentID: b.documentID,
		Operations: page,
		Complete:   end >= total,
		NextCursor: end,
	})
	if err != nil {
		log.Warn("sync response failed", zap.Error(err))
	}
}

func (b *Bridge) applySyncPage(resp *model.SyncResponse) {
	if resp.DocumentID != b.documentID {
		return
	}
	for _, op := range resp.Operations {
		b.ApplyRemote(op)
	}
	if !resp.Complete {
		if err := b.SyncSince(resp.NextCursor); err != nil {
			log.Warn("sync continuation failed", zap.Error(err))
		}
	}
}

// BootstrapFromArchive replays relay-archived envelopes (fetched over HTTP
// at join time) through the channel's archival decrypt path.
func (b *Bridge) BootstrapFromArchive(envelopes []*model.Envelope) {
	for _, env := range envelopes {
		inner, err := b.ch.DecryptArchived(env)
		if err != nil {
			log.Warn("skip archived envelope", zap.Error(err))
			continue
		}
		b.HandleMessage(inner)
	}
}

func (b *Bridge) ack(op *model.Operation) {
	if err := b.ch.Send(model.TypeOperationAck, &model.OperationAck{
		OperationID: op.ID,
		Timestamp:   b.clock.Now().UnixMilli(),
	}); err != nil {
		log.Debug("operation ack failed", zap.Error(err))
	}
}

// ApplyRemote merges the sender's clock and applies one remote operation to
// the replicated view and the external document, reporting whether it took
// effect. Operations referencing unknown nodes are self-healing no-ops.
func (b *Bridge) ApplyRemote(op *model.Operation) bool {
	if op.SenderID == b.localID {
		// our own operation echoed back through the relay or sync log
		return false
	}

	b.mu.Lock()
	if b.state != applyIdle {
		// remote listener is disabled while an apply is in flight
		b.mu.Unlock()
		return false
	}
	b.state = applyingRemote
	b.vclock.Merge(op.Clock)
	b.mu.Unlock()

	applied := false
	switch op.Type {
	case model.OpCreate:
		applied = b.applyRemoteCreate(op)
	case model.OpUpdate:
		applied = b.applyRemoteUpdate(op)
	case model.OpDelete:
		applied = b.applyRemoteDelete(op)
	case model.OpMove:
		applied = b.applyRemoteMove(op)
	default:
		log.Warn("unknown operation type", zap.String("type", string(op.Type)))
	}

	b.mu.Lock()
	b.state = applyIdle
	if applied {
		b.oplog = append(b.oplog, op)
	}
	subs := b.opSubs
	b.mu.Unlock()

	if !applied {
		return false
	}
	for _, fn := range subs {
		fn(op)
	}
	return true
}

func (b *Bridge) applyRemoteCreate(op *model.Operation) bool {
	b.mu.Lock()
	if _, dead := b.tombstones[op.NodeID]; dead {
		b.mu.Unlock()
		log.Debug("create of deleted node dropped", zap.String("nodeID", op.NodeID))
		return false
	}
	if _, exists := b.view[op.NodeID]; exists {
		// concurrent duplicate create, idempotent no-op
		b.mu.Unlock()
		return false
	}
	vn := newViewNode(op.NodeType, op.ParentID)
	for k, v := range op.Properties {
		vn.Props[k] = propState{Value: v, Timestamp: op.Timestamp, SenderID: op.SenderID}
	}
	vn.ParentTimestamp = op.Timestamp
	vn.ParentSenderID = op.SenderID
	b.view[op.NodeID] = vn
	b.mu.Unlock()

	if _, exists := b.doc.GetNode(op.NodeID); exists {
		return true
	}
	err := b.doc.CreateNode(&document.Node{
		ID:         op.NodeID,
		Type:       op.NodeType,
		ParentID:   op.ParentID,
		Properties: op.Properties,
	})
	if err != nil {
		log.Warn("remote create not applied to document",
			zap.String("nodeID", op.NodeID), zap.Error(err))
	}
	return true
}

func (b *Bridge) applyRemoteUpdate(op *model.Operation) bool {
	b.mu.Lock()
	if _, dead := b.tombstones[op.NodeID]; dead {
		// delete wins over update
		b.mu.Unlock()
		return false
	}
	vn, ok := b.view[op.NodeID]
	if !ok {
		b.mu.Unlock()
		log.Warn("update of unknown node dropped", zap.String("nodeID", op.NodeID))
		return false
	}
	prev, had := vn.Props[op.Path]
	if had && !prev.beatenBy(op.Timestamp, op.SenderID) && !(op.Timestamp == prev.Timestamp && op.SenderID == prev.SenderID) {
		// we already hold the later write for this property
		b.mu.Unlock()
		return false
	}
	vn.Props[op.Path] = propState{Value: op.NewValue, Timestamp: op.Timestamp, SenderID: op.SenderID}
	b.mu.Unlock()

	if err := b.doc.UpdateNode(op.NodeID, op.Path, op.NewValue); err != nil {
		log.Warn("remote update not applied to document",
			zap.String("nodeID", op.NodeID), zap.String("path", op.Path), zap.Error(err))
	}
	return true
}

func (b *Bridge) applyRemoteDelete(op *model.Operation) bool {
	b.mu.Lock()
	// tombstone regardless of ordering so a late create cannot resurrect
	b.tombstones[op.NodeID] = struct{}{}
	_, known := b.view[op.NodeID]
	delete(b.view, op.NodeID)
	b.mu.Unlock()

	if !known {
		log.Warn("delete of unknown node", zap.String("nodeID", op.NodeID))
		return false
	}
	if _, exists := b.doc.GetNode(op.NodeID); exists {
		if err := b.doc.DeleteNode(op.NodeID); err != nil {
			log.Warn("remote delete not applied to document",
				zap.String("nodeID", op.NodeID), zap.Error(err))
		}
	}
	return true
}

func (b *Bridge) applyRemoteMove(op *model.Operation) bool {
	b.mu.Lock()
	if _, dead := b.tombstones[op.NodeID]; dead {
		b.mu.Unlock()
		return false
	}
	vn, ok := b.view[op.NodeID]
	if !ok {
		b.mu.Unlock()
		log.Warn("move of unknown node dropped", zap.String("nodeID", op.NodeID))
		return false
	}
	stored := propState{Timestamp: vn.ParentTimestamp, SenderID: vn.ParentSenderID}
	if !stored.beatenBy(op.Timestamp, op.SenderID) && !(op.Timestamp == stored.Timestamp && op.SenderID == stored.SenderID) {
		b.mu.Unlock()
		return false
	}
	vn.ParentID = op.ParentID
	vn.ParentTimestamp = op.Timestamp
	vn.ParentSenderID = op.SenderID
	b.mu.Unlock()

	if err := b.doc.MoveNode(op.NodeID, op.ParentID); err != nil {
		log.Warn("remote move not applied to document",
			zap.String("nodeID", op.NodeID), zap.Error(err))
	}
	return true
}

// local change handlers: build an operation, stamp it, send it, mirror it.

func (b *Bridge) handleLocalCreate(node *document.Node) {
	op, ok := b.beginLocal(model.OpCreate, node.ID)
	if !ok {
		return
	}
	op.NodeType = node.Type
	op.ParentID = node.ParentID
	op.Properties = node.Properties

	b.mu.Lock()
	vn := newViewNode(node.Type, node.ParentID)
	for k, v := range node.Properties {
		vn.Props[k] = propState{Value: v, Timestamp: op.Timestamp, SenderID: b.localID}
	}
	vn.ParentTimestamp = op.Timestamp
	vn.ParentSenderID = b.localID
	b.view[node.ID] = vn
	b.finishLocalLocked()

	b.sendOperation(op)
}

func (b *Bridge) handleLocalUpdate(id, path string, oldValue, newValue any) {
	op, ok := b.beginLocal(model.OpUpdate, id)
	if !ok {
		return
	}
	op.Path = path
	op.OldValue = oldValue
	op.NewValue = newValue

	b.mu.Lock()
	if vn, exists := b.view[id]; exists {
		vn.Props[path] = propState{Value: newValue, Timestamp: op.Timestamp, SenderID: b.localID}
	}
	b.finishLocalLocked()

	b.sendOperation(op)
}

func (b *Bridge) handleLocalDelete(id string) {
	op, ok := b.beginLocal(model.OpDelete, id)
	if !ok {
		return
	}

	b.mu.Lock()
	b.tombstones[id] = struct{}{}
	delete(b.view, id)
	b.finishLocalLocked()

	b.sendOperation(op)
}

func (b *Bridge) handleLocalMove(id, oldParentID, newParentID string) {
	op, ok := b.beginLocal(model.OpMove, id)
	if !ok {
		return
	}
	op.ParentID = newParentID

	b.mu.Lock()
	if vn, exists := b.view[id]; exists {
		vn.ParentID = newParentID
		vn.ParentTimestamp = op.Timestamp
		vn.ParentSenderID = b.localID
	}
	b.finishLocalLocked()

	b.sendOperation(op)
}

// beginLocal suppresses echoes (observer fired by our own remote apply),
// enters the applyingLocal state for the mirror step, and stamps a new
// operation with the incremented local clock.
func (b *Bridge) beginLocal(t model.OperationType, nodeID string) (*model.Operation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != applyIdle {
		return nil, false
	}
	b.state = applyingLocal
	b.vclock.Increment(b.localID)
	return &model.Operation{
		ID:        uuid.NewString(),
		Type:      t,
		NodeID:    nodeID,
		Clock:     b.vclock.Copy(),
		Timestamp: b.clock.Now().UnixMilli(),
		SenderID:  b.localID,
	}, true
}

// finishLocalLocked releases the applyingLocal guard taken implicitly by the
// mirror step. Callers hold mu.
func (b *Bridge) finishLocalLocked() {
	b.state = applyIdle
	b.mu.Unlock()
}

func (b *Bridge) sendOperation(op *model.Operation) {
	b.mu.Lock()
	b.oplog = append(b.oplog, op)
	b.mu.Unlock()

	if err := b.ch.Send(model.TypeOperation, &model.OperationMessage{Operation: op}); err != nil {
		log.Error("send operation failed",
			zap.String("nodeID", op.NodeID), zap.Error(err))
	}
}

// InitializeFromLocal walks the external tree into the replicated view. Used
// by the peer that creates the document.
func (b *Bridge) InitializeFromLocal() {
	now := b.clock.Now().UnixMilli()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.view = make(map[string]*viewNode)
	queue := b.doc.GetChildren("")
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		vn := newViewNode(n.Type, n.ParentID)
		for k, v := range n.Properties {
			vn.Props[k] = propState{Value: v, Timestamp: now, SenderID: b.localID}
		}
		vn.ParentTimestamp = now
		vn.ParentSenderID = b.localID
		b.view[n.ID] = vn
		queue = append(queue, b.doc.GetChildren(n.ID)...)
	}
}

// InitializeFromRemote clears the external document and rebuilds it top-down
// from the replicated view. Nodes whose parent chain cannot be resolved are
// dropped with a warning, never left as orphans.
func (b *Bridge) InitializeFromRemote() {
	b.mu.Lock()
	b.state = applyingRemote
	view := make(map[string]*viewNode, len(b.view))
	for id, vn := range b.view {
		view[id] = vn
	}
	b.mu.Unlock()

	for _, root := range b.doc.GetChildren("") {
		if err := b.doc.DeleteNode(root.ID); err != nil {
			log.Warn("clear document node failed", zap.String("nodeID", root.ID), zap.Error(err))
		}
	}

	created := make(map[string]bool, len(view))
	remaining := len(view)
	for remaining > 0 {
		progressed := false
		for id, vn := range view {
			if created[id] {
				continue
			}
			if vn.ParentID != "" && !created[vn.ParentID] {
				continue
			}
			props := make(map[string]any, len(vn.Props))
			for k, p := range vn.Props {
				props[k] = p.Value
			}
			err := b.doc.CreateNode(&document.Node{
				ID:         id,
				Type:       vn.Type,
				ParentID:   vn.ParentID,
				Properties: props,
			})
			if err != nil {
				log.Warn("rebuild create failed", zap.String("nodeID", id), zap.Error(err))
			}
			created[id] = true
			remaining--
			progressed = true
		}
		if !progressed {
			break
		}
	}
	for id := range view {
		if !created[id] {
			log.Warn("dropping orphan node with unresolvable parent",
				zap.String("nodeID", id), zap.String("parentID", view[id].ParentID))
			b.mu.Lock()
			delete(b.view, id)
			b.mu.Unlock()
		}
	}

	b.mu.Lock()
	b.state = applyIdle
	b.mu.Unlock()
}
