package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/internal/causality"
	"collabsync/internal/document"
	"collabsync/internal/model"
)

const docID = "doc-1"

type sentMessage struct {
	Type    model.MessageType
	Payload json.RawMessage
}

// fakeChannel captures outbound messages and serves a canned archive.
type fakeChannel struct {
	mu      sync.Mutex
	sent    []sentMessage
	archive map[string][]byte // MessageID -> plaintext frame
}

func (f *fakeChannel) Send(t model.MessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Type: t, Payload: raw})
	return nil
}

func (f *fakeChannel) DecryptArchived(env *model.Envelope) (*model.Message, error) {
	f.mu.Lock()
	plaintext, ok := f.archive[env.MessageID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no archive entry for %s", env.MessageID)
	}
	return model.DecodeMessage(plaintext)
}

func (f *fakeChannel) byType(t model.MessageType) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type replica struct {
	doc *document.Memory
	ch  *fakeChannel
	br  *Bridge
}

func newReplica(t *testing.T, localID string) *replica {
	t.Helper()
	r := &replica{
		doc: document.NewMemory(),
		ch:  &fakeChannel{archive: make(map[string][]byte)},
	}
	r.br = New(docID, localID, r.doc, r.ch, clockwork.NewFakeClock())
	r.br.Start()
	return r
}

func remoteOp(t model.OperationType, nodeID, sender string, ts int64, clock causality.VectorClock) *model.Operation {
	return &model.Operation{
		ID:        uuid.NewString(),
		Type:      t,
		NodeID:    nodeID,
		Clock:     clock,
		Timestamp: ts,
		SenderID:  sender,
	}
}

func createOp(nodeID, parentID, sender string, ts int64, clock causality.VectorClock, props map[string]any) *model.Operation {
	op := remoteOp(model.OpCreate, nodeID, sender, ts, clock)
	op.NodeType = "shape"
	op.ParentID = parentID
	op.Properties = props
	return op
}

func updateOp(nodeID, path string, value any, sender string, ts int64, clock causality.VectorClock) *model.Operation {
	op := remoteOp(model.OpUpdate, nodeID, sender, ts, clock)
	op.Path = path
	op.NewValue = value
	return op
}

func TestLocalChangeBecomesOperation(t *testing.T) {
	r := newReplica(t, "alice")

	require.NoError(t, r.doc.CreateNode(&document.Node{ID: "n1", Type: "frame"}))
	require.NoError(t, r.doc.UpdateNode("n1", "x", 10))

	ops := r.ch.byType(model.TypeOperation)
	require.Len(t, ops, 2)

	var om model.OperationMessage
	require.NoError(t, json.Unmarshal(ops[0].Payload, &om))
	assert.Equal(t, model.OpCreate, om.Operation.Type)
	assert.Equal(t, "n1", om.Operation.NodeID)
	assert.Equal(t, "alice", om.Operation.SenderID)
	assert.EqualValues(t, 1, om.Operation.Clock["alice"])

	require.NoError(t, json.Unmarshal(ops[1].Payload, &om))
	assert.Equal(t, model.OpUpdate, om.Operation.Type)
	assert.Equal(t, "x", om.Operation.Path)
	assert.EqualValues(t, 2, om.Operation.Clock["alice"])
}

func TestRemoteApplyDoesNotEchoBack(t *testing.T) {
	r := newReplica(t, "alice")

	msg, err := model.NewMessage(model.TypeOperation, &model.OperationMessage{
		Operation: createOp("n1", "", "bob", 100, causality.VectorClock{"bob": 1}, nil),
	})
	require.NoError(t, err)
	r.br.HandleMessage(msg)

	// the document observer fired during the apply but was suppressed: the
	// only traffic is the ack
	assert.Empty(t, r.ch.byType(model.TypeOperation))
	require.Len(t, r.ch.byType(model.TypeOperationAck), 1)

	_, ok := r.doc.GetNode("n1")
	assert.True(t, ok)
}

func TestOwnOperationsEchoedBackAreSkipped(t *testing.T) {
	r := newReplica(t, "alice")
	op := createOp("n1", "", "alice", 100, causality.VectorClock{"alice": 1}, nil)
	assert.False(t, r.br.ApplyRemote(op))
	_, ok := r.doc.GetNode("n1")
	assert.False(t, ok)
}

func TestConcurrentUpdatesConvergeEitherOrder(t *testing.T) {
	create := createOp("n1", "", "A", 100, causality.VectorClock{"A": 1}, map[string]any{"x": 1})
	upA := updateOp("n1", "x", 10, "A", 200, causality.VectorClock{"A": 2})
	upB := updateOp("n1", "x", 20, "B", 200, causality.VectorClock{"B": 1})

	r1 := newReplica(t, "r1")
	for _, op := range []*model.Operation{create, upA, upB} {
		r1.br.ApplyRemote(op)
	}
	r2 := newReplica(t, "r2")
	for _, op := range []*model.Operation{create, upB, upA} {
		r2.br.ApplyRemote(op)
	}

	// equal timestamps tie-break on the lexically greater sender
	n1, ok := r1.doc.GetNode("n1")
	require.True(t, ok)
	n2, ok := r2.doc.GetNode("n1")
	require.True(t, ok)
	assert.EqualValues(t, 20, n1.Properties["x"])
	assert.EqualValues(t, 20, n2.Properties["x"])
	assert.True(t, r1.br.Clock().Equal(r2.br.Clock()))
}

func TestLaterTimestampWins(t *testing.T) {
	r := newReplica(t, "r1")
	r.br.ApplyRemote(createOp("n1", "", "A", 100, causality.VectorClock{"A": 1}, nil))
	require.True(t, r.br.ApplyRemote(updateOp("n1", "x", 10, "B", 300, causality.VectorClock{"B": 1})))

	// an older concurrent write must not regress the property
	assert.False(t, r.br.ApplyRemote(updateOp("n1", "x", 5, "A", 200, causality.VectorClock{"A": 2})))
	n, _ := r.doc.GetNode("n1")
	assert.EqualValues(t, 10, n.Properties["x"])
}

func TestDeleteWinsOverLaterEdits(t *testing.T) {
	r := newReplica(t, "r1")
	r.br.ApplyRemote(createOp("n1", "", "A", 100, causality.VectorClock{"A": 1}, nil))
	require.True(t, r.br.ApplyRemote(remoteOp(model.OpDelete, "n1", "B", 150, causality.VectorClock{"B": 1})))

	assert.False(t, r.br.ApplyRemote(updateOp("n1", "x", 5, "A", 999, causality.VectorClock{"A": 2})))
	assert.False(t, r.br.ApplyRemote(createOp("n1", "", "C", 1000, causality.VectorClock{"C": 1}, nil)))
	assert.False(t, r.br.ApplyRemote(remoteOp(model.OpMove, "n1", "A", 1001, causality.VectorClock{"A": 3})))

	_, ok := r.doc.GetNode("n1")
	assert.False(t, ok)
}

func TestDeleteBeforeCreateStillWins(t *testing.T) {
	r := newReplica(t, "r1")
	// delete arrives first; the tombstone blocks the late create
	r.br.ApplyRemote(remoteOp(model.OpDelete, "n1", "B", 150, causality.VectorClock{"B": 1}))
	assert.False(t, r.br.ApplyRemote(createOp("n1", "", "A", 100, causality.VectorClock{"A": 1}, nil)))
	_, ok := r.doc.GetNode("n1")
	assert.False(t, ok)
}

func TestDuplicateCreateIsIdempotent(t *testing.T) {
	r := newReplica(t, "r1")
	op := createOp("n1", "", "A", 100, causality.VectorClock{"A": 1}, map[string]any{"x": 1})
	require.True(t, r.br.ApplyRemote(op))
	assert.False(t, r.br.ApplyRemote(createOp("n1", "", "B", 120, causality.VectorClock{"B": 1}, map[string]any{"x": 9})))

	n, _ := r.doc.GetNode("n1")
	assert.EqualValues(t, 1, n.Properties["x"])
}

func TestUpdateOfUnknownNodeIsNoop(t *testing.T) {
	r := newReplica(t, "r1")
	assert.False(t, r.br.ApplyRemote(updateOp("ghost", "x", 1, "A", 100, causality.VectorClock{"A": 1})))
	assert.False(t, r.br.ApplyRemote(remoteOp(model.OpMove, "ghost", "A", 100, causality.VectorClock{"A": 2})))
}

func TestConcurrentMoveResolvesBySameRule(t *testing.T) {
	build := func(order []*model.Operation) *replica {
		r := newReplica(t, "r0")
		base := []*model.Operation{
			createOp("p1", "", "A", 10, causality.VectorClock{"A": 1}, nil),
			createOp("p2", "", "A", 11, causality.VectorClock{"A": 2}, nil),
			createOp("c", "p1", "A", 12, causality.VectorClock{"A": 3}, nil),
		}
		for _, op := range append(base, order...) {
			r.br.ApplyRemote(op)
		}
		return r
	}

	moveA := remoteOp(model.OpMove, "c", "A", 100, causality.VectorClock{"A": 4})
	moveA.ParentID = "p1"
	moveB := remoteOp(model.OpMove, "c", "B", 100, causality.VectorClock{"B": 1})
	moveB.ParentID = "p2"

	r1 := build([]*model.Operation{moveA, moveB})
	r2 := build([]*model.Operation{moveB, moveA})

	c1, _ := r1.doc.GetNode("c")
	c2, _ := r2.doc.GetNode("c")
	assert.Equal(t, "p2", c1.ParentID)
	assert.Equal(t, "p2", c2.ParentID)
}

func TestVectorClockMergesRemoteEntries(t *testing.T) {
	r := newReplica(t, "alice")
	r.br.ApplyRemote(createOp("n1", "", "bob", 100, causality.VectorClock{"bob": 5}, nil))

	clk := r.br.Clock()
	assert.EqualValues(t, 5, clk["bob"])

	require.NoError(t, r.doc.UpdateNode("n1", "x", 1))
	clk = r.br.Clock()
	assert.EqualValues(t, 1, clk["alice"])
	assert.EqualValues(t, 5, clk["bob"])
}

func TestServeSyncPagesThroughTheLog(t *testing.T) {
	r := newReplica(t, "r1")
	total := syncPageSize + 25
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("n%d", i)
		require.True(t, r.br.ApplyRemote(createOp(id, "", "A", int64(100+i), causality.VectorClock{"A": uint64(i + 1)}, nil)))
	}

	msg, err := model.NewMessage(model.TypeSyncRequest, &model.SyncRequest{DocumentID: docID, Since: 0})
	require.NoError(t, err)
	r.br.HandleMessage(msg)

	resps := r.ch.byType(model.TypeSyncResponse)
	require.Len(t, resps, 1)
	var page model.SyncResponse
	require.NoError(t, json.Unmarshal(resps[0].Payload, &page))
	assert.Len(t, page.Operations, syncPageSize)
	assert.False(t, page.Complete)
	assert.EqualValues(t, syncPageSize, page.NextCursor)
	assert.Equal(t, "n0", page.Operations[0].NodeID)

	msg, err = model.NewMessage(model.TypeSyncRequest, &model.SyncRequest{DocumentID: docID, Since: page.NextCursor})
	require.NoError(t, err)
	r.br.HandleMessage(msg)

	resps = r.ch.byType(model.TypeSyncResponse)
	require.Len(t, resps, 2)
	require.NoError(t, json.Unmarshal(resps[1].Payload, &page))
	assert.Len(t, page.Operations, 25)
	assert.True(t, page.Complete)
	assert.EqualValues(t, total, page.NextCursor)
}

func TestApplySyncPageRequestsContinuation(t *testing.T) {
	r := newReplica(t, "r1")

	msg, err := model.NewMessage(model.TypeSyncResponse, &model.SyncResponse{
		DocumentID: docID,
		Operations: []*model.Operation{
			createOp("n1", "", "A", 100, causality.VectorClock{"A": 1}, nil),
		},
		Complete:   false,
		NextCursor: 100,
	})
	require.NoError(t, err)
	r.br.HandleMessage(msg)

	_, ok := r.doc.GetNode("n1")
	assert.True(t, ok)

	reqs := r.ch.byType(model.TypeSyncRequest)
	require.Len(t, reqs, 1)
	var req model.SyncRequest
	require.NoError(t, json.Unmarshal(reqs[0].Payload, &req))
	assert.EqualValues(t, 100, req.Since)
}

func TestSyncRequestForOtherDocumentIgnored(t *testing.T) {
	r := newReplica(t, "r1")
	msg, err := model.NewMessage(model.TypeSyncRequest, &model.SyncRequest{DocumentID: "other", Since: 0})
	require.NoError(t, err)
	r.br.HandleMessage(msg)
	assert.Empty(t, r.ch.byType(model.TypeSyncResponse))
}

func TestBootstrapFromArchive(t *testing.T) {
	r := newReplica(t, "alice")

	frame := func(op *model.Operation) []byte {
		msg, err := model.NewMessage(model.TypeOperation, &model.OperationMessage{Operation: op})
		require.NoError(t, err)
		data, err := msg.Encode()
		require.NoError(t, err)
		return data
	}
	r.ch.archive["m1"] = frame(createOp("n1", "", "bob", 100, causality.VectorClock{"bob": 1}, map[string]any{"x": 7}))
	r.ch.archive["m2"] = frame(updateOp("n1", "x", 9, "bob", 200, causality.VectorClock{"bob": 2}))

	r.br.BootstrapFromArchive([]*model.Envelope{
		{MessageID: "m1"},
		{MessageID: "missing"}, // undecryptable entries are skipped
		{MessageID: "m2"},
	})

	n, ok := r.doc.GetNode("n1")
	require.True(t, ok)
	assert.EqualValues(t, 9, n.Properties["x"])
}

func TestInitializeFromRemoteRebuildsAndDropsOrphans(t *testing.T) {
	r := newReplica(t, "alice")
	r.br.ApplyRemote(createOp("p", "", "bob", 10, causality.VectorClock{"bob": 1}, nil))
	r.br.ApplyRemote(createOp("c", "p", "bob", 11, causality.VectorClock{"bob": 2}, map[string]any{"x": 3}))
	// an orphan: its parent never arrived
	r.br.ApplyRemote(createOp("lost", "ghost", "bob", 12, causality.VectorClock{"bob": 3}, nil))

	r.br.InitializeFromRemote()

	_, ok := r.doc.GetNode("p")
	assert.True(t, ok)
	c, ok := r.doc.GetNode("c")
	require.True(t, ok)
	assert.Equal(t, "p", c.ParentID)
	assert.EqualValues(t, 3, c.Properties["x"])
	_, ok = r.doc.GetNode("lost")
	assert.False(t, ok)

	// the rebuild itself must not generate outbound operations
	assert.Empty(t, r.ch.byType(model.TypeOperation))
}

func TestInitializeFromLocalSeedsTheView(t *testing.T) {
	doc := document.NewMemory()
	require.NoError(t, doc.CreateNode(&document.Node{ID: "root", Type: "frame"}))
	require.NoError(t, doc.CreateNode(&document.Node{ID: "child", Type: "shape", ParentID: "root", Properties: map[string]any{"x": 1}}))

	ch := &fakeChannel{archive: make(map[string][]byte)}
	br := New(docID, "alice", doc, ch, clockwork.NewFakeClockAt(time.Unix(0, 0)))
	br.InitializeFromLocal()
	br.Start()

	// a remote update against the seeded view applies cleanly
	require.True(t, br.ApplyRemote(updateOp("child", "x", 2, "bob", 100, causality.VectorClock{"bob": 1})))
	n, _ := doc.GetNode("child")
	assert.EqualValues(t, 2, n.Properties["x"])
}
