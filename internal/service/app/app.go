package app

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"collabsync/internal/bridge"
	"collabsync/internal/channel"
	"collabsync/internal/document"
	"collabsync/internal/identity"
	"collabsync/internal/keymanager"
	"collabsync/internal/model"
	"collabsync/internal/presence"
	"collabsync/internal/transport"
	"collabsync/internal/utils/log"
)

type (
	// App is the demo collaboration client: a full sync stack (key manager,
	// connection, encrypted channel, replication bridge, presence) over an
	// in-memory document, driven from a small TUI.
	App struct {
		app     *tview.Application
		eventsV *tview.TextView
		input   *tview.InputField

		host    string
		token   string
		userID  string
		docID   string
		isOwner bool

		store identity.BlobStore
		keys  *keymanager.Manager
		conn  *transport.Manager
		ch    *channel.Channel
		doc   *document.Memory
		br    *bridge.Bridge
		pres  *presence.Channel
	}
)

func NewApp(host, token string, store identity.BlobStore) *App {
	return &App{
		app:   tview.NewApplication(),
		host:  host,
		token: token,
		store: store,
	}
}

// Run wires the stack together and blocks on the TUI.
func (c *App) Run(userID, docID, password string, isOwner bool) error {
	c.userID = userID
	c.docID = docID
	c.isOwner = isOwner

	clock := clockwork.NewRealClock()
	c.keys = keymanager.NewManager(clock)

	if err := c.loadOrCreateIdentity(password); err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	id := c.keys.Identity()
	if err := c.registerKeys(&model.ParticipantKey{
		ParticipantID:    id.UserID,
		PublicKey:        id.PublicKey,
		SigningPublicKey: id.SigningPublicKey,
	}); err != nil {
		return fmt.Errorf("register keys: %w", err)
	}

	c.conn = transport.NewManager(
		transport.DefaultConfig("ws://"+c.host+"/ws", userID, docID, c.token),
		transport.WebsocketDialer{}, clock)
	c.ch = channel.New(channel.DefaultConfig(), docID, isOwner, c.keys, c.conn, clock)
	c.doc = document.NewMemory()
	c.br = bridge.New(docID, userID, c.doc, c.ch, clock)
	c.pres = presence.New(presence.DefaultConfig(), userID, c.ch, clock)

	c.conn.OnMessage(c.ch.HandleFrame)
	c.conn.OnStateChange(func(s transport.State) {
		c.logf("[grey]connection: %s[-]", s)
		if s == transport.StateConnected {
			if err := c.ch.EnsureKey(); err != nil {
				log.Error("key handshake failed", zap.Error(err))
			}
		}
	})

	c.ch.OnMessage(c.br.HandleMessage)
	c.ch.OnMessage(c.pres.HandleMessage)
	c.ch.OnError(func(err error) {
		c.logf("[red]rejected: %v[-]", err)
	})
	c.ch.OnKeyReady(func() {
		c.logf("[green]session key ready[-]")
		if !c.isOwner {
			c.bootstrap()
		}
	})

	c.br.OnOperationApplied(func(op *model.Operation) {
		c.logf("[yellow]%s[-] %s %s", op.SenderID, op.Type, op.NodeID)
	})
	c.pres.OnUpdate(func(p *model.PresenceData) {
		state := "active"
		if !p.IsActive {
			state = "idle"
		}
		c.logf("[blue]%s is %s[-]", p.UserID, state)
		if c.keys.Participant(p.UserID) == nil {
			// first contact: pull the peer's public keys from the directory
			go func(id string) {
				pk, err := c.getParticipantKeys(id)
				if err != nil || pk == nil {
					log.Warn("participant key lookup failed", zap.String("userID", id), zap.Error(err))
					return
				}
				c.keys.AddParticipant(pk)
			}(p.UserID)
		}
	})
	c.pres.OnPeerGone(func(userID string) {
		c.logf("[grey]%s left[-]", userID)
		c.keys.RemoveParticipant(userID)
	})

	if c.isOwner {
		c.br.InitializeFromLocal()
	}
	c.br.Start()
	c.pres.Start()
	c.conn.Connect()

	return c.renderUI()
}

func (c *App) Stop() {
	c.pres.Close()
	c.conn.Disconnect()
	c.keys.Close()
}

func (c *App) loadOrCreateIdentity(password string) error {
	blob, err := c.store.Load(c.userID)
	if err != nil {
		return err
	}
	if blob != nil {
		_, err := c.keys.ImportIdentity(blob, password)
		return err
	}

	if _, err := c.keys.CreateIdentity(c.userID); err != nil {
		return err
	}
	exported, err := c.keys.ExportIdentity(password)
	if err != nil {
		return err
	}
	return c.store.Save(c.userID, exported)
}

// bootstrap replays the relay's envelope archive, then asks peers for the
// operation log and rebuilds the document from the replicated view.
func (c *App) bootstrap() {
	envs, err := c.fetchEnvelopeHistory(0)
	if err != nil {
		log.Warn("envelope history unavailable", zap.Error(err))
	} else if len(envs) > 0 {
		c.br.BootstrapFromArchive(envs)
		c.br.InitializeFromRemote()
	}
	if err := c.br.SyncSince(0); err != nil {
		log.Error("sync request failed", zap.Error(err))
	}
}

// blocking function
func (c *App) renderUI() error {
	c.eventsV = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.eventsV.SetBorder(true).SetTitle(fmt.Sprintf(" %s — %s ", c.docID, c.userID))

	c.input = tview.NewInputField().
		SetLabel("> ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" create <type> | set <node> <path> <value> | move <node> <parent> | del <node> ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		line := strings.TrimSpace(c.input.GetText())
		if line == "" {
			return
		}
		c.input.SetText("")
		go c.execute(line)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.eventsV, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *App) execute(line string) {
	c.pres.SetSelection(nil) // any command counts as activity

	fields := strings.Fields(line)
	var err error
	switch fields[0] {
	case "create":
		if len(fields) < 2 {
			err = fmt.Errorf("usage: create <type> [parent]")
			break
		}
		parent := ""
		if len(fields) > 2 {
			parent = fields[2]
		}
		nodeID := fmt.Sprintf("%s-%s-%d", fields[1], c.userID, len(c.doc.GetChildren(parent))+1)
		err = c.doc.CreateNode(&document.Node{ID: nodeID, Type: fields[1], ParentID: parent})
		if err == nil {
			c.logf("created %s", nodeID)
		}
	case "set":
		if len(fields) < 4 {
			err = fmt.Errorf("usage: set <node> <path> <value>")
			break
		}
		err = c.doc.UpdateNode(fields[1], fields[2], strings.Join(fields[3:], " "))
	case "move":
		if len(fields) < 3 {
			err = fmt.Errorf("usage: move <node> <parent>")
			break
		}
		err = c.doc.MoveNode(fields[1], fields[2])
	case "del":
		if len(fields) < 2 {
			err = fmt.Errorf("usage: del <node>")
			break
		}
		err = c.doc.DeleteNode(fields[1])
	case "tree":
		c.printTree("", 0)
	default:
		err = fmt.Errorf("unknown command %q", fields[0])
	}
	if err != nil {
		c.logf("[red]%v[-]", err)
	}
}

func (c *App) printTree(parentID string, depth int) {
	for _, n := range c.doc.GetChildren(parentID) {
		c.logf("%s%s (%s) %v", strings.Repeat("  ", depth), n.ID, n.Type, n.Properties)
		c.printTree(n.ID, depth+1)
	}
}

func (c *App) logf(format string, args ...any) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.eventsV, format+"\n", args...)
		c.eventsV.ScrollToEnd()
	})
}
