package presence

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"collabsync/internal/model"
	"collabsync/internal/utils/log"
)

type (
	Config struct {
		// CursorThrottle caps cursor broadcasts to one per window.
		CursorThrottle time.Duration
		// SelectionThrottle caps selection/viewport broadcasts.
		SelectionThrottle time.Duration
		// IdleTimeout flips local presence to inactive after no activity.
		IdleTimeout time.Duration
		// SweepInterval drives the stale-peer eviction pass.
		SweepInterval time.Duration
	}

	// Sender is the encrypted channel's outbound surface.
	Sender interface {
		Send(t model.MessageType, payload any) error
	}

	// Channel broadcasts throttled, best-effort cursor/selection/viewport
	// state and tracks the same for remote peers. Last write wins; silence
	// is treated as departure.
	Channel struct {
		cfg    Config
		userID string
		sender Sender
		clock  clockwork.Clock

		mu               sync.Mutex
		local            model.PresenceData
		cursorPending    bool
		selectionPending bool
		idleTimer        clockwork.Timer
		remote           map[string]*model.PresenceData
		closed           bool
		stop             chan struct{}

		updateSubs []func(*model.PresenceData)
		goneSubs   []func(userID string)
	}
)

func DefaultConfig() Config {
	return Config{
		CursorThrottle:    50 * time.Millisecond,
		SelectionThrottle: 100 * time.Millisecond,
		IdleTimeout:       60 * time.Second,
		SweepInterval:     30 * time.Second,
	}
}

func New(cfg Config, userID string, sender Sender, clock clockwork.Clock) *Channel {
	if cfg.CursorThrottle <= 0 {
		cfg.CursorThrottle = 50 * time.Millisecond
	}
	if cfg.SelectionThrottle <= 0 {
		cfg.SelectionThrottle = 100 * time.Millisecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Channel{
		cfg:    cfg,
		userID: userID,
		sender: sender,
		clock:  clock,
		local:  model.PresenceData{UserID: userID, IsActive: true},
		remote: make(map[string]*model.PresenceData),
		stop:   make(chan struct{}),
	}
}

// Start arms the idle timer and the stale-peer sweep.
func (c *Channel) Start() {
	c.mu.Lock()
	c.idleTimer = c.clock.AfterFunc(c.cfg.IdleTimeout, c.goIdle)
	c.mu.Unlock()

	go c.sweepLoop()
}

// Close stops timers; no broadcast or callback fires afterwards.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	close(c.stop)
	c.mu.Unlock()
}

// OnUpdate subscribes to remote presence changes.
func (c *Channel) OnUpdate(fn func(*model.PresenceData)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateSubs = append(c.updateSubs, fn)
}

// OnPeerGone subscribes to stale-peer evictions.
func (c *Channel) OnPeerGone(fn func(userID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.goneSubs = append(c.goneSubs, fn)
}

// SetCursor records the local cursor; broadcasts are coalesced to one per
// cursor throttle window with the last value winning.
func (c *Channel) SetCursor(p model.Point) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.local.Cursor = &p
	c.markActiveLocked()
	if c.cursorPending {
		c.mu.Unlock()
		return
	}
	c.cursorPending = true
	c.mu.Unlock()

	c.clock.AfterFunc(c.cfg.CursorThrottle, func() {
		c.mu.Lock()
		c.cursorPending = false
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.broadcast()
		}
	})
}

// SetSelection records the selected node ids, throttled on the selection
// window.
func (c *Channel) SetSelection(nodeIDs []string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.local.Selection = nodeIDs
	c.markActiveLocked()
	pending := c.selectionPending
	c.selectionPending = true
	c.mu.Unlock()
	if pending {
		return
	}

	c.clock.AfterFunc(c.cfg.SelectionThrottle, func() {
		c.mu.Lock()
		c.selectionPending = false
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.broadcast()
		}
	})
}

// SetViewport records the viewport; it rides the selection throttle window.
func (c *Channel) SetViewport(center model.Point, zoom float64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.local.ViewportCenter = &center
	c.local.ViewportZoom = zoom
	c.markActiveLocked()
	pending := c.selectionPending
	c.selectionPending = true
	c.mu.Unlock()
	if pending {
		return
	}

	c.clock.AfterFunc(c.cfg.SelectionThrottle, func() {
		c.mu.Lock()
		c.selectionPending = false
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.broadcast()
		}
	})
}

// HandleMessage consumes a decrypted PRESENCE message. Stale updates (older
// LastUpdate than what we hold) are dropped: last write wins.
func (c *Channel) HandleMessage(msg *model.Message) {
	if msg.Type != model.TypePresence {
		return
	}
	var pm model.PresenceMessage
	if err := msg.DecodePayload(&pm); err != nil {
		log.Warn("drop malformed presence", zap.Error(err))
		return
	}
	if pm.Presence == nil || pm.Presence.UserID == c.userID {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev, ok := c.remote[pm.Presence.UserID]
	if ok && prev.LastUpdate > pm.Presence.LastUpdate {
		c.mu.Unlock()
		return
	}
	c.remote[pm.Presence.UserID] = pm.Presence
	subs := c.updateSubs
	c.mu.Unlock()

	for _, fn := range subs {
		fn(pm.Presence)
	}
}

// Peers returns a snapshot of known remote presence.
func (c *Channel) Peers() []*model.PresenceData {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.PresenceData, 0, len(c.remote))
	for _, p := range c.remote {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// markActiveLocked flips back to active immediately after any activity and
// re-arms the idle timer. Callers hold mu.
func (c *Channel) markActiveLocked() {
	wasIdle := !c.local.IsActive
	c.local.IsActive = true
	if c.idleTimer != nil {
		c.idleTimer.Reset(c.cfg.IdleTimeout)
	}
	if wasIdle {
		// bypass throttling so peers see the wake-up at once
		go c.broadcast()
	}
}

// goIdle broadcasts inactive once after the idle timeout elapses.
func (c *Channel) goIdle() {
	c.mu.Lock()
	if c.closed || !c.local.IsActive {
		c.mu.Unlock()
		return
	}
	c.local.IsActive = false
	c.mu.Unlock()
	c.broadcast()
}

func (c *Channel) broadcast() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	snapshot := c.local
	snapshot.LastUpdate = c.clock.Now().UnixMilli()
	c.local.LastUpdate = snapshot.LastUpdate
	c.mu.Unlock()

	err := c.sender.Send(model.TypePresence, &model.PresenceMessage{
		ClientID: c.userID,
		Presence: &snapshot,
	})
	if err != nil {
		// best effort only
		log.Debug("presence broadcast failed", zap.Error(err))
	}
}

// sweepLoop evicts peers not refreshed within twice the idle timeout.
func (c *Channel) sweepLoop() {
	ticker := c.clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.Chan():
			cutoff := c.clock.Now().Add(-2 * c.cfg.IdleTimeout).UnixMilli()
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			var gone []string
			for id, p := range c.remote {
				if p.LastUpdate < cutoff {
					gone = append(gone, id)
					delete(c.remote, id)
				}
			}
			subs := c.goneSubs
			c.mu.Unlock()

			for _, id := range gone {
				c.mu.Lock()
				if c.closed {
					c.mu.Unlock()
					return
				}
				c.mu.Unlock()
				log.Debug("presence evicted", zap.String("userID", id))
				for _, fn := range subs {
					fn(id)
				}
			}
		}
	}
}
