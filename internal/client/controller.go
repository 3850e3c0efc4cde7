package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/pairchat/internal/protocol"
	"github.com/npezzotti/pairchat/internal/types"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

var ErrNoSession = errors.New("no session: server url, couple id, user id and token are required")

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Handlers receive inbound events. Any of them may be nil. Events caused by
// the local user are never delivered.
type Handlers struct {
	OnMessage       func(types.MessageWithSender)
	OnRead          func(protocol.ReadReceipt)
	OnReaction      func(protocol.ReactionAdded)
	OnPartnerTyping func(typing bool)
	OnPresence      func(online bool, p protocol.Presence)
	OnError         func(protocol.Error)
}

type Config struct {
	Target
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Handlers       Handlers
	// OnReconnected runs after every successful connection except the first.
	OnReconnected func()
	// OnStateChange runs with the controller locked and must not call back
	// into it.
	OnStateChange func(State)
}

type Option func(*Controller)

func WithClock(clk Clock) Option {
	return func(c *Controller) {
		c.clock = clk
	}
}

// Controller keeps one realtime session alive, reconnecting with exponential
// backoff until Disconnect is called.
type Controller struct {
	cfg    Config
	log    *log.Logger
	dialer Dialer
	clock  Clock

	mu        sync.Mutex
	state     State
	transport Transport
	timer     Timer
	delay     time.Duration
	opened    bool
	// gen changes on every Start and Disconnect so stale dials, timers and
	// read loops can tell they no longer own the controller
	gen    uint64
	cancel context.CancelFunc
	ctx    context.Context
}

func NewController(cfg Config, dialer Dialer, logger *log.Logger, opts ...Option) *Controller {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	c := &Controller{
		cfg:    cfg,
		log:    logger,
		dialer: dialer,
		clock:  realClock{},
		state:  StateIdle,
		delay:  cfg.InitialBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins connecting in the background. Starting a controller that is
// already running does nothing.
func (c *Controller) Start(ctx context.Context) error {
	t := c.cfg.Target
	if t.URL == "" || t.CoupleId == "" || t.UserId == "" || t.Token == "" {
		return ErrNoSession
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle && c.state != StateDisconnected {
		return nil
	}

	c.gen++
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.delay = c.cfg.InitialBackoff
	// a restarted session's first open is not a reconnect
	c.opened = false
	c.setState(StateConnecting)

	go c.connect(c.gen)
	return nil
}

// Disconnect stops the session for good: any pending reconnect is cancelled
// and the transport is closed.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	t := c.transport
	c.transport = nil
	c.delay = c.cfg.InitialBackoff
	c.setState(StateDisconnected)
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
}

// SendTyping tells the partner whether the local user is typing. It does
// nothing unless the session is open.
func (c *Controller) SendTyping(start bool) error {
	c.mu.Lock()
	t := c.transport
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || t == nil {
		return nil
	}

	data, err := json.Marshal(protocol.NewTypingFrame(start, c.cfg.UserId, c.cfg.CoupleId))
	if err != nil {
		return fmt.Errorf("marshal typing frame: %w", err)
	}

	if err := t.WriteMessage(data); err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

func (c *Controller) connect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.setState(StateConnecting)
	ctx := c.ctx
	c.mu.Unlock()

	t, err := c.dialer.Dial(ctx, c.cfg.Target)

	c.mu.Lock()
	if gen != c.gen || c.state == StateDisconnected {
		c.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return
	}

	if err != nil {
		c.log.Printf("connect to couple %q: %v", c.cfg.CoupleId, err)
		c.scheduleReconnect(gen)
		c.mu.Unlock()
		return
	}

	c.transport = t
	c.delay = c.cfg.InitialBackoff
	reconnected := c.opened
	c.opened = true
	c.setState(StateOpen)
	c.mu.Unlock()

	if reconnected && c.cfg.OnReconnected != nil {
		c.cfg.OnReconnected()
	}

	go c.readLoop(gen, t)
}

func (c *Controller) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			c.handleClose(gen, t, err)
			return
		}

		c.dispatch(data)
	}
}

func (c *Controller) handleClose(gen uint64, t Transport, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.transport != t {
		c.mu.Unlock()
		return
	}

	c.log.Printf("connection to couple %q lost: %v", c.cfg.CoupleId, cause)
	c.transport = nil
	c.scheduleReconnect(gen)
	c.mu.Unlock()

	t.Close()

	// a partner cannot keep typing on a session we can no longer see
	if h := c.cfg.Handlers.OnPartnerTyping; h != nil {
		h(false)
	}
}

// scheduleReconnect must be called with mu held.
func (c *Controller) scheduleReconnect(gen uint64) {
	c.setState(StateClosed)

	delay := c.delay
	c.delay = min(delay*2, c.cfg.MaxBackoff)

	c.log.Printf("reconnecting in %s", delay)
	c.timer = c.clock.AfterFunc(delay, func() {
		c.connect(gen)
	})
}

// setState must be called with mu held.
func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func (c *Controller) dispatch(data []byte) {
	frame, err := protocol.Parse(data)
	if err != nil {
		c.log.Printf("failed to parse frame: %v", err)
		return
	}

	self := c.cfg.UserId
	h := c.cfg.Handlers

	switch p := frame.Payload.(type) {
	case protocol.NewMessage:
		if p.Message.SenderId != self && h.OnMessage != nil {
			h.OnMessage(p.Message)
		}
	case protocol.ReadReceipt:
		if h.OnRead != nil {
			h.OnRead(p)
		}
	case protocol.ReactionAdded:
		if p.Reaction.UserId != self && h.OnReaction != nil {
			h.OnReaction(p)
		}
	case protocol.Typing:
		if p.UserId != self && h.OnPartnerTyping != nil {
			h.OnPartnerTyping(frame.Type == protocol.TypeTypingStart)
		}
	case protocol.Presence:
		if p.UserId != self && h.OnPresence != nil {
			h.OnPresence(frame.Type == protocol.TypePresenceOnline, p)
		}
	case protocol.Error:
		c.log.Printf("server error: %s", p.Message)
		if h.OnError != nil {
			h.OnError(p)
		}
	}
}
