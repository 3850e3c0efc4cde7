package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/pairchat/internal/protocol"
	"github.com/npezzotti/pairchat/internal/stats"
	"github.com/teris-io/shortid"
)

const defaultIdleRoomTimeout = 5 * time.Minute

var ErrRoomClosed = errors.New("room closed")

// Connection is the room's handle on one live transport session. Send must
// not block; an error means the transport is gone or cannot keep up.
type Connection interface {
	Send(data []byte) error
	Close() error
}

type member struct {
	id     string
	userId string
	conn   Connection
}

type acceptReq struct {
	member *member
	done   chan struct{}
}

type leaveReq struct {
	connId string
	done   chan struct{}
}

type inboundReq struct {
	connId string
	raw    []byte
	done   chan struct{}
}

type broadcastReq struct {
	frame  *protocol.Frame
	skipId string
	done   chan struct{}
}

type exitReq struct {
	// idleOnly asks the room to exit only if it has no connections
	idleOnly bool
	closed   chan bool
}

// Room coordinates the live connections of one couple. All state changes
// and fan-out run on the room's own goroutine, one request at a time.
type Room struct {
	coupleId      string
	log           *log.Logger
	stats         stats.StatsProvider
	joinChan      chan *acceptReq
	leaveChan     chan *leaveReq
	inboundChan   chan *inboundReq
	broadcastChan chan *broadcastReq
	members       map[string]*member
	membersLock   sync.RWMutex
	// evicted maps connections removed for failed sends to their user until
	// the transport reports the disconnect
	evicted     map[string]string
	idleTimeout time.Duration
	// killTimer fires once the room has been empty for idleTimeout
	killTimer *time.Timer
	onIdle    func(*Room)
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(coupleId string, logger *log.Logger, su stats.StatsProvider, idleTimeout time.Duration, onIdle func(*Room)) *Room {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleRoomTimeout
	}

	return &Room{
		coupleId:      coupleId,
		log:           logger,
		stats:         su,
		joinChan:      make(chan *acceptReq),
		leaveChan:     make(chan *leaveReq),
		inboundChan:   make(chan *inboundReq),
		broadcastChan: make(chan *broadcastReq),
		members:       make(map[string]*member),
		evicted:       make(map[string]string),
		idleTimeout:   idleTimeout,
		killTimer:     time.NewTimer(idleTimeout),
		onIdle:        onIdle,
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
	}
}

func (r *Room) CoupleId() string {
	return r.coupleId
}

// Len returns the number of live connections.
func (r *Room) Len() int {
	r.membersLock.RLock()
	defer r.membersLock.RUnlock()
	return len(r.members)
}

// Done is closed once the room has exited.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

func (r *Room) run() {
	r.log.Printf("starting room %q", r.coupleId)
	defer close(r.done)

	for {
		select {
		case req := <-r.joinChan:
			r.handleAccept(req.member)
			close(req.done)
		case req := <-r.leaveChan:
			r.handleDisconnect(req.connId)
			close(req.done)
		case req := <-r.inboundChan:
			r.handleInboundFrame(req.connId, req.raw)
			close(req.done)
		case req := <-r.broadcastChan:
			r.handleExternalBroadcast(req.frame, req.skipId)
			close(req.done)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			if r.handleRoomExit(e) {
				return
			}
		}
	}
}

// Accept registers conn for userId, announces the user to the other
// connections and returns the new connection's id.
func (r *Room) Accept(conn Connection, userId string) (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", fmt.Errorf("generate connection id: %w", err)
	}

	req := &acceptReq{
		member: &member{id: id, userId: userId, conn: conn},
		done:   make(chan struct{}),
	}

	select {
	case r.joinChan <- req:
	case <-r.done:
		return "", ErrRoomClosed
	}

	<-req.done
	return id, nil
}

// HandleInboundFrame processes one raw frame received on connId.
func (r *Room) HandleInboundFrame(connId string, raw []byte) error {
	req := &inboundReq{connId: connId, raw: raw, done: make(chan struct{})}

	select {
	case r.inboundChan <- req:
	case <-r.done:
		return ErrRoomClosed
	}

	<-req.done
	return nil
}

// Disconnect removes connId from the room. Removing an absent id is a no-op.
func (r *Room) Disconnect(connId string) {
	req := &leaveReq{connId: connId, done: make(chan struct{})}

	select {
	case r.leaveChan <- req:
	case <-r.done:
		return
	}

	<-req.done
}

// Broadcast sends frame to every connection except skipId.
func (r *Room) Broadcast(frame *protocol.Frame, skipId string) {
	req := &broadcastReq{frame: frame, skipId: skipId, done: make(chan struct{})}

	select {
	case r.broadcastChan <- req:
	case <-r.done:
		r.log.Printf("room %q closed, dropping %s", r.coupleId, frame.Type)
		return
	}

	<-req.done
}

// ExternalBroadcast pushes a frame that did not originate from a connection.
// It never fails; a room without connections simply drops the frame.
func (r *Room) ExternalBroadcast(frame *protocol.Frame) {
	r.Broadcast(frame, "")
}

func (r *Room) handleAccept(m *member) {
	// stop the kill timer since we have a new connection
	r.killTimer.Stop()

	r.addMember(m)
	r.log.Printf("connection %q for user %q joined room %q", m.id, m.userId, r.coupleId)

	r.broadcast(protocol.NewPresenceFrame(true, m.userId, time.Now()), m.id)
}

func (r *Room) handleDisconnect(connId string) {
	var userId string
	if m, ok := r.removeMember(connId); ok {
		userId = m.userId
		m.conn.Close()
	} else if evictedUser, ok := r.evicted[connId]; ok {
		delete(r.evicted, connId)
		userId = evictedUser
	} else {
		return
	}

	r.log.Printf("connection %q for user %q left room %q", connId, userId, r.coupleId)

	// the user stays online while another of their connections is open
	if r.hasUser(userId) {
		return
	}
	r.broadcast(protocol.NewPresenceFrame(false, userId, time.Now()), "")
}

func (r *Room) handleInboundFrame(connId string, raw []byte) {
	sender, ok := r.getMember(connId)
	if !ok {
		r.log.Printf("dropping frame from unknown connection %q in room %q", connId, r.coupleId)
		return
	}

	frame, err := protocol.Parse(raw)
	if err != nil {
		r.log.Printf("bad frame from connection %q: %v", connId, err)

		var unknown *protocol.UnknownTypeError
		if errors.As(err, &unknown) {
			r.sendTo(sender, protocol.NewErrorFrame("unknown message type %q", unknown.Type))
		} else {
			r.sendTo(sender, protocol.NewErrorFrame("invalid message format"))
		}
		return
	}

	switch frame.Payload.(type) {
	case protocol.Typing:
		// the sender's identity always comes from the connection
		r.broadcast(&protocol.Frame{
			Type: frame.Type,
			Payload: protocol.Typing{
				UserId:   sender.userId,
				CoupleId: r.coupleId,
			},
			Timestamp: protocol.Now(),
		}, sender.id)
	case protocol.NewMessage, protocol.ReadReceipt, protocol.ReactionAdded:
		r.broadcast(frame, sender.id)
	case protocol.Presence, protocol.Error:
		r.sendTo(sender, protocol.NewErrorFrame("message type %q is server-only", frame.Type))
	default:
		r.sendTo(sender, protocol.NewErrorFrame("unknown message type %q", frame.Type))
	}
}

func (r *Room) handleExternalBroadcast(frame *protocol.Frame, skipId string) {
	if r.Len() == 0 {
		r.log.Printf("no connections in room %q, %s not delivered", r.coupleId, frame.Type)
		return
	}

	r.broadcast(frame, skipId)
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q idle for %s", r.coupleId, r.idleTimeout)
	if r.onIdle != nil {
		go r.onIdle(r)
	}
}

// handleRoomExit reports whether the room loop should return.
func (r *Room) handleRoomExit(e exitReq) bool {
	if e.idleOnly && r.Len() > 0 {
		e.closed <- false
		return false
	}

	r.log.Printf("room %q is exiting", r.coupleId)
	r.killTimer.Stop()

	r.membersLock.Lock()
	for id, m := range r.members {
		m.conn.Close()
		delete(r.members, id)
		r.stats.Decr(stats.NumConnections)
	}
	r.membersLock.Unlock()
	clear(r.evicted)

	if e.closed != nil {
		e.closed <- true
	}
	return true
}

// closeIfIdle asks the room to exit if it is empty and reports whether it
// has exited.
func (r *Room) closeIfIdle() bool {
	closed := make(chan bool, 1)

	select {
	case r.exit <- exitReq{idleOnly: true, closed: closed}:
	case <-r.done:
		return true
	}

	return <-closed
}

// close makes the room exit, closing all of its connections.
func (r *Room) close() {
	select {
	case r.exit <- exitReq{}:
	case <-r.done:
	}
}

func (r *Room) broadcast(frame *protocol.Frame, skipId string) {
	data, err := json.Marshal(frame)
	if err != nil {
		r.log.Printf("marshal %s frame: %v", frame.Type, err)
		return
	}

	// snapshot so evictions below never touch the set being iterated
	r.membersLock.RLock()
	targets := make([]*member, 0, len(r.members))
	for id, m := range r.members {
		if id == skipId {
			continue
		}
		targets = append(targets, m)
	}
	r.membersLock.RUnlock()

	for _, m := range targets {
		if err := m.conn.Send(data); err != nil {
			r.evict(m, err)
		}
	}

	r.stats.Incr(stats.NumFramesBroadcast)
}

func (r *Room) sendTo(m *member, frame *protocol.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		r.log.Printf("marshal %s frame: %v", frame.Type, err)
		return
	}

	if err := m.conn.Send(data); err != nil {
		r.evict(m, err)
	}
}

func (r *Room) evict(m *member, cause error) {
	if _, ok := r.removeMember(m.id); !ok {
		return
	}

	r.log.Printf("evicting connection %q from room %q: %v", m.id, r.coupleId, cause)
	r.evicted[m.id] = m.userId
	m.conn.Close()
	r.stats.Incr(stats.NumEvictedConnections)
}

func (r *Room) addMember(m *member) {
	r.membersLock.Lock()
	defer r.membersLock.Unlock()

	r.members[m.id] = m
	r.stats.Incr(stats.NumConnections)
}

func (r *Room) getMember(id string) (*member, bool) {
	r.membersLock.RLock()
	defer r.membersLock.RUnlock()

	m, ok := r.members[id]
	return m, ok
}

func (r *Room) hasUser(userId string) bool {
	r.membersLock.RLock()
	defer r.membersLock.RUnlock()

	for _, m := range r.members {
		if m.userId == userId {
			return true
		}
	}
	return false
}

func (r *Room) removeMember(id string) (*member, bool) {
	r.membersLock.Lock()
	defer r.membersLock.Unlock()

	m, ok := r.members[id]
	if !ok {
		return nil, false
	}

	delete(r.members, id)
	r.stats.Decr(stats.NumConnections)

	// if the connection was the last one in the room, start the kill timer
	if len(r.members) == 0 {
		r.log.Printf("no connections in %q, starting kill timer", r.coupleId)
		r.killTimer.Reset(r.idleTimeout)
	}

	return m, true
}
