package server

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/pairchat/internal/protocol"
	"github.com/npezzotti/pairchat/internal/stats"
	"github.com/npezzotti/pairchat/internal/testutil"
	"github.com/npezzotti/pairchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	frames   []*protocol.Frame
	sends    int
	failSend bool
	closed   bool
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sends++
	if f.failSend || f.closed {
		return ErrConnClosed
	}

	frame, err := protocol.Parse(data)
	if err != nil {
		return err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) received() []*protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Frame(nil), f.frames...)
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
	f.sends = 0
}

func (f *fakeConn) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestRoom(t *testing.T, coupleId string) *Room {
	t.Helper()

	r := newRoom(coupleId, testutil.TestLogger(t), stats.NewPermissiveMock(), time.Minute, nil)
	go r.run()
	t.Cleanup(r.close)
	return r
}

func accept(t *testing.T, r *Room, conn Connection, userId string) string {
	t.Helper()

	id, err := r.Accept(conn, userId)
	require.NoError(t, err, "expected connection to be accepted")
	require.NotEmpty(t, id, "expected a connection id")
	return id
}

func TestRoom_Accept(t *testing.T) {
	r := newTestRoom(t, "couple-1")

	c1, c2 := &fakeConn{}, &fakeConn{}
	id1 := accept(t, r, c1, "u1")
	id2 := accept(t, r, c2, "u2")

	assert.NotEqual(t, id1, id2, "expected unique connection ids")
	assert.Equal(t, 2, r.Len())
	assert.Empty(t, c2.received(), "expected new connection to not receive its own presence")
}

func TestRoom_PresenceOnJoinAndLeave(t *testing.T) {
	r := newTestRoom(t, "couple-1")

	c1 := &fakeConn{}
	accept(t, r, c1, "u1")
	assert.Empty(t, c1.received(), "expected no frames when joining an empty room")

	c2 := &fakeConn{}
	id2 := accept(t, r, c2, "u2")

	frames := c1.received()
	require.Len(t, frames, 1, "expected one presence frame")
	assert.Equal(t, protocol.TypePresenceOnline, frames[0].Type)
	assert.Equal(t, "u2", frames[0].Payload.(protocol.Presence).UserId)

	c1.reset()
	r.Disconnect(id2)

	frames = c1.received()
	require.Len(t, frames, 1, "expected one presence frame")
	assert.Equal(t, protocol.TypePresenceOffline, frames[0].Type)
	p := frames[0].Payload.(protocol.Presence)
	assert.Equal(t, "u2", p.UserId)
	assert.WithinDuration(t, time.Now(), p.LastSeen, 5*time.Second)
	assert.True(t, c2.isClosed(), "expected disconnected connection to be closed")
	assert.Equal(t, 1, r.Len())
}

func TestRoom_DisconnectIsIdempotent(t *testing.T) {
	r := newTestRoom(t, "couple-1")

	c1, c2 := &fakeConn{}, &fakeConn{}
	accept(t, r, c1, "u1")
	id2 := accept(t, r, c2, "u2")
	c1.reset()

	r.Disconnect(id2)
	r.Disconnect(id2)
	r.Disconnect("never-existed")

	frames := c1.received()
	require.Len(t, frames, 1, "expected exactly one presence:offline")
	assert.Equal(t, protocol.TypePresenceOffline, frames[0].Type)
}

func TestRoom_BroadcastExcludesConnection(t *testing.T) {
	r := newTestRoom(t, "couple-1")

	conns := []*fakeConn{{}, {}, {}}
	ids := make([]string, len(conns))
	for i, c := range conns {
		ids[i] = accept(t, r, c, "u1")
	}
	for _, c := range conns {
		c.reset()
	}

	frame := protocol.NewReadFrame("m1", time.Now())
	for skip := range conns {
		r.Broadcast(frame, ids[skip])

		for i, c := range conns {
			if i == skip {
				assert.Empty(t, c.received(), "expected excluded connection to receive nothing")
			} else {
				require.Len(t, c.received(), 1, "expected connection %d to receive the frame", i)
				assert.Equal(t, protocol.TypeMessageRead, c.received()[0].Type)
			}
			c.reset()
		}
	}
}

func TestRoom_EvictsFailingConnection(t *testing.T) {
	r := newTestRoom(t, "couple-1")

	good1, bad, good2 := &fakeConn{}, &fakeConn{}, &fakeConn{}
	accept(t, r, good1, "u1")
	badId := accept(t, r, bad, "u2")
	accept(t, r, good2, "u2")
	for _, c := range []*fakeConn{good1, bad, good2} {
		c.reset()
	}

	bad.failSend = true
	r.ExternalBroadcast(protocol.NewReadFrame("m1", time.Now()))

	assert.Len(t, good1.received(), 1)
	assert.Len(t, good2.received(), 1)
	assert.Equal(t, 1, bad.sendCount(), "expected one failed send attempt")
	assert.True(t, bad.isClosed(), "expected evicted connection to be closed")
	assert.Equal(t, 2, r.Len(), "expected failing connection to be removed")

	r.ExternalBroadcast(protocol.NewReadFrame("m2", time.Now()))
	assert.Equal(t, 1, bad.sendCount(), "expected evicted connection to not be sent to again")
	assert.Len(t, good1.received(), 2)
	assert.Len(t, good2.received(), 2)

	// u2 still has a live connection, so neither the eviction nor the
	// transport's later disconnect takes them offline
	r.Disconnect(badId)
	for _, f := range good1.received() {
		assert.NotEqual(t, protocol.TypePresenceOffline, f.Type)
	}
}

func TestRoom_EvictedUserGoesOffline(t *testing.T) {
	r := newTestRoom(t, "couple-1")

	c1, c2 := &fakeConn{}, &fakeConn{}
	accept(t, r, c1, "u1")
	id2 := accept(t, r, c2, "u2")
	c1.reset()

	c2.failSend = true
	r.ExternalBroadcast(protocol.NewReadFrame("m1", time.Now()))
	require.True(t, c2.isClosed(), "expected failing connection to be evicted")
	assert.Equal(t, 1, r.Len())

	// the evicted transport reports its close later
	r.Disconnect(id2)
	r.Disconnect(id2)

	var offline []*protocol.Frame
	for _, f := range c1.received() {
		if f.Type == protocol.TypePresenceOffline {
			offline = append(offline, f)
		}
	}
	require.Len(t, offline, 1, "expected exactly one presence:offline for the evicted user")
	assert.Equal(t, "u2", offline[0].Payload.(protocol.Presence).UserId)
}

func TestRoom_OfflineOnlyAfterLastConnection(t *testing.T) {
	r := newTestRoom(t, "couple-1")

	c1 := &fakeConn{}
	accept(t, r, c1, "u1")
	tab1 := accept(t, r, &fakeConn{}, "u2")
	tab2 := accept(t, r, &fakeConn{}, "u2")
	c1.reset()

	r.Disconnect(tab1)
	assert.Empty(t, c1.received(), "expected user with another open connection to stay online")

	r.Disconnect(tab2)
	frames := c1.received()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypePresenceOffline, frames[0].Type)
	assert.Equal(t, "u2", frames[0].Payload.(protocol.Presence).UserId)
}

func TestRoom_HandleInboundFrame(t *testing.T) {
	t.Run("typing is re-stamped and relayed to the partner only", func(t *testing.T) {
		r := newTestRoom(t, "R")

		c1, c2 := &fakeConn{}, &fakeConn{}
		id1 := accept(t, r, c1, "U1")
		accept(t, r, c2, "U2")
		c1.reset()
		c2.reset()

		err := r.HandleInboundFrame(id1, []byte(`{"type":"typing:start","payload":{"userId":"U9","coupleId":"other"},"timestamp":1}`))
		require.NoError(t, err)

		assert.Empty(t, c1.received(), "expected sender to receive nothing")
		frames := c2.received()
		require.Len(t, frames, 1)
		assert.Equal(t, protocol.TypeTypingStart, frames[0].Type)
		assert.Equal(t, protocol.Typing{UserId: "U1", CoupleId: "R"}, frames[0].Payload)
	})

	t.Run("unknown type answers the sender only", func(t *testing.T) {
		r := newTestRoom(t, "R")

		c1, c2 := &fakeConn{}, &fakeConn{}
		id1 := accept(t, r, c1, "U1")
		accept(t, r, c2, "U2")
		c1.reset()
		c2.reset()

		require.NoError(t, r.HandleInboundFrame(id1, []byte(`{"type":"call:start","payload":{}}`)))

		frames := c1.received()
		require.Len(t, frames, 1, "expected exactly one error frame")
		assert.Equal(t, protocol.TypeError, frames[0].Type)
		assert.Contains(t, frames[0].Payload.(protocol.Error).Message, "call:start")
		assert.Empty(t, c2.received(), "expected partner to receive nothing")
	})

	t.Run("malformed frame answers the sender only", func(t *testing.T) {
		r := newTestRoom(t, "R")

		c1, c2 := &fakeConn{}, &fakeConn{}
		id1 := accept(t, r, c1, "U1")
		accept(t, r, c2, "U2")
		c1.reset()
		c2.reset()

		require.NoError(t, r.HandleInboundFrame(id1, []byte(`not json`)))

		frames := c1.received()
		require.Len(t, frames, 1)
		assert.Equal(t, protocol.Error{Message: "invalid message format"}, frames[0].Payload)
		assert.Empty(t, c2.received())
		assert.Equal(t, 2, r.Len(), "expected room state to be unaffected")
	})

	t.Run("server-only types are rejected", func(t *testing.T) {
		r := newTestRoom(t, "R")

		c1, c2 := &fakeConn{}, &fakeConn{}
		id1 := accept(t, r, c1, "U1")
		accept(t, r, c2, "U2")
		c1.reset()
		c2.reset()

		require.NoError(t, r.HandleInboundFrame(id1, []byte(`{"type":"presence:offline","payload":{"userId":"U2"}}`)))

		require.Len(t, c1.received(), 1)
		assert.Equal(t, protocol.TypeError, c1.received()[0].Type)
		assert.Empty(t, c2.received())
	})

	t.Run("message frames are relayed excluding the sender", func(t *testing.T) {
		r := newTestRoom(t, "R")

		c1, c2 := &fakeConn{}, &fakeConn{}
		id1 := accept(t, r, c1, "U1")
		accept(t, r, c2, "U2")
		c1.reset()
		c2.reset()

		raw, err := json.Marshal(protocol.NewReactionFrame(types.Reaction{Id: "r1", MessageId: "m1", UserId: "U1", Emoji: "💕"}))
		require.NoError(t, err)
		require.NoError(t, r.HandleInboundFrame(id1, raw))

		assert.Empty(t, c1.received())
		require.Len(t, c2.received(), 1)
		assert.Equal(t, protocol.TypeMessageReaction, c2.received()[0].Type)
	})

	t.Run("frames from unknown connections are dropped", func(t *testing.T) {
		r := newTestRoom(t, "R")

		c1 := &fakeConn{}
		accept(t, r, c1, "U1")

		require.NoError(t, r.HandleInboundFrame("ghost", []byte(`{"type":"typing:start"}`)))
		assert.Empty(t, c1.received())
	})
}

func TestRoom_ExternalBroadcastToEmptyRoom(t *testing.T) {
	r := newTestRoom(t, "R")

	done := make(chan struct{})
	go func() {
		r.ExternalBroadcast(protocol.NewMessageFrame(types.MessageWithSender{Message: types.Message{Id: "m1"}}))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout: ExternalBroadcast did not complete")
	}
}

func TestRoom_NotBufferedForLateJoiners(t *testing.T) {
	r := newTestRoom(t, "R")

	r.ExternalBroadcast(protocol.NewReadFrame("m1", time.Now()))

	c1 := &fakeConn{}
	accept(t, r, c1, "U1")
	assert.Empty(t, c1.received(), "expected nothing to be replayed to a late joiner")
}

func TestRoom_ClosedRoom(t *testing.T) {
	r := newRoom("R", testutil.TestLogger(t), stats.NewPermissiveMock(), time.Minute, nil)
	go r.run()

	c1 := &fakeConn{}
	accept(t, r, c1, "U1")

	r.close()
	<-r.Done()

	assert.True(t, c1.isClosed(), "expected connections to be closed on exit")

	_, err := r.Accept(&fakeConn{}, "U2")
	assert.ErrorIs(t, err, ErrRoomClosed)
	assert.ErrorIs(t, r.HandleInboundFrame("x", []byte(`{}`)), ErrRoomClosed)

	// these must return rather than block
	r.Disconnect("x")
	r.ExternalBroadcast(protocol.NewReadFrame("m1", time.Now()))
}

func Test_handleRoomExit(t *testing.T) {
	t.Run("idle exit refused while connections remain", func(t *testing.T) {
		r := newRoom("R", testutil.TestLogger(t), stats.NewPermissiveMock(), time.Minute, nil)
		r.addMember(&member{id: "c1", userId: "U1", conn: &fakeConn{}})

		closed := make(chan bool, 1)
		assert.False(t, r.handleRoomExit(exitReq{idleOnly: true, closed: closed}))
		assert.False(t, <-closed)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("idle exit accepted when empty", func(t *testing.T) {
		r := newRoom("R", testutil.TestLogger(t), stats.NewPermissiveMock(), time.Minute, nil)

		closed := make(chan bool, 1)
		assert.True(t, r.handleRoomExit(exitReq{idleOnly: true, closed: closed}))
		assert.True(t, <-closed)
	})

	t.Run("forced exit closes connections", func(t *testing.T) {
		r := newRoom("R", testutil.TestLogger(t), stats.NewPermissiveMock(), time.Minute, nil)
		c := &fakeConn{}
		r.addMember(&member{id: "c1", userId: "U1", conn: c})

		assert.True(t, r.handleRoomExit(exitReq{}))
		assert.True(t, c.isClosed())
		assert.Equal(t, 0, r.Len())
	})
}

func Test_handleRoomTimeout(t *testing.T) {
	called := make(chan *Room, 1)
	r := newRoom("R", testutil.TestLogger(t), stats.NewPermissiveMock(), time.Minute, func(room *Room) {
		called <- room
	})

	r.handleRoomTimeout()

	select {
	case room := <-called:
		assert.Equal(t, r, room)
	case <-time.After(time.Second):
		t.Error("timeout: handleRoomTimeout did not notify the registry")
	}
}
