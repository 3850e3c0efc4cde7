package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/pairchat/internal/protocol"
	"github.com/npezzotti/pairchat/internal/stats"
	"github.com/npezzotti/pairchat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, idleTimeout time.Duration) *Registry {
	t.Helper()

	reg := NewRegistry(testutil.TestLogger(t), stats.NewPermissiveMock(), idleTimeout)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})
	return reg
}

func TestNewRegistry(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return().Times(4)

	reg := NewRegistry(testutil.TestLogger(t), su, time.Minute)
	assert.NotNil(t, reg.rooms, "expected rooms map to be initialized")
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_GetOrCreate(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)

	r1 := reg.GetOrCreate("couple-1")
	r2 := reg.GetOrCreate("couple-1")
	r3 := reg.GetOrCreate("couple-2")

	assert.Same(t, r1, r2, "expected the same room for the same couple")
	assert.NotSame(t, r1, r3, "expected distinct rooms for distinct couples")
	assert.Equal(t, "couple-1", r1.CoupleId())
	assert.Equal(t, 2, reg.Len())
}

func TestRegistry_GetOrCreateConcurrent(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)

	const n = 64
	rooms := make([]*Room, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rooms[i] = reg.GetOrCreate("couple-1")
		}()
	}
	wg.Wait()

	for _, r := range rooms {
		assert.Same(t, rooms[0], r, "expected a single coordinator per couple")
	}
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_Join(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)

	c1 := &fakeConn{}
	room, id, err := reg.Join("couple-1", c1, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Same(t, reg.GetOrCreate("couple-1"), room)
	assert.Equal(t, 1, room.Len())
}

func TestRegistry_JoinRetriesClosedRoom(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)

	stale := reg.GetOrCreate("couple-1")
	stale.close()
	<-stale.Done()

	room, _, err := reg.Join("couple-1", &fakeConn{}, "u1")
	require.NoError(t, err)
	assert.NotSame(t, stale, room, "expected a fresh room to replace the closed one")
	assert.Equal(t, 1, room.Len())
}

func TestRegistry_ExternalBroadcast(t *testing.T) {
	t.Run("delivers to the couple's room", func(t *testing.T) {
		reg := newTestRegistry(t, time.Minute)

		c1, c2 := &fakeConn{}, &fakeConn{}
		_, _, err := reg.Join("couple-1", c1, "u1")
		require.NoError(t, err)
		_, _, err = reg.Join("couple-2", c2, "u3")
		require.NoError(t, err)

		reg.ExternalBroadcast("couple-1", protocol.NewReadFrame("m1", time.Now()))

		require.Len(t, c1.received(), 1)
		assert.Equal(t, protocol.TypeMessageRead, c1.received()[0].Type)
		assert.Empty(t, c2.received(), "expected other couples to be unaffected")
	})

	t.Run("no live room is not an error", func(t *testing.T) {
		reg := newTestRegistry(t, time.Minute)

		reg.ExternalBroadcast("nobody", protocol.NewReadFrame("m1", time.Now()))
		assert.Equal(t, 0, reg.Len(), "expected broadcast to not create a room")
	})
}

func TestRegistry_IdleRoomIsReclaimed(t *testing.T) {
	reg := newTestRegistry(t, 20*time.Millisecond)

	c1 := &fakeConn{}
	room, id, err := reg.Join("couple-1", c1, "u1")
	require.NoError(t, err)

	// a room with a connection is never reclaimed
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, reg.Len(), "expected active room to be kept")

	room.Disconnect(id)

	assert.Eventually(t, func() bool {
		return reg.Len() == 0
	}, time.Second, 5*time.Millisecond, "expected idle room to be removed")

	select {
	case <-room.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout: idle room did not exit")
	}

	fresh := reg.GetOrCreate("couple-1")
	assert.NotSame(t, room, fresh, "expected a new room after reclamation")
}

func TestRegistry_UnloadIdleKeepsActiveRoom(t *testing.T) {
	reg := newTestRegistry(t, time.Minute)

	room, _, err := reg.Join("couple-1", &fakeConn{}, "u1")
	require.NoError(t, err)

	reg.unloadIdle(room)
	assert.Equal(t, 1, reg.Len())

	select {
	case <-room.Done():
		t.Fatal("expected active room to keep running")
	default:
	}
}

func TestRegistry_Shutdown(t *testing.T) {
	reg := NewRegistry(testutil.TestLogger(t), stats.NewPermissiveMock(), time.Minute)

	c1, c2 := &fakeConn{}, &fakeConn{}
	r1, _, err := reg.Join("couple-1", c1, "u1")
	require.NoError(t, err)
	r2, _, err := reg.Join("couple-2", c2, "u3")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, reg.Shutdown(ctx))
	assert.Equal(t, 0, reg.Len())
	assert.True(t, c1.isClosed())
	assert.True(t, c2.isClosed())

	for _, r := range []*Room{r1, r2} {
		select {
		case <-r.Done():
		default:
			t.Errorf("expected room %q to be done", r.CoupleId())
		}
	}
}
