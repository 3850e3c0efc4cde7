package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/pairchat/internal/protocol"
	"github.com/npezzotti/pairchat/internal/stats"
)

const maxJoinAttempts = 3

// Registry maps couple ids to their live Room. Rooms are created on first
// access and removed once they have been idle for the configured timeout.
type Registry struct {
	log         *log.Logger
	stats       stats.StatsProvider
	idleTimeout time.Duration
	rooms       map[string]*Room
	roomsLock   sync.Mutex
}

func NewRegistry(logger *log.Logger, su stats.StatsProvider, idleTimeout time.Duration) *Registry {
	su.RegisterMetric(stats.NumActiveRooms)
	su.RegisterMetric(stats.NumConnections)
	su.RegisterMetric(stats.NumEvictedConnections)
	su.RegisterMetric(stats.NumFramesBroadcast)

	return &Registry{
		log:         logger,
		stats:       su,
		idleTimeout: idleTimeout,
		rooms:       make(map[string]*Room),
	}
}

// GetOrCreate returns the room for coupleId, starting it if needed.
func (reg *Registry) GetOrCreate(coupleId string) *Room {
	reg.roomsLock.Lock()
	defer reg.roomsLock.Unlock()

	if room, ok := reg.rooms[coupleId]; ok {
		return room
	}

	room := newRoom(coupleId, reg.log, reg.stats, reg.idleTimeout, reg.unloadIdle)
	reg.rooms[coupleId] = room
	reg.stats.Incr(stats.NumActiveRooms)

	go room.run()

	return room
}

// Lookup returns the room for coupleId if one is live.
func (reg *Registry) Lookup(coupleId string) (*Room, bool) {
	reg.roomsLock.Lock()
	defer reg.roomsLock.Unlock()

	room, ok := reg.rooms[coupleId]
	return room, ok
}

// Join admits conn into the couple's room, retrying if the room it found
// was reclaimed before the connection could be accepted.
func (reg *Registry) Join(coupleId string, conn Connection, userId string) (*Room, string, error) {
	for range maxJoinAttempts {
		room := reg.GetOrCreate(coupleId)

		id, err := room.Accept(conn, userId)
		if errors.Is(err, ErrRoomClosed) {
			reg.log.Printf("room %q closed during join, retrying", coupleId)
			reg.forget(room)
			continue
		}
		if err != nil {
			return nil, "", err
		}

		return room, id, nil
	}

	return nil, "", ErrRoomClosed
}

// ExternalBroadcast delivers frame to whoever is connected to the couple's
// room. With no live room there is nobody to deliver to.
func (reg *Registry) ExternalBroadcast(coupleId string, frame *protocol.Frame) {
	room, ok := reg.Lookup(coupleId)
	if !ok {
		reg.log.Printf("no live room for %q, %s not delivered", coupleId, frame.Type)
		return
	}

	room.ExternalBroadcast(frame)
}

func (reg *Registry) unloadIdle(room *Room) {
	reg.roomsLock.Lock()
	defer reg.roomsLock.Unlock()

	if cur, ok := reg.rooms[room.coupleId]; !ok || cur != room {
		return
	}

	if !room.closeIfIdle() {
		reg.log.Printf("room %q became active, keeping it", room.coupleId)
		return
	}

	reg.log.Printf("removing room %q", room.coupleId)
	delete(reg.rooms, room.coupleId)
	reg.stats.Decr(stats.NumActiveRooms)
}

// forget drops room from the registry if it is still the mapped instance.
func (reg *Registry) forget(room *Room) {
	reg.roomsLock.Lock()
	defer reg.roomsLock.Unlock()

	if cur, ok := reg.rooms[room.coupleId]; ok && cur == room {
		delete(reg.rooms, room.coupleId)
		reg.stats.Decr(stats.NumActiveRooms)
	}
}

// Len returns the number of live rooms.
func (reg *Registry) Len() int {
	reg.roomsLock.Lock()
	defer reg.roomsLock.Unlock()
	return len(reg.rooms)
}

// Shutdown closes every room and its connections.
func (reg *Registry) Shutdown(ctx context.Context) error {
	reg.log.Println("shutting down rooms")

	reg.roomsLock.Lock()
	rooms := reg.rooms
	reg.rooms = make(map[string]*Room)
	reg.roomsLock.Unlock()

	for _, r := range rooms {
		go r.close()
	}

	for _, r := range rooms {
		select {
		case <-r.done:
			reg.stats.Decr(stats.NumActiveRooms)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
