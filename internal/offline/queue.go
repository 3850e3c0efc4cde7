package offline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/pairchat/internal/types"
)

// SendFunc delivers one message. A nil error means the server accepted it.
type SendFunc func(ctx context.Context, req types.SendMessageRequest) error

// Queue holds outbound messages while the client is offline and replays
// them in enqueue order once it is back.
type Queue struct {
	log   *log.Logger
	store Store
	// drainLock serializes Drain so an entry is never sent twice
	drainLock sync.Mutex
	mu        sync.Mutex
	items     []QueuedMessage
	online    bool
	now       func() time.Time
}

// NewQueue loads any entries left in store by a previous run.
func NewQueue(store Store, logger *log.Logger) (*Queue, error) {
	items, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	return &Queue{
		log:    logger,
		store:  store,
		items:  items,
		online: true,
		now:    time.Now,
	}, nil
}

// Enqueue appends req and returns its local id.
func (q *Queue) Enqueue(req types.SendMessageRequest) (string, error) {
	msg := QueuedMessage{
		LocalId:     uuid.New().String(),
		Content:     req.Content,
		MessageType: req.MessageType,
		MediaUrl:    req.MediaUrl,
		EnqueuedAt:  q.now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Append(&msg); err != nil {
		return "", err
	}
	q.items = append(q.items, msg)

	return msg.LocalId, nil
}

// Remove drops the entry with localId. Removing an absent id is a no-op.
func (q *Queue) Remove(localId string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Delete(localId); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	q.items = slices.DeleteFunc(q.items, func(m QueuedMessage) bool {
		return m.LocalId == localId
	})
	return nil
}

// Clear drops every entry.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Clear(); err != nil {
		return err
	}
	q.items = nil
	return nil
}

func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.online = online
}

func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Messages returns a copy of the pending entries in enqueue order.
func (q *Queue) Messages() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.items)
}

// Drain sends pending entries oldest first, removing each once sent. It stops
// at the first failure, leaving that entry and everything after it queued.
// Draining while offline or empty does nothing.
func (q *Queue) Drain(ctx context.Context, send SendFunc) (int, error) {
	q.drainLock.Lock()
	defer q.drainLock.Unlock()

	if !q.Online() {
		return 0, nil
	}

	sent := 0
	for _, msg := range q.Messages() {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		if err := send(ctx, msg.Request()); err != nil {
			q.log.Printf("failed to send queued message %s: %v", msg.LocalId, err)
			return sent, fmt.Errorf("send queued message %s: %w", msg.LocalId, err)
		}

		if err := q.Remove(msg.LocalId); err != nil {
			return sent, err
		}
		sent++
	}

	return sent, nil
}
