package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ezchat/ezchat/internal/protocol"
)

// roomKeyPrefix matches the key layout the original web client used, so a
// Redis instance shared with it stays compatible.
const roomKeyPrefix = "ezchat_room_"

// roomData is the persisted-per-room value layout.
type roomData struct {
	Messages    []protocol.Message `json:"messages"`
	LastUpdated string             `json:"lastUpdated"`
}

// History is the append-only per-room message log with identity-based
// deduplication.
//
// Persist is load-scan-append. The KV has no compare-and-set, so a per-room
// mutex serializes writers within this process; that is the writer set in
// this design (one local participant per History).
type History struct {
	kv KV

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewHistory(kv KV) *History {
	return &History{
		kv:    kv,
		locks: make(map[string]*sync.Mutex),
	}
}

func (h *History) roomLock(room string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := h.locks[room]
	if l == nil {
		l = &sync.Mutex{}
		h.locks[room] = l
	}
	return l
}

// Load returns the room's message log in stored order. A missing key is an
// empty history, not an error.
func (h *History) Load(ctx context.Context, room string) ([]protocol.Message, error) {
	raw, ok, err := h.kv.Get(ctx, roomKeyPrefix+room)
	if err != nil {
		return nil, fmt.Errorf("load history for %q: %w", room, err)
	}
	if !ok {
		return nil, nil
	}
	var data roomData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode history for %q: %w", room, err)
	}
	return data.Messages, nil
}

// Persist appends msg to the room's log unless a message with the same
// (timestamp, sender, content) identity is already stored. It returns true
// when the message was written, false when it was a duplicate. Attachments
// are not part of the comparison.
func (h *History) Persist(ctx context.Context, room string, msg protocol.Message) (bool, error) {
	l := h.roomLock(room)
	l.Lock()
	defer l.Unlock()

	messages, err := h.Load(ctx, room)
	if err != nil {
		return false, err
	}
	for _, existing := range messages {
		if existing.SameIdentity(msg) {
			return false, nil
		}
	}

	messages = append(messages, msg)
	data := roomData{
		Messages:    messages,
		LastUpdated: time.Now().UTC().Format(protocol.TimestampLayout),
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("encode history for %q: %w", room, err)
	}
	if err := h.kv.Set(ctx, roomKeyPrefix+room, raw); err != nil {
		return false, fmt.Errorf("save history for %q: %w", room, err)
	}
	return true, nil
}

// Clear deletes the room's entire history. Other rooms are untouched.
func (h *History) Clear(ctx context.Context, room string) error {
	l := h.roomLock(room)
	l.Lock()
	defer l.Unlock()
	if err := h.kv.Delete(ctx, roomKeyPrefix+room); err != nil {
		return fmt.Errorf("clear history for %q: %w", room, err)
	}
	return nil
}
