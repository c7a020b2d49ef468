// Copyright 2024-2026 Aiku AI

package session

import (
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// timelineDepth is how many message events are retained per room in the
// live timeline buffer.
const timelineDepth = 50

// timeline is a per-room ring buffer of recent message events fed by the
// sync loop. It lets bridge reply scanning read the live timeline without a
// round-trip to the homeserver.
type timeline struct {
	mu    sync.RWMutex
	depth int
	rooms map[id.RoomID][]*event.Event
}

func newTimeline(depth int) *timeline {
	return &timeline{
		depth: depth,
		rooms: make(map[id.RoomID][]*event.Event),
	}
}

func (t *timeline) push(evt *event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := append(t.rooms[evt.RoomID], evt)
	if len(buf) > t.depth {
		buf = buf[len(buf)-t.depth:]
	}
	t.rooms[evt.RoomID] = buf
}

// recent returns up to limit events for the room, newest first. Returns nil
// if the room has no buffered events.
func (t *timeline) recent(roomID id.RoomID, limit int) []*event.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	buf := t.rooms[roomID]
	if len(buf) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}
	out := make([]*event.Event, limit)
	for i := 0; i < limit; i++ {
		out[i] = buf[len(buf)-1-i]
	}
	return out
}
