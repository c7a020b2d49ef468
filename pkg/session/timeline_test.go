// Copyright 2024-2026 Aiku AI

package session

import (
	"fmt"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func makeMessageEvent(roomID id.RoomID, body string) *event.Event {
	return &event.Event{
		RoomID: roomID,
		Type:   event.EventMessage,
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
		},
	}
}

func TestTimelineRecentNewestFirst(t *testing.T) {
	t.Parallel()
	tl := newTimeline(10)
	room := id.RoomID("!room:example.com")
	for i := 0; i < 5; i++ {
		tl.push(makeMessageEvent(room, fmt.Sprintf("msg-%d", i)))
	}

	got := tl.recent(room, 3)
	if len(got) != 3 {
		t.Fatalf("recent: got %d events, want 3", len(got))
	}
	for i, want := range []string{"msg-4", "msg-3", "msg-2"} {
		if body := got[i].Content.AsMessage().Body; body != want {
			t.Errorf("recent[%d]: got %q, want %q", i, body, want)
		}
	}
}

func TestTimelineDepthCap(t *testing.T) {
	t.Parallel()
	tl := newTimeline(3)
	room := id.RoomID("!room:example.com")
	for i := 0; i < 10; i++ {
		tl.push(makeMessageEvent(room, fmt.Sprintf("msg-%d", i)))
	}

	got := tl.recent(room, 0)
	if len(got) != 3 {
		t.Fatalf("recent: got %d events, want depth cap 3", len(got))
	}
	if body := got[0].Content.AsMessage().Body; body != "msg-9" {
		t.Errorf("newest: got %q, want %q", body, "msg-9")
	}
	if body := got[2].Content.AsMessage().Body; body != "msg-7" {
		t.Errorf("oldest retained: got %q, want %q", body, "msg-7")
	}
}

func TestTimelineEmptyRoom(t *testing.T) {
	t.Parallel()
	tl := newTimeline(10)
	if got := tl.recent(id.RoomID("!none:example.com"), 5); got != nil {
		t.Errorf("recent on empty room: got %v, want nil", got)
	}
}
