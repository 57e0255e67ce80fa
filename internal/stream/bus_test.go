package stream

import (
	"strings"
	"testing"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := New()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	bus.Publish(Message{SessionID: "s1", Type: TypeThinking, Text: "planning"})

	for name, ch := range map[string]<-chan Message{"a": a, "b": b} {
		select {
		case msg := <-ch:
			if msg.SessionID != "s1" || msg.Type != TypeThinking {
				t.Errorf("%s got %+v", name, msg)
			}
			if msg.Timestamp.IsZero() {
				t.Errorf("%s: timestamp not stamped", name)
			}
		default:
			t.Errorf("subscriber %s received nothing", name)
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := New()
	ch := bus.Subscribe(1)
	defer bus.Unsubscribe(ch)

	// Second publish overflows the buffer; it must not block.
	bus.Publish(Message{Type: TypeToolStart, Tool: "generate_workout"})
	bus.Publish(Message{Type: TypeToolEnd, Tool: "generate_workout"})

	msg := <-ch
	if msg.Type != TypeToolStart {
		t.Errorf("kept message = %+v", msg)
	}
	select {
	case extra := <-ch:
		t.Errorf("overflow message delivered: %+v", extra)
	default:
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	bus.Publish(Message{Type: TypeDone})
	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("nil bus subscriber count = %d", n)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	bus := New()
	ch := bus.Subscribe(1)

	bus.Unsubscribe(ch)
	bus.Unsubscribe(ch)

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count = %d", n)
	}

	// Publishing after the last unsubscribe is a no-op.
	bus.Publish(Message{Type: TypeDone})
}

func TestRenderHTML(t *testing.T) {
	html := RenderHTML("**bold** and _italic_")
	if !strings.Contains(html, "<strong>bold</strong>") {
		t.Errorf("html = %q", html)
	}
	if !strings.Contains(html, "<em>italic</em>") {
		t.Errorf("html = %q", html)
	}
}
