// Package stream carries the typed turn-progress protocol from the
// agent loop to clients. Messages flow over a non-blocking broadcast
// bus; the WebSocket handler in internal/api fans them out. The bus is
// nil-safe: publishing on a nil *Bus is a no-op, so components do not
// need guard checks.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Message types, in the order a turn typically emits them.
const (
	// TypeThinking carries model reasoning text between tool calls.
	TypeThinking = "thinking"
	// TypeMessage is agent output for the user, with optional resolved
	// attachments.
	TypeMessage = "message"
	// TypeToolStart fires when a tool dispatch begins.
	TypeToolStart = "tool_start"
	// TypeToolEnd fires when a tool dispatch completes.
	TypeToolEnd = "tool_end"
	// TypeDone closes a turn with its final state.
	TypeDone = "done"
)

// Attachment is a displayable resolved to its stored object. The core
// resolves IDs before emitting; rendering is the client's concern.
type Attachment struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Message is one typed protocol message.
type Message struct {
	Timestamp time.Time `json:"ts"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`

	// Text is set for thinking and message types. HTML is the
	// markdown rendering of Text for message types.
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`

	// Tool and OK are set for tool_start/tool_end.
	Tool string `json:"tool,omitempty"`
	OK   *bool  `json:"ok,omitempty"`

	// Attachments are set for message types that reference displayables.
	Attachments []Attachment `json:"attachments,omitempty"`

	// State is set for done: idle, error, or iteration_cap.
	State string `json:"state,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive on buffered
// channels; slow subscribers miss messages rather than blocking the
// agent loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Message]struct{}
	// recvToSend maps the receive-only channel handed to a subscriber
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Message]chan Message
}

// New creates a bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Message]struct{}),
		recvToSend: make(map[<-chan Message]chan Message),
	}
}

// Publish sends a message to all subscribers. Non-blocking: a full
// subscriber channel drops the message for that subscriber. Safe to
// call on a nil receiver (no-op).
func (b *Bus) Publish(m Message) {
	if b == nil {
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- m:
		default:
			// Subscriber is full — drop rather than block the turn.
		}
	}
}

// Subscribe returns a channel receiving published messages. Callers
// must Unsubscribe to release resources.
func (b *Bus) Subscribe(bufSize int) <-chan Message {
	ch := make(chan Message, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling
// it twice for the same channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
