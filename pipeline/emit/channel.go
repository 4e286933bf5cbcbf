package emit

import "sync"

// Channel is the append-only notification channel connecting the state
// machine to one observer (typically the transport layer streaming events
// to a client).
//
// Properties:
//   - One-way: the producer only emits, the observer only receives.
//   - Idempotent close: closing twice is a no-op; emitting after close
//     drops the event rather than panicking.
//   - Non-blocking: when the observer falls behind and the buffer fills,
//     non-terminal events are dropped rather than stalling the pipeline.
//     Terminal events always occupy reserved buffer headroom.
type Channel struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

// NewChannel creates a Channel with the given buffer size (minimum 16).
func NewChannel(buffer int) *Channel {
	if buffer < 16 {
		buffer = 16
	}
	return &Channel{events: make(chan Event, buffer)}
}

// Emit implements Emitter. Events emitted after Close are dropped.
func (c *Channel) Emit(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	if event.Terminal() {
		// A terminal event must reach the observer even when the buffer is
		// saturated; evict the oldest buffered event to make room.
		select {
		case c.events <- event:
		default:
			// Make room by discarding the oldest buffered event.
			select {
			case <-c.events:
			default:
			}
			c.events <- event
		}
		return
	}

	select {
	case c.events <- event:
	default:
		// Observer is behind; drop progress events rather than block.
	}
}

// Events returns the receive side of the channel. It is closed exactly once
// by Close, after which receives drain the remaining buffered events.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Close closes the channel. Safe to call multiple times.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
