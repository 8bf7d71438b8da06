// Package progressbus fans out progress and log events for the single
// active operation to any number of readers (the CLI's own stdout, and any
// websocket subscribers registered through Hub), and carries the
// cooperative cancellation flag producers check at block and line
// boundaries. The single-writer/multi-reader shape follows the teacher's
// cache package's use of sync.RWMutex for a process-wide shared structure.
package progressbus

import (
	"sync"
	"sync/atomic"

	"github.com/oxidisk/oxidiskd/internal/model"
)

// Bus is a process-wide fan-out for one operation at a time. Readers may be
// absent; events are not buffered beyond each reader's own channel.
type Bus struct {
	mu        sync.Mutex
	listeners map[int]chan Event
	nextID    int

	cancelled atomic.Bool
}

// Event wraps either a progress update or a log line.
type Event struct {
	Progress *model.ProgressEvent
	Log      *model.LogEvent
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{listeners: make(map[int]chan Event)}
}

// Subscribe registers a new reader and returns its channel and an
// unsubscribe function. The channel is buffered so a slow reader cannot
// stall producers; if the buffer fills, the oldest event is dropped.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Progress emits a progress event to every subscriber.
func (b *Bus) Progress(e model.ProgressEvent) {
	b.publish(Event{Progress: &e})
}

// Log emits a log event to every subscriber.
func (b *Bus) Log(source, line string) {
	b.publish(Event{Log: &model.LogEvent{Source: source, Line: line}})
}

func (b *Bus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.listeners {
		select {
		case ch <- e:
		default:
			// drop oldest, then retry once
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// Cancel sets the cooperative cancellation flag. Idempotent.
func (b *Bus) Cancel() {
	b.cancelled.Store(true)
}

// Reset clears the cancellation flag for the next operation.
func (b *Bus) Reset() {
	b.cancelled.Store(false)
}

// Cancelled reports whether Cancel has been called since the last Reset.
func (b *Bus) Cancelled() bool {
	return b.cancelled.Load()
}
