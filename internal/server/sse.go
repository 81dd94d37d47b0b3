package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/reviewflow/reviewflow/internal/bus"
)

// Event is one bus envelope flattened for wire delivery.
type Event struct {
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Broadcaster fans bus events out to multiple SSE clients with full-history
// replay for late subscribers. Thread-safe.
type Broadcaster struct {
	mu      sync.Mutex
	history []Event
	clients map[uint64]chan Event
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed on Close(), not on slow-client drops
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan Event),
		doneCh:  make(chan struct{}),
	}
}

// Attach subscribes the broadcaster to every lifecycle topic on b.
func (br *Broadcaster) Attach(b *bus.Bus) {
	topics := []bus.Topic{
		bus.TopicCheckScheduled, bus.TopicCheckStarted, bus.TopicCheckCompleted,
		bus.TopicCheckErrored, bus.TopicStateTransition, bus.TopicHumanInputRequested,
		bus.TopicHumanInputResolved, bus.TopicRoutingEvent, bus.TopicSnapshotSaved,
		bus.TopicShutdown,
	}
	for _, topic := range topics {
		b.On(topic, func(env bus.Envelope) {
			br.Send(Event{Topic: string(env.Topic), Time: env.Time, Payload: env.Payload})
		})
	}
}

// Send appends ev to the history and delivers it to every connected client.
// A client that cannot keep up is dropped rather than blocking the bus.
func (br *Broadcaster) Send(ev Event) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		return
	}
	br.history = append(br.history, ev)
	for id, ch := range br.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(br.clients, id)
		}
	}
}

// Subscribe returns an events channel (history replay, then live), a done
// channel closed only when the broadcaster closes, and an unsubscribe func.
func (br *Broadcaster) Subscribe() (<-chan Event, <-chan struct{}, func()) {
	br.mu.Lock()
	defer br.mu.Unlock()

	ch := make(chan Event, len(br.history)+256)
	id := br.nextID
	br.nextID++

	for _, ev := range br.history {
		ch <- ev
	}
	if br.closed {
		close(ch)
		return ch, br.doneCh, func() {}
	}

	br.clients[id] = ch
	unsub := func() {
		br.mu.Lock()
		defer br.mu.Unlock()
		if _, ok := br.clients[id]; ok {
			delete(br.clients, id)
			close(ch)
		}
	}
	return ch, br.doneCh, unsub
}

// Close ends the stream for every client.
func (br *Broadcaster) Close() {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		return
	}
	br.closed = true
	close(br.doneCh)
	for id, ch := range br.clients {
		close(ch)
		delete(br.clients, id)
	}
}

// History returns a copy of all events received so far.
func (br *Broadcaster) History() []Event {
	br.mu.Lock()
	defer br.mu.Unlock()
	out := make([]Event, len(br.history))
	copy(out, br.history)
	return out
}

// WriteSSE streams the broadcaster to an HTTP response as Server-Sent
// Events.
func WriteSSE(w http.ResponseWriter, r *http.Request, br *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := br.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
					// slow-client drop, disconnect silently
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data)
			flusher.Flush()
		}
	}
}
