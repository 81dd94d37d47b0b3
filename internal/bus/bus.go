// Package bus is the typed pub/sub surface between the engine and its
// frontends. Each topic is an ordered stream: handlers for a topic run
// sequentially in publish order; distinct topics are independent.
// Back-pressure is by queue depth — a full topic queue blocks publishers
// rather than dropping events.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic names one ordered event stream.
type Topic string

const (
	TopicCheckScheduled      Topic = "CheckScheduled"
	TopicCheckStarted        Topic = "CheckStarted"
	TopicCheckCompleted      Topic = "CheckCompleted"
	TopicCheckErrored        Topic = "CheckErrored"
	TopicStateTransition     Topic = "StateTransition"
	TopicHumanInputRequested Topic = "HumanInputRequested"
	TopicHumanInputResolved  Topic = "HumanInputResolved"
	TopicRoutingEvent        Topic = "RoutingEvent"
	TopicSnapshotSaved       Topic = "SnapshotSaved"
	TopicShutdown            Topic = "Shutdown"
)

// Envelope wraps a payload with delivery metadata.
type Envelope struct {
	ID      string
	Topic   Topic
	Time    time.Time
	Payload any

	stop   bool
	remove string
}

// Handler consumes envelopes for one topic. Handlers may do asynchronous
// work internally, but the bus invokes them one at a time per topic.
type Handler func(Envelope)

const defaultQueueDepth = 256

type subscriber struct {
	id      string
	handler Handler
}

type topicStream struct {
	queue chan Envelope
	done  chan struct{}

	mu   sync.RWMutex
	subs []subscriber
}

func (st *topicStream) dropSub(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, s := range st.subs {
		if s.id == id {
			st.subs = append(st.subs[:i], st.subs[i+1:]...)
			return
		}
	}
}

// Bus fans envelopes out to topic subscribers with in-order delivery.
type Bus struct {
	mu      sync.Mutex
	streams map[Topic]*topicStream
	depth   int
	closed  bool
	wg      sync.WaitGroup
}

func New() *Bus {
	return NewWithDepth(defaultQueueDepth)
}

func NewWithDepth(depth int) *Bus {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &Bus{streams: map[Topic]*topicStream{}, depth: depth}
}

// On subscribes handler to topic and returns an unsubscribe func.
// Unsubscription flows through the topic queue, so events published before
// the unsubscribe call are still delivered and events published after it
// never are. Unsubscribing twice is a no-op. Unsubscribing from inside a
// handler of the same topic can block when the topic queue is full.
func (b *Bus) On(topic Topic, handler Handler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	st := b.stream(topic)
	sub := subscriber{id: uuid.NewString(), handler: handler}
	st.mu.Lock()
	st.subs = append(st.subs, sub)
	st.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			select {
			case st.queue <- Envelope{remove: sub.id}:
			case <-st.done:
				// Dispatcher is gone; drop the subscriber directly.
				st.dropSub(sub.id)
			}
		})
	}
}

// Publish enqueues payload on topic. Blocks when the topic queue is full.
// Publishing on a closed bus is a silent no-op so late engine teardown
// events never panic.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	st := b.streamLocked(topic)
	b.mu.Unlock()

	env := Envelope{
		ID:      uuid.NewString(),
		Topic:   topic,
		Time:    time.Now().UTC(),
		Payload: payload,
	}
	select {
	case st.queue <- env:
	case <-st.done:
	}
}

// Close stops accepting publishes, drains every topic queue, and waits for
// in-flight handlers to finish. The queue itself is never closed — a stop
// marker terminates each dispatcher so a racing Publish can never hit a
// closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	streams := make([]*topicStream, 0, len(b.streams))
	for _, st := range b.streams {
		streams = append(streams, st)
	}
	b.mu.Unlock()

	for _, st := range streams {
		st.queue <- Envelope{stop: true}
	}
	b.wg.Wait()
	for _, st := range streams {
		close(st.done)
	}
}

func (b *Bus) stream(topic Topic) *topicStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamLocked(topic)
}

func (b *Bus) streamLocked(topic Topic) *topicStream {
	st, ok := b.streams[topic]
	if ok {
		return st
	}
	st = &topicStream{
		queue: make(chan Envelope, b.depth),
		done:  make(chan struct{}),
	}
	b.streams[topic] = st
	b.wg.Add(1)
	go b.dispatch(st)
	return st
}

func (b *Bus) dispatch(st *topicStream) {
	defer b.wg.Done()
	for env := range st.queue {
		if env.stop {
			return
		}
		if env.remove != "" {
			st.dropSub(env.remove)
			continue
		}
		st.mu.RLock()
		subs := append([]subscriber{}, st.subs...)
		st.mu.RUnlock()
		for _, s := range subs {
			s.handler(env)
		}
	}
}
