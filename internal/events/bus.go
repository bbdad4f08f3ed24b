package events

import (
	"sync"
)

// Bus multiplexes per-task topics to any number of live subscribers.
//
// Guarantees:
//   - Events observed by one subscriber appear in emission order.
//   - A slow subscriber never blocks the producer: each subscriber has a
//     bounded in-flight queue; on overflow the oldest queued event for that
//     subscriber is discarded and a dropped marker is delivered in its place.
//   - A complete event, or an error event with a terminal code, closes all
//     subscriptions for the topic.
type Bus struct {
	mu      sync.Mutex
	topics  map[string]map[*Subscription]struct{}
	bufSize int
	closed  bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithSubscriberBuffer sets the bounded queue size per subscriber.
func WithSubscriberBuffer(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.bufSize = size
		}
	}
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		topics:  make(map[string]map[*Subscription]struct{}),
		bufSize: 100,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one subscriber's attachment to a topic.
type Subscription struct {
	bus    *Bus
	taskID string
	out    chan Event

	mu      sync.Mutex
	queue   []Event
	dropped int
	closing bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// C returns the subscriber's event channel. It is closed when the topic
// terminates or the subscription is cancelled.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Cancel detaches the subscription. Safe to call multiple times.
func (s *Subscription) Cancel() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.bus.remove(s)
}

// Subscribe attaches a new subscriber to the task's topic. The subscriber
// receives only events published after it attached.
func (b *Bus) Subscribe(taskID string) *Subscription {
	s := &Subscription{
		bus:    b,
		taskID: taskID,
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s
	}
	subs, ok := b.topics[taskID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[taskID] = subs
	}
	subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run()
	return s
}

// Publish delivers an event to every subscriber of its topic. Terminal
// events close the topic after delivery.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := b.topics[ev.TaskID]
	for s := range subs {
		s.enqueue(ev)
	}
	if ev.IsTerminal() {
		for s := range subs {
			s.finish()
		}
		delete(b.topics, ev.TaskID)
	}
	b.mu.Unlock()
}

// CloseTopic closes all subscriptions for a task without emitting an event.
func (b *Bus) CloseTopic(taskID string) {
	b.mu.Lock()
	subs := b.topics[taskID]
	for s := range subs {
		s.finish()
	}
	delete(b.topics, taskID)
	b.mu.Unlock()
}

// SubscriberCount returns the number of live subscribers for a task.
func (b *Bus) SubscriberCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[taskID])
}

// Close shuts down the bus and all topics.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, subs := range b.topics {
		for s := range subs {
			s.finish()
		}
		delete(b.topics, id)
	}
	b.mu.Unlock()
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	if subs, ok := b.topics[s.taskID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, s.taskID)
		}
	}
	b.mu.Unlock()
}

// enqueue appends an event to the subscriber's bounded queue, discarding
// the oldest entry on overflow.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.bus.bufSize {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

// finish marks the subscription closing; the pump drains the queue and
// then closes the channel.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// run pumps queued events to the subscriber channel. A dropped marker is
// delivered ahead of the surviving (newer) events.
func (s *Subscription) run() {
	for {
		s.mu.Lock()
		if s.dropped > 0 {
			n := s.dropped
			s.dropped = 0
			s.mu.Unlock()
			if !s.send(New(TypeDropped, s.taskID, DroppedData{Count: n})) {
				return
			}
			continue
		}
		if len(s.queue) == 0 {
			if s.closing {
				s.mu.Unlock()
				close(s.out)
				return
			}
			s.mu.Unlock()
			select {
			case <-s.notify:
			case <-s.done:
				close(s.out)
				return
			}
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		if !s.send(ev) {
			return
		}
	}
}

func (s *Subscription) send(ev Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		close(s.out)
		return false
	}
}
