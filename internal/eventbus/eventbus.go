// Package eventbus is the typed pub/sub signal system described for the
// core: every state-changing operation on a Checkable, Endpoint, or
// replay log raises a signal here instead of calling subscribers
// directly, so dispatch never runs on the publisher's goroutine and
// never happens while a per-checkable lock is held.
package eventbus

import (
	"sync"

	goevents "github.com/docker/go-events"
)

// Topic names a class of signal. Components publish and subscribe by
// Topic; the zero value is not a valid topic.
type Topic string

const (
	TopicStateChange            Topic = "state_change"
	TopicNewCheckResult          Topic = "new_check_result"
	TopicAcknowledgementSet      Topic = "acknowledgement_set"
	TopicAcknowledgementCleared  Topic = "acknowledgement_cleared"
	TopicDowntimeStart           Topic = "downtime_start"
	TopicDowntimeEnd             Topic = "downtime_end"
	TopicDowntimeRemoved         Topic = "downtime_removed"
	TopicCommentAdded            Topic = "comment_added"
	TopicCommentRemoved          Topic = "comment_removed"
	TopicFlappingStart           Topic = "flapping_start"
	TopicFlappingEnd             Topic = "flapping_end"
	TopicNotificationSentToUser  Topic = "notification_sent_to_user"
	TopicNotificationSentToUsers Topic = "notification_sent_to_all_users"
)

// Event is the envelope delivered to subscribers. Source, when set, is
// the authority/endpoint name that originated the mutation (see
// spec.md's "authority" no-op-but-signal rule); empty means locally
// originated.
type Event struct {
	Topic  Topic
	Source string
	Data   any
}

// Subscription is a single subscriber's channel of events. Callers must
// drain it; Close stops delivery and releases the underlying queue.
type Subscription struct {
	ch     <-chan Event
	sink   goevents.Sink
	cancel func()
}

// C returns the channel of events for this subscription.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close stops delivery to this subscription.
func (s *Subscription) Close() { s.cancel() }

// Bus is a process-wide singleton constructed explicitly at startup and
// passed by reference into every component that needs to publish or
// subscribe; sentryd never reaches for an ambient global bus.
type Bus struct {
	mu     sync.RWMutex
	topics map[Topic][]*subscriber
}

type subscriber struct {
	queue *goevents.Queue
	ch    chan Event
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[Topic][]*subscriber)}
}

// Subscribe registers for events on topic. Each subscription gets its own
// docker/go-events Queue, so one slow consumer never blocks Publish or
// any other subscriber.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	ch := make(chan Event, 64)
	sink := goevents.NewChannel(0)
	queue := goevents.NewQueue(sink)

	go func() {
		for ev := range sink.C {
			event, ok := ev.(Event)
			if !ok {
				continue
			}
			ch <- event
		}
	}()

	sub := &subscriber{queue: queue, ch: ch}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		subs := b.topics[topic]
		for i, s := range subs {
			if s == sub {
				b.topics[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		_ = queue.Close()
		close(ch)
	}

	return &Subscription{ch: ch, sink: sink, cancel: cancel}
}

// Publish enqueues an event for every current subscriber of topic.
// Publish never blocks on subscriber processing: each subscriber has its
// own unbounded queue-then-drain buffer courtesy of go-events.Queue.
func (b *Bus) Publish(topic Topic, source string, data any) {
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.topics[topic]...)
	b.mu.RUnlock()

	ev := Event{Topic: topic, Source: source, Data: data}
	for _, s := range subs {
		_ = s.queue.Write(ev)
	}
}

// SubscriberCount reports the number of live subscriptions for topic;
// used by tests and metrics.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
