package eventbus

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	s1 := b.Subscribe(TopicStateChange)
	s2 := b.Subscribe(TopicStateChange)
	defer s1.Close()
	defer s2.Close()

	assert.Equal(t, b.SubscriberCount(TopicStateChange), 2)

	b.Publish(TopicStateChange, "", "payload")

	for _, sub := range []*Subscription{s1, s2} {
		select {
		case ev := <-sub.C():
			assert.Equal(t, ev.Topic, TopicStateChange)
			assert.Equal(t, ev.Data, "payload")
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := New()
	slow := b.Subscribe(TopicNewCheckResult)
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(TopicNewCheckResult, "", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a subscriber that has not drained")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicDowntimeStart)
	sub.Close()

	assert.Equal(t, b.SubscriberCount(TopicDowntimeStart), 0)
	b.Publish(TopicDowntimeStart, "", nil)
}

func TestEventCarriesSource(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicAcknowledgementCleared)
	defer sub.Close()

	b.Publish(TopicAcknowledgementCleared, "node-a", "svc1")

	select {
	case ev := <-sub.C():
		assert.Equal(t, ev.Source, "node-a")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}
