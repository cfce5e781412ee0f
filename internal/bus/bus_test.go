package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func receiveOne(t *testing.T, h *Handle) Event {
	t.Helper()
	select {
	case event, ok := <-h.Events():
		if !ok {
			t.Fatal("delivery channel closed unexpectedly")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := New()
	h := b.Subscribe("root-1")
	defer b.Unsubscribe(h)

	delivered := b.Publish("root-1", Event{Type: "new_reply", Data: "hello"})
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	event := receiveOne(t, h)
	if event.Type != "new_reply" || event.Data != "hello" {
		t.Errorf("unexpected event: %+v", event)
	}
}

func TestPublishScopedToTopic(t *testing.T) {
	b := New()
	h1 := b.Subscribe("root-1")
	h2 := b.Subscribe("root-2")
	defer b.Unsubscribe(h1)
	defer b.Unsubscribe(h2)

	b.Publish("root-1", Event{Type: "new_reply", Data: "for root-1"})

	event := receiveOne(t, h1)
	if event.Data != "for root-1" {
		t.Errorf("unexpected payload: %+v", event)
	}
	select {
	case event := <-h2.Events():
		t.Errorf("subscriber of another topic received event: %+v", event)
	default:
	}
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	b := New()
	if delivered := b.Publish("nobody-here", Event{Type: "new_reply"}); delivered != 0 {
		t.Errorf("expected 0 deliveries, got %d", delivered)
	}
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	b := New()
	b.Publish("root-1", Event{Type: "new_reply", Data: "early"})

	h := b.Subscribe("root-1")
	defer b.Unsubscribe(h)

	select {
	case event := <-h.Events():
		t.Errorf("late subscriber received replayed event: %+v", event)
	default:
	}
}

func TestPerSubscriberOrdering(t *testing.T) {
	b := New()
	h := b.Subscribe("root-1")
	defer b.Unsubscribe(h)

	for i := 0; i < 10; i++ {
		b.Publish("root-1", Event{Type: "new_reply", Data: i})
	}
	for i := 0; i < 10; i++ {
		event := receiveOne(t, h)
		if event.Data != i {
			t.Fatalf("out of order: expected %d, got %v", i, event.Data)
		}
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New()
	h := b.Subscribe("root-1")

	b.Unsubscribe(h)
	b.Unsubscribe(h)
	b.Unsubscribe(nil)
	b.Unsubscribe(&Handle{topic: "never-subscribed", ch: make(chan Event)})

	if n := b.Subscribers("root-1"); n != 0 {
		t.Errorf("expected empty topic, got %d subscribers", n)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	h := b.Subscribe("root-1")
	b.Unsubscribe(h)

	if _, ok := <-h.Events(); ok {
		t.Error("expected closed delivery channel after unsubscribe")
	}
}

func TestUnsubscribeDoesNotAffectSiblings(t *testing.T) {
	b := New()
	h1 := b.Subscribe("root-1")
	h2 := b.Subscribe("root-1")

	b.Unsubscribe(h1)
	delivered := b.Publish("root-1", Event{Type: "new_reply", Data: "still here"})
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	event := receiveOne(t, h2)
	if event.Data != "still here" {
		t.Errorf("unexpected payload: %+v", event)
	}
	b.Unsubscribe(h2)
}

func TestSlowSubscriberLosesEventsWithoutBlocking(t *testing.T) {
	b := New()
	h := b.Subscribe("root-1")
	defer b.Unsubscribe(h)

	done := make(chan struct{})
	go func() {
		for i := 0; i < handleBuffer*3; i++ {
			b.Publish("root-1", Event{Type: "new_reply", Data: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if len(h.ch) != handleBuffer {
		t.Errorf("expected full buffer of %d, got %d", handleBuffer, len(h.ch))
	}
}

func TestConcurrentPublishAndTeardown(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		topicName := fmt.Sprintf("root-%d", i%2)
		h := b.Subscribe(topicName)

		wg.Add(2)
		go func() {
			defer wg.Done()
			for range h.Events() {
			}
		}()
		go func(name string) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(name, Event{Type: "new_reply", Data: j})
			}
			b.Unsubscribe(h)
		}(topicName)
	}

	wg.Wait()
	if n := b.Subscribers("root-0") + b.Subscribers("root-1"); n != 0 {
		t.Errorf("expected all topics empty, got %d subscribers", n)
	}
}
