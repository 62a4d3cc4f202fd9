package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Ch():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
	}
	return Event{}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %s: %#v", ev.Topic, ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_RoutesByTopicPrefix(t *testing.T) {
	b := New()
	jobs := b.Subscribe("job.")
	sessions := b.Subscribe("session.")
	everything := b.Subscribe("")
	defer b.Unsubscribe(jobs)
	defer b.Unsubscribe(sessions)
	defer b.Unsubscribe(everything)

	b.Publish(TopicJobsChanged, JobsChangedEvent{Version: 2, Names: []string{"morning-check"}, Source: "tool"})
	b.Publish(TopicSessionState, SessionStateEvent{Session: "main", State: "busy"})
	b.Publish(TopicNotification, "disk is full")

	ev := recv(t, jobs)
	if changed, ok := ev.Payload.(JobsChangedEvent); ev.Topic != TopicJobsChanged || !ok || changed.Version != 2 {
		t.Fatalf("job subscriber got %s %#v", ev.Topic, ev.Payload)
	}
	expectNone(t, jobs)

	ev = recv(t, sessions)
	if st, ok := ev.Payload.(SessionStateEvent); !ok || st.State != "busy" {
		t.Fatalf("session subscriber got %#v", ev.Payload)
	}
	expectNone(t, sessions)

	want := []string{TopicJobsChanged, TopicSessionState, TopicNotification}
	for _, topic := range want {
		if got := recv(t, everything).Topic; got != topic {
			t.Fatalf("catch-all got %q, want %q", got, topic)
		}
	}
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	slow := b.Subscribe(TopicSessionTurn)
	defer b.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize+25; i++ {
			b.Publish(TopicSessionTurn, SessionTurnEvent{Session: "main", Records: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := len(slow.Ch()); got != defaultBufferSize {
		t.Fatalf("buffered = %d, want %d", got, defaultBufferSize)
	}
	if got := b.Dropped(); got != 25 {
		t.Fatalf("dropped = %d, want 25", got)
	}
	if first := recv(t, slow).Payload.(SessionTurnEvent); first.Records != 0 {
		t.Fatalf("oldest event lost: %+v", first)
	}
}

func TestBus_UnsubscribeClosesOnce(t *testing.T) {
	b := New()
	sub := b.Subscribe("job.")
	if n := b.SubscriberCount(); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(TopicJobOutcome, "after unsubscribe")
}

func TestBus_NilBus(t *testing.T) {
	var b *Bus
	b.Publish(TopicJobOutcome, nil)
	b.Unsubscribe(nil)
	if b.Dropped() != 0 {
		t.Fatal("nil bus reports drops")
	}
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const sessions, turns = 8, 6
	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < turns; i++ {
				b.Publish(TopicSessionTurn, SessionTurnEvent{Records: s*turns + i})
			}
		}(s)
	}
	wg.Wait()

	seen := map[int]bool{}
	for i := 0; i < sessions*turns; i++ {
		seen[recv(t, sub).Payload.(SessionTurnEvent).Records] = true
	}
	if len(seen) != sessions*turns {
		t.Fatalf("distinct events = %d, want %d", len(seen), sessions*turns)
	}
}
