package events

import (
	"testing"
	"time"

	"github.com/odgrim/abathur-swarm-sub017/internal/task"
)

func TestTopicRouting(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	queueCh := bus.Subscribe(TopicQueue, 4)
	swarmCh := bus.Subscribe(TopicSwarm, 4)

	bus.Publish(SubmittedEvent{ID: "t-1", Status: task.StatusReady})
	bus.Publish(OutcomeEvent{ID: "t-1", Success: true})

	select {
	case e := <-queueCh:
		if _, ok := e.(SubmittedEvent); !ok {
			t.Fatalf("queue subscriber got %T, want SubmittedEvent", e)
		}
	default:
		t.Fatal("queue subscriber received nothing")
	}
	select {
	case e := <-swarmCh:
		if _, ok := e.(OutcomeEvent); !ok {
			t.Fatalf("swarm subscriber got %T, want OutcomeEvent", e)
		}
	default:
		t.Fatal("swarm subscriber received nothing")
	}

	// Neither channel should see the other topic's event.
	select {
	case e := <-queueCh:
		t.Fatalf("queue subscriber got cross-topic event %T", e)
	default:
	}
}

func TestSubscribeAllSeesEveryTopic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(4)
	bus.Publish(TransitionEvent{ID: "t-1", From: task.StatusReady, To: task.StatusRunning})
	bus.Publish(SweepEvent{Promoted: 2, Timestamp: time.Now()})

	var got []Event
	for i := 0; i < 2; i++ {
		select {
		case e := <-all:
			got = append(got, e)
		default:
			t.Fatalf("received %d events, want 2", len(got))
		}
	}
	if got[0].TaskID() != "t-1" || got[1].TaskID() != "" {
		t.Fatalf("events out of order or mislabeled: %+v", got)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicQueue, 1)
	bus.Publish(SubmittedEvent{ID: "a"})

	done := make(chan struct{})
	go func() {
		// Buffer full; the event is dropped rather than stalling us.
		bus.Publish(SubmittedEvent{ID: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}

	if e := <-ch; e.TaskID() != "a" {
		t.Fatalf("buffered event = %s, want a", e.TaskID())
	}
}

func TestCloseIsIdempotentAndClosesChannels(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicQueue, 1)
	all := bus.SubscribeAll(1)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Fatal("topic channel still open after Close")
	}
	if _, ok := <-all; ok {
		t.Fatal("all-topic channel still open after Close")
	}

	// Post-close operations are safe no-ops.
	bus.Publish(SubmittedEvent{ID: "late"})
	if _, ok := <-bus.Subscribe(TopicQueue, 1); ok {
		t.Fatal("post-close Subscribe returned an open channel")
	}
}
