package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("wf-1", 4)
	defer m.Unsubscribe("wf-1", ch)

	m.Publish(Event{WorkflowID: "wf-1", Type: EventTaskDispatched, TaskID: "t1"})

	select {
	case evt := <-ch:
		assert.Equal(t, EventTaskDispatched, evt.Type)
		assert.Equal(t, "t1", evt.TaskID)
		assert.Equal(t, uint64(0), evt.Seq)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishIsolatesWorkflows(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("wf-a", 4)
	defer m.Unsubscribe("wf-a", ch)

	m.Publish(Event{WorkflowID: "wf-b", Type: EventAgentSpawned})

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event for other workflow: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("wf-1", 1)
	defer m.Unsubscribe("wf-1", ch)

	for i := 0; i < 5; i++ {
		m.Publish(Event{WorkflowID: "wf-1", Type: EventTaskEnqueued})
	}

	// Only the first event fits the buffer; the rest are dropped, never blocked.
	assert.Len(t, ch, 1)
}

func TestReplaySince(t *testing.T) {
	m := NewManager(16)
	for i := 0; i < 5; i++ {
		m.Publish(Event{WorkflowID: "wf-1", Type: EventTaskCompleted})
	}

	events := m.ReplaySince("wf-1", 2)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(4), events[1].Seq)

	assert.Nil(t, m.ReplaySince("wf-unknown", 0))
}

func TestReplayBoundedByCapacity(t *testing.T) {
	m := NewManager(4)
	for i := 0; i < 10; i++ {
		m.Publish(Event{WorkflowID: "wf-1", Type: EventTaskEnqueued})
	}

	events := m.ReplaySince("wf-1", 0)
	require.Len(t, events, 4)
	assert.Equal(t, uint64(6), events[0].Seq)
	assert.Equal(t, uint64(9), events[3].Seq)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("wf-1", 4)
	m.Unsubscribe("wf-1", ch)

	_, open := <-ch
	assert.False(t, open)
}
