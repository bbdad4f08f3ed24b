package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				t.Fatalf("channel closed after %d events, wanted %d", len(out), n)
			}
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events, wanted %d", len(out), n)
		}
	}
	return out
}

func TestPublishPreservesOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("t1")
	for i := 0; i < 5; i++ {
		bus.Publish(New(TypeLog, "t1", LogData{Level: LevelInfo, Message: string(rune('a' + i))}))
	}

	got := collect(t, sub, 5)
	for i, ev := range got {
		require.Equal(t, TypeLog, ev.Type)
		assert.Equal(t, string(rune('a'+i)), ev.Data.(LogData).Message)
	}
}

func TestSubscriberSeesOnlyEventsAfterAttach(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Publish(New(TypeLog, "t1", LogData{Message: "before"}))
	sub := bus.Subscribe("t1")
	bus.Publish(New(TypeLog, "t1", LogData{Message: "after"}))

	got := collect(t, sub, 1)
	assert.Equal(t, "after", got[0].Data.(LogData).Message)
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub1 := bus.Subscribe("t1")
	sub2 := bus.Subscribe("t2")

	bus.Publish(New(TypeLog, "t1", LogData{Message: "one"}))
	bus.Publish(New(TypeLog, "t2", LogData{Message: "two"}))

	assert.Equal(t, "one", collect(t, sub1, 1)[0].Data.(LogData).Message)
	assert.Equal(t, "two", collect(t, sub2, 1)[0].Data.(LogData).Message)
}

func TestOverflowDropsOldestAndMarks(t *testing.T) {
	bus := NewBus(WithSubscriberBuffer(3))
	defer bus.Close()

	sub := bus.Subscribe("t1")
	// The subscriber is not reading yet; the pump takes one event into its
	// send attempt, the queue holds three, everything further drops oldest.
	for i := 0; i < 10; i++ {
		bus.Publish(New(TypeLog, "t1", LogData{Message: string(rune('0' + i))}))
	}

	// Read everything until a dropped marker appears.
	deadline := time.After(2 * time.Second)
	var sawDropped bool
	var last Event
	for !sawDropped {
		select {
		case ev := <-sub.C():
			if ev.Type == TypeDropped {
				sawDropped = true
				assert.Greater(t, ev.Data.(DroppedData).Count, 0)
			}
			last = ev
		case <-deadline:
			t.Fatal("no dropped marker observed")
		}
	}
	_ = last

	// The newest event always survives.
	got := collect(t, sub, 3)
	assert.Equal(t, "9", got[len(got)-1].Data.(LogData).Message)
}

func TestCompleteClosesTopic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("t1")
	bus.Publish(New(TypeComplete, "t1", CompleteData{Summary: "done"}))

	got := collect(t, sub, 1)
	assert.Equal(t, TypeComplete, got[0].Type)

	_, ok := <-sub.C()
	assert.False(t, ok, "channel should be closed after complete")

	// Publishing after termination reaches no one.
	bus.Publish(New(TypeLog, "t1", LogData{Message: "late"}))
	assert.Equal(t, 0, bus.SubscriberCount("t1"))
}

func TestTerminalErrorClosesTopic(t *testing.T) {
	for _, code := range []string{ErrorCodeCancelled, ErrorCodeTimeout} {
		bus := NewBus()
		sub := bus.Subscribe("t1")
		bus.Publish(New(TypeError, "t1", ErrorData{Message: "stop", Code: code}))

		got := collect(t, sub, 1)
		assert.Equal(t, TypeError, got[0].Type)
		_, ok := <-sub.C()
		assert.False(t, ok, code)
		bus.Close()
	}
}

func TestNonTerminalErrorKeepsTopicOpen(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("t1")
	bus.Publish(New(TypeError, "t1", ErrorData{Message: "transient"}))
	bus.Publish(New(TypeLog, "t1", LogData{Message: "still here"}))

	got := collect(t, sub, 2)
	assert.Equal(t, TypeError, got[0].Type)
	assert.Equal(t, TypeLog, got[1].Type)
}

func TestCancelDetachesSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("t1")
	sub.Cancel()

	require.Eventually(t, func() bool {
		return bus.SubscriberCount("t1") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHistoryRingEviction(t *testing.T) {
	h := NewHistory(3, 2, time.Minute)
	defer h.Close()

	for i := 0; i < 5; i++ {
		h.AppendLog("t1", LogEntry{Message: string(rune('a' + i))})
	}
	logs := h.Logs("t1")
	require.Len(t, logs, 3)
	assert.Equal(t, "c", logs[0].Message)
	assert.Equal(t, "e", logs[2].Message)

	h.AppendChat("t1", New(TypeChatMessage, "t1", ChatMessage{Content: "1"}))
	h.AppendChat("t1", New(TypeToolActivity, "t1", ToolActivity{Name: "write_file"}))
	h.AppendChat("t1", New(TypeChatMessage, "t1", ChatMessage{Content: "3"}))
	assert.Len(t, h.Chat("t1"), 2)

	// Non chat/tool events are ignored.
	h.AppendChat("t1", New(TypeLog, "t1", LogData{}))
	assert.Len(t, h.Chat("t1"), 2)
}

func TestHistoryLogEvictionTimer(t *testing.T) {
	h := NewHistory(10, 10, 20*time.Millisecond)
	defer h.Close()

	h.AppendLog("t1", LogEntry{Message: "x"})
	h.ScheduleLogEviction("t1")

	require.Eventually(t, func() bool {
		return len(h.Logs("t1")) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHistoryCancelEviction(t *testing.T) {
	h := NewHistory(10, 10, 30*time.Millisecond)
	defer h.Close()

	h.AppendLog("t1", LogEntry{Message: "x"})
	h.ScheduleLogEviction("t1")
	h.CancelLogEviction("t1")

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, h.Logs("t1"), 1)
}
