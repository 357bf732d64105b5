package messages

import (
	"os"
	"testing"
	"time"

	"github.com/cuemby/forge/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func receive(t *testing.T, sub Subscriber) *Message {
	t.Helper()
	select {
	case msg := <-sub:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestMessageBroadcast(t *testing.T) {
	ms := NewMessenger()

	subA := ms.Subscribe()
	subB := ms.Subscribe()
	defer ms.Unsubscribe(subA)
	defer ms.Unsubscribe(subB)

	ms.Message(New(KindStatus, "building element"))

	for _, sub := range []Subscriber{subA, subB} {
		msg := receive(t, sub)
		assert.Equal(t, KindStatus, msg.Kind)
		assert.Equal(t, "building element", msg.Brief)
		assert.False(t, msg.Timestamp.IsZero())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ms := NewMessenger()

	sub := ms.Subscribe()
	ms.Unsubscribe(sub)

	// Delivery to a removed subscriber must not panic
	ms.Message(New(KindDebug, "dropped"))

	_, open := <-sub
	assert.False(t, open)
}

func TestFullSubscriberIsSkipped(t *testing.T) {
	ms := NewMessenger()

	sub := ms.Subscribe()
	defer ms.Unsubscribe(sub)

	// Overflow the subscriber buffer; the messenger must not block
	for i := 0; i < 100; i++ {
		ms.Message(New(KindDebug, "flood"))
	}
}

func TestMessageBuilders(t *testing.T) {
	msg := New(KindError, "element failed").
		WithDetail("exit status 1").
		WithPlugin(42).
		WithElapsed(3 * time.Second)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "exit status 1", msg.Detail)
	assert.Equal(t, uint64(42), msg.PluginID)
	assert.Equal(t, 3*time.Second, msg.Elapsed)
}

func TestTimedActivity(t *testing.T) {
	ms := NewMessenger()
	sub := ms.Subscribe()
	defer ms.Unsubscribe(sub)

	activity := ms.TimedActivity("terminating helper")

	start := receive(t, sub)
	assert.Equal(t, KindStart, start.Kind)

	activity.Stop()
	end := receive(t, sub)
	assert.Equal(t, KindSuccess, end.Kind)
	assert.Equal(t, "terminating helper", end.Brief)
	assert.NotZero(t, end.Elapsed)
}

func TestTimedActivityFailure(t *testing.T) {
	ms := NewMessenger()
	sub := ms.Subscribe()
	defer ms.Unsubscribe(sub)

	activity := ms.TimedActivity("doomed")
	receive(t, sub)

	activity.Fail()
	end := receive(t, sub)
	assert.Equal(t, KindFail, end.Kind)
}

func TestActivityClosesOnce(t *testing.T) {
	ms := NewMessenger()
	sub := ms.Subscribe()
	defer ms.Unsubscribe(sub)

	activity := ms.TimedActivity("once")
	receive(t, sub)

	activity.Stop()
	activity.Fail() // ignored, already closed
	activity.Stop() // ignored, already closed

	receive(t, sub)
	select {
	case msg := <-sub:
		t.Fatalf("unexpected extra message: %v", msg.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestActivityElapsedIsMeasured(t *testing.T) {
	ms := NewMessenger()
	sub := ms.Subscribe()
	defer ms.Unsubscribe(sub)

	activity := ms.TimedActivity("slow")
	receive(t, sub)

	time.Sleep(20 * time.Millisecond)
	activity.Stop()

	end := receive(t, sub)
	require.GreaterOrEqual(t, end.Elapsed, 20*time.Millisecond)
}
