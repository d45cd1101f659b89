package notify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mindgarden/session-ledger/notify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func event(t notify.EventType) notify.Event {
	return notify.Event{
		Type:       t,
		MappingID:  "m-1",
		RequestID:  "e-1",
		Message:    "회기 추가 요청이 등록되었습니다",
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := notify.NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Notify(ctx, event(notify.ExtensionRequested)))
	require.NoError(t, bus.Notify(ctx, event(notify.ExtensionCompleted)))

	var got []notify.EventType
	for len(got) < 2 {
		select {
		case e := <-events:
			got = append(got, e.Type)
			assert.Equal(t, "m-1", e.MappingID)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []notify.EventType{notify.ExtensionRequested, notify.ExtensionCompleted}, got)
}

type fakePublisher struct {
	key string
	msg amqp.Publishing
	err error
}

func (f *fakePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.key, f.msg = key, msg
	return f.err
}

func TestAMQP_PublishesPersistentJSON(t *testing.T) {
	pub := &fakePublisher{}
	n := notify.NewAMQPWithPublisher(pub, "ledger-events")

	require.NoError(t, n.Notify(context.Background(), event(notify.RefundApproved)))

	assert.Equal(t, "ledger-events", pub.key)
	assert.Equal(t, amqp.Persistent, pub.msg.DeliveryMode)
	assert.Equal(t, "application/json", pub.msg.ContentType)
	assert.Equal(t, string(notify.RefundApproved), pub.msg.Type)

	var decoded notify.Event
	require.NoError(t, json.Unmarshal(pub.msg.Body, &decoded))
	assert.Equal(t, "e-1", decoded.RequestID)

	pub.err = errors.New("channel closed")
	assert.Error(t, n.Notify(context.Background(), event(notify.RefundApproved)))
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &notify.Recorder{}
	bad := &notify.Recorder{Err: errors.New("smtp down")}

	err := notify.Multi{ok, bad}.Notify(context.Background(), event(notify.RefundRequested))

	assert.ErrorContains(t, err, "smtp down")
	assert.Len(t, ok.Events(), 1)
	assert.Len(t, bad.Events(), 1)
}

func TestDispatcher_DeliversAndDrainsOnStop(t *testing.T) {
	rec := &notify.Recorder{}
	d := notify.NewDispatcher(rec, 16, nil)
	d.Start()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Notify(context.Background(), event(notify.ExtensionApproved)))
	}
	d.Stop()

	assert.Len(t, rec.Events(), 5)
}

func TestDispatcher_RestartAfterStop(t *testing.T) {
	// GIVEN: A dispatcher started and stopped once
	rec := &notify.Recorder{}
	d := notify.NewDispatcher(rec, 16, nil)
	d.Start()
	require.NoError(t, d.Notify(context.Background(), event(notify.ExtensionApproved)))
	d.Stop()

	// WHEN: It is started again
	d.Start()
	require.NoError(t, d.Notify(context.Background(), event(notify.ExtensionCompleted)))

	// THEN: New events are delivered and Stop can be called again
	require.Eventually(t, func() bool { return len(rec.Events()) == 2 }, time.Second, 5*time.Millisecond)
	d.Stop()
	d.Stop()
	assert.Equal(t, []notify.EventType{notify.ExtensionApproved, notify.ExtensionCompleted}, rec.Types())
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	// GIVEN: A dispatcher that was never started, buffer of 2
	// WHEN: Three events are sent
	// THEN: Notify never blocks or fails, the third event is dropped

	rec := &notify.Recorder{}
	d := notify.NewDispatcher(rec, 2, nil)

	for i := 0; i < 3; i++ {
		assert.NoError(t, d.Notify(context.Background(), event(notify.RefundRequested)))
	}

	d.Start()
	d.Stop()
	assert.Len(t, rec.Events(), 2)
}

func TestDispatcher_FailingNotifierDoesNotStopDelivery(t *testing.T) {
	rec := &notify.Recorder{Err: errors.New("broker unavailable")}
	d := notify.NewDispatcher(rec, 4, nil)
	d.Start()

	require.NoError(t, d.Notify(context.Background(), event(notify.RefundApproved)))
	require.NoError(t, d.Notify(context.Background(), event(notify.RefundCompleted)))
	d.Stop()

	assert.Equal(t, []notify.EventType{notify.RefundApproved, notify.RefundCompleted}, rec.Types())
}
