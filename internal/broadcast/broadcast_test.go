package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/workspace-sync/internal/types"
)

type collector struct {
	mu       sync.Mutex
	messages []Message
}

func (c *collector) deliver(msg Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return 1
}

func (c *collector) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

func TestNewMessageEncodesFrame(t *testing.T) {
	msg, err := NewMessage("ws1", types.EventChangesPull, types.ChangeBroadcast{ScopeID: "r1"}, "d1")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, types.DeviceID("d1"), msg.SkipDevice)

	var frame types.Frame
	require.NoError(t, json.Unmarshal(msg.Frame, &frame))
	assert.Equal(t, types.EventChangesPull, frame.Event)
	assert.JSONEq(t, `{"workspaceId":"","scopeType":"","scopeId":"r1","deviceId":"","minEpoch":0,"maxEpoch":0,"changes":null}`, string(frame.Data))
}

func TestLocalDeliversImmediately(t *testing.T) {
	var sink collector
	local := NewLocal(sink.deliver)
	msg, err := NewMessage("ws1", types.EventPresence, types.PresenceList{WorkspaceID: "ws1"}, "")
	require.NoError(t, err)

	require.NoError(t, local.Publish(context.Background(), msg))
	assert.Len(t, sink.snapshot(), 1)
}

func TestRedisBroadcasterFansOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newInstance := func() (*RedisBroadcaster, *collector) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		var sink collector
		b := NewRedisBroadcaster(client, sink.deliver, zerolog.Nop())
		go func() { _ = b.Run(ctx) }()
		select {
		case <-b.Ready():
		case <-time.After(2 * time.Second):
			t.Fatal("subscription not ready")
		}
		return b, &sink
	}
	a, sinkA := newInstance()
	_, sinkB := newInstance()

	msg, err := NewMessage("ws1", types.EventChangesPull, types.ChangeBroadcast{WorkspaceID: "ws1"}, "d1")
	require.NoError(t, err)
	require.NoError(t, a.Publish(ctx, msg))

	for _, sink := range []*collector{sinkA, sinkB} {
		require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
		got := sink.snapshot()[0]
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, types.DeviceID("d1"), got.SkipDevice)
		assert.Equal(t, msg.Frame, got.Frame)
	}
}

func TestRedisBroadcasterDropsDuplicates(t *testing.T) {
	var sink collector
	b := NewRedisBroadcaster(nil, sink.deliver, zerolog.Nop())
	msg, err := NewMessage("ws1", types.EventSyncConflict, types.ConflictBroadcast{WorkspaceID: "ws1"}, "")
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	require.NoError(t, b.process(&redis.Message{Payload: string(raw)}))
	require.NoError(t, b.process(&redis.Message{Payload: string(raw)}))
	assert.Len(t, sink.snapshot(), 1)

	assert.Error(t, b.process(&redis.Message{Payload: "{"}))
	assert.Error(t, b.process(&redis.Message{Payload: `{"id":"x"}`}))
}

func TestRedisBroadcasterRejectsIncompleteMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedisBroadcaster(client, func(Message) int { return 0 }, zerolog.Nop())

	assert.Error(t, b.Publish(context.Background(), Message{ID: "x"}))
}

func TestKafkaSinkExportsBatches(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)

	var keys []string
	var mu sync.Mutex
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		mu.Lock()
		keys = append(keys, string(key))
		mu.Unlock()
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var event types.ChangeBroadcast
		return json.Unmarshal(value, &event)
	})

	sink := NewKafkaSink(producer, "sync.changes", KafkaSinkOptions{Workers: 1}, zerolog.Nop())
	require.NoError(t, sink.Enqueue(context.Background(), types.ChangeBroadcast{
		WorkspaceID: "ws1", ScopeType: types.ScopeRequest, ScopeID: "r1", MinEpoch: 1, MaxEpoch: 1,
	}))
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ws1/request:r1"}, keys)
	require.NoError(t, producer.Close())
}

func TestKafkaSinkRetriesThenDrops(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	failure := errors.New("broker unavailable")
	producer.ExpectSendMessageAndFail(failure)
	producer.ExpectSendMessageAndFail(failure)

	sink := NewKafkaSink(producer, "sync.changes", KafkaSinkOptions{
		Workers: 1, MaxRetry: 1, BaseBackoff: time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, sink.Enqueue(context.Background(), types.ChangeBroadcast{WorkspaceID: "ws1"}))
	sink.Close()

	require.NoError(t, producer.Close())
	assert.ErrorIs(t, sink.Enqueue(context.Background(), types.ChangeBroadcast{}), ErrSinkClosed)
}
