package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/sigil/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-messages:
		msg.Ack()
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestWatermillPublisher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	logouts, err := pubSub.Subscribe(ctx, LogoutTopic)
	require.NoError(t, err)
	keys, err := pubSub.Subscribe(ctx, SessionKeyTopic)
	require.NoError(t, err)

	fixed := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	pub := NewWatermillPublisher(pubSub).(*WatermillPublisher)
	pub.now = func() time.Time { return fixed }

	t.Run("logout", func(t *testing.T) {
		require.NoError(t, pub.PublishLogout(ctx, "0xabc"))

		msg := receive(t, logouts)
		assert.NotEmpty(t, msg.UUID)

		var event LogoutEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		assert.Equal(t, "0xabc", event.Address)
		assert.True(t, fixed.Equal(event.At))
	})

	t.Run("session key", func(t *testing.T) {
		require.NoError(t, pub.PublishSessionKey(ctx, "0xabc", "0x01", ports.SessionKeyCreated))

		msg := receive(t, keys)
		var event SessionKeyEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		assert.Equal(t, SessionKeyEvent{Owner: "0xabc", Hash: "0x01", Event: "created", At: fixed}, event)
	})

	t.Run("unique ids", func(t *testing.T) {
		require.NoError(t, pub.PublishLogout(ctx, "0x1"))
		require.NoError(t, pub.PublishLogout(ctx, "0x2"))
		first, second := receive(t, logouts), receive(t, logouts)
		assert.NotEqual(t, first.UUID, second.UUID)
	})
}

func TestWatermillPublisher_Closed(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	require.NoError(t, pubSub.Close())

	err := NewWatermillPublisher(pubSub).PublishLogout(context.Background(), "0xabc")
	assert.Error(t, err)
}
