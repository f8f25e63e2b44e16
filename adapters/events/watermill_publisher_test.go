package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/wcsap/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishLogout(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, LogoutTopic)
	require.NoError(t, err)

	pub := NewWatermillPublisher(pubSub)
	require.NoError(t, pub.PublishLogout(ctx, "0xabc", ports.ReasonLogoutAll, 3))

	select {
	case msg := <-messages:
		msg.Ack()
		var event LogoutEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		assert.Equal(t, "0xabc", event.Identity)
		assert.Equal(t, ports.ReasonLogoutAll, event.Reason)
		assert.Equal(t, 3, event.Revoked)
		assert.Equal(t, ports.ReasonLogoutAll, msg.Metadata.Get("reason"))
		assert.NotEmpty(t, msg.UUID)
	case <-ctx.Done():
		t.Fatal("logout event was not delivered")
	}
}

func TestPublishLogoutClosedPublisher(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	require.NoError(t, pubSub.Close())

	err := NewWatermillPublisher(pubSub).PublishLogout(context.Background(), "0xabc", ports.ReasonLogout, 1)
	assert.Error(t, err)
}

func TestNopPublisher(t *testing.T) {
	assert.NoError(t, NopPublisher{}.PublishLogout(context.Background(), "0xabc", ports.ReasonLogout, 1))
}
