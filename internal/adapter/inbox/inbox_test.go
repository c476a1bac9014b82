package inbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/alanyang/agent-coordinator/internal/adapter/inbox"
	"github.com/alanyang/agent-coordinator/internal/domain/event"
	"github.com/alanyang/agent-coordinator/internal/domain/message"
	"github.com/alanyang/agent-coordinator/internal/mocks"
	portdeliverer "github.com/alanyang/agent-coordinator/internal/port/deliverer"
)

var (
	_ portdeliverer.Endpoint = (*inbox.Bus)(nil)
	_ portdeliverer.Endpoint = inbox.Chain(nil)
)

func TestBus_PublishesOnInboxTopic(t *testing.T) {
	ctrl := gomock.NewController(t)
	bus := mocks.NewMockEventBus(ctrl)
	msg := message.New("caller", "", message.TypeRequest, map[string]any{"q": 1.0})

	bus.EXPECT().Publish(gomock.Any(), event.Topic("agent.a1.messages"), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ event.Topic, data []byte) error {
			var got message.RoutedMessage
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, msg.ID, got.ID)
			return nil
		})

	require.NoError(t, inbox.NewBus(bus).Deliver(context.Background(), "a1", msg))
}

func TestBus_WrapsPublishError(t *testing.T) {
	ctrl := gomock.NewController(t)
	bus := mocks.NewMockEventBus(ctrl)
	boom := errors.New("nats: connection closed")
	bus.EXPECT().Publish(gomock.Any(), gomock.Any(), gomock.Any()).Return(boom)

	err := inbox.NewBus(bus).Deliver(context.Background(), "a1", message.New("c", "", message.TypeRequest, nil))
	assert.ErrorIs(t, err, boom)
}

func TestChain_FirstReachingEndpointWins(t *testing.T) {
	ctrl := gomock.NewController(t)
	local := mocks.NewMockEndpoint(ctrl)
	sessions := mocks.NewMockEndpoint(ctrl)
	fallback := mocks.NewMockEndpoint(ctrl)
	msg := message.New("c", "", message.TypeRequest, nil)

	local.EXPECT().Reaches("a1").Return(false)
	sessions.EXPECT().Reaches("a1").Return(true)
	sessions.EXPECT().Deliver(gomock.Any(), "a1", msg).Return(nil)

	chain := inbox.NewChain(local, sessions, fallback)
	require.NoError(t, chain.Deliver(context.Background(), "a1", msg))
}

func TestChain_Unreachable(t *testing.T) {
	ctrl := gomock.NewController(t)
	local := mocks.NewMockEndpoint(ctrl)
	local.EXPECT().Reaches("ghost").Return(false).Times(2)

	chain := inbox.NewChain(local)
	err := chain.Deliver(context.Background(), "ghost", message.New("c", "", message.TypeRequest, nil))
	assert.ErrorIs(t, err, inbox.ErrUnreachable)
	assert.False(t, chain.Reaches("ghost"))
}
