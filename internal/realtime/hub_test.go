package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime/bus"
)

func recvMessage(t *testing.T, ch <-chan SSEMessage, timeout time.Duration) SSEMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for SSE message")
	}
	return SSEMessage{}
}

func TestSSEHubOrderingAndReconnect(t *testing.T) {
	hub := NewSSEHub(logger.Nop())
	channel := ChannelBatch(uuid.New())

	clientA := hub.NewSSEClient()
	hub.AddChannel(clientA, channel)

	hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventRunItemChanged, Data: map[string]any{"seq": 1}})
	hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventOutputChanged, Data: map[string]any{"seq": 2}})

	assert.Equal(t, SSEEventRunItemChanged, recvMessage(t, clientA.Outbound, time.Second).Event)
	assert.Equal(t, SSEEventOutputChanged, recvMessage(t, clientA.Outbound, time.Second).Event)

	hub.CloseClient(clientA)
	hub.CloseClient(clientA)
	_, ok := <-clientA.Outbound
	assert.False(t, ok, "outbound should be closed after disconnect")
	assert.Zero(t, hub.Subscribers(channel))

	clientB := hub.NewSSEClient()
	hub.AddChannel(clientB, channel)
	hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventJobChanged})
	assert.Equal(t, SSEEventJobChanged, recvMessage(t, clientB.Outbound, time.Second).Event)
}

func TestSSEHubForwardScopesByBatch(t *testing.T) {
	hub := NewSSEHub(logger.Nop())
	batch := uuid.New()

	all := hub.NewSSEClient()
	hub.AddChannel(all, ChannelAll)
	scoped := hub.NewSSEClient()
	hub.AddChannel(scoped, ChannelBatch(batch))
	other := hub.NewSSEClient()
	hub.AddChannel(other, ChannelBatch(uuid.New()))

	hub.Forward(bus.NewEvent(bus.TableRunItem, bus.OpUpdate, uuid.New(), batch))

	assert.Equal(t, SSEEventRunItemChanged, recvMessage(t, all.Outbound, time.Second).Event)
	assert.Equal(t, SSEEventRunItemChanged, recvMessage(t, scoped.Outbound, time.Second).Event)
	select {
	case msg := <-other.Outbound:
		t.Fatalf("unexpected message on other batch: %+v", msg)
	default:
	}
}

func TestSSEHubServeHTTPWritesEvents(t *testing.T) {
	hub := NewSSEHub(logger.Nop())
	client := hub.NewSSEClient()
	hub.AddChannel(client, ChannelAll)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/api/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		hub.ServeHTTP(rec, req, client)
		close(done)
	}()

	hub.Broadcast(SSEMessage{Channel: ChannelAll, Event: SSEEventJobChanged, Data: map[string]any{"id": "x"}})
	require.Eventually(t, func() bool { return len(client.Outbound) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(body, "event: JobChanged"), body)
}
