package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/http/response"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/jobs/tracker"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/services"
)

type RealtimeHandler struct {
	Log      *logger.Logger
	Hub      *realtime.SSEHub
	Pipeline services.PipelineService
}

func NewRealtimeHandler(log *logger.Logger, hub *realtime.SSEHub, pipeline services.PipelineService) *RealtimeHandler {
	return &RealtimeHandler{
		Log:      log.With("handler", "RealtimeHandler"),
		Hub:      hub,
		Pipeline: pipeline,
	}
}

// GET /api/stream?batch_id=
// Without batch_id the client receives every change.
func (h *RealtimeHandler) Stream(c *gin.Context) {
	channel := realtime.ChannelAll
	if raw := c.Query("batch_id"); raw != "" {
		batchID, err := uuid.Parse(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_batch_id", err)
			return
		}
		channel = realtime.ChannelBatch(batchID)
	}

	client := h.Hub.NewSSEClient()
	h.Hub.AddChannel(client, channel)
	h.Log.Debug("SSE stream open", "client_id", client.ID, "channel", channel)

	h.Hub.ServeHTTP(c.Writer, c.Request, client)
	h.Hub.CloseClient(client)
}

// GET /api/batches/:id/summary/stream?required_options=
// Pushes a fresh summary after every settled burst of changes.
func (h *RealtimeHandler) SummaryStream(c *gin.Context) {
	batchID, ok := parseID(c, "invalid_batch_id")
	if !ok {
		return
	}
	required, err := requiredOptions(c)
	if err != nil {
		respondServiceError(c, "invalid_required_options", err)
		return
	}

	client := h.Hub.NewSSEClient()
	channel := realtime.ChannelBatch(batchID)
	ctx, cancel := context.WithCancel(c.Request.Context())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := h.Pipeline.WatchSummaries(ctx, batchID, required, func(sum tracker.Summary) {
			select {
			case client.Outbound <- realtime.SSEMessage{Channel: channel, Event: realtime.SSEEventSummary, Data: sum}:
			default:
				h.Log.Warn("Dropping summary; outbound buffer full", "client_id", client.ID)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			h.Log.Warn("summary watch ended", "batch_id", batchID, "error", err)
		}
	}()

	h.Hub.ServeHTTP(c.Writer, c.Request, client)
	cancel()
	wg.Wait()
	h.Hub.CloseClient(client)
}
