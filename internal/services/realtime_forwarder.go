package services

import (
	"context"
	"fmt"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime/bus"
)

// StartRealtimeForwarder relays every change-feed event to SSE clients of
// this instance until ctx is done.
func StartRealtimeForwarder(ctx context.Context, b bus.Bus, hub *realtime.SSEHub, log *logger.Logger) error {
	if b == nil || hub == nil {
		return fmt.Errorf("realtime forwarder: bus and hub required")
	}
	if err := b.Subscribe(ctx, hub.Forward); err != nil {
		return fmt.Errorf("realtime forwarder: %w", err)
	}
	log.With("service", "RealtimeForwarder").Info("forwarding change feed to SSE hub")
	return nil
}
