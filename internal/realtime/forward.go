package realtime

import (
	"github.com/google/uuid"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/realtime/bus"
)

func eventFor(table string) SSEEvent {
	switch table {
	case bus.TablePipelineJob:
		return SSEEventJobChanged
	case bus.TableRunItem:
		return SSEEventRunItemChanged
	default:
		return SSEEventOutputChanged
	}
}

// Forward relays one change event to the global channel and to its batch channel.
func (hub *SSEHub) Forward(ev bus.Event) {
	msg := SSEMessage{Channel: ChannelAll, Event: eventFor(ev.Table), Data: ev}
	hub.Broadcast(msg)
	if ev.BatchID != uuid.Nil {
		msg.Channel = ChannelBatch(ev.BatchID)
		hub.Broadcast(msg)
	}
}
