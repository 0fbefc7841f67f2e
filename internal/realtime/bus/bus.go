package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	TablePipelineJob = "pipeline_job"
	TableRunItem     = "run_item"
	TableOutput      = "output"

	OpInsert = "insert"
	OpUpdate = "update"
)

// Event is one row-level change notification. BatchID is the owning
// pipeline job id; for pipeline_job rows it equals ID.
type Event struct {
	Table   string    `json:"table"`
	Op      string    `json:"op"`
	ID      uuid.UUID `json:"id"`
	BatchID uuid.UUID `json:"batch_id"`
	At      time.Time `json:"at"`
}

// Bus fans change events out to subscribers. Subscribe returns once the
// subscription is live and delivers events until ctx is done.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, fn func(Event)) error
	Close() error
}

func NewEvent(table, op string, id, batchID uuid.UUID) Event {
	return Event{Table: table, Op: op, ID: id, BatchID: batchID, At: time.Now().UTC()}
}
