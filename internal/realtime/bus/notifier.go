package bus

import (
	"context"

	"github.com/google/uuid"

	types "github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
	"github.com/BennyGman66/expression-forge-studio-sub008/internal/platform/logger"
)

// Notifier publishes row changes after a successful write. Publish failures
// are logged and swallowed; the write itself already happened.
type Notifier interface {
	JobChanged(ctx context.Context, op string, jobID uuid.UUID)
	RunItemChanged(ctx context.Context, op string, item *types.RunItem)
	RunItemIDChanged(ctx context.Context, op string, id, batchID uuid.UUID)
	OutputChanged(ctx context.Context, op string, id, batchID uuid.UUID)
}

type notifier struct {
	bus Bus
	log *logger.Logger
}

func NewNotifier(b Bus, log *logger.Logger) Notifier {
	return &notifier{bus: b, log: log.With("service", "ChangeNotifier")}
}

func (n *notifier) JobChanged(ctx context.Context, op string, jobID uuid.UUID) {
	n.publish(ctx, NewEvent(TablePipelineJob, op, jobID, jobID))
}

func (n *notifier) RunItemChanged(ctx context.Context, op string, item *types.RunItem) {
	if item == nil {
		return
	}
	n.publish(ctx, NewEvent(TableRunItem, op, item.ID, item.BatchID))
}

func (n *notifier) RunItemIDChanged(ctx context.Context, op string, id, batchID uuid.UUID) {
	n.publish(ctx, NewEvent(TableRunItem, op, id, batchID))
}

func (n *notifier) OutputChanged(ctx context.Context, op string, id, batchID uuid.UUID) {
	n.publish(ctx, NewEvent(TableOutput, op, id, batchID))
}

func (n *notifier) publish(ctx context.Context, ev Event) {
	if n == nil || n.bus == nil {
		return
	}
	if err := n.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		n.log.Warn("change publish failed", "table", ev.Table, "id", ev.ID, "error", err)
	}
}
