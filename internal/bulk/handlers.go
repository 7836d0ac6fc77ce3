package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/platform/files"
	"github.com/parcelhub/jobcore/internal/platform/logger"
	"github.com/parcelhub/jobcore/internal/queue"
	"github.com/parcelhub/jobcore/internal/worker"
)

// Handlers binds the bulk job types to their ports.
type Handlers struct {
	runner    *Runner
	orders    OrderPort
	shipments ShipmentPort
	billing   BillingPort
	files     FilePort
	logger    *slog.Logger
}

// Ports groups the collaborators the bulk handlers act through.
type Ports struct {
	Orders    OrderPort
	Shipments ShipmentPort
	Billing   BillingPort
	Files     FilePort
}

// NewHandlers creates the bulk handler set.
func NewHandlers(runner *Runner, ports Ports, logger *slog.Logger) *Handlers {
	if runner == nil {
		panic("runner cannot be nil")
	}
	if ports.Orders == nil || ports.Shipments == nil || ports.Billing == nil || ports.Files == nil {
		panic("bulk ports cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		runner:    runner,
		orders:    ports.Orders,
		shipments: ports.Shipments,
		billing:   ports.Billing,
		files:     ports.Files,
		logger:    logger.With("component", "bulk_handlers"),
	}
}

// Register installs one handler per bulk job type.
func (h *Handlers) Register(reg *worker.Registry) {
	worker.Handle(reg, h.processBulkOrders)
	worker.Handle(reg, h.schedulePickup)
	worker.Handle(reg, h.cancelShipment)
	worker.Handle(reg, h.downloadLabel)
	worker.Handle(reg, h.editPickupAddress)
	worker.Handle(reg, h.editOrderDetails)
	worker.Handle(reg, h.processWeightCSV)
	worker.Handle(reg, h.processDisputeActions)
}

// begin validates the payload and scopes the logger to the delivery.
func (h *Handlers) begin(ctx context.Context, d *queue.Delivery, p job.Payload, ref job.BulkRef) (context.Context, error) {
	if err := job.ValidatePayload(p); err != nil {
		return ctx, job.Permanent(err)
	}
	log := logger.FromContextOrDefault(ctx, h.logger).With(
		"job_id", d.Envelope.ID,
		"job_type", d.Envelope.Type,
		"operation_id", ref.OperationID,
		"attempt", d.Attempt,
	)
	log.Debug("bulk job started")
	return logger.WithContext(ctx, log), nil
}

func (h *Handlers) processBulkOrders(ctx context.Context, d *queue.Delivery, p job.BulkOrdersPayload) error {
	ctx, err := h.begin(ctx, d, p, p.BulkRef)
	if err != nil {
		return err
	}
	items, err := h.rowItems(ctx, p.FilePath, func(ctx context.Context, row files.Row) error {
		_, err := h.orders.CreateOrder(ctx, p.UserID, row)
		return err
	})
	if err != nil {
		return err
	}
	return h.runner.Run(ctx, p.OperationID, items, nil)
}

func (h *Handlers) schedulePickup(ctx context.Context, d *queue.Delivery, p job.SchedulePickupPayload) error {
	ctx, err := h.begin(ctx, d, p, p.BulkRef)
	if err != nil {
		return err
	}
	items := idItems(p.ShipmentIDs, func(ctx context.Context, id string) error {
		return h.shipments.SchedulePickup(ctx, p.UserID, id, p.PickupDate)
	})
	return h.runner.Run(ctx, p.OperationID, items, nil)
}

func (h *Handlers) cancelShipment(ctx context.Context, d *queue.Delivery, p job.CancelShipmentPayload) error {
	ctx, err := h.begin(ctx, d, p, p.BulkRef)
	if err != nil {
		return err
	}
	items := idItems(p.ShipmentIDs, func(ctx context.Context, id string) error {
		return h.shipments.CancelShipment(ctx, p.UserID, id)
	})
	return h.runner.Run(ctx, p.OperationID, items, nil)
}

func (h *Handlers) downloadLabel(ctx context.Context, d *queue.Delivery, p job.DownloadLabelPayload) error {
	ctx, err := h.begin(ctx, d, p, p.BulkRef)
	if err != nil {
		return err
	}
	labels := newLabelBundle(h.shipments, h.files, p.OperationID, p.UserID)
	items := idItems(p.ShipmentIDs, labels.render)
	return h.runner.Run(ctx, p.OperationID, items, labels.finish)
}

func (h *Handlers) editPickupAddress(ctx context.Context, d *queue.Delivery, p job.EditPickupAddressPayload) error {
	ctx, err := h.begin(ctx, d, p, p.BulkRef)
	if err != nil {
		return err
	}
	items := idItems(p.OrderIDs, func(ctx context.Context, id string) error {
		return h.shipments.EditPickupAddress(ctx, p.UserID, id, p.PickupAddressID)
	})
	return h.runner.Run(ctx, p.OperationID, items, nil)
}

func (h *Handlers) editOrderDetails(ctx context.Context, d *queue.Delivery, p job.EditOrderDetailsPayload) error {
	ctx, err := h.begin(ctx, d, p, p.BulkRef)
	if err != nil {
		return err
	}
	items := make([]Item, 0, len(p.Orders))
	for _, edit := range p.Orders {
		items = append(items, Item{
			Key: edit.OrderID,
			Run: func(ctx context.Context) error {
				return h.orders.EditOrder(ctx, p.UserID, edit.OrderID, edit.Fields)
			},
		})
	}
	return h.runner.Run(ctx, p.OperationID, items, nil)
}

func (h *Handlers) processWeightCSV(ctx context.Context, d *queue.Delivery, p job.WeightCSVPayload) error {
	ctx, err := h.begin(ctx, d, p, p.BulkRef)
	if err != nil {
		return err
	}
	items, err := h.rowItems(ctx, p.FilePath, func(ctx context.Context, row files.Row) error {
		return h.billing.ApplyWeightDiscrepancy(ctx, p.UserID, row)
	})
	if err != nil {
		return err
	}
	return h.runner.Run(ctx, p.OperationID, items, nil)
}

func (h *Handlers) processDisputeActions(ctx context.Context, d *queue.Delivery, p job.DisputeActionsCSVPayload) error {
	ctx, err := h.begin(ctx, d, p, p.BulkRef)
	if err != nil {
		return err
	}
	items, err := h.rowItems(ctx, p.FilePath, func(ctx context.Context, row files.Row) error {
		return h.billing.ApplyDisputeAction(ctx, p.UserID, row)
	})
	if err != nil {
		return err
	}
	return h.runner.Run(ctx, p.OperationID, items, nil)
}

// rowItems reads the uploaded CSV and turns each data row into an item keyed
// by its 1-based position. A missing upload cannot succeed on retry.
func (h *Handlers) rowItems(ctx context.Context, path string, fn func(context.Context, files.Row) error) ([]Item, error) {
	rows, err := h.files.ReadRows(ctx, path)
	if err != nil {
		if errors.Is(err, files.ErrNotFound) || errors.Is(err, files.ErrInvalidPath) {
			return nil, job.Permanent(fmt.Errorf("read %s: %w", path, err))
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	items := make([]Item, 0, len(rows))
	for i, row := range rows {
		items = append(items, Item{
			Key: RowKey(i),
			Run: func(ctx context.Context) error { return fn(ctx, row) },
		})
	}
	return items, nil
}

// RowKey names the item for the i-th (0-based) data row of a CSV upload.
func RowKey(i int) string {
	return fmt.Sprintf("row-%d", i+1)
}

func idItems(ids []string, fn func(context.Context, string) error) []Item {
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, Item{
			Key: id,
			Run: func(ctx context.Context) error { return fn(ctx, id) },
		})
	}
	return items
}
