// Package bulk implements the job handlers behind bulk operations: each
// handler expands its payload into sub-units, runs them through a Runner
// that records per-item progress, and finishes with a report artifact.
package bulk

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/platform/files"
)

// ErrTransient marks an item failure caused by infrastructure rather than by
// the item itself. It aborts the handler so the job is retried; every other
// item error is recorded as a failed item.
var ErrTransient = errors.New("transient failure")

// OrderPort creates and edits orders.
type OrderPort interface {
	CreateOrder(ctx context.Context, userID uuid.UUID, row files.Row) (string, error)
	EditOrder(ctx context.Context, userID uuid.UUID, orderID string, fields map[string]string) error
}

// ShipmentPort acts on existing shipments.
type ShipmentPort interface {
	SchedulePickup(ctx context.Context, userID uuid.UUID, shipmentID, pickupDate string) error
	CancelShipment(ctx context.Context, userID uuid.UUID, shipmentID string) error
	EditPickupAddress(ctx context.Context, userID uuid.UUID, orderID, pickupAddressID string) error
	RenderLabel(ctx context.Context, userID uuid.UUID, shipmentID string) ([]byte, error)
}

// BillingPort applies billing reconciliation rows.
type BillingPort interface {
	ApplyWeightDiscrepancy(ctx context.Context, userID uuid.UUID, row files.Row) error
	ApplyDisputeAction(ctx context.Context, userID uuid.UUID, row files.Row) error
}

// FilePort reads uploads and stores generated artifacts.
type FilePort interface {
	ReadRows(ctx context.Context, name string) ([]files.Row, error)
	CountRows(ctx context.Context, name string) (int, error)
	WriteArtifact(ctx context.Context, name string, write func(io.Writer) error) (string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

var _ FilePort = (*files.Local)(nil)
