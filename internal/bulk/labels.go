package bulk

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/operation"
	"github.com/parcelhub/jobcore/internal/platform/files"
)

// labelBundle renders one label file per shipment and zips the successful
// ones into the operation's deliverable.
type labelBundle struct {
	shipments   ShipmentPort
	files       FilePort
	operationID uuid.UUID
	userID      uuid.UUID
}

func newLabelBundle(shipments ShipmentPort, files FilePort, operationID, userID uuid.UUID) *labelBundle {
	return &labelBundle{
		shipments:   shipments,
		files:       files,
		operationID: operationID,
		userID:      userID,
	}
}

func (b *labelBundle) labelPath(shipmentID string) string {
	return path.Join("labels", b.operationID.String(), shipmentID+".pdf")
}

// BundlePath is where the zip deliverable of operation id is stored.
func BundlePath(id uuid.UUID) string {
	return path.Join("labels", id.String()+".zip")
}

func (b *labelBundle) render(ctx context.Context, shipmentID string) error {
	pdf, err := b.shipments.RenderLabel(ctx, b.userID, shipmentID)
	if err != nil {
		return err
	}
	_, err = b.files.WriteArtifact(ctx, b.labelPath(shipmentID), func(w io.Writer) error {
		_, err := w.Write(pdf)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: store label: %w", ErrTransient, err)
	}
	return nil
}

func (b *labelBundle) finish(ctx context.Context, _ *operation.Operation, done []operation.Item) (operation.Artifacts, error) {
	p, err := b.files.WriteArtifact(ctx, BundlePath(b.operationID), func(w io.Writer) error {
		zw := zip.NewWriter(w)
		for _, it := range done {
			if !it.Success {
				continue
			}
			if err := b.addLabel(ctx, zw, it.Key); err != nil {
				return err
			}
		}
		return zw.Close()
	})
	if err != nil {
		return operation.Artifacts{}, fmt.Errorf("bundle labels: %w", err)
	}
	return operation.Artifacts{FilePath: p}, nil
}

// addLabel copies a stored label into the archive, rendering it again when
// an earlier delivery checkpointed the item but its file is gone.
func (b *labelBundle) addLabel(ctx context.Context, zw *zip.Writer, shipmentID string) error {
	r, err := b.files.Open(ctx, b.labelPath(shipmentID))
	if errors.Is(err, files.ErrNotFound) {
		if err := b.render(ctx, shipmentID); err != nil {
			return fmt.Errorf("re-render label %s: %w", shipmentID, err)
		}
		r, err = b.files.Open(ctx, b.labelPath(shipmentID))
	}
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	w, err := zw.Create(shipmentID + ".pdf")
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	return err
}
