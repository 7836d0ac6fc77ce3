package job

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// Payload is implemented by every job payload struct.
type Payload interface {
	JobType() Type
}

// Tracked is implemented by payloads that report progress on an operation.
type Tracked interface {
	OperationRef() uuid.UUID
}

// BulkRef links a bulk payload to its operation and owner.
type BulkRef struct {
	OperationID uuid.UUID `json:"operation_id" validate:"required"`
	UserID      uuid.UUID `json:"user_id" validate:"required"`
}

// OperationRef implements Tracked.
func (r BulkRef) OperationRef() uuid.UUID { return r.OperationID }

// BulkOrdersPayload creates orders from the rows of an uploaded CSV.
type BulkOrdersPayload struct {
	BulkRef
	FilePath string `json:"file_path" validate:"required"`
}

// SchedulePickupPayload schedules a courier pickup for each shipment.
type SchedulePickupPayload struct {
	BulkRef
	ShipmentIDs []string `json:"shipment_ids" validate:"required,min=1,unique,dive,required"`
	PickupDate  string   `json:"pickup_date" validate:"required"`
}

// CancelShipmentPayload cancels each shipment.
type CancelShipmentPayload struct {
	BulkRef
	ShipmentIDs []string `json:"shipment_ids" validate:"required,min=1,unique,dive,required"`
}

// DownloadLabelPayload renders a label per shipment and bundles them.
type DownloadLabelPayload struct {
	BulkRef
	ShipmentIDs []string `json:"shipment_ids" validate:"required,min=1,unique,dive,required"`
}

// EditPickupAddressPayload moves each order to another pickup address.
type EditPickupAddressPayload struct {
	BulkRef
	OrderIDs        []string `json:"order_ids" validate:"required,min=1,unique,dive,required"`
	PickupAddressID string   `json:"pickup_address_id" validate:"required"`
}

// OrderEdit is one order's field changes.
type OrderEdit struct {
	OrderID string            `json:"order_id" validate:"required"`
	Fields  map[string]string `json:"fields" validate:"required,min=1"`
}

// EditOrderDetailsPayload applies field edits to each order.
type EditOrderDetailsPayload struct {
	BulkRef
	Orders []OrderEdit `json:"orders" validate:"required,min=1,unique=OrderID,dive"`
}

// WeightCSVPayload reconciles courier weight discrepancies from a CSV.
type WeightCSVPayload struct {
	BulkRef
	FilePath string `json:"file_path" validate:"required"`
}

// DisputeActionsCSVPayload applies seller dispute actions from a CSV.
type DisputeActionsCSVPayload struct {
	BulkRef
	FilePath string `json:"file_path" validate:"required"`
}

// AnalyticsRequest selects whose analytics to refresh. A nil UserID refreshes
// every active user.
type AnalyticsRequest struct {
	UserID uuid.UUID         `json:"user_id"`
	Params map[string]string `json:"params,omitempty"`
}

// HomeAnalyticsPayload refreshes the home dashboard snapshot.
type HomeAnalyticsPayload struct{ AnalyticsRequest }

// ShipmentPerformancePayload refreshes courier and lane performance.
type ShipmentPerformancePayload struct{ AnalyticsRequest }

// RealTimeAnalyticsPayload refreshes the live counters.
type RealTimeAnalyticsPayload struct{ AnalyticsRequest }

// PredictiveAnalyticsPayload refreshes forecasts.
type PredictiveAnalyticsPayload struct{ AnalyticsRequest }

func (BulkOrdersPayload) JobType() Type {
	return TypeProcessBulkOrders
}

func (SchedulePickupPayload) JobType() Type {
	return TypeBulkSchedulePickup
}

func (CancelShipmentPayload) JobType() Type {
	return TypeBulkCancelShipment
}

func (DownloadLabelPayload) JobType() Type {
	return TypeBulkDownloadLabel
}

func (EditPickupAddressPayload) JobType() Type {
	return TypeBulkEditPickupAddress
}

func (EditOrderDetailsPayload) JobType() Type {
	return TypeBulkEditOrderDetails
}

func (WeightCSVPayload) JobType() Type {
	return TypeProcessWeightCSV
}

func (DisputeActionsCSVPayload) JobType() Type {
	return TypeProcessDisputeActionsCSV
}

func (HomeAnalyticsPayload) JobType() Type {
	return TypeProcessHomeAnalytics
}

func (ShipmentPerformancePayload) JobType() Type {
	return TypeProcessShipmentPerformance
}

func (RealTimeAnalyticsPayload) JobType() Type {
	return TypeProcessRealTimeAnalytics
}

func (PredictiveAnalyticsPayload) JobType() Type {
	return TypeProcessPredictiveAnalytics
}

// DecodePayload maps a type tag to its payload struct and decodes raw into it.
// Unknown tags and malformed JSON are permanent failures.
func DecodePayload(t Type, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case TypeProcessBulkOrders:
		p = &BulkOrdersPayload{}
	case TypeBulkSchedulePickup:
		p = &SchedulePickupPayload{}
	case TypeBulkCancelShipment:
		p = &CancelShipmentPayload{}
	case TypeBulkDownloadLabel:
		p = &DownloadLabelPayload{}
	case TypeBulkEditPickupAddress:
		p = &EditPickupAddressPayload{}
	case TypeBulkEditOrderDetails:
		p = &EditOrderDetailsPayload{}
	case TypeProcessWeightCSV:
		p = &WeightCSVPayload{}
	case TypeProcessDisputeActionsCSV:
		p = &DisputeActionsCSVPayload{}
	case TypeProcessHomeAnalytics:
		p = &HomeAnalyticsPayload{}
	case TypeProcessShipmentPerformance:
		p = &ShipmentPerformancePayload{}
	case TypeProcessRealTimeAnalytics:
		p = &RealTimeAnalyticsPayload{}
	case TypeProcessPredictiveAnalytics:
		p = &PredictiveAnalyticsPayload{}
	default:
		return nil, Permanent(fmt.Errorf("%w: %q", ErrUnknownType, t))
	}

	if err := json.Unmarshal(raw, p); err != nil {
		return nil, Permanent(fmt.Errorf("decode %s payload: %w", t, err))
	}
	return p, nil
}

// ValidatePayload checks the field constraints declared on p.
func ValidatePayload(p Payload) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, p.JobType(), err)
	}
	return nil
}
