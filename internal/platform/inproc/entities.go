package inproc

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/analytics"
	"github.com/parcelhub/jobcore/internal/bulk"
	"github.com/parcelhub/jobcore/internal/cache"
	"github.com/parcelhub/jobcore/internal/platform/files"
	"github.com/parcelhub/jobcore/internal/store"
)

const pickupDateLayout = "2006-01-02"

type shipmentState string

const (
	shipmentBooked    shipmentState = "booked"
	shipmentScheduled shipmentState = "pickup_scheduled"
	shipmentCancelled shipmentState = "cancelled"
)

type orderRecord struct {
	owner           uuid.UUID
	fields          map[string]string
	pickupAddressID string
	createdAt       time.Time
}

type shipmentRecord struct {
	owner      uuid.UUID
	orderID    string
	state      shipmentState
	pickupDate string
}

type billingRecord struct {
	owner    uuid.UUID
	kind     string
	shipment string
	value    string
}

// Entities is an in-process stand-in for the order, shipment and billing
// services. Every created order books one shipment with id "SHP-<order id>".
// It also computes analytics from the recorded activity.
type Entities struct {
	mu        sync.Mutex
	now       func() time.Time
	seq       int
	orders    map[string]*orderRecord
	shipments map[string]*shipmentRecord
	billing   []billingRecord
}

var (
	_ bulk.OrderPort    = (*Entities)(nil)
	_ bulk.ShipmentPort = (*Entities)(nil)
	_ bulk.BillingPort  = (*Entities)(nil)
	_ analytics.Port    = (*Entities)(nil)
)

// NewEntities creates an empty entity set. A nil clock means time.Now.
func NewEntities(now func() time.Time) *Entities {
	if now == nil {
		now = time.Now
	}
	return &Entities{
		now:       now,
		orders:    make(map[string]*orderRecord),
		shipments: make(map[string]*shipmentRecord),
	}
}

// ShipmentIDFor returns the id of the shipment booked for orderID.
func ShipmentIDFor(orderID string) string {
	return "SHP-" + orderID
}

// CreateOrder stores the row as an order. The "order_id" column is used as
// the id when present.
func (e *Entities) CreateOrder(_ context.Context, userID uuid.UUID, row files.Row) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := strings.TrimSpace(row["order_id"])
	if id == "" {
		e.seq++
		id = fmt.Sprintf("ORD-%06d", e.seq)
	}
	if _, ok := e.orders[id]; ok {
		return "", fmt.Errorf("%w: order %s", store.ErrDuplicate, id)
	}

	fields := make(map[string]string, len(row))
	for k, v := range row {
		fields[k] = v
	}
	e.orders[id] = &orderRecord{owner: userID, fields: fields, createdAt: e.now()}
	e.shipments[ShipmentIDFor(id)] = &shipmentRecord{owner: userID, orderID: id, state: shipmentBooked}
	return id, nil
}

// EditOrder overwrites the given order fields.
func (e *Entities) EditOrder(_ context.Context, userID uuid.UUID, orderID string, fields map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.order(userID, orderID)
	if err != nil {
		return err
	}
	for k, v := range fields {
		o.fields[k] = v
	}
	return nil
}

// SchedulePickup books a pickup on a YYYY-MM-DD date.
func (e *Entities) SchedulePickup(_ context.Context, userID uuid.UUID, shipmentID, pickupDate string) error {
	if _, err := time.Parse(pickupDateLayout, pickupDate); err != nil {
		return fmt.Errorf("%w: pickup date %q", store.ErrInvalidEntity, pickupDate)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.shipment(userID, shipmentID)
	if err != nil {
		return err
	}
	if s.state == shipmentCancelled {
		return fmt.Errorf("%w: shipment %s is cancelled", store.ErrInvalidEntity, shipmentID)
	}
	s.state = shipmentScheduled
	s.pickupDate = pickupDate
	return nil
}

// CancelShipment cancels a shipment that is not cancelled yet.
func (e *Entities) CancelShipment(_ context.Context, userID uuid.UUID, shipmentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.shipment(userID, shipmentID)
	if err != nil {
		return err
	}
	if s.state == shipmentCancelled {
		return fmt.Errorf("%w: shipment %s already cancelled", store.ErrInvalidEntity, shipmentID)
	}
	s.state = shipmentCancelled
	return nil
}

// EditPickupAddress points an order at another pickup address.
func (e *Entities) EditPickupAddress(_ context.Context, userID uuid.UUID, orderID, pickupAddressID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.order(userID, orderID)
	if err != nil {
		return err
	}
	o.pickupAddressID = pickupAddressID
	return nil
}

// RenderLabel returns a one-page PDF label for an active shipment.
func (e *Entities) RenderLabel(_ context.Context, userID uuid.UUID, shipmentID string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.shipment(userID, shipmentID)
	if err != nil {
		return nil, err
	}
	if s.state == shipmentCancelled {
		return nil, fmt.Errorf("%w: shipment %s is cancelled", store.ErrInvalidEntity, shipmentID)
	}
	return labelPDF(shipmentID, s.orderID), nil
}

// ApplyWeightDiscrepancy records a charged weight; rows need "shipment_id"
// and a numeric "charged_weight".
func (e *Entities) ApplyWeightDiscrepancy(_ context.Context, userID uuid.UUID, row files.Row) error {
	weight := strings.TrimSpace(row["charged_weight"])
	if _, err := strconv.ParseFloat(weight, 64); err != nil {
		return fmt.Errorf("%w: charged_weight %q", store.ErrInvalidEntity, weight)
	}
	return e.recordBilling(userID, "weight", row["shipment_id"], weight)
}

// ApplyDisputeAction records an accept or reject decision on a dispute.
func (e *Entities) ApplyDisputeAction(_ context.Context, userID uuid.UUID, row files.Row) error {
	action := strings.ToLower(strings.TrimSpace(row["action"]))
	if action != "accept" && action != "reject" {
		return fmt.Errorf("%w: dispute action %q", store.ErrInvalidEntity, row["action"])
	}
	return e.recordBilling(userID, "dispute", row["shipment_id"], action)
}

func (e *Entities) recordBilling(userID uuid.UUID, kind, shipmentID, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.shipment(userID, strings.TrimSpace(shipmentID)); err != nil {
		return err
	}
	e.billing = append(e.billing, billingRecord{owner: userID, kind: kind, shipment: shipmentID, value: value})
	return nil
}

// Compute derives a snapshot from the caller's recorded activity.
func (e *Entities) Compute(_ context.Context, scope cache.Scope, userID uuid.UUID, params map[string]string) (analytics.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var orders, recent float64
	for _, o := range e.orders {
		if o.owner != userID {
			continue
		}
		orders++
		if now.Sub(o.createdAt) <= 24*time.Hour {
			recent++
		}
	}
	counts := make(map[shipmentState]float64)
	var shipments float64
	for _, s := range e.shipments {
		if s.owner == userID {
			shipments++
			counts[s.state]++
		}
	}
	var disputes float64
	for _, b := range e.billing {
		if b.owner == userID && b.kind == "dispute" {
			disputes++
		}
	}

	metrics := make(map[string]float64)
	switch scope {
	case cache.ScopeRealTime:
		metrics["orders_last_24h"] = recent
		metrics["pickups_scheduled"] = counts[shipmentScheduled]
	case cache.ScopeHome:
		metrics["orders"] = orders
		metrics["shipments_active"] = shipments - counts[shipmentCancelled]
		metrics["disputes"] = disputes
	case cache.ScopePerformance:
		metrics["cancellation_rate"] = ratio(counts[shipmentCancelled], shipments)
		metrics["pickup_rate"] = ratio(counts[shipmentScheduled], shipments)
	case cache.ScopePredictive:
		metrics["orders_next_7d"] = recent * 7
	default:
		return analytics.Snapshot{}, fmt.Errorf("%w: %q", analytics.ErrUnknownScope, scope)
	}

	return analytics.Snapshot{
		Scope:       scope,
		UserID:      userID,
		Metrics:     metrics,
		Params:      params,
		GeneratedAt: now,
	}, nil
}

// ListActiveUsers returns every user owning at least one order.
func (e *Entities) ListActiveUsers(context.Context) ([]uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[uuid.UUID]struct{})
	for _, o := range e.orders {
		seen[o.owner] = struct{}{}
	}
	users := make([]uuid.UUID, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].String() < users[j].String() })
	return users, nil
}

func (e *Entities) order(userID uuid.UUID, id string) (*orderRecord, error) {
	o, ok := e.orders[id]
	if !ok || o.owner != userID {
		return nil, fmt.Errorf("%w: order %s", store.ErrNotFound, id)
	}
	return o, nil
}

func (e *Entities) shipment(userID uuid.UUID, id string) (*shipmentRecord, error) {
	s, ok := e.shipments[id]
	if !ok || s.owner != userID {
		return nil, fmt.Errorf("%w: shipment %s", store.ErrNotFound, id)
	}
	return s, nil
}

func ratio(n, d float64) float64 {
	if d == 0 {
		return 0
	}
	return n / d
}

func labelPDF(shipmentID, orderID string) []byte {
	text := fmt.Sprintf("Shipment %s / Order %s", shipmentID, orderID)
	return []byte("%PDF-1.4\n" +
		"1 0 obj << /Type /Catalog /Pages 2 0 R >> endobj\n" +
		"2 0 obj << /Type /Pages /Kids [3 0 R] /Count 1 >> endobj\n" +
		"3 0 obj << /Type /Page /Parent 2 0 R /MediaBox [0 0 288 432] /Contents 4 0 R >> endobj\n" +
		fmt.Sprintf("4 0 obj << /Length %d >> stream\nBT /F1 10 Tf 20 400 Td (%s) Tj ET\nendstream endobj\n",
			len(text)+30, text) +
		"trailer << /Root 1 0 R >>\n%EOF\n")
}
