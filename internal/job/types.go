package job

import "sort"

// Type identifies what a job does. The set is closed: every Type has exactly
// one payload struct and exactly one queue.
type Type string

// Job types.
const (
	TypeProcessBulkOrders          Type = "PROCESS_BULK_ORDERS"
	TypeBulkSchedulePickup         Type = "BULK_SCHEDULE_PICKUP"
	TypeBulkCancelShipment         Type = "BULK_CANCEL_SHIPMENT"
	TypeBulkDownloadLabel          Type = "BULK_DOWNLOAD_LABEL"
	TypeBulkEditPickupAddress      Type = "BULK_EDIT_PICKUP_ADDRESS"
	TypeBulkEditOrderDetails       Type = "BULK_EDIT_ORDER_DETAILS"
	TypeProcessWeightCSV           Type = "PROCESS_WEIGHT_CSV"
	TypeProcessDisputeActionsCSV   Type = "PROCESS_DISPUTE_ACTIONS_CSV"
	TypeProcessHomeAnalytics       Type = "PROCESS_HOME_ANALYTICS"
	TypeProcessShipmentPerformance Type = "PROCESS_SHIPMENT_PERFORMANCE"
	TypeProcessRealTimeAnalytics   Type = "PROCESS_REAL_TIME_ANALYTICS"
	TypeProcessPredictiveAnalytics Type = "PROCESS_PREDICTIVE_ANALYTICS"
)

// Queue is the name of a named FIFO-with-priority queue.
type Queue string

// Queues.
const (
	QueueOrders              Queue = "orders"
	QueueShipments           Queue = "shipments"
	QueueLabels              Queue = "labels"
	QueueBilling             Queue = "billing"
	QueueAnalyticsRealtime   Queue = "analytics-realtime"
	QueueAnalytics           Queue = "analytics"
	QueueAnalyticsPredictive Queue = "analytics-predictive"
)

var typeQueues = map[Type]Queue{
	TypeProcessBulkOrders:          QueueOrders,
	TypeBulkEditOrderDetails:       QueueOrders,
	TypeBulkSchedulePickup:         QueueShipments,
	TypeBulkCancelShipment:         QueueShipments,
	TypeBulkEditPickupAddress:      QueueShipments,
	TypeBulkDownloadLabel:          QueueLabels,
	TypeProcessWeightCSV:           QueueBilling,
	TypeProcessDisputeActionsCSV:   QueueBilling,
	TypeProcessRealTimeAnalytics:   QueueAnalyticsRealtime,
	TypeProcessHomeAnalytics:       QueueAnalytics,
	TypeProcessShipmentPerformance: QueueAnalytics,
	TypeProcessPredictiveAnalytics: QueueAnalyticsPredictive,
}

// QueueOf returns the queue a job type is routed to.
func QueueOf(t Type) (Queue, bool) {
	q, ok := typeQueues[t]
	return q, ok
}

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	_, ok := typeQueues[t]
	return ok
}

// Valid reports whether q is a known queue.
func (q Queue) Valid() bool {
	for _, known := range AllQueues() {
		if q == known {
			return true
		}
	}
	return false
}

// AllTypes returns every job type in a stable order.
func AllTypes() []Type {
	types := make([]Type, 0, len(typeQueues))
	for t := range typeQueues {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// AllQueues returns every queue in a stable order.
func AllQueues() []Queue {
	return []Queue{
		QueueOrders,
		QueueShipments,
		QueueLabels,
		QueueBilling,
		QueueAnalyticsRealtime,
		QueueAnalytics,
		QueueAnalyticsPredictive,
	}
}

// TypesOf returns the job types routed to q.
func TypesOf(q Queue) []Type {
	var types []Type
	for _, t := range AllTypes() {
		if typeQueues[t] == q {
			types = append(types, t)
		}
	}
	return types
}
