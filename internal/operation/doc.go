// Package operation tracks the progress of bulk operations: one record per
// submitted bulk request, counting processed, succeeded and failed items
// until the operation completes or fails.
package operation
