// Package service is the request-path facade over the job core. Request
// handlers call it to create bulk operations and enqueue their jobs, to
// register recurring jobs, and to administer queues; they never touch the
// queue or the tracker directly.
package service
