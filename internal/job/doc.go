// Package job defines the unit of asynchronous work: the closed set of job
// types, the queues they belong to, their typed payloads and the envelope that
// travels through a queue. It also holds the per-queue delivery policy table
// (concurrency, attempts and backoff) so that retry rules live in one place.
package job
