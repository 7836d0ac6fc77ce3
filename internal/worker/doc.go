// Package worker runs registered job handlers against a queue.
//
// A Registry maps every job type to its handler. A Pool owns one queue and
// runs that queue's configured number of executors; each executor leases a
// job, runs its handler while heartbeating the lease, and then acknowledges,
// retries or dead-letters it according to the queue policy. A Manager starts
// and stops one Pool per queue.
package worker
