// Package memory provides in-process implementations of the queue, cache,
// operation store and schedule store ports. They back the test suites and
// the single-process development mode (driver "memory"); nothing survives a
// restart.
package memory
