// Package inproc is an in-process stand-in for the order, shipment, billing
// and analytics services the job handlers call. The server wires it when no
// external implementation of those ports is configured.
package inproc
