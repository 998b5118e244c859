// Package seir propagates a discrete-time SEIR model whose Exposed and Infected
// dwell times follow arbitrary laws discretized by package dwell. It defines
// the numeric Config, the run Params, the pure Simulate recurrence and the
// Engine that wraps it with logging, tracing and metric hooks.
package seir
