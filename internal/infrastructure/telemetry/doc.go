// Package telemetry records device telemetry history in InfluxDB.
//
// The recorder subscribes to the process event bus and writes battery,
// step-count, angle, and strength readings as batched line-protocol points.
// Recording is optional; when disabled in configuration the hub runs
// without history.
package telemetry
