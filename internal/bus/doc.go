// Package bus implements the process-wide event channel connecting stimulus
// sources (game triggers, OCR, sensors, remote commands, mod bridges) to the
// dispatch engine and other observers.
//
// Delivery is fan-out with per-subscriber buffering; slow subscribers lose
// events rather than stalling producers.
package bus
