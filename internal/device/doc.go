// Package device defines the device model and the manager that owns
// configured devices, their protocol adapters, and their lifecycle.
//
// The manager is the single entry point for device commands: the dispatch
// engine and remote surfaces call SetStrength/SendWaveform here and never
// touch adapters or transports directly. Connection configs are a tagged
// union per connection mode; adapters are produced by per-mode factories
// registered at composition time, which keeps protocol packages out of this
// package's dependencies and lets tests substitute fakes.
package device
