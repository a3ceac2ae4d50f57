// Package dispatch turns bus events into device actions through persisted
// rules.
//
// A rule binds a trigger class (health delta, death, sensor reading, mod
// event) to an action (set, increase, decrease, pulse, waveform, custom)
// with an optional condition, a target-family filter, a priority, and a
// cooldown. Dispatch runs sequentially per device so a higher-priority
// rule's window reliably suppresses lower-priority rules on the same
// channel; devices never block each other. Logical values on the 0-100
// scale (legacy 0-200 accepted) are rescaled to each channel's limit and
// attenuated by the global scale factor before transmission.
package dispatch
