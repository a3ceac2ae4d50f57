package dispatch

import (
	"fmt"
	"math"
	"time"

	"github.com/nerrad567/pulselink-core/internal/bus"
	"github.com/nerrad567/pulselink-core/internal/device"
)

// Trigger classifies the stimulus an event rule reacts to. Values mirror
// the bus event types so resolution is a direct comparison.
type Trigger string

// Trigger classes.
const (
	TriggerHealthDecrease Trigger = Trigger(bus.EventHealthDecrease)
	TriggerHealthIncrease Trigger = Trigger(bus.EventHealthIncrease)
	TriggerArmorDecrease  Trigger = Trigger(bus.EventArmorDecrease)
	TriggerArmorIncrease  Trigger = Trigger(bus.EventArmorIncrease)
	TriggerDeath          Trigger = Trigger(bus.EventPlayerDeath)
	TriggerRevive         Trigger = Trigger(bus.EventPlayerRevive)
	TriggerSensor         Trigger = Trigger(bus.EventSensor)
	TriggerRemote         Trigger = Trigger(bus.EventRemoteCommand)
	TriggerMod            Trigger = Trigger(bus.EventMod)
)

// Action selects what a dispatched rule does to its target device.
type Action string

// Rule actions.
const (
	// ActionSet writes an absolute strength.
	ActionSet Action = "set"

	// ActionIncrease adds to the current strength.
	ActionIncrease Action = "increase"

	// ActionDecrease subtracts from the current strength.
	ActionDecrease Action = "decrease"

	// ActionPulse sets the strength and reverts it to zero after the
	// rule's duration.
	ActionPulse Action = "pulse"

	// ActionWaveform streams a constant waveform at the rule's intensity
	// for the rule's duration.
	ActionWaveform Action = "waveform"

	// ActionCustom streams a single waveform segment built from the
	// event's frequency and pulse_width fields.
	ActionCustom Action = "custom"
)

// Operator compares a condition's observed value against its thresholds.
type Operator string

// Condition operators.
const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpEqual        Operator = "=="
	OpBetween      Operator = "between" // low <= value <= high
	OpOutside      Operator = "outside" // value < low or value > high
)

// Condition is an optional per-rule filter evaluated against the event.
type Condition struct {
	// Field names the event field to compare. Empty means the event's
	// primary value.
	Field string `json:"field,omitempty"`

	Op Operator `json:"op"`

	// Threshold is the comparison bound; the lower bound for between and
	// outside.
	Threshold float64 `json:"threshold"`

	// ThresholdHigh is the upper bound for between and outside.
	ThresholdHigh float64 `json:"threshold_high,omitempty"`
}

// Eval compares the condition against an event's value and fields.
//
// A missing named field or an unknown operator returns ErrRuleEvaluation
// (wrapped); the caller skips the event and the engine stays up.
func (c *Condition) Eval(value float64, fields map[string]float64) (bool, error) {
	observed := value
	if c.Field != "" {
		v, ok := fields[c.Field]
		if !ok {
			return false, fmt.Errorf("%w: event missing field %q", ErrRuleEvaluation, c.Field)
		}
		observed = v
	}

	switch c.Op {
	case OpLess:
		return observed < c.Threshold, nil
	case OpLessEqual:
		return observed <= c.Threshold, nil
	case OpGreater:
		return observed > c.Threshold, nil
	case OpGreaterEqual:
		return observed >= c.Threshold, nil
	case OpEqual:
		return observed == c.Threshold, nil
	case OpBetween:
		return observed >= c.Threshold && observed <= c.ThresholdHigh, nil
	case OpOutside:
		return observed < c.Threshold || observed > c.ThresholdHigh, nil
	}
	return false, fmt.Errorf("%w: unknown operator %q", ErrRuleEvaluation, c.Op)
}

// Rule maps a stimulus onto a device action.
type Rule struct {
	ID string

	// Trigger selects which events the rule reacts to when the event does
	// not name a rule explicitly.
	Trigger Trigger

	// Condition optionally filters matching events.
	Condition *Condition

	// TargetFamily restricts the rule to one device family. Empty targets
	// every connected device.
	TargetFamily device.Family

	Action Action

	// Value is the logical intensity on the 0-100 scale. Legacy rules on
	// the 0-200 scale are accepted and halved during scaling.
	Value int

	// DurationMS is the priority-window length, the pulse revert delay,
	// and the waveform playing time, in milliseconds.
	DurationMS int

	// Channel is the target output channel; empty defaults to A.
	Channel device.Channel

	// Priority orders competing dispatches on the same device/channel.
	Priority int

	// CooldownMS suppresses re-dispatch of this rule on the same
	// device/channel for the given interval after it fires.
	CooldownMS int

	Enabled bool

	// SessionTag groups rules installed by a mod session so they can be
	// removed together when the session ends.
	SessionTag string

	CreatedAt time.Time
}

// Validate checks rule fields for storage.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidRule)
	}
	if r.Trigger == "" {
		return fmt.Errorf("%w: trigger required", ErrInvalidRule)
	}
	switch r.Action {
	case ActionSet, ActionIncrease, ActionDecrease, ActionPulse, ActionWaveform, ActionCustom:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRule, r.Action)
	}
	if r.Value < 0 || r.Value > legacyValueMax {
		return fmt.Errorf("%w: value %d outside 0-%d", ErrInvalidRule, r.Value, legacyValueMax)
	}
	if r.TargetFamily != "" && !r.TargetFamily.Valid() {
		return fmt.Errorf("%w: unknown target family %q", ErrInvalidRule, r.TargetFamily)
	}
	if r.Channel != "" && !r.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidRule, r.Channel)
	}
	if r.DurationMS < 0 || r.CooldownMS < 0 {
		return fmt.Errorf("%w: negative duration or cooldown", ErrInvalidRule)
	}
	return nil
}

// Duration returns the rule duration as a time.Duration.
func (r *Rule) Duration() time.Duration {
	return time.Duration(r.DurationMS) * time.Millisecond
}

// Cooldown returns the rule cooldown as a time.Duration.
func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMS) * time.Millisecond
}

// TargetChannel returns the rule's channel, defaulting to A.
func (r *Rule) TargetChannel() device.Channel {
	if r.Channel == "" {
		return device.ChannelA
	}
	return r.Channel
}

// Logical value scales.
const (
	valueMax       = 100
	legacyValueMax = 200
)

// NormalizeValue maps a rule's logical value onto the 0-100 scale. Legacy
// values above 100 came from the historical 0-200 scale and are halved.
func NormalizeValue(value int) int {
	if value > valueMax {
		value /= 2
	}
	if value > valueMax {
		value = valueMax
	}
	if value < 0 {
		value = 0
	}
	return value
}

// ScaledStrength converts a rule's logical value into an absolute native
// strength for a channel: normalized value, rescaled linearly to the
// channel limit, then attenuated by the global scale percent and clamped.
func ScaledStrength(value, limit, globalScalePercent int) int {
	normalized := NormalizeValue(value)
	scaled := float64(normalized) / valueMax * float64(limit) *
		float64(globalScalePercent) / 100
	abs := int(math.Round(scaled))
	if abs < 0 {
		abs = 0
	}
	if abs > limit {
		abs = limit
	}
	return abs
}
