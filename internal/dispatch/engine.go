package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/pulselink-core/internal/bus"
	"github.com/nerrad567/pulselink-core/internal/device"
)

// Logger is the minimal logging interface the engine needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// DeviceController is the slice of the device manager the engine consumes.
type DeviceController interface {
	SetStrength(ctx context.Context, id string, ch device.Channel, value int, op device.StrengthOp, unit device.Unit) (int, error)
	SendWaveform(ctx context.Context, id string, ch device.Channel, wf device.Waveform) error
	ListConnected(filter device.Family) []device.Device
	GetDevice(id string) (*device.Device, error)
}

// RuleSource supplies rules to the engine.
type RuleSource interface {
	List(ctx context.Context) ([]*Rule, error)
}

// Queue and event sizing.
const (
	eventBuffer     = 256
	workerQueueSize = 64
)

// Waveform synthesis for the waveform action: one segment per tick at a
// fixed carrier frequency, intensity from the rule's value.
const (
	waveSegmentTick   = 100 * time.Millisecond
	waveCarrierFreq   = 10
	maxWaveSegments   = 100
	defaultWaveLength = 1
)

// channelKey identifies one output channel across the fleet.
type channelKey struct {
	deviceID string
	channel  device.Channel
}

// stateKey identifies one rule's state on one output channel.
type stateKey struct {
	ruleID   string
	deviceID string
	channel  device.Channel
}

// window is an active priority window on a channel.
type window struct {
	priority int
	until    time.Time
}

// job is one resolved dispatch awaiting its device worker.
type job struct {
	rule  *Rule
	dev   device.Device
	event bus.Event
}

// translator applies one action class, guarded by required capabilities.
type translator struct {
	requires []device.Capability
	apply    func(ctx context.Context, j job, strength int) error
}

// Engine subscribes to the event bus, resolves rules, and drives the device
// manager.
//
// Per rule/device/channel the engine runs an Idle -> Dispatched -> cooldown
// -> Idle cycle. Events for one device are processed sequentially by a
// per-device worker so priority windows are never raced; events for
// different devices run concurrently, and one device's transport failure
// never blocks the others.
type Engine struct {
	manager DeviceController
	source  RuleSource
	events  *bus.Bus
	logger  Logger

	scale atomic.Int64

	ruleMu sync.RWMutex
	rules  []*Rule
	byID   map[string]*Rule

	mu        sync.Mutex
	windows   map[channelKey]window
	lastFired map[stateKey]time.Time
	reverts   map[channelKey]*time.Timer

	workerMu sync.Mutex
	workers  map[string]chan job

	translators map[Action]translator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a dispatch engine. globalScalePercent attenuates every
// dispatched strength (0-100).
func NewEngine(manager DeviceController, source RuleSource, events *bus.Bus, globalScalePercent int, logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	e := &Engine{
		manager:   manager,
		source:    source,
		events:    events,
		logger:    logger,
		byID:      make(map[string]*Rule),
		windows:   make(map[channelKey]window),
		lastFired: make(map[stateKey]time.Time),
		reverts:   make(map[channelKey]*time.Timer),
		workers:   make(map[string]chan job),
	}
	e.SetGlobalScale(globalScalePercent)

	e.translators = map[Action]translator{
		ActionSet:      {requires: []device.Capability{device.CapChannelStrength}, apply: e.applySet},
		ActionIncrease: {requires: []device.Capability{device.CapChannelStrength}, apply: e.applyIncrease},
		ActionDecrease: {requires: []device.Capability{device.CapChannelStrength}, apply: e.applyDecrease},
		ActionPulse:    {requires: []device.Capability{device.CapChannelStrength}, apply: e.applyPulse},
		ActionWaveform: {requires: []device.Capability{device.CapWaveform}, apply: e.applyWaveform},
		ActionCustom:   {requires: []device.Capability{device.CapCustomWaveform}, apply: e.applyCustom},
	}
	return e
}

// SetGlobalScale updates the global strength-scale factor (clamped 0-100).
func (e *Engine) SetGlobalScale(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	e.scale.Store(int64(percent))
}

// GlobalScale returns the current global strength-scale factor.
func (e *Engine) GlobalScale() int {
	return int(e.scale.Load())
}

// Reload refreshes the in-memory rule snapshot from the source. Call after
// creating, updating, or clearing rules.
func (e *Engine) Reload(ctx context.Context) error {
	rules, err := e.source.List(ctx)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}

	byID := make(map[string]*Rule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}

	e.ruleMu.Lock()
	e.rules = rules
	e.byID = byID
	e.ruleMu.Unlock()

	e.logger.Info("dispatch rules loaded", "count", len(rules))
	return nil
}

// Run loads rules, subscribes to the bus, and consumes events until ctx is
// cancelled. It returns once the consumer is running.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Reload(ctx); err != nil {
		return err
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	events, unsubscribe := e.events.Subscribe(eventBuffer)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-e.ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				e.handleEvent(evt)
			}
		}
	}()
	return nil
}

// Close stops the consumer, workers, and any pending pulse reverts.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	for key, t := range e.reverts {
		t.Stop()
		delete(e.reverts, key)
	}
	e.mu.Unlock()
}

// handleEvent resolves an event into per-device jobs.
func (e *Engine) handleEvent(evt bus.Event) {
	if evt.SkipDispatch {
		return
	}
	switch evt.Type {
	case bus.EventDeviceStatus, bus.EventDeviceTelemetry:
		return
	}

	for _, rule := range e.resolveRules(evt) {
		if rule.Condition != nil {
			match, err := rule.Condition.Eval(evt.Value, evt.Fields)
			if err != nil {
				e.logger.Warn("rule condition failed",
					"rule_id", rule.ID, "error", err)
				continue
			}
			if !match {
				continue
			}
		}

		for _, dev := range e.resolveTargets(rule, evt) {
			e.enqueue(job{rule: rule, dev: dev, event: evt})
		}
	}
}

// resolveRules selects rules for an event: the explicitly named rule when
// the event carries a rule id, otherwise every enabled rule whose trigger
// matches the event type.
func (e *Engine) resolveRules(evt bus.Event) []*Rule {
	e.ruleMu.RLock()
	defer e.ruleMu.RUnlock()

	if evt.RuleID != "" {
		rule, ok := e.byID[evt.RuleID]
		if !ok {
			e.logger.Debug("event names unknown rule", "rule_id", evt.RuleID)
			return nil
		}
		if !rule.Enabled {
			return nil
		}
		return []*Rule{rule}
	}

	var matched []*Rule
	for _, rule := range e.rules {
		if rule.Enabled && rule.Trigger == busTrigger(evt.Type) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// resolveTargets selects the devices a rule applies to. An event naming a
// device restricts the rule to it; otherwise every connected device passing
// the family filter is targeted.
func (e *Engine) resolveTargets(rule *Rule, evt bus.Event) []device.Device {
	if evt.DeviceID != "" {
		dev, err := e.manager.GetDevice(evt.DeviceID)
		if err != nil || dev.Status != device.StatusConnected {
			return nil
		}
		if rule.TargetFamily != "" && dev.Family != rule.TargetFamily {
			return nil
		}
		return []device.Device{*dev}
	}
	return e.manager.ListConnected(rule.TargetFamily)
}

// enqueue hands a job to the target device's worker, creating the worker on
// first use. A full queue drops the job rather than stalling the consumer.
func (e *Engine) enqueue(j job) {
	e.workerMu.Lock()
	ch, ok := e.workers[j.dev.ID]
	if !ok {
		ch = make(chan job, workerQueueSize)
		e.workers[j.dev.ID] = ch
		e.wg.Add(1)
		go e.worker(ch)
	}
	e.workerMu.Unlock()

	select {
	case ch <- j:
	default:
		e.logger.Warn("dispatch queue full, dropping event",
			"device_id", j.dev.ID, "rule_id", j.rule.ID)
	}
}

func (e *Engine) worker(jobs <-chan job) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case j := <-jobs:
			e.dispatch(j)
		}
	}
}

// dispatch runs one job through the window/cooldown gates and the action
// translator.
func (e *Engine) dispatch(j job) {
	channel := j.rule.TargetChannel()
	chKey := channelKey{deviceID: j.dev.ID, channel: channel}
	ruleKey := stateKey{ruleID: j.rule.ID, deviceID: j.dev.ID, channel: channel}
	now := time.Now()

	e.mu.Lock()
	if w, ok := e.windows[chKey]; ok && now.Before(w.until) && j.rule.Priority < w.priority {
		e.mu.Unlock()
		e.logger.Debug("dispatch suppressed by priority window",
			"rule_id", j.rule.ID, "device_id", j.dev.ID,
			"priority", j.rule.Priority, "window_priority", w.priority)
		return
	}
	if last, ok := e.lastFired[ruleKey]; ok && now.Sub(last) < j.rule.Cooldown() {
		e.mu.Unlock()
		e.logger.Debug("dispatch suppressed by cooldown",
			"rule_id", j.rule.ID, "device_id", j.dev.ID)
		return
	}
	// A fresh dispatch supersedes any pending pulse revert on the channel.
	if t, ok := e.reverts[chKey]; ok {
		t.Stop()
		delete(e.reverts, chKey)
	}
	e.mu.Unlock()

	state := j.dev.Channel(channel)
	if state == nil {
		e.logger.Debug("device lacks channel",
			"device_id", j.dev.ID, "channel", channel)
		return
	}

	tr, ok := e.translators[j.rule.Action]
	if !ok {
		e.logger.Warn("rule has unknown action", "rule_id", j.rule.ID, "action", j.rule.Action)
		return
	}
	for _, cap := range tr.requires {
		if !j.dev.HasCapability(cap) {
			e.logger.Warn("action unsupported by device",
				"rule_id", j.rule.ID, "device_id", j.dev.ID,
				"action", j.rule.Action, "error", device.ErrUnsupportedAction)
			return
		}
	}

	strength := ScaledStrength(j.rule.Value, state.Limit, e.GlobalScale())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := tr.apply(ctx, j, strength)
	cancel()
	if err != nil {
		if errors.Is(err, ErrRuleEvaluation) {
			e.logger.Warn("dispatch skipped", "rule_id", j.rule.ID, "error", err)
			return
		}
		e.logger.Error("dispatch failed",
			"rule_id", j.rule.ID, "device_id", j.dev.ID,
			"action", j.rule.Action, "error", err)
		return
	}

	e.mu.Lock()
	e.windows[chKey] = window{priority: j.rule.Priority, until: now.Add(j.rule.Duration())}
	e.lastFired[ruleKey] = now
	e.mu.Unlock()

	e.logger.Debug("dispatched",
		"rule_id", j.rule.ID, "device_id", j.dev.ID, "channel", channel,
		"action", j.rule.Action, "strength", strength)
}

func (e *Engine) applySet(ctx context.Context, j job, strength int) error {
	_, err := e.manager.SetStrength(ctx, j.dev.ID, j.rule.TargetChannel(), strength, device.OpSet, device.UnitNative)
	return err
}

func (e *Engine) applyIncrease(ctx context.Context, j job, strength int) error {
	_, err := e.manager.SetStrength(ctx, j.dev.ID, j.rule.TargetChannel(), strength, device.OpIncrease, device.UnitNative)
	return err
}

func (e *Engine) applyDecrease(ctx context.Context, j job, strength int) error {
	_, err := e.manager.SetStrength(ctx, j.dev.ID, j.rule.TargetChannel(), strength, device.OpDecrease, device.UnitNative)
	return err
}

// applyPulse sets the strength and schedules a cancellable revert to zero
// after the rule's duration.
func (e *Engine) applyPulse(ctx context.Context, j job, strength int) error {
	channel := j.rule.TargetChannel()
	if _, err := e.manager.SetStrength(ctx, j.dev.ID, channel, strength, device.OpSet, device.UnitNative); err != nil {
		return err
	}

	duration := j.rule.Duration()
	if duration <= 0 {
		return nil
	}

	chKey := channelKey{deviceID: j.dev.ID, channel: channel}
	deviceID := j.dev.ID

	e.mu.Lock()
	if t, ok := e.reverts[chKey]; ok {
		t.Stop()
	}
	e.reverts[chKey] = time.AfterFunc(duration, func() {
		e.mu.Lock()
		delete(e.reverts, chKey)
		e.mu.Unlock()

		revertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := e.manager.SetStrength(revertCtx, deviceID, channel, 0, device.OpSet, device.UnitNative); err != nil {
			e.logger.Warn("pulse revert failed", "device_id", deviceID, "error", err)
		}
	})
	e.mu.Unlock()
	return nil
}

// applyWaveform streams a constant waveform at the scaled intensity for the
// rule's duration.
func (e *Engine) applyWaveform(ctx context.Context, j job, _ int) error {
	intensity := NormalizeValue(j.rule.Value)

	segments := int(j.rule.Duration() / waveSegmentTick)
	if segments < defaultWaveLength {
		segments = defaultWaveLength
	}
	if segments > maxWaveSegments {
		segments = maxWaveSegments
	}

	wf := make(device.Waveform, segments)
	for i := range wf {
		wf[i] = device.WaveSegment{Frequency: waveCarrierFreq, PulseWidth: intensity}
	}
	return e.manager.SendWaveform(ctx, j.dev.ID, j.rule.TargetChannel(), wf)
}

// applyCustom streams a single waveform segment built from the event's
// frequency and pulse_width fields.
func (e *Engine) applyCustom(ctx context.Context, j job, _ int) error {
	freq, okF := j.event.Fields["frequency"]
	width, okW := j.event.Fields["pulse_width"]
	if !okF || !okW {
		return fmt.Errorf("%w: custom action needs frequency and pulse_width fields", ErrRuleEvaluation)
	}

	wf := device.Waveform{{Frequency: int(freq), PulseWidth: int(width)}}
	return e.manager.SendWaveform(ctx, j.dev.ID, j.rule.TargetChannel(), wf)
}
