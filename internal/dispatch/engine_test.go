package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/pulselink-core/internal/bus"
	"github.com/nerrad567/pulselink-core/internal/device"
)

type strengthCall struct {
	deviceID string
	channel  device.Channel
	value    int
	op       device.StrengthOp
}

// fakeController records every command the engine issues.
type fakeController struct {
	mu        sync.Mutex
	strengths []strengthCall
	waveforms []device.Waveform
	devices   map[string]*device.Device
}

func newFakeController(devs ...*device.Device) *fakeController {
	fc := &fakeController{devices: make(map[string]*device.Device)}
	for _, d := range devs {
		fc.devices[d.ID] = d
	}
	return fc
}

func (f *fakeController) SetStrength(_ context.Context, id string, ch device.Channel, value int, op device.StrengthOp, _ device.Unit) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strengths = append(f.strengths, strengthCall{deviceID: id, channel: ch, value: value, op: op})
	return value, nil
}

func (f *fakeController) SendWaveform(_ context.Context, _ string, _ device.Channel, wf device.Waveform) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waveforms = append(f.waveforms, wf)
	return nil
}

func (f *fakeController) ListConnected(filter device.Family) []device.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []device.Device
	for _, d := range f.devices {
		if d.Status != device.StatusConnected {
			continue
		}
		if filter != "" && d.Family != filter {
			continue
		}
		out = append(out, *d.Clone())
	}
	return out
}

func (f *fakeController) GetDevice(id string) (*device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return nil, device.ErrNotFound
	}
	return d.Clone(), nil
}

func (f *fakeController) strengthCalls() []strengthCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]strengthCall(nil), f.strengths...)
}

func (f *fakeController) waveformCalls() []device.Waveform {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.Waveform(nil), f.waveforms...)
}

type fakeSource struct {
	rules []*Rule
}

func (s *fakeSource) List(context.Context) ([]*Rule, error) {
	return s.rules, nil
}

func stimDevice(id string) *device.Device {
	return &device.Device{
		ID:     id,
		Family: device.FamilyStimulation,
		Status: device.StatusConnected,
		Capabilities: []device.Capability{
			device.CapChannelStrength, device.CapWaveform, device.CapCustomWaveform,
		},
		Channels: map[device.Channel]*device.ChannelState{
			device.ChannelA: {Limit: device.MaxStrengthEMS},
			device.ChannelB: {Limit: device.MaxStrengthEMS},
		},
	}
}

func newTestEngine(t *testing.T, fc *fakeController, rules ...*Rule) *Engine {
	t.Helper()
	e := NewEngine(fc, &fakeSource{rules: rules}, bus.New(), 100, nil)
	if err := e.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	return e
}

func TestDispatchAppliesScaledStrength(t *testing.T) {
	dev := stimDevice("d1")
	fc := newFakeController(dev)
	rule := &Rule{ID: "r1", Trigger: TriggerHealthDecrease, Action: ActionSet, Value: 50, Priority: 10, Enabled: true}
	e := newTestEngine(t, fc, rule)

	e.dispatch(job{rule: rule, dev: *dev, event: bus.Event{Type: bus.EventHealthDecrease}})

	calls := fc.strengthCalls()
	if len(calls) != 1 {
		t.Fatalf("strength calls = %d, want 1", len(calls))
	}
	// 50% of the 276 native limit at full global scale.
	if calls[0].value != 138 || calls[0].channel != device.ChannelA || calls[0].op != device.OpSet {
		t.Errorf("call = %+v, want value 138 on channel A with OpSet", calls[0])
	}
}

func TestDispatchPriorityWindow(t *testing.T) {
	dev := stimDevice("d1")
	fc := newFakeController(dev)
	high := &Rule{ID: "high", Trigger: TriggerDeath, Action: ActionSet, Value: 80, DurationMS: 1500, Priority: 100, Enabled: true}
	low := &Rule{ID: "low", Trigger: TriggerHealthDecrease, Action: ActionSet, Value: 10, DurationMS: 800, Priority: 1, Enabled: true}
	equal := &Rule{ID: "equal", Trigger: TriggerRemote, Action: ActionSet, Value: 60, DurationMS: 1500, Priority: 100, Enabled: true}
	e := newTestEngine(t, fc, high, low, equal)

	e.dispatch(job{rule: high, dev: *dev})
	if got := len(fc.strengthCalls()); got != 1 {
		t.Fatalf("after high-priority dispatch: calls = %d, want 1", got)
	}

	// Lower priority inside the window is suppressed.
	e.dispatch(job{rule: low, dev: *dev})
	if got := len(fc.strengthCalls()); got != 1 {
		t.Fatalf("low priority inside window: calls = %d, want 1 (suppressed)", got)
	}

	// Equal priority applies and refreshes the window.
	e.dispatch(job{rule: equal, dev: *dev})
	calls := fc.strengthCalls()
	if len(calls) != 2 {
		t.Fatalf("equal priority: calls = %d, want 2", len(calls))
	}

	// A different channel has its own window.
	lowB := &Rule{ID: "low-b", Trigger: TriggerHealthDecrease, Action: ActionSet, Value: 10, Channel: device.ChannelB, Priority: 1, Enabled: true}
	e.dispatch(job{rule: lowB, dev: *dev})
	if got := len(fc.strengthCalls()); got != 3 {
		t.Errorf("other channel: calls = %d, want 3", got)
	}
}

func TestDispatchCooldown(t *testing.T) {
	dev := stimDevice("d1")
	fc := newFakeController(dev)
	rule := &Rule{ID: "r1", Trigger: TriggerHealthDecrease, Action: ActionSet, Value: 50, CooldownMS: 60000, Enabled: true}
	e := newTestEngine(t, fc, rule)

	e.dispatch(job{rule: rule, dev: *dev})
	e.dispatch(job{rule: rule, dev: *dev})

	if got := len(fc.strengthCalls()); got != 1 {
		t.Errorf("calls = %d, want 1 (second suppressed by cooldown)", got)
	}

	// The cooldown is per rule: a different rule on the same channel with
	// enough priority still fires.
	other := &Rule{ID: "r2", Trigger: TriggerHealthDecrease, Action: ActionSet, Value: 20, Enabled: true}
	e.dispatch(job{rule: other, dev: *dev})
	if got := len(fc.strengthCalls()); got != 2 {
		t.Errorf("calls = %d, want 2 (different rule not on cooldown)", got)
	}
}

func TestDispatchPulseReverts(t *testing.T) {
	dev := stimDevice("d1")
	fc := newFakeController(dev)
	rule := &Rule{ID: "r1", Trigger: TriggerHealthDecrease, Action: ActionPulse, Value: 100, DurationMS: 30, Enabled: true}
	e := newTestEngine(t, fc, rule)
	defer e.Close()

	e.dispatch(job{rule: rule, dev: *dev})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fc.strengthCalls()) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	calls := fc.strengthCalls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2 (pulse then revert)", len(calls))
	}
	if calls[0].value != 276 {
		t.Errorf("pulse value = %d, want 276", calls[0].value)
	}
	if calls[1].value != 0 {
		t.Errorf("revert value = %d, want 0", calls[1].value)
	}
}

func TestDispatchSupersedesPendingRevert(t *testing.T) {
	dev := stimDevice("d1")
	fc := newFakeController(dev)
	pulse := &Rule{ID: "pulse", Trigger: TriggerHealthDecrease, Action: ActionPulse, Value: 100, DurationMS: 50, Priority: 10, Enabled: true}
	set := &Rule{ID: "set", Trigger: TriggerRemote, Action: ActionSet, Value: 40, Priority: 20, Enabled: true}
	e := newTestEngine(t, fc, pulse, set)
	defer e.Close()

	e.dispatch(job{rule: pulse, dev: *dev})
	e.dispatch(job{rule: set, dev: *dev})

	// Had the revert survived, it would zero the channel after 50ms.
	time.Sleep(200 * time.Millisecond)

	calls := fc.strengthCalls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2 (no revert after supersede)", len(calls))
	}
	if last := calls[len(calls)-1]; last.value == 0 {
		t.Errorf("last call zeroed the channel; the newer dispatch must win")
	}
}

func TestDispatchCapabilityGate(t *testing.T) {
	dev := stimDevice("d1")
	dev.Capabilities = []device.Capability{device.CapChannelStrength}
	fc := newFakeController(dev)
	rule := &Rule{ID: "r1", Trigger: TriggerHealthDecrease, Action: ActionWaveform, Value: 50, DurationMS: 500, Enabled: true}
	e := newTestEngine(t, fc, rule)

	e.dispatch(job{rule: rule, dev: *dev})

	if got := len(fc.waveformCalls()); got != 0 {
		t.Errorf("waveform calls = %d, want 0 (capability missing)", got)
	}
}

func TestDispatchMissingChannel(t *testing.T) {
	dev := stimDevice("d1")
	delete(dev.Channels, device.ChannelB)
	fc := newFakeController(dev)
	rule := &Rule{ID: "r1", Trigger: TriggerHealthDecrease, Action: ActionSet, Value: 50, Channel: device.ChannelB, Enabled: true}
	e := newTestEngine(t, fc, rule)

	e.dispatch(job{rule: rule, dev: *dev})

	if got := len(fc.strengthCalls()); got != 0 {
		t.Errorf("calls = %d, want 0 (device lacks channel B)", got)
	}
}

func TestApplyWaveformSynthesis(t *testing.T) {
	dev := stimDevice("d1")
	fc := newFakeController(dev)
	rule := &Rule{ID: "r1", Trigger: TriggerSensor, Action: ActionWaveform, Value: 150, DurationMS: 500, Enabled: true}
	e := newTestEngine(t, fc, rule)

	e.dispatch(job{rule: rule, dev: *dev})

	wfs := fc.waveformCalls()
	if len(wfs) != 1 {
		t.Fatalf("waveform calls = %d, want 1", len(wfs))
	}
	wf := wfs[0]
	if len(wf) != 5 {
		t.Fatalf("segments = %d, want 5 (500ms at 100ms per segment)", len(wf))
	}
	for i, seg := range wf {
		if seg.Frequency != waveCarrierFreq {
			t.Errorf("segment %d frequency = %d, want %d", i, seg.Frequency, waveCarrierFreq)
		}
		// Legacy value 150 normalizes to 75.
		if seg.PulseWidth != 75 {
			t.Errorf("segment %d pulse width = %d, want 75", i, seg.PulseWidth)
		}
	}
}

func TestApplyCustomUsesEventFields(t *testing.T) {
	dev := stimDevice("d1")
	fc := newFakeController(dev)
	rule := &Rule{ID: "r1", Trigger: TriggerMod, Action: ActionCustom, Enabled: true}
	e := newTestEngine(t, fc, rule)

	// Missing fields: skipped, not fatal.
	e.dispatch(job{rule: rule, dev: *dev, event: bus.Event{Type: bus.EventMod}})
	if got := len(fc.waveformCalls()); got != 0 {
		t.Fatalf("waveform calls = %d, want 0 for missing fields", got)
	}

	e.dispatch(job{rule: rule, dev: *dev, event: bus.Event{
		Type:   bus.EventMod,
		Fields: map[string]float64{"frequency": 42, "pulse_width": 66},
	}})
	wfs := fc.waveformCalls()
	if len(wfs) != 1 {
		t.Fatalf("waveform calls = %d, want 1", len(wfs))
	}
	if wfs[0][0].Frequency != 42 || wfs[0][0].PulseWidth != 66 {
		t.Errorf("segment = %+v, want frequency 42 pulse width 66", wfs[0][0])
	}
}

func TestHandleEventResolution(t *testing.T) {
	dev := stimDevice("d1")
	fc := newFakeController(dev)

	matching := &Rule{ID: "match", Trigger: TriggerHealthDecrease, Action: ActionSet, Value: 50, Enabled: true}
	disabled := &Rule{ID: "off", Trigger: TriggerHealthDecrease, Action: ActionSet, Value: 99, Enabled: false}
	conditional := &Rule{
		ID: "cond", Trigger: TriggerSensor, Action: ActionSet, Value: 30, Enabled: true,
		Condition: &Condition{Op: OpGreater, Threshold: 100},
	}
	e := newTestEngine(t, fc, matching, disabled, conditional)

	// handleEvent enqueues through per-device workers, which need a running
	// engine context.
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer e.Close()

	waitCalls := func(want int, desc string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if len(fc.strengthCalls()) >= want {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		if got := len(fc.strengthCalls()); got != want {
			t.Fatalf("%s: calls = %d, want %d", desc, got, want)
		}
	}

	// Trigger match fires the enabled rule only.
	e.handleEvent(bus.Event{Type: bus.EventHealthDecrease, Value: 10})
	waitCalls(1, "trigger match")

	// Condition below threshold: no dispatch.
	e.handleEvent(bus.Event{Type: bus.EventSensor, Value: 50})
	time.Sleep(50 * time.Millisecond)
	waitCalls(1, "condition miss")

	// Condition above threshold fires.
	e.handleEvent(bus.Event{Type: bus.EventSensor, Value: 150})
	waitCalls(2, "condition hit")

	// Internal notifications never reach the rules.
	e.handleEvent(bus.Event{Type: bus.EventDeviceTelemetry, Value: 1})
	e.handleEvent(bus.Event{Type: bus.EventHealthDecrease, Value: 1, SkipDispatch: true})
	time.Sleep(50 * time.Millisecond)
	waitCalls(2, "internal events")

	// An event naming a rule bypasses trigger matching; disabled rules
	// stay silent even when named.
	e.handleEvent(bus.Event{Type: bus.EventRemoteCommand, RuleID: "match"})
	waitCalls(3, "explicit rule id")
	e.handleEvent(bus.Event{Type: bus.EventRemoteCommand, RuleID: "off"})
	time.Sleep(50 * time.Millisecond)
	waitCalls(3, "explicit disabled rule")
}

func TestResolveTargetsFamilyFilter(t *testing.T) {
	stim := stimDevice("stim")
	act := &device.Device{
		ID:           "act",
		Family:       device.FamilyActuator,
		Status:       device.StatusConnected,
		Capabilities: []device.Capability{device.CapChannelStrength},
		Channels: map[device.Channel]*device.ChannelState{
			device.ChannelA: {Limit: device.MaxStrengthActuator},
		},
	}
	fc := newFakeController(stim, act)
	rule := &Rule{ID: "r1", Trigger: TriggerHealthDecrease, Action: ActionSet, Value: 50, TargetFamily: device.FamilyStimulation, Enabled: true}
	e := newTestEngine(t, fc, rule)

	targets := e.resolveTargets(rule, bus.Event{Type: bus.EventHealthDecrease})
	if len(targets) != 1 || targets[0].ID != "stim" {
		t.Fatalf("targets = %+v, want just the stimulation device", targets)
	}

	// A device-addressed event outside the rule's family resolves to nothing.
	targets = e.resolveTargets(rule, bus.Event{Type: bus.EventHealthDecrease, DeviceID: "act"})
	if len(targets) != 0 {
		t.Errorf("targets = %+v, want none for family mismatch", targets)
	}
}

func TestGlobalScaleClamps(t *testing.T) {
	e := NewEngine(newFakeController(), &fakeSource{}, bus.New(), 250, nil)
	if got := e.GlobalScale(); got != 100 {
		t.Errorf("GlobalScale() = %d, want 100 (clamped)", got)
	}
	e.SetGlobalScale(-10)
	if got := e.GlobalScale(); got != 0 {
		t.Errorf("GlobalScale() = %d, want 0 (clamped)", got)
	}
}
